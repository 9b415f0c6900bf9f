package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// ProviderKind distinguishes how a provider is invoked.
type ProviderKind string

// Provider kinds.
const (
	// ProviderKindChat is an OpenAI-compatible HTTP endpoint supporting
	// both one-shot and stream=true calls.
	ProviderKindChat ProviderKind = "chat"
	// ProviderKindRealtime is a persistent duplex WebSocket endpoint used
	// for voice/realtime scenarios.
	ProviderKindRealtime ProviderKind = "realtime"
)

// RateLimitScope selects process-local or store-coordinated limiting.
type RateLimitScope string

// Rate limit scopes. Global is required when more than one worker process
// serves traffic.
const (
	ScopeProcess RateLimitScope = "process"
	ScopeGlobal  RateLimitScope = "global"
)

// ProviderConfig describes one upstream LLM backend.
type ProviderConfig struct {
	ID      string
	Kind    ProviderKind
	BaseURL string
	APIKey  string
	Model   string

	QPMLimit        int
	ConcurrentLimit int
	Timeout         time.Duration
}

// ProviderRegistry holds the configured providers plus the limiter scope.
type ProviderRegistry struct {
	Scope     RateLimitScope
	providers map[string]*ProviderConfig
}

// defaultProviderIDs is the provider set assumed when LLM_PROVIDERS is not
// set. Only providers with an API key in the environment are registered.
var defaultProviderIDs = []string{"openai", "deepseek", "qwen", "kimi"}

// builtinBaseURLs maps known provider ids to their public endpoints so a
// minimal environment only needs the API keys.
var builtinBaseURLs = map[string]string{
	"openai":   "https://api.openai.com/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"qwen":     "https://dashscope.aliyuncs.com/compatible-mode/v1",
	"kimi":     "https://api.moonshot.cn/v1",
}

var builtinModels = map[string]string{
	"openai":   "gpt-4o-mini",
	"deepseek": "deepseek-chat",
	"qwen":     "qwen-plus",
	"kimi":     "moonshot-v1-8k",
}

// LoadProviders reads provider configuration from the environment.
// Recognized keys per provider NAME (upper-cased id):
// NAME_API_KEY, NAME_BASE_URL, NAME_MODEL, NAME_QPM_LIMIT,
// NAME_CONCURRENT_LIMIT, NAME_TIMEOUT_SECONDS, NAME_KIND.
func LoadProviders() (*ProviderRegistry, error) {
	ids := defaultProviderIDs
	if raw := os.Getenv("LLM_PROVIDERS"); raw != "" {
		ids = nil
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(strings.ToLower(id)); id != "" {
				ids = append(ids, id)
			}
		}
	}

	reg := &ProviderRegistry{
		Scope:     RateLimitScope(getEnv("RATE_LIMIT_SCOPE", string(ScopeGlobal))),
		providers: make(map[string]*ProviderConfig),
	}
	if reg.Scope != ScopeProcess && reg.Scope != ScopeGlobal {
		return nil, fmt.Errorf("invalid RATE_LIMIT_SCOPE %q (want process or global)", reg.Scope)
	}

	for _, id := range ids {
		prefix := strings.ToUpper(id)
		apiKey := os.Getenv(prefix + "_API_KEY")
		if apiKey == "" {
			// Providers without credentials are silently skipped so the
			// default provider list does not force four API keys on dev.
			continue
		}

		kind := ProviderKind(getEnv(prefix+"_KIND", string(ProviderKindChat)))
		if kind != ProviderKindChat && kind != ProviderKindRealtime {
			return nil, fmt.Errorf("invalid %s_KIND %q", prefix, kind)
		}

		p := &ProviderConfig{
			ID:              id,
			Kind:            kind,
			BaseURL:         getEnv(prefix+"_BASE_URL", builtinBaseURLs[id]),
			APIKey:          apiKey,
			Model:           getEnv(prefix+"_MODEL", builtinModels[id]),
			QPMLimit:        getEnvIntLenient(prefix+"_QPM_LIMIT", 200),
			ConcurrentLimit: getEnvIntLenient(prefix+"_CONCURRENT_LIMIT", 20),
			Timeout:         getEnvSeconds(prefix+"_TIMEOUT_SECONDS", 60*time.Second),
		}
		if p.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: %s_BASE_URL is required for non-builtin providers", id, prefix)
		}
		reg.providers[id] = p
	}

	return reg, nil
}

// NewProviderRegistry builds a registry from explicit configs (tests).
func NewProviderRegistry(scope RateLimitScope, configs ...*ProviderConfig) *ProviderRegistry {
	reg := &ProviderRegistry{
		Scope:     scope,
		providers: make(map[string]*ProviderConfig, len(configs)),
	}
	for _, p := range configs {
		reg.providers[p.ID] = p
	}
	return reg
}

// Get retrieves a provider configuration by id.
func (r *ProviderRegistry) Get(id string) (*ProviderConfig, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider %q", id)
	}
	return p, nil
}

// IDs returns the configured provider ids, sorted for deterministic fan-out.
func (r *ProviderRegistry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ChatIDs returns the chat-kind provider ids, sorted. These are the
// candidates for palette fan-out and one-shot generation.
func (r *ProviderRegistry) ChatIDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id, p := range r.providers {
		if p.Kind == ProviderKindChat {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of configured providers.
func (r *ProviderRegistry) Len() int {
	return len(r.providers)
}
