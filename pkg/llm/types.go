// Package llm is the single call surface over all configured providers.
// It applies timeouts, retries with back-off, admission through the rate
// limiter, error classification, and usage accounting, so callers deal
// with exactly one contract regardless of which backend serves the call.
package llm

import (
	"time"

	"github.com/mindcanvas/mindcanvas/pkg/models"
)

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-independent request shape.
type ChatRequest struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// Timeout overrides the provider default for this call.
	Timeout time.Duration
	// RequestType buckets the call for telemetry and accounting
	// (e.g. "generate_diagram", "node_palette").
	RequestType string
	// UserID attributes token usage. Zero means unattributed (internal).
	UserID int64
}

// Usage is the token accounting a provider reports for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is the result of a one-shot call.
type Completion struct {
	Content string
	Model   string
	Usage   Usage
	Latency time.Duration
}

// Chunk is one element of a streaming call. The channel carries zero or
// more DeltaChunk/MetaChunk values and exactly one terminal DoneChunk or
// ErrorChunk, after which it is closed.
type Chunk interface {
	chunkType() string
}

// DeltaChunk is a partial completion text fragment.
type DeltaChunk struct{ Text string }

// MetaChunk carries intermediate accounting (tokens seen so far).
type MetaChunk struct{ TokensSoFar int }

// DoneChunk terminates a successful stream with usage totals.
type DoneChunk struct{ Usage Usage }

// ErrorChunk terminates a failed stream.
type ErrorChunk struct {
	Kind    ErrorKind
	Message string
}

func (DeltaChunk) chunkType() string { return "delta" }
func (MetaChunk) chunkType() string  { return "meta" }
func (DoneChunk) chunkType() string  { return "done" }
func (ErrorChunk) chunkType() string { return "error" }

// UsageReporter receives one record per completed (or failed) attempt.
// Implemented by the token-usage buffer; must never block the caller.
type UsageReporter interface {
	Report(record models.TokenUsageRecord)
}

// NopUsageReporter discards records (tests, internal calls).
type NopUsageReporter struct{}

// Report implements UsageReporter.
func (NopUsageReporter) Report(models.TokenUsageRecord) {}
