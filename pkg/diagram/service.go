// Package diagram implements synchronous one-shot diagram generation:
// classify the prompt into a diagram kind, ask a provider for the spec,
// and validate the result into its typed form.
package diagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mindcanvas/mindcanvas/pkg/llm"
	"github.com/mindcanvas/mindcanvas/pkg/models"
)

var (
	// ErrEmptyPrompt rejects requests with nothing to work from.
	ErrEmptyPrompt = errors.New("diagram: empty prompt")

	// ErrUnknownKind rejects an explicit kind the service does not support.
	ErrUnknownKind = errors.New("diagram: unknown diagram kind")

	// ErrBadSpec means the provider returned a spec that does not validate
	// against its kind's shape.
	ErrBadSpec = errors.New("diagram: provider returned invalid spec")
)

const (
	// generateTimeout is the overall budget for one generation request.
	generateTimeout = 10 * time.Second
	maxPromptLen    = 2000
)

// Chatter is the facade surface the service calls. Satisfied by *llm.Client.
type Chatter interface {
	Chat(ctx context.Context, providerID string, req llm.ChatRequest) (*llm.Completion, error)
}

// Request is one generation request.
type Request struct {
	Prompt   string             `json:"prompt"`
	Kind     models.DiagramKind `json:"kind,omitempty"`
	Style    string             `json:"style,omitempty"`
	Language string             `json:"language,omitempty"`
	UserID   int64              `json:"-"`
}

// Service generates diagrams through a single configured provider.
type Service struct {
	llm      Chatter
	provider string
}

// NewService creates the generation service bound to one provider id.
func NewService(client Chatter, provider string) *Service {
	return &Service{llm: client, provider: provider}
}

// Generate runs the classify-then-generate pipeline.
func (s *Service) Generate(ctx context.Context, req Request) (*models.DiagramResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if len(prompt) > maxPromptLen {
		prompt = prompt[:maxPromptLen]
	}

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	kind := req.Kind
	if kind == "" {
		classified, err := s.classify(ctx, prompt, req.UserID)
		if err != nil {
			return nil, err
		}
		kind = classified
	} else if !kind.Valid() {
		return nil, ErrUnknownKind
	}

	spec, err := s.generateSpec(ctx, kind, prompt, req)
	if err != nil {
		return nil, err
	}
	slog.Info("Diagram generated", "kind", kind, "user_id", req.UserID)
	return &models.DiagramResult{Type: kind, Spec: spec}, nil
}

// classify maps a free-form prompt onto a diagram kind. Comparison prompts
// become double bubble maps, part-whole prompts brace maps, and so on; the
// provider does the mapping, with bubble_map as the fallback.
func (s *Service) classify(ctx context.Context, prompt string, userID int64) (models.DiagramKind, error) {
	completion, err := s.llm.Chat(ctx, s.provider, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: classifySystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		MaxTokens:   10,
		RequestType: "classify_diagram",
		UserID:      userID,
	})
	if err != nil {
		return "", err
	}
	kind := models.DiagramKind(strings.TrimSpace(strings.ToLower(completion.Content)))
	if !kind.Valid() {
		slog.Debug("Unrecognized classification, defaulting", "answer", completion.Content)
		return models.DiagramBubbleMap, nil
	}
	return kind, nil
}

// generateSpec asks for the spec JSON and validates it for the kind.
func (s *Service) generateSpec(ctx context.Context, kind models.DiagramKind, prompt string, req Request) (map[string]any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Diagram kind: %s\nPrompt: %s\n", kind, prompt)
	if req.Style != "" {
		fmt.Fprintf(&b, "Style: %s\n", req.Style)
	}
	if req.Language != "" {
		fmt.Fprintf(&b, "Respond in language: %s\n", req.Language)
	}
	b.WriteString(specInstructions(kind))

	completion, err := s.llm.Chat(ctx, s.provider, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: generateSystemPrompt},
			{Role: llm.RoleUser, Content: b.String()},
		},
		MaxTokens:   1024,
		RequestType: "generate_diagram",
		UserID:      req.UserID,
	})
	if err != nil {
		return nil, err
	}
	return parseSpec(kind, completion.Content)
}

// parseSpec strips markdown fencing, decodes, and validates the shape for
// the kind. The validated typed form is round-tripped back to a generic
// map so the response keeps only known fields.
func parseSpec(kind models.DiagramKind, raw string) (map[string]any, error) {
	payload := stripFences(raw)

	var typed any
	switch kind {
	case models.DiagramDoubleBubbleMap:
		var spec models.DoubleBubbleSpec
		if err := json.Unmarshal([]byte(payload), &spec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadSpec, err)
		}
		if spec.Left == "" || spec.Right == "" {
			return nil, fmt.Errorf("%w: missing left/right topics", ErrBadSpec)
		}
		typed = spec
	case models.DiagramBubbleMap, models.DiagramMindMap:
		var spec models.BubbleSpec
		if err := json.Unmarshal([]byte(payload), &spec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadSpec, err)
		}
		if spec.Topic == "" || len(spec.Attributes) == 0 {
			return nil, fmt.Errorf("%w: missing topic or attributes", ErrBadSpec)
		}
		typed = spec
	case models.DiagramTreeMap:
		var spec models.TreeSpec
		if err := json.Unmarshal([]byte(payload), &spec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadSpec, err)
		}
		if spec.Topic == "" || len(spec.Categories) == 0 {
			return nil, fmt.Errorf("%w: missing topic or categories", ErrBadSpec)
		}
		typed = spec
	case models.DiagramBraceMap:
		var spec models.BraceSpec
		if err := json.Unmarshal([]byte(payload), &spec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadSpec, err)
		}
		if spec.Whole == "" || len(spec.Parts) == 0 {
			return nil, fmt.Errorf("%w: missing whole or parts", ErrBadSpec)
		}
		typed = spec
	default:
		return nil, ErrUnknownKind
	}

	blob, err := json.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSpec, err)
	}
	var out map[string]any
	if err := json.Unmarshal(blob, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSpec, err)
	}
	return out, nil
}

// stripFences removes a wrapping markdown code fence if present.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

const classifySystemPrompt = "Classify the user's request into exactly one diagram kind. " +
	"Answer with a single token from: bubble_map, double_bubble_map, tree_map, brace_map, mind_map. " +
	"Comparisons are double_bubble_map; part-whole decompositions are brace_map; " +
	"classifications are tree_map; otherwise bubble_map."

const generateSystemPrompt = "You produce diagram specs as bare JSON. " +
	"No prose, no markdown fences, only the JSON object."

func specInstructions(kind models.DiagramKind) string {
	switch kind {
	case models.DiagramDoubleBubbleMap:
		return `Return JSON: {"left","right","similarities":[],"left_differences":[],"right_differences":[]}`
	case models.DiagramTreeMap:
		return `Return JSON: {"topic","dimension","categories":{"name":["child"]}}`
	case models.DiagramBraceMap:
		return `Return JSON: {"whole","parts":{"part":["subpart"]}}`
	default:
		return `Return JSON: {"topic","attributes":["attribute"]}`
	}
}
