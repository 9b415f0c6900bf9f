package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindcanvas/mindcanvas/pkg/llm"
	"github.com/mindcanvas/mindcanvas/pkg/models"
)

// scriptedChatter answers each call from a queue.
type scriptedChatter struct {
	answers []string
	calls   []llm.ChatRequest
	err     error
}

func (c *scriptedChatter) Chat(_ context.Context, _ string, req llm.ChatRequest) (*llm.Completion, error) {
	c.calls = append(c.calls, req)
	if c.err != nil {
		return nil, c.err
	}
	answer := c.answers[0]
	c.answers = c.answers[1:]
	return &llm.Completion{Content: answer, Usage: llm.Usage{PromptTokens: 3, CompletionTokens: 9}}, nil
}

func TestGenerate_ComparisonPrompt(t *testing.T) {
	chatter := &scriptedChatter{answers: []string{
		"double_bubble_map",
		`{"left":"cats","right":"dogs","similarities":["pets"],"left_differences":["meow"],"right_differences":["bark"]}`,
	}}
	svc := NewService(chatter, "prov")

	result, err := svc.Generate(context.Background(), Request{Prompt: "compare cats and dogs", Language: "en", UserID: 7})
	require.NoError(t, err)

	assert.Equal(t, models.DiagramDoubleBubbleMap, result.Type)
	assert.Equal(t, "cats", result.Spec["left"])
	assert.Equal(t, "dogs", result.Spec["right"])
	require.Len(t, chatter.calls, 2, "classify then generate")
	assert.Equal(t, "classify_diagram", chatter.calls[0].RequestType)
	assert.Equal(t, "generate_diagram", chatter.calls[1].RequestType)
	assert.Equal(t, int64(7), chatter.calls[1].UserID, "usage is attributed")
}

func TestGenerate_ExplicitKindSkipsClassification(t *testing.T) {
	chatter := &scriptedChatter{answers: []string{
		`{"topic":"water","attributes":["wet","clear"]}`,
	}}
	svc := NewService(chatter, "prov")

	result, err := svc.Generate(context.Background(), Request{Prompt: "water", Kind: models.DiagramBubbleMap})
	require.NoError(t, err)
	assert.Equal(t, models.DiagramBubbleMap, result.Type)
	assert.Len(t, chatter.calls, 1)
}

func TestGenerate_StripsMarkdownFences(t *testing.T) {
	chatter := &scriptedChatter{answers: []string{
		"```json\n{\"topic\":\"sun\",\"attributes\":[\"hot\"]}\n```",
	}}
	svc := NewService(chatter, "prov")

	result, err := svc.Generate(context.Background(), Request{Prompt: "sun", Kind: models.DiagramBubbleMap})
	require.NoError(t, err)
	assert.Equal(t, "sun", result.Spec["topic"])
}

func TestGenerate_UnrecognizedClassificationDefaults(t *testing.T) {
	chatter := &scriptedChatter{answers: []string{
		"I think this is a flowchart",
		`{"topic":"x","attributes":["y"]}`,
	}}
	svc := NewService(chatter, "prov")

	result, err := svc.Generate(context.Background(), Request{Prompt: "something odd"})
	require.NoError(t, err)
	assert.Equal(t, models.DiagramBubbleMap, result.Type)
}

func TestGenerate_InvalidSpecRejected(t *testing.T) {
	chatter := &scriptedChatter{answers: []string{
		`{"left":"cats"}`,
	}}
	svc := NewService(chatter, "prov")

	_, err := svc.Generate(context.Background(), Request{Prompt: "compare", Kind: models.DiagramDoubleBubbleMap})
	assert.ErrorIs(t, err, ErrBadSpec)
}

func TestGenerate_InputValidation(t *testing.T) {
	svc := NewService(&scriptedChatter{}, "prov")

	_, err := svc.Generate(context.Background(), Request{Prompt: "   "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	_, err = svc.Generate(context.Background(), Request{Prompt: "x", Kind: "flowchart"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}
