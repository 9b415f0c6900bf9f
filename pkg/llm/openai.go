package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/version"
)

// Wire types for the OpenAI-compatible chat completions protocol. Every
// configured chat provider speaks this shape; provider-specific differences
// are normalized here and nowhere else.

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

const streamDoneSentinel = "[DONE]"

// doChat performs one one-shot HTTP attempt against an OpenAI-compatible
// endpoint. Errors come back classified.
func (c *Client) doChat(ctx context.Context, provider *config.ProviderConfig, req ChatRequest) (*Completion, *Error) {
	httpReq, err := c.buildRequest(ctx, provider, req, false)
	if err != nil {
		return nil, newError(KindMalformed, provider.ID, err.Error(), err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyErr(provider.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, classifyErr(provider.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(provider.ID, resp.StatusCode, string(body))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, newError(KindMalformed, provider.ID, "unparseable response body", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, newError(KindMalformed, provider.ID, "response has no choices", nil)
	}

	model := parsed.Model
	if model == "" {
		model = provider.Model
	}
	return &Completion{
		Content: parsed.Choices[0].Message.Content,
		Model:   model,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

// openStream issues the stream=true request and returns the response body
// once the status line confirms success. The body must be closed by the
// consumer path (consumeStream does this).
func (c *Client) openStream(ctx context.Context, provider *config.ProviderConfig, req ChatRequest) (io.ReadCloser, *Error) {
	httpReq, err := c.buildRequest(ctx, provider, req, true)
	if err != nil {
		return nil, newError(KindMalformed, provider.ID, err.Error(), err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyErr(provider.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, classifyStatus(provider.ID, resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// consumeStream parses SSE frames off the provider connection and forwards
// Delta/Meta chunks to out. It returns the final usage, or a classified
// error. The upstream body is always closed; cancellation of ctx aborts
// the blocked read because the request carries the same context.
func (c *Client) consumeStream(ctx context.Context, provider *config.ProviderConfig, body io.ReadCloser, out chan<- Chunk) (Usage, *Error) {
	defer func() { _ = body.Close() }()

	var usage Usage
	completionTokens := 0
	sawDone := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == streamDoneSentinel {
			sawDone = true
			break
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return usage, newError(KindMalformed, provider.ID, "unparseable stream frame", err)
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			completionTokens++
			select {
			case out <- DeltaChunk{Text: text}:
			case <-ctx.Done():
				return usage, classifyErr(provider.ID, ctx.Err())
			}
			// Occasional intermediate accounting so long generations are
			// observable before the final usage frame.
			if completionTokens%50 == 0 {
				select {
				case out <- MetaChunk{TokensSoFar: completionTokens}:
				case <-ctx.Done():
					return usage, classifyErr(provider.ID, ctx.Err())
				}
			}
		}
		if chunk.Choices[0].FinishReason != nil {
			sawDone = true
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, classifyErr(provider.ID, err)
	}
	if !sawDone {
		return usage, newError(KindMalformed, provider.ID, "stream ended without terminal frame", nil)
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = completionTokens
	}
	return usage, nil
}

func (c *Client) buildRequest(ctx context.Context, provider *config.ProviderConfig, req ChatRequest, stream bool) (*http.Request, error) {
	payload := chatCompletionRequest{
		Model:       provider.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(provider.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	httpReq.Header.Set("User-Agent", version.Full())
	return httpReq, nil
}
