package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/models"
	"github.com/mindcanvas/mindcanvas/pkg/ratelimit"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
)

// Client is the facade over all configured providers. It is stateless
// apart from the injected collaborators and safe for concurrent use.
type Client struct {
	registry *config.ProviderRegistry
	limiter  ratelimit.Limiter
	usage    UsageReporter
	metrics  *telemetry.Metrics

	// httpClient is shared across providers; per-call deadlines come from
	// the request context, not client-wide timeouts.
	httpClient *http.Client
}

// NewClient creates the LLM facade.
func NewClient(reg *config.ProviderRegistry, limiter ratelimit.Limiter, usage UsageReporter, metrics *telemetry.Metrics) *Client {
	if usage == nil {
		usage = NopUsageReporter{}
	}
	return &Client{
		registry:   reg,
		limiter:    limiter,
		usage:      usage,
		metrics:    metrics,
		httpClient: &http.Client{},
	}
}

// Providers returns the configured provider ids in stable order.
func (c *Client) Providers() []string {
	return c.registry.IDs()
}

// Chat performs a one-shot call with admission control, retries, and
// accounting. It returns within the request timeout or fails with a
// KindTimeout error.
func (c *Client) Chat(ctx context.Context, providerID string, req ChatRequest) (*Completion, error) {
	provider, err := c.registry.Get(providerID)
	if err != nil {
		return nil, newError(KindUpstream, providerID, err.Error(), err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = provider.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var completion *Completion
	err = c.withRetries(ctx, provider.ID, func(ctx context.Context) *Error {
		completion = nil
		attemptStart := time.Now()

		permit, err := c.acquire(ctx, provider.ID)
		if err != nil {
			return err
		}
		defer permit.Release()

		result, callErr := c.doChat(ctx, provider, req)
		c.recordAttempt(provider, req, result, callErr, time.Since(attemptStart))
		if callErr != nil {
			return callErr
		}
		completion = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	completion.Latency = time.Since(start)
	if c.metrics != nil {
		c.metrics.LLMLatency.WithLabelValues(provider.ID).Observe(completion.Latency.Seconds())
	}
	return completion, nil
}

// ChatStream opens a streaming call. The permit is held for the lifetime
// of the stream and released on every exit path, including consumer
// abandonment (ctx cancellation closes the upstream connection).
//
// The returned channel is unbuffered: the producer does not advance until
// the consumer reads, which is the backpressure contract.
func (c *Client) ChatStream(ctx context.Context, providerID string, req ChatRequest) (<-chan Chunk, error) {
	provider, err := c.registry.Get(providerID)
	if err != nil {
		return nil, newError(KindUpstream, providerID, err.Error(), err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = provider.Timeout
	}
	// The stream owns this cancel; it fires on terminal chunk delivery.
	streamCtx, cancel := context.WithTimeout(ctx, timeout)

	permit, aerr := c.acquire(streamCtx, provider.ID)
	if aerr != nil {
		cancel()
		return nil, aerr
	}

	body, oerr := c.openStream(streamCtx, provider, req)
	if oerr != nil {
		permit.Release()
		cancel()
		c.recordAttempt(provider, req, nil, oerr, 0)
		return nil, oerr
	}

	out := make(chan Chunk)
	go func() {
		defer cancel()
		defer permit.Release()
		defer close(out)

		usage, streamErr := c.consumeStream(streamCtx, provider, body, out)
		c.recordStream(provider, req, usage, streamErr)

		// Terminal chunk. The consumer may already be gone; never block
		// past cancellation.
		var terminal Chunk
		if streamErr != nil {
			terminal = ErrorChunk{Kind: streamErr.Kind, Message: streamErr.Message}
		} else {
			terminal = DoneChunk{Usage: usage}
		}
		select {
		case out <- terminal:
		case <-streamCtx.Done():
		}
	}()
	return out, nil
}

// acquire obtains a rate-limit permit, mapping limiter failures into the
// error taxonomy and recording the wait.
func (c *Client) acquire(ctx context.Context, providerID string) (*ratelimit.Permit, *Error) {
	permit, err := c.limiter.Acquire(ctx, providerID)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return nil, newError(KindCancelled, providerID, "cancelled while waiting for permit", err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, newError(KindTimeout, providerID, "deadline exceeded while waiting for permit", err)
		default:
			return nil, newError(KindRateLimited, providerID, err.Error(), err)
		}
	}
	if c.metrics != nil {
		c.metrics.RateLimitWait.WithLabelValues(providerID).Observe(permit.WaitTime.Seconds())
	}
	return permit, nil
}

// recordAttempt reports accounting and telemetry for one completed or
// failed one-shot attempt.
func (c *Client) recordAttempt(provider *config.ProviderConfig, req ChatRequest, result *Completion, callErr *Error, elapsed time.Duration) {
	outcome := "success"
	usage := Usage{}
	if callErr != nil {
		outcome = string(callErr.Kind)
	} else if result != nil {
		usage = result.Usage
	}
	if c.metrics != nil {
		c.metrics.LLMRequests.WithLabelValues(provider.ID, req.RequestType, outcome).Inc()
		c.metrics.LLMTokens.WithLabelValues(provider.ID, "prompt").Add(float64(usage.PromptTokens))
		c.metrics.LLMTokens.WithLabelValues(provider.ID, "completion").Add(float64(usage.CompletionTokens))
	}
	if req.UserID != 0 && (callErr == nil || usage.PromptTokens > 0) {
		c.usage.Report(models.TokenUsageRecord{
			UserID:           req.UserID,
			Model:            provider.Model,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			RequestType:      req.RequestType,
			CreatedAt:        time.Now(),
		})
	}
	if callErr != nil && callErr.Kind != KindCancelled {
		slog.Warn("LLM call failed",
			"provider", provider.ID,
			"request_type", req.RequestType,
			"kind", callErr.Kind,
			"elapsed", elapsed,
			"error", callErr.Message)
	}
}

// recordStream reports accounting for a finished stream.
func (c *Client) recordStream(provider *config.ProviderConfig, req ChatRequest, usage Usage, streamErr *Error) {
	outcome := "success"
	if streamErr != nil {
		outcome = string(streamErr.Kind)
	}
	if c.metrics != nil {
		c.metrics.LLMRequests.WithLabelValues(provider.ID, req.RequestType, outcome).Inc()
		c.metrics.LLMTokens.WithLabelValues(provider.ID, "prompt").Add(float64(usage.PromptTokens))
		c.metrics.LLMTokens.WithLabelValues(provider.ID, "completion").Add(float64(usage.CompletionTokens))
	}
	if req.UserID != 0 && (streamErr == nil || usage.PromptTokens > 0) {
		c.usage.Report(models.TokenUsageRecord{
			UserID:           req.UserID,
			Model:            provider.Model,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			RequestType:      req.RequestType,
			CreatedAt:        time.Now(),
		})
	}
}
