package llm

import (
	"context"

	"time"

	"github.com/sethvargo/go-retry"
)

// Retry schedule: the first attempt plus up to maxRetries retries, backed
// off 1s, 2s, 4s for timeouts and network failures. A 429 is retried once
// after a longer cool-down. Auth failures, malformed responses, and
// cancellation surface immediately.
const maxRetries = 3

// Backoff delays are variables so tests can compress the schedule.
var (
	baseBackoff        = 1 * time.Second
	rateLimitedBackoff = 5 * time.Second
)

// withRetries runs fn under the facade retry policy. fn must return a
// classified *Error (or nil); only the final failure escapes.
func (c *Client) withRetries(ctx context.Context, providerID string, fn func(ctx context.Context) *Error) error {
	var lastErr *Error
	rateLimitRetried := false
	retriesUsed := 0

	// The delay depends on what just failed, so the backoff closes over
	// the last classified error instead of being a fixed schedule.
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if retriesUsed >= maxRetries {
			return 0, true
		}
		delay := baseBackoff << retriesUsed
		if lastErr != nil && lastErr.Kind == KindRateLimited {
			delay = rateLimitedBackoff
		}
		retriesUsed++
		return delay, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callErr := fn(ctx)
		if callErr == nil {
			lastErr = nil
			return nil
		}
		lastErr = callErr

		if !callErr.Retryable() {
			return callErr
		}
		// A 429 gets exactly one second chance.
		if callErr.Kind == KindRateLimited {
			if rateLimitRetried {
				return callErr
			}
			rateLimitRetried = true
		}
		return retry.RetryableError(callErr)
	})
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return classifyErr(providerID, err)
}
