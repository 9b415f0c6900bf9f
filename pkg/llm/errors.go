package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// ErrorKind is the common taxonomy every provider failure is mapped into
// before leaving this package. The retry policy is a pure function of the
// kind, never of the underlying error type.
type ErrorKind string

// Error kinds.
const (
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindAuth        ErrorKind = "auth"
	KindMalformed   ErrorKind = "malformed"
	KindCancelled   ErrorKind = "cancelled"
	KindNetwork     ErrorKind = "network"
	KindUpstream    ErrorKind = "upstream"
)

// Error is a classified provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the facade may attempt the call again.
// Timeouts and network failures retry; a 429 retries (once, with a longer
// delay); auth failures, malformed responses, and cancellation never do.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindRateLimited:
		return true
	default:
		return false
	}
}

func newError(kind ErrorKind, provider, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, cause: cause}
}

// classifyStatus maps a provider HTTP status into the taxonomy. The numeric
// code is preserved in the message.
func classifyStatus(provider string, status int, body string) *Error {
	msg := fmt.Sprintf("status %d: %s", status, truncate(body, 200))
	switch {
	case status == http.StatusTooManyRequests:
		return newError(KindRateLimited, provider, msg, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return newError(KindAuth, provider, msg, nil)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return newError(KindTimeout, provider, msg, nil)
	case status >= 500:
		return newError(KindNetwork, provider, msg, nil)
	default:
		return newError(KindUpstream, provider, msg, nil)
	}
}

// classifyErr maps a transport-level error into the taxonomy.
func classifyErr(provider string, err error) *Error {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return newError(KindCancelled, provider, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return newError(KindTimeout, provider, "deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, provider, err.Error(), err)
	}
	return newError(KindNetwork, provider, err.Error(), err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
