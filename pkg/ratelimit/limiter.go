// Package ratelimit bounds request rate and concurrency per LLM provider.
//
// Two axes are enforced: a sliding-window QPM budget (requests initiated in
// any trailing 60 seconds) and a concurrent-slot cap (requests in flight at
// one instant). The process scope enforces both in memory; the global scope
// coordinates across worker processes through the coordination store.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mindcanvas/mindcanvas/pkg/config"
)

var (
	// ErrStoreUnavailable is returned when the global limiter cannot reach
	// the coordination store. The limiter fails closed: no permit.
	ErrStoreUnavailable = errors.New("ratelimit: coordination store unavailable")

	// ErrUnknownProvider is returned for provider ids with no configured bucket.
	ErrUnknownProvider = errors.New("ratelimit: unknown provider")
)

// window is the QPM sliding-window span.
const window = 60 * time.Second

// Limiter grants permits for outbound provider calls. Acquire blocks
// cooperatively until a concurrent slot is free and the QPM window has
// room, or ctx is done. Cancellation leaves no partial state behind.
type Limiter interface {
	Acquire(ctx context.Context, providerID string) (*Permit, error)
}

// Permit is the right to make one outbound request. It must be released on
// every exit path; Release is idempotent.
type Permit struct {
	ProviderID string
	// WaitTime is how long Acquire blocked before granting; recorded by
	// the facade for telemetry.
	WaitTime time.Duration

	once    sync.Once
	release func()
}

// Release returns the concurrent slot. Safe to call more than once.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
}

// New selects the limiter implementation from the registry scope.
// The store may be nil when scope is process.
func New(reg *config.ProviderRegistry, st GlobalStore) (Limiter, error) {
	switch reg.Scope {
	case config.ScopeProcess:
		return NewProcessLimiter(reg), nil
	case config.ScopeGlobal:
		if st == nil {
			return nil, errors.New("ratelimit: global scope requires a coordination store")
		}
		return NewGlobalLimiter(reg, st), nil
	default:
		return nil, errors.New("ratelimit: unknown scope " + string(reg.Scope))
	}
}
