package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/store"
)

// Polling bounds while waiting for window or slot headroom.
const (
	minPoll = 100 * time.Millisecond
	maxPoll = 1 * time.Second

	// concTTL bounds how long a crashed process can pin in-flight slots.
	// Every admission attempt re-arms it, so under live traffic the
	// counter never expires out from under held permits; it is an idle
	// bound, not an age bound.
	concTTL = 5 * time.Minute
)

// GlobalStore is the subset of store.Store the global limiter needs.
type GlobalStore interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]store.ZMember, error)
	IncrRefreshTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	DecrFloor(ctx context.Context, key string) (int64, error)
}

// GlobalLimiter coordinates QPM and concurrency across all worker
// processes through the coordination store. Timestamps live in the sorted
// set rl:<provider>:ts; the in-flight count in rl:<provider>:conc.
// If the store is unreachable the limiter fails closed.
type GlobalLimiter struct {
	registry *config.ProviderRegistry
	store    GlobalStore
	// now is swappable for tests.
	now func() time.Time
}

// NewGlobalLimiter creates a store-coordinated limiter.
func NewGlobalLimiter(reg *config.ProviderRegistry, st GlobalStore) *GlobalLimiter {
	return &GlobalLimiter{registry: reg, store: st, now: time.Now}
}

func windowKey(providerID string) string { return store.PrefixRateLimit + providerID + ":ts" }
func concKey(providerID string) string   { return store.PrefixRateLimit + providerID + ":conc" }

// Acquire implements the admission loop: claim a window slot, then a
// concurrent slot. Every partial claim is rolled back on failure or
// cancellation so the counters return to their prior values.
func (l *GlobalLimiter) Acquire(ctx context.Context, providerID string) (*Permit, error) {
	p, err := l.registry.Get(providerID)
	if err != nil {
		return nil, ErrUnknownProvider
	}

	start := l.now()
	member, err := l.claimWindowSlot(ctx, p)
	if err != nil {
		return nil, err
	}

	if err := l.claimConcurrentSlot(ctx, p); err != nil {
		// The window entry just added must not survive a failed acquire.
		l.rollbackWindow(providerID, member)
		return nil, err
	}

	return &Permit{
		ProviderID: providerID,
		WaitTime:   l.now().Sub(start),
		release: func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := l.store.DecrFloor(releaseCtx, concKey(providerID)); err != nil {
				slog.Warn("Failed to release concurrent slot; TTL will reclaim it",
					"provider", providerID, "error", err)
			}
		},
	}, nil
}

// claimWindowSlot appends a timestamp to the sliding window and retries
// with bounded polling while the trailing-60s count exceeds the QPM limit.
func (l *GlobalLimiter) claimWindowSlot(ctx context.Context, p *config.ProviderConfig) (string, error) {
	key := windowKey(p.ID)
	for {
		now := l.now()
		nowMs := float64(now.UnixMilli())
		member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.New().String())

		if err := l.store.ZAdd(ctx, key, nowMs, member); err != nil {
			return "", l.storeErr(err)
		}
		if err := l.store.ZRemRangeByScore(ctx, key, 0, nowMs-float64(window.Milliseconds())); err != nil {
			l.rollbackWindow(p.ID, member)
			return "", l.storeErr(err)
		}
		count, err := l.store.ZCard(ctx, key)
		if err != nil {
			l.rollbackWindow(p.ID, member)
			return "", l.storeErr(err)
		}
		if count <= int64(p.QPMLimit) {
			return member, nil
		}

		// Over budget: withdraw the claim and wait for the oldest entry to
		// leave the window.
		if err := l.store.ZRem(ctx, key, member); err != nil {
			return "", l.storeErr(err)
		}
		wait := l.waitForOldest(ctx, key, now)
		if err := sleepCtx(ctx, wait); err != nil {
			return "", err
		}
	}
}

// waitForOldest computes how long until the oldest window entry expires,
// clamped to the polling bounds with jitter to avoid thundering herds.
func (l *GlobalLimiter) waitForOldest(ctx context.Context, key string, now time.Time) time.Duration {
	wait := maxPoll
	if members, err := l.store.ZRangeWithScores(ctx, key, 0, 0); err == nil && len(members) == 1 {
		oldest := time.UnixMilli(int64(members[0].Score))
		wait = oldest.Add(window).Sub(now)
	}
	if wait < minPoll {
		wait = minPoll
	}
	if wait > maxPoll {
		wait = maxPoll
	}
	return wait + time.Duration(rand.Int64N(int64(50*time.Millisecond)))
}

// claimConcurrentSlot bumps the in-flight counter and retries while over
// the cap. The bump is withdrawn before every sleep so waiting requests do
// not count as in flight.
func (l *GlobalLimiter) claimConcurrentSlot(ctx context.Context, p *config.ProviderConfig) error {
	key := concKey(p.ID)
	for {
		n, err := l.store.IncrRefreshTTL(ctx, key, concTTL)
		if err != nil {
			return l.storeErr(err)
		}
		if n <= int64(p.ConcurrentLimit) {
			return nil
		}
		if _, err := l.store.DecrFloor(ctx, key); err != nil {
			return l.storeErr(err)
		}
		wait := minPoll + time.Duration(rand.Int64N(int64(minPoll)))
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// rollbackWindow removes a claimed timestamp on a best-effort fresh context
// (the caller's ctx may already be cancelled).
func (l *GlobalLimiter) rollbackWindow(providerID, member string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.ZRem(ctx, windowKey(providerID), member); err != nil {
		slog.Warn("Failed to roll back window timestamp; it will age out of the window",
			"provider", providerID, "error", err)
	}
}

func (l *GlobalLimiter) storeErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
