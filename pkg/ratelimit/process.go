package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mindcanvas/mindcanvas/pkg/config"
)

// ProcessLimiter enforces limits within one worker process: a weighted
// semaphore for concurrent slots and a trailing-window admission log for
// QPM. A burst up to the full QPM limit passes an empty window without
// waiting. No store round-trips; suitable for single-replica deployments.
type ProcessLimiter struct {
	registry *config.ProviderRegistry

	mu      sync.Mutex
	buckets map[string]*processBucket
}

type processBucket struct {
	slots *semaphore.Weighted

	mu     sync.Mutex
	limit  int
	admits []time.Time // admission times inside the trailing window, oldest first
}

// NewProcessLimiter creates an in-process limiter for all registered providers.
func NewProcessLimiter(reg *config.ProviderRegistry) *ProcessLimiter {
	return &ProcessLimiter{
		registry: reg,
		buckets:  make(map[string]*processBucket),
	}
}

func (l *ProcessLimiter) bucket(providerID string) (*processBucket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[providerID]; ok {
		return b, nil
	}
	p, err := l.registry.Get(providerID)
	if err != nil {
		return nil, ErrUnknownProvider
	}
	b := &processBucket{
		slots: semaphore.NewWeighted(int64(p.ConcurrentLimit)),
		limit: p.QPMLimit,
	}
	l.buckets[providerID] = b
	return b, nil
}

// tryAdmit drops aged entries, then records an admission if the trailing
// window has room. When full it reports how long until the oldest
// admission ages out.
func (b *processBucket) tryAdmit(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-window)
	aged := 0
	for aged < len(b.admits) && !b.admits[aged].After(cutoff) {
		aged++
	}
	b.admits = append(b.admits[:0], b.admits[aged:]...)

	if len(b.admits) < b.limit {
		b.admits = append(b.admits, now)
		return true, 0
	}
	return false, b.admits[0].Add(window).Sub(now)
}

// Acquire blocks until a slot and QPM window room are available or ctx is
// done.
func (l *ProcessLimiter) Acquire(ctx context.Context, providerID string) (*Permit, error) {
	b, err := l.bucket(providerID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := b.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	for {
		ok, wait := b.tryAdmit(time.Now())
		if ok {
			break
		}
		if wait < minPoll {
			wait = minPoll
		}
		if err := sleepCtx(ctx, wait); err != nil {
			b.slots.Release(1)
			return nil, err
		}
	}

	return &Permit{
		ProviderID: providerID,
		WaitTime:   time.Since(start),
		release:    func() { b.slots.Release(1) },
	}, nil
}
