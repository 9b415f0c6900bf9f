// Package maintenance runs the periodic housekeeping every worker offers
// but only one performs: trimming old token_usage rows and requeueing
// usage batches parked after failed inserts. A store lease elects the
// worker that does the work; the rest skip the cycle.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mindcanvas/mindcanvas/pkg/store"
)

const (
	lockKey  = store.PrefixLock + "maintenance"
	lockTTL  = 5 * time.Minute
	runEvery = time.Hour

	parkedKey  = store.PrefixTokenBuf + "parked"
	recordsKey = store.PrefixTokenBuf + "records"
	// parked records rejoin the main list in chunks so a huge backlog
	// cannot produce one enormous flush batch.
	requeueChunk = 500
)

// UsageTrimmer is the relational side of retention.
type UsageTrimmer interface {
	TrimUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service is the housekeeping loop.
type Service struct {
	store         store.Store
	usage         UsageTrimmer
	retentionDays int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the maintenance service.
func NewService(st store.Store, usage UsageTrimmer, retentionDays int) *Service {
	return &Service{store: st, usage: usage, retentionDays: retentionDays}
}

// Start launches the background loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	slog.Info("Maintenance service started",
		"retention_days", s.retentionDays, "interval", runEvery)
}

// Stop signals the loop to exit and waits for it.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Maintenance service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runOnce(ctx)

	ticker := time.NewTicker(runEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce performs one elected cycle. Losing the election is the normal
// case on all but one worker.
func (s *Service) runOnce(ctx context.Context) {
	err := s.store.WithLock(ctx, lockKey, lockTTL, func(ctx context.Context) error {
		s.requeueParked(ctx)
		s.trimUsage(ctx)
		return nil
	})
	if errors.Is(err, store.ErrLockHeld) {
		slog.Debug("Maintenance cycle skipped, another worker holds the lease")
		return
	}
	if err != nil && ctx.Err() == nil {
		slog.Error("Maintenance cycle failed", "error", err)
	}
}

// requeueParked moves parked usage batches back onto the main list now
// that the database may have recovered.
func (s *Service) requeueParked(ctx context.Context) {
	moved := 0
	for {
		batch, err := s.store.TakeBatch(ctx, parkedKey, requeueChunk)
		if err != nil {
			slog.Error("Failed to read parked usage batch", "error", err)
			return
		}
		if len(batch) == 0 {
			break
		}
		if _, err := s.store.RPush(ctx, recordsKey, batch...); err != nil {
			// Put them back where they were; next cycle retries.
			if _, perr := s.store.LPush(ctx, parkedKey, batch...); perr != nil {
				slog.Error("Lost parked usage batch during requeue",
					"records", len(batch), "push_error", err, "restore_error", perr)
			}
			return
		}
		moved += len(batch)
	}
	if moved > 0 {
		slog.Info("Requeued parked usage records", "records", moved)
	}
}

// trimUsage enforces row retention on token_usage.
func (s *Service) trimUsage(ctx context.Context) {
	if s.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	trimmed, err := s.usage.TrimUsageBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Failed to trim usage rows", "error", err)
		return
	}
	if trimmed > 0 {
		slog.Info("Trimmed usage rows", "rows", trimmed, "cutoff", cutoff)
	}
}
