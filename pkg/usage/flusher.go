package usage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/mindcanvas/mindcanvas/pkg/models"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
)

// BatchWriter persists a batch of usage records in a single transaction.
type BatchWriter interface {
	InsertUsageBatch(ctx context.Context, records []models.TokenUsageRecord) error
}

const (
	// flushTimeout bounds one complete flush cycle.
	flushTimeout = 30 * time.Second
	// insertAttempts is how many times a batch insert is retried before the
	// batch is parked for the maintenance sweep.
	insertAttempts = 3
)

// Flusher drains the shared record list into the relational store. One
// flusher runs per process; the store-side list is shared, so concurrent
// flushers across workers are safe because TakeBatch is atomic.
type Flusher struct {
	buffer  *Buffer
	writer  BatchWriter
	metrics *telemetry.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFlusher creates a flusher bound to the buffer's store list.
func NewFlusher(buffer *Buffer, writer BatchWriter, metrics *telemetry.Metrics) *Flusher {
	return &Flusher{
		buffer:  buffer,
		writer:  writer,
		metrics: metrics,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	slog.Info("Usage flusher started",
		"interval", f.buffer.cfg.FlushInterval,
		"threshold", f.buffer.cfg.FlushThreshold)
}

// Stop performs one final flush and waits for the loop to exit. Safe to
// call more than once.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.buffer.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.flushCycle()
		case <-f.buffer.kick:
			f.flushCycle()
		case <-f.stopCh:
			// Final drain so shutdown loses nothing the store still holds.
			f.flushCycle()
			return
		}
	}
}

// flushCycle drains the fallback queue, then the shared list, until the
// list is empty or the cycle budget runs out.
func (f *Flusher) flushCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	f.buffer.drainFallback(ctx)

	for {
		n, err := f.flushBatch(ctx)
		if err != nil || n == 0 {
			return
		}
	}
}

// flushBatch takes one batch off the list and persists it. Returns the
// number of records taken; a taken-but-unpersistable batch is parked.
func (f *Flusher) flushBatch(ctx context.Context) (int, error) {
	threshold := int64(f.buffer.cfg.FlushThreshold)
	if threshold <= 0 {
		threshold = 1000
	}
	raw, err := f.buffer.store.TakeBatch(ctx, recordsKey, threshold)
	if err != nil {
		slog.Error("Failed to take usage batch from store", "error", err)
		f.observeFlush("store_error")
		return 0, err
	}
	if len(raw) == 0 {
		if f.metrics != nil {
			f.metrics.BufferDepth.Set(0)
		}
		return 0, nil
	}

	records := make([]models.TokenUsageRecord, 0, len(raw))
	for _, payload := range raw {
		var record models.TokenUsageRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			slog.Error("Dropping unparseable usage record", "payload", payload, "error", err)
			continue
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return len(raw), nil
	}

	if err := f.insertWithRetry(ctx, records); err != nil {
		f.park(ctx, raw, err)
		return len(raw), err
	}

	f.updateAggregates(ctx, records)
	f.observeFlush("ok")
	slog.Debug("Flushed usage batch", "records", len(records))
	return len(raw), nil
}

func (f *Flusher) insertWithRetry(ctx context.Context, records []models.TokenUsageRecord) error {
	backoff := retry.WithMaxRetries(insertAttempts-1,
		retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := f.writer.InsertUsageBatch(ctx, records); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// park moves a batch the database refused onto the parked list so the
// maintenance sweep can requeue it once the database recovers. Original
// front-of-list order is preserved.
func (f *Flusher) park(ctx context.Context, raw []string, cause error) {
	f.observeFlush("parked")
	if _, err := f.buffer.store.RPush(ctx, parkedKey, raw...); err != nil {
		// Both sides down. The records are gone; say so loudly.
		slog.Error("Lost usage batch: database insert and store park both failed",
			"records", len(raw), "insert_error", cause, "park_error", err)
		return
	}
	slog.Warn("Parked usage batch after failed insert", "records", len(raw), "error", cause)
}

// updateAggregates maintains the per-model running totals used by the
// admin dashboard. Failures here are logged only; the source of truth is
// the relational table.
func (f *Flusher) updateAggregates(ctx context.Context, records []models.TokenUsageRecord) {
	type totals struct{ prompt, completion int64 }
	perModel := make(map[string]totals)
	for _, record := range records {
		t := perModel[record.Model]
		t.prompt += int64(record.PromptTokens)
		t.completion += int64(record.CompletionTokens)
		perModel[record.Model] = t
	}
	day := time.Now().UTC().Format("2006-01-02")
	for model, t := range perModel {
		key := aggPrefix + day
		if _, err := f.buffer.store.HIncrBy(ctx, key, model+":prompt", t.prompt); err != nil {
			slog.Warn("Failed to update usage aggregate", "model", model, "error", err)
			continue
		}
		if _, err := f.buffer.store.HIncrBy(ctx, key, model+":completion", t.completion); err != nil {
			slog.Warn("Failed to update usage aggregate", "model", model, "error", err)
		}
	}
}

func (f *Flusher) observeFlush(outcome string) {
	if f.metrics != nil {
		f.metrics.BufferFlushes.WithLabelValues(outcome).Inc()
	}
}
