// Package usage is the asynchronous accounting pipeline. The request path
// pays for exactly one coordination-store append; a background flusher
// moves batches into the relational store. Delivery is at-least-once: a
// record that enters the buffer is either persisted or explicitly logged
// as dropped.
package usage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/models"
	"github.com/mindcanvas/mindcanvas/pkg/store"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
)

// Store keys.
const (
	recordsKey = store.PrefixTokenBuf + "records"
	parkedKey  = store.PrefixTokenBuf + "parked"
	aggPrefix  = store.PrefixTokenBuf + "agg:"
)

// enqueueTimeout bounds the hot-path store append so a slow store can
// never stall a request.
const enqueueTimeout = 100 * time.Millisecond

// BufferStore is the subset of store.Store the buffer needs.
type BufferStore interface {
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LPush(ctx context.Context, key string, values ...string) (int64, error)
	LLen(ctx context.Context, key string) (int64, error)
	TakeBatch(ctx context.Context, key string, n int64) ([]string, error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)
}

// Buffer accepts records on the hot path. It implements llm.UsageReporter.
type Buffer struct {
	store   BufferStore
	cfg     config.BufferConfig
	metrics *telemetry.Metrics

	// fallback holds records the store refused; drained by the flusher.
	fallback chan models.TokenUsageRecord
	// kick wakes the flusher when the list crosses the threshold.
	kick chan struct{}
}

// NewBuffer creates the buffer. The flusher shares the kick channel via
// NewFlusher.
func NewBuffer(st BufferStore, cfg config.BufferConfig, metrics *telemetry.Metrics) *Buffer {
	depth := cfg.FallbackDepth
	if depth <= 0 {
		depth = 10000
	}
	return &Buffer{
		store:    st,
		cfg:      cfg,
		metrics:  metrics,
		fallback: make(chan models.TokenUsageRecord, depth),
		kick:     make(chan struct{}, 1),
	}
}

// Report implements the usage reporter contract: never block the caller
// beyond one bounded store append.
func (b *Buffer) Report(record models.TokenUsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := b.Enqueue(ctx, record); err != nil {
		b.fallbackEnqueue(record, err)
	}
}

// Enqueue appends one record to the shared list and wakes the flusher when
// the threshold is crossed.
func (b *Buffer) Enqueue(ctx context.Context, record models.TokenUsageRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	length, err := b.store.RPush(ctx, recordsKey, string(payload))
	if err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.BufferDepth.Set(float64(length))
	}
	if length >= int64(b.cfg.FlushThreshold) {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// fallbackEnqueue parks a record in process memory when the store is
// unreachable. A full fallback queue drops the record with a log entry —
// the explicit-drop half of the at-least-once contract.
func (b *Buffer) fallbackEnqueue(record models.TokenUsageRecord, cause error) {
	select {
	case b.fallback <- record:
		slog.Warn("Coordination store refused usage record; buffered in process",
			"user_id", record.UserID, "model", record.Model, "error", cause)
	default:
		slog.Error("Dropping usage record: store unavailable and fallback queue full",
			"user_id", record.UserID, "model", record.Model,
			"prompt_tokens", record.PromptTokens,
			"completion_tokens", record.CompletionTokens,
			"error", cause)
	}
}

// drainFallback moves parked in-process records back into the shared list.
// Called by the flusher at the start of each cycle.
func (b *Buffer) drainFallback(ctx context.Context) {
	for {
		select {
		case record := <-b.fallback:
			if err := b.Enqueue(ctx, record); err != nil {
				// Still down; put it back and stop trying this cycle.
				b.fallbackEnqueue(record, err)
				return
			}
		default:
			return
		}
	}
}
