package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/models"
	"github.com/mindcanvas/mindcanvas/pkg/store"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
)

func newTestBuffer(t *testing.T, cfg config.BufferConfig) (*Buffer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBuffer(store.NewRedisStoreFromClient(client), cfg, telemetry.New()), mr
}

func record(userID int64, model string, prompt, completion int) models.TokenUsageRecord {
	return models.TokenUsageRecord{
		UserID:           userID,
		Model:            model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		RequestType:      "test",
		CreatedAt:        time.Now().UTC(),
	}
}

// memWriter is an in-memory BatchWriter.
type memWriter struct {
	mu      sync.Mutex
	batches [][]models.TokenUsageRecord
	failN   int // fail the first failN calls
	calls   int
}

func (w *memWriter) InsertUsageBatch(_ context.Context, records []models.TokenUsageRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failN {
		return errors.New("database unavailable")
	}
	batch := make([]models.TokenUsageRecord, len(records))
	copy(batch, records)
	w.batches = append(w.batches, batch)
	return nil
}

func (w *memWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func TestBuffer_EnqueueAppendsToSharedList(t *testing.T) {
	buf, mr := newTestBuffer(t, config.BufferConfig{FlushInterval: time.Minute, FlushThreshold: 100})

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Enqueue(context.Background(), record(int64(i+1), "gpt", 10, 20)))
	}
	vals, err := mr.List(recordsKey)
	require.NoError(t, err)
	assert.Len(t, vals, 3)
}

func TestBuffer_ReportFallsBackWhenStoreDown(t *testing.T) {
	buf, mr := newTestBuffer(t, config.BufferConfig{FlushInterval: time.Minute, FlushThreshold: 100, FallbackDepth: 4})
	mr.Close()

	// Must not block or panic; the record lands in the in-process queue.
	buf.Report(record(1, "gpt", 5, 5))
	assert.Len(t, buf.fallback, 1)
}

func TestBuffer_KickFiresAtThreshold(t *testing.T) {
	buf, _ := newTestBuffer(t, config.BufferConfig{FlushInterval: time.Minute, FlushThreshold: 2})

	require.NoError(t, buf.Enqueue(context.Background(), record(1, "gpt", 1, 1)))
	select {
	case <-buf.kick:
		t.Fatal("kick fired below threshold")
	default:
	}

	require.NoError(t, buf.Enqueue(context.Background(), record(2, "gpt", 1, 1)))
	select {
	case <-buf.kick:
	case <-time.After(time.Second):
		t.Fatal("kick did not fire at threshold")
	}
}

func TestFlusher_PersistsEveryRecordExactlyOnce(t *testing.T) {
	buf, mr := newTestBuffer(t, config.BufferConfig{FlushInterval: 20 * time.Millisecond, FlushThreshold: 10})
	writer := &memWriter{}
	flusher := NewFlusher(buf, writer, telemetry.New())

	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, buf.Enqueue(context.Background(), record(int64(i), "gpt", 10, 20)))
	}

	flusher.Start()
	require.Eventually(t, func() bool { return writer.total() == n },
		2*time.Second, 10*time.Millisecond)
	flusher.Stop()

	assert.Equal(t, n, writer.total(), "no duplicates after drain")
	assert.False(t, mr.Exists(recordsKey), "list fully drained")
}

func TestFlusher_FinalDrainOnStop(t *testing.T) {
	buf, _ := newTestBuffer(t, config.BufferConfig{FlushInterval: time.Hour, FlushThreshold: 1000})
	writer := &memWriter{}
	flusher := NewFlusher(buf, writer, telemetry.New())
	flusher.Start()

	require.NoError(t, buf.Enqueue(context.Background(), record(1, "gpt", 1, 2)))
	flusher.Stop()

	assert.Equal(t, 1, writer.total(), "stop flushes what remains")
}

func TestFlusher_ParksBatchWhenDatabaseDown(t *testing.T) {
	buf, mr := newTestBuffer(t, config.BufferConfig{FlushInterval: time.Hour, FlushThreshold: 1000})
	writer := &memWriter{failN: 100}
	flusher := NewFlusher(buf, writer, telemetry.New())

	require.NoError(t, buf.Enqueue(context.Background(), record(1, "gpt", 3, 4)))
	require.NoError(t, buf.Enqueue(context.Background(), record(2, "gpt", 5, 6)))
	flusher.flushCycle()

	parked, err := mr.List(parkedKey)
	require.NoError(t, err)
	assert.Len(t, parked, 2, "refused batch moves to the parked list")
	assert.False(t, mr.Exists(recordsKey))
	assert.Equal(t, 0, writer.total())
}

func TestFlusher_RetriesInsertBeforeParking(t *testing.T) {
	buf, mr := newTestBuffer(t, config.BufferConfig{FlushInterval: time.Hour, FlushThreshold: 1000})
	writer := &memWriter{failN: 1}
	flusher := NewFlusher(buf, writer, telemetry.New())

	require.NoError(t, buf.Enqueue(context.Background(), record(1, "gpt", 3, 4)))
	flusher.flushCycle()

	assert.Equal(t, 1, writer.total(), "second attempt succeeds")
	assert.False(t, mr.Exists(parkedKey))
}

func TestFlusher_DropsUnparseableRecord(t *testing.T) {
	buf, mr := newTestBuffer(t, config.BufferConfig{FlushInterval: time.Hour, FlushThreshold: 1000})
	writer := &memWriter{}
	flusher := NewFlusher(buf, writer, telemetry.New())

	mr.Lpush(recordsKey, "not json")
	require.NoError(t, buf.Enqueue(context.Background(), record(1, "gpt", 3, 4)))
	flusher.flushCycle()

	assert.Equal(t, 1, writer.total(), "good record survives the bad neighbor")
}

func TestFlusher_UpdatesAggregates(t *testing.T) {
	buf, mr := newTestBuffer(t, config.BufferConfig{FlushInterval: time.Hour, FlushThreshold: 1000})
	writer := &memWriter{}
	flusher := NewFlusher(buf, writer, telemetry.New())

	require.NoError(t, buf.Enqueue(context.Background(), record(1, "gpt", 10, 20)))
	require.NoError(t, buf.Enqueue(context.Background(), record(2, "gpt", 1, 2)))
	flusher.flushCycle()

	key := aggPrefix + time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, "11", mr.HGet(key, "gpt:prompt"))
	assert.Equal(t, "22", mr.HGet(key, "gpt:completion"))
}

func TestFlusher_DrainsFallbackQueue(t *testing.T) {
	buf, _ := newTestBuffer(t, config.BufferConfig{FlushInterval: time.Hour, FlushThreshold: 1000, FallbackDepth: 4})
	writer := &memWriter{}
	flusher := NewFlusher(buf, writer, telemetry.New())

	buf.fallback <- record(7, "gpt", 1, 1)
	flusher.flushCycle()

	assert.Equal(t, 1, writer.total(), "fallback records reach the database")
}
