package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/models"
	"github.com/mindcanvas/mindcanvas/pkg/ratelimit"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
)

func fastBackoff(t *testing.T) {
	t.Helper()
	oldBase, oldRL := baseBackoff, rateLimitedBackoff
	baseBackoff = 5 * time.Millisecond
	rateLimitedBackoff = 10 * time.Millisecond
	t.Cleanup(func() { baseBackoff, rateLimitedBackoff = oldBase, oldRL })
}

// recordingReporter captures usage records for assertions.
type recordingReporter struct {
	mu      sync.Mutex
	records []models.TokenUsageRecord
}

func (r *recordingReporter) Report(rec models.TokenUsageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingReporter) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func newTestClient(t *testing.T, baseURL string, concurrent int) (*Client, *recordingReporter) {
	t.Helper()
	reg := config.NewProviderRegistry(config.ScopeProcess, &config.ProviderConfig{
		ID:              "prov",
		Kind:            config.ProviderKindChat,
		BaseURL:         baseURL,
		APIKey:          "sk-test",
		Model:           "test-model",
		QPMLimit:        100000,
		ConcurrentLimit: concurrent,
		Timeout:         5 * time.Second,
	})
	reporter := &recordingReporter{}
	client := NewClient(reg, ratelimit.NewProcessLimiter(reg), reporter, telemetry.New())
	return client, reporter
}

func chatRequest() ChatRequest {
	return ChatRequest{
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
		MaxTokens:   64,
		RequestType: "test",
		UserID:      42,
	}
}

func completionBody(content string) string {
	return fmt.Sprintf(`{
		"model": "test-model",
		"choices": [{"message": {"content": %q}}],
		"usage": {"prompt_tokens": 7, "completion_tokens": 11}
	}`, content)
}

func TestChat_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)
		fmt.Fprint(w, completionBody("hello"))
	}))
	defer srv.Close()

	client, reporter := newTestClient(t, srv.URL, 4)
	completion, err := client.Chat(context.Background(), "prov", chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "hello", completion.Content)
	assert.Equal(t, 7, completion.Usage.PromptTokens)
	assert.Equal(t, 11, completion.Usage.CompletionTokens)
	assert.Equal(t, 1, reporter.len(), "every completed attempt reports usage")
}

func TestChat_RetriesTransientFailures(t *testing.T) {
	fastBackoff(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, completionBody("eventually"))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, 4)
	completion, err := client.Chat(context.Background(), "prov", chatRequest())
	require.NoError(t, err)
	assert.Equal(t, "eventually", completion.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestChat_AuthFailureDoesNotRetry(t *testing.T) {
	fastBackoff(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, 4)
	_, err := client.Chat(context.Background(), "prov", chatRequest())
	require.Error(t, err)

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, KindAuth, llmErr.Kind)
	assert.Contains(t, llmErr.Message, "401", "numeric code is preserved")
	assert.Equal(t, int32(1), calls.Load())
}

func TestChat_RateLimitedRetriesOnce(t *testing.T) {
	fastBackoff(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, 4)
	_, err := client.Chat(context.Background(), "prov", chatRequest())
	require.Error(t, err)

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, KindRateLimited, llmErr.Kind)
	assert.Equal(t, int32(2), calls.Load(), "429 gets exactly one retry")
}

func TestChat_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices": []}`)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, 4)
	_, err := client.Chat(context.Background(), "prov", chatRequest())

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, KindMalformed, llmErr.Kind)
}

func TestChat_TimeoutReleasesPermit(t *testing.T) {
	fastBackoff(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect;
		// with an unread body, net/http never cancels r.Context().
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, 1)
	req := chatRequest()
	req.Timeout = 200 * time.Millisecond

	_, err := client.Chat(context.Background(), "prov", req)
	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Contains(t, []ErrorKind{KindTimeout, KindCancelled}, llmErr.Kind)

	// With concurrency 1, a leaked permit would make this second call
	// block at admission rather than fail fast against the dead server.
	req2 := chatRequest()
	req2.Timeout = 200 * time.Millisecond
	start := time.Now()
	_, err = client.Chat(context.Background(), "prov", req2)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func streamBody(deltas []string, promptTokens, completionTokens int) []string {
	frames := make([]string, 0, len(deltas)+2)
	for _, d := range deltas {
		frames = append(frames, fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, d))
	}
	frames = append(frames, fmt.Sprintf(
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":%d,"completion_tokens":%d}}`,
		promptTokens, completionTokens))
	frames = append(frames, "data: [DONE]")
	return frames
}

func TestChatStream_DeliversDeltasInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range streamBody([]string{"a", "b", "c"}, 5, 3) {
			fmt.Fprintf(w, "%s\n\n", frame)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client, reporter := newTestClient(t, srv.URL, 4)
	chunks, err := client.ChatStream(context.Background(), "prov", chatRequest())
	require.NoError(t, err)

	var deltas []string
	var done *DoneChunk
	for chunk := range chunks {
		switch c := chunk.(type) {
		case DeltaChunk:
			deltas = append(deltas, c.Text)
		case DoneChunk:
			done = &c
		case ErrorChunk:
			t.Fatalf("unexpected error chunk: %s", c.Message)
		}
	}

	assert.Equal(t, []string{"a", "b", "c"}, deltas)
	require.NotNil(t, done)
	assert.Equal(t, 5, done.Usage.PromptTokens)
	assert.Equal(t, 3, done.Usage.CompletionTokens)
	assert.Equal(t, 1, reporter.len())
}

func TestChatStream_ConsumerCancelReleasesPermit(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		flusher.Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	client, _ := newTestClient(t, srv.URL, 1)
	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := client.ChatStream(ctx, "prov", chatRequest())
	require.NoError(t, err)

	// Read the first delta, then walk away.
	first := <-chunks
	assert.IsType(t, DeltaChunk{}, first)
	cancel()

	// The producer must close the channel promptly.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				goto closed
			}
		case <-deadline:
			t.Fatal("stream channel not closed after consumer cancellation")
		}
	}
closed:

	// Permit must be back: a fresh stream can start within the 1s bound.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	chunks2, err := client.ChatStream(ctx2, "prov", chatRequest())
	require.NoError(t, err)
	cancel2()
	for range chunks2 {
	}
}

func TestChatStream_UpstreamErrorSurfacesAsErrorChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		flusher.Flush()
		// Connection drops without a terminal frame.
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, 4)
	chunks, err := client.ChatStream(context.Background(), "prov", chatRequest())
	require.NoError(t, err)

	var sawError bool
	for chunk := range chunks {
		if ec, ok := chunk.(ErrorChunk); ok {
			sawError = true
			assert.Equal(t, KindMalformed, ec.Kind)
		}
	}
	assert.True(t, sawError)
}

func TestChat_UnknownProvider(t *testing.T) {
	client, _ := newTestClient(t, "http://localhost:0", 1)
	_, err := client.Chat(context.Background(), "nope", chatRequest())
	require.Error(t, err)
}
