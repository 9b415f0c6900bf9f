package palette

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/llm"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
)

// ChatStreamer is the facade surface the streamer fans out over.
// Satisfied by *llm.Client.
type ChatStreamer interface {
	ChatStream(ctx context.Context, providerID string, req llm.ChatRequest) (<-chan llm.Chunk, error)
}

// Streamer merges K parallel provider streams into one palette event
// stream per batch. It holds no per-session state; that lives in Session.
type Streamer struct {
	llm       ChatStreamer
	providers []string
	cfg       config.PaletteConfig
	metrics   *telemetry.Metrics
}

// NewStreamer creates a streamer fanning out over the given provider ids.
func NewStreamer(client ChatStreamer, providers []string, cfg config.PaletteConfig, metrics *telemetry.Metrics) *Streamer {
	return &Streamer{llm: client, providers: providers, cfg: cfg, metrics: metrics}
}

// NextBatch starts one fan-out batch for the session and returns the
// merged event stream. The channel is unbuffered, so a client that stops
// reading exerts backpressure all the way to the provider connections;
// it is closed after the terminal event. Cancelling ctx (client
// disconnect) stops the batch and closes every provider stream.
func (st *Streamer) NextBatch(ctx context.Context, sess *Session) (<-chan Event, error) {
	if len(st.providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	batchCtx, epoch, err := sess.beginBatch(ctx, st.cfg.BatchDeadline)
	if err != nil {
		return nil, err
	}
	stage := sess.Stage()
	out := make(chan Event)
	go st.runBatch(ctx, batchCtx, sess, epoch, stage, out)
	return out, nil
}

func (st *Streamer) runBatch(clientCtx, batchCtx context.Context, sess *Session, epoch int, stage string, out chan<- Event) {
	defer close(out)
	defer sess.endBatch(epoch)

	if !st.emit(clientCtx, out, Event{Type: EventBatchStarted, Stage: stage}) {
		return
	}

	var unique, failed atomic.Int64
	g := new(errgroup.Group)
	for _, provider := range st.providers {
		g.Go(func() error {
			err := st.collectProvider(clientCtx, batchCtx, sess, provider, epoch, stage, out, &unique)
			status, reason := ProviderStatusOK, ""
			if err != nil {
				// One provider failing does not abort the batch.
				failed.Add(1)
				status, reason = ProviderStatusFailure, err.Error()
				slog.Warn("Palette provider failed",
					"session_id", sess.ID, "provider", provider, "error", err)
			}
			st.emit(clientCtx, out, Event{
				Type: EventProviderDone, Provider: provider,
				Status: status, Reason: reason,
			})
			return nil
		})
	}
	_ = g.Wait()

	if clientCtx.Err() != nil {
		// Client is gone; nobody is reading terminal events.
		return
	}
	if int(failed.Load()) == len(st.providers) {
		st.emit(clientCtx, out, Event{
			Type: EventError, Kind: "upstream_error",
			Message: "all providers failed",
		})
		return
	}
	st.emit(clientCtx, out, Event{
		Type: EventBatchCompleted, Stage: stage,
		TotalUniqueNodes: int(unique.Load()),
	})
}

// collectProvider runs one provider's stream, parsing newline-separated
// candidates as they arrive. Per-provider emission order is preserved:
// this goroutine is the only writer for its provider, and it forwards
// candidates in arrival order.
func (st *Streamer) collectProvider(clientCtx, batchCtx context.Context, sess *Session, provider string, epoch int, stage string, out chan<- Event, unique *atomic.Int64) error {
	req := llm.ChatRequest{
		Messages:    st.buildPrompt(sess, stage),
		MaxTokens:   60 * st.cfg.NodesPerProvider,
		RequestType: "node_palette",
		UserID:      sess.UserID,
		Timeout:     st.cfg.BatchDeadline,
	}
	chunks, err := st.llm.ChatStream(batchCtx, provider, req)
	if err != nil {
		return err
	}

	var buf strings.Builder
	flush := func(line string) bool {
		candidate := parseCandidate(line)
		if candidate == "" {
			return true
		}
		return st.forwardNode(clientCtx, batchCtx, sess, provider, epoch, stage, candidate, out, unique)
	}

	for chunk := range chunks {
		switch c := chunk.(type) {
		case llm.DeltaChunk:
			buf.WriteString(c.Text)
			for {
				text := buf.String()
				idx := strings.IndexByte(text, '\n')
				if idx < 0 {
					break
				}
				buf.Reset()
				buf.WriteString(text[idx+1:])
				if !flush(text[:idx]) {
					// Batch cancelled; drain the channel so the producer
					// can observe its context and shut down.
					for range chunks {
					}
					return nil
				}
			}
		case llm.ErrorChunk:
			return fmt.Errorf("%s: %s", c.Kind, c.Message)
		case llm.DoneChunk:
			flush(buf.String())
		}
	}
	return nil
}

// forwardNode applies the dedup-and-epoch gate and emits. Returns false
// when the batch is over and the caller should stop.
func (st *Streamer) forwardNode(clientCtx, batchCtx context.Context, sess *Session, provider string, epoch int, stage, candidate string, out chan<- Event, unique *atomic.Int64) bool {
	if !sess.acceptNode(epoch, stage, Normalize(candidate)) {
		st.observeNode(provider, "duplicate")
		return true
	}
	select {
	case out <- Event{Type: EventNodeGenerated, Node: candidate, Provider: provider, Stage: stage}:
		unique.Add(1)
		st.observeNode(provider, "unique")
		return true
	case <-batchCtx.Done():
		return false
	case <-clientCtx.Done():
		return false
	}
}

func (st *Streamer) observeNode(provider, outcome string) {
	if st.metrics != nil {
		st.metrics.PaletteNodes.WithLabelValues(provider, outcome).Inc()
	}
}

// emit delivers terminal and lifecycle events. Gated on the client
// context only, so a deadline-expired batch can still say goodbye.
func (st *Streamer) emit(clientCtx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-clientCtx.Done():
		return false
	}
}

// buildPrompt asks a provider for fresh candidates, carrying the stage
// context and every already-suggested node so duplicates are discouraged
// at the source.
func (st *Streamer) buildPrompt(sess *Session, stage string) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nDiagram kind: %s\n", sess.Topic, sess.Kind)
	if stage != "main" {
		fmt.Fprintf(&b, "Stage: %s\n", stage)
	}
	if data := sess.StageData(); data != "" {
		fmt.Fprintf(&b, "Expanding: %s\n", data)
	}
	fmt.Fprintf(&b, "Generate %d new concise node labels, one per line, no numbering.\n",
		st.cfg.NodesPerProvider)
	if seen := sess.seenList(); len(seen) > 0 {
		fmt.Fprintf(&b, "Do not repeat any of these:\n%s\n", strings.Join(seen, "\n"))
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "You brainstorm short node labels for concept diagrams. Output plain lines only."},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

// seenList snapshots the dedup set, sorted for prompt stability.
func (s *Session) seenList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen))
	for node := range s.seen {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

// parseCandidate cleans one raw output line into a node label. Bullets,
// numbering, and wrapping quotes are provider noise, not content.
func parseCandidate(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimLeft(s, "-*• \t")
	if idx := strings.IndexAny(s, ".)"); idx > 0 && idx <= 3 && allDigits(s[:idx]) {
		s = s[idx+1:]
	}
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if len(s) > 200 {
		return ""
	}
	return s
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// GracePeriod is how long callers should allow provider streams to wind
// down after cancellation before abandoning them.
func (st *Streamer) GracePeriod() time.Duration {
	if st.cfg.CancelGrace > 0 {
		return st.cfg.CancelGrace
	}
	return 500 * time.Millisecond
}
