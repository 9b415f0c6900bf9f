package palette

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/llm"
	"github.com/mindcanvas/mindcanvas/pkg/models"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
)

// fakeLLM streams scripted node lines per provider.
type fakeLLM struct {
	mu    sync.Mutex
	nodes map[string][]string
	fail  map[string]bool
	// hang makes providers emit their nodes then block until cancelled.
	hang bool
	// open tracks streams currently running.
	open atomic.Int32
}

func (f *fakeLLM) ChatStream(ctx context.Context, provider string, _ llm.ChatRequest) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	nodes := f.nodes[provider]
	fail := f.fail[provider]
	hang := f.hang
	f.mu.Unlock()

	out := make(chan llm.Chunk)
	f.open.Add(1)
	go func() {
		defer close(out)
		defer f.open.Add(-1)
		if fail {
			select {
			case out <- llm.ErrorChunk{Kind: llm.KindUpstream, Message: "provider down"}:
			case <-ctx.Done():
			}
			return
		}
		for _, node := range nodes {
			select {
			case out <- llm.DeltaChunk{Text: node + "\n"}:
			case <-ctx.Done():
				return
			}
		}
		if hang {
			<-ctx.Done()
			return
		}
		select {
		case out <- llm.DoneChunk{}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func testConfig() config.PaletteConfig {
	return config.PaletteConfig{
		NodesPerProvider: 15,
		BatchDeadline:    5 * time.Second,
		SessionIdleTTL:   10 * time.Minute,
		CancelGrace:      500 * time.Millisecond,
	}
}

func newSession(t *testing.T, kind models.DiagramKind) (*Manager, *Session) {
	t.Helper()
	mgr := NewManager(10*time.Minute, telemetry.New())
	t.Cleanup(mgr.Stop)
	sess := mgr.Open(OpenRequest{UserID: 1, Topic: "photosynthesis", Kind: kind})
	return mgr, sess
}

func collect(t *testing.T, events <-chan Event) (nodes []Event, terminal *Event) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nodes, terminal
			}
			switch ev.Type {
			case EventNodeGenerated:
				nodes = append(nodes, ev)
			case EventBatchCompleted, EventError:
				terminal = &ev
			}
		case <-deadline:
			t.Fatal("event stream did not finish")
		}
	}
}

func TestNextBatch_DeduplicatesAcrossProviders(t *testing.T) {
	// Four providers, 15 candidates each, 7 overlapping strings total.
	overlap := []string{"light", "water", "carbon dioxide", "glucose", "oxygen", "chlorophyll", "sunlight"}
	fake := &fakeLLM{nodes: map[string][]string{}}
	providers := []string{"p1", "p2", "p3", "p4"}
	for i, p := range providers {
		var lines []string
		for j := 0; j < 15; j++ {
			lines = append(lines, nodeName(p, j))
		}
		if i > 0 {
			// Providers 2-4 each repeat some of provider 1's overlap terms.
			lines = lines[:15-2]
			lines = append(lines, overlap[(i-1)*2], overlap[(i-1)*2+1])
		} else {
			lines = append(lines[:15-3], overlap[6], overlap[0], overlap[1])
		}
		fake.nodes[p] = lines
	}
	// p1 carries 3 overlap terms, p2-p4 carry 2 each; the later duplicates
	// are overlap[0], overlap[1] (repeated by p2) plus 4 fresh overlap
	// terms from p3/p4... keep the arithmetic honest by just counting the
	// distinct normalized strings below.
	want := map[string]struct{}{}
	for _, lines := range fake.nodes {
		for _, l := range lines {
			want[Normalize(l)] = struct{}{}
		}
	}

	_, sess := newSession(t, models.DiagramBubbleMap)
	st := NewStreamer(fake, providers, testConfig(), telemetry.New())

	events, err := st.NextBatch(context.Background(), sess)
	require.NoError(t, err)
	nodes, terminal := collect(t, events)

	assert.Len(t, nodes, len(want), "one event per distinct normalized string")
	seen := map[string]bool{}
	for _, ev := range nodes {
		key := Normalize(ev.Node)
		assert.False(t, seen[key], "node %q delivered twice", ev.Node)
		seen[key] = true
	}
	require.NotNil(t, terminal)
	assert.Equal(t, EventBatchCompleted, terminal.Type)
	assert.Equal(t, len(want), terminal.TotalUniqueNodes)
}

func nodeName(provider string, i int) string {
	return provider + " node " + string(rune('a'+i))
}

func TestNextBatch_PerProviderOrderPreserved(t *testing.T) {
	fake := &fakeLLM{nodes: map[string][]string{
		"p1": {"alpha", "beta", "gamma", "delta"},
		"p2": {"one", "two", "three"},
	}}
	_, sess := newSession(t, models.DiagramBubbleMap)
	st := NewStreamer(fake, []string{"p1", "p2"}, testConfig(), telemetry.New())

	events, err := st.NextBatch(context.Background(), sess)
	require.NoError(t, err)
	nodes, _ := collect(t, events)

	var p1, p2 []string
	for _, ev := range nodes {
		switch ev.Provider {
		case "p1":
			p1 = append(p1, ev.Node)
		case "p2":
			p2 = append(p2, ev.Node)
		}
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma", "delta"}, p1)
	assert.Equal(t, []string{"one", "two", "three"}, p2)
}

func TestNextBatch_CancellationStopsEverything(t *testing.T) {
	fake := &fakeLLM{
		nodes: map[string][]string{"p1": {"a", "b"}, "p2": {"c", "d"}},
		hang:  true,
	}
	_, sess := newSession(t, models.DiagramBubbleMap)
	st := NewStreamer(fake, []string{"p1", "p2"}, testConfig(), telemetry.New())

	ctx, cancel := context.WithCancel(context.Background())
	events, err := st.NextBatch(ctx, sess)
	require.NoError(t, err)

	// Drain the early events, then disconnect.
	for i := 0; i < 3; i++ {
		<-events
	}
	cancel()

	// The merged stream closes, and no node arrives after the cancel.
	closedBy := time.After(time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				goto closed
			}
			assert.NotEqual(t, EventNodeGenerated, ev.Type, "node delivered after cancel")
		case <-closedBy:
			t.Fatal("event stream not closed within 1s of cancel")
		}
	}
closed:

	// All provider streams wind down within the cancellation bound.
	require.Eventually(t, func() bool { return fake.open.Load() == 0 },
		time.Second, 10*time.Millisecond, "provider streams still open")

	// The dedup set survives for the idle-expiry period.
	assert.Greater(t, sess.Seen(), 0)
}

func TestNextBatch_ProviderFailureIsIsolated(t *testing.T) {
	fake := &fakeLLM{
		nodes: map[string][]string{"good": {"a", "b"}},
		fail:  map[string]bool{"bad": true},
	}
	_, sess := newSession(t, models.DiagramBubbleMap)
	st := NewStreamer(fake, []string{"good", "bad"}, testConfig(), telemetry.New())

	events, err := st.NextBatch(context.Background(), sess)
	require.NoError(t, err)

	var doneStatuses = map[string]string{}
	var nodes int
	var terminal Event
	for ev := range events {
		switch ev.Type {
		case EventNodeGenerated:
			nodes++
		case EventProviderDone:
			doneStatuses[ev.Provider] = ev.Status
		case EventBatchCompleted, EventError:
			terminal = ev
		}
	}

	assert.Equal(t, 2, nodes)
	assert.Equal(t, ProviderStatusOK, doneStatuses["good"])
	assert.Equal(t, ProviderStatusFailure, doneStatuses["bad"])
	assert.Equal(t, EventBatchCompleted, terminal.Type, "session survives one failure")
}

func TestNextBatch_AllProvidersFailed(t *testing.T) {
	fake := &fakeLLM{fail: map[string]bool{"p1": true, "p2": true}}
	_, sess := newSession(t, models.DiagramBubbleMap)
	st := NewStreamer(fake, []string{"p1", "p2"}, testConfig(), telemetry.New())

	events, err := st.NextBatch(context.Background(), sess)
	require.NoError(t, err)
	_, terminal := collect(t, events)

	require.NotNil(t, terminal)
	assert.Equal(t, EventError, terminal.Type)
}

func TestNextBatch_SecondBatchKeepsDeduping(t *testing.T) {
	fake := &fakeLLM{nodes: map[string][]string{"p1": {"same", "fresh"}}}
	_, sess := newSession(t, models.DiagramBubbleMap)
	st := NewStreamer(fake, []string{"p1"}, testConfig(), telemetry.New())

	events, err := st.NextBatch(context.Background(), sess)
	require.NoError(t, err)
	first, _ := collect(t, events)
	require.Len(t, first, 2)

	// Same provider output again: everything is now a duplicate.
	events, err = st.NextBatch(context.Background(), sess)
	require.NoError(t, err)
	second, terminal := collect(t, events)
	assert.Empty(t, second)
	require.NotNil(t, terminal)
	assert.Equal(t, 0, terminal.TotalUniqueNodes)
}

func TestNextBatch_StageAdvanceLocksPriorStage(t *testing.T) {
	fake := &fakeLLM{nodes: map[string][]string{"p1": {"dim1", "dim2"}}}
	_, sess := newSession(t, models.DiagramTreeMap)
	st := NewStreamer(fake, []string{"p1"}, testConfig(), telemetry.New())

	assert.Equal(t, "dimensions", sess.Stage())
	events, err := st.NextBatch(context.Background(), sess)
	require.NoError(t, err)
	collect(t, events)

	next, err := sess.AdvanceStage()
	require.NoError(t, err)
	assert.Equal(t, "categories", next)

	// A late node carrying the old epoch and stage is rejected.
	assert.False(t, sess.acceptNode(sess.epoch-1, "dimensions", "latecomer"))

	// The locked stage cannot host another batch.
	sess.mu.Lock()
	sess.stageIdx = 0
	sess.mu.Unlock()
	_, err = st.NextBatch(context.Background(), sess)
	assert.ErrorIs(t, err, ErrStageLocked)
}

func TestParseCandidate(t *testing.T) {
	cases := map[string]string{
		"  alpha  ":       "alpha",
		"- beta":          "beta",
		"* gamma":         "gamma",
		"3. delta":        "delta",
		"12) epsilon":     "epsilon",
		`"quoted"`:        "quoted",
		"":                "",
		"   ":             "",
		"• bullet point":  "bullet point",
		"10.5 not a list": "5 not a list",
	}
	for in, want := range cases {
		assert.Equal(t, want, parseCandidate(in), "input %q", in)
	}
}
