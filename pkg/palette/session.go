package palette

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindcanvas/mindcanvas/pkg/models"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("palette: session not found")

	// ErrStageLocked is returned when a batch targets a stage the session
	// has already moved past.
	ErrStageLocked = errors.New("palette: stage is locked")

	// ErrNoMoreStages is returned when the session is on its final stage.
	ErrNoMoreStages = errors.New("palette: no further stage")
)

// Session is one client's brainstorming context. All fields behind mu;
// the seen set outlives individual batches so reconnects keep deduping.
type Session struct {
	ID     string
	UserID int64
	Topic  string
	Kind   models.DiagramKind

	mu         sync.Mutex
	seen       map[string]struct{}
	stages     []string
	stageIdx   int
	stageData  string
	locked     map[string]bool
	tabs       []string
	epoch      int
	lastActive time.Time
	cancel     context.CancelFunc
}

// Stage returns the stage the next batch will generate for.
func (s *Session) Stage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stages[s.stageIdx]
}

// StageData returns the context item for the current stage (e.g. which
// category is being expanded).
func (s *Session) StageData() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageData
}

// SetStageData selects the item the next batch expands.
func (s *Session) SetStageData(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageData = data
}

// Tabs returns the per-item tabs built during rehydration.
func (s *Session) Tabs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tabs))
	copy(out, s.tabs)
	return out
}

// AdvanceStage locks the current stage and moves to the next one. The
// epoch bump invalidates any node still in flight from the old stage.
func (s *Session) AdvanceStage() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stageIdx+1 >= len(s.stages) {
		return "", ErrNoMoreStages
	}
	s.locked[s.stages[s.stageIdx]] = true
	s.stageIdx++
	s.epoch++
	s.stageData = ""
	return s.stages[s.stageIdx], nil
}

// Seen reports the number of deduplicated nodes the session remembers.
func (s *Session) Seen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// beginBatch cancels any running batch, derives a fresh batch context,
// and returns it with the epoch the batch belongs to.
func (s *Session) beginBatch(parent context.Context, deadline time.Duration) (context.Context, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[s.stages[s.stageIdx]] {
		return nil, 0, ErrStageLocked
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.epoch++
	ctx, cancel := context.WithTimeout(parent, deadline)
	s.cancel = cancel
	s.lastActive = time.Now()
	return ctx, s.epoch, nil
}

// acceptNode is the dedup-and-epoch gate. It admits a candidate only when
// the batch that produced it is still current, its stage is not locked,
// and the normalized form is new to the session.
func (s *Session) acceptNode(epoch int, stage, normalized string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.locked[stage] {
		return false
	}
	if _, dup := s.seen[normalized]; dup {
		return false
	}
	s.seen[normalized] = struct{}{}
	s.lastActive = time.Now()
	return true
}

// endBatch releases the batch's cancel func if it is still the current one.
func (s *Session) endBatch(epoch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch == s.epoch && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.lastActive = time.Now()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

func (s *Session) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Normalize is the dedup key: trimmed, lowercased.
func Normalize(node string) string {
	return strings.ToLower(strings.TrimSpace(node))
}

const sweepInterval = time.Minute

// Manager owns the live sessions of this process and expires idle ones.
type Manager struct {
	idleTTL time.Duration
	metrics *telemetry.Metrics

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a session manager. Call Start to run the idle sweep.
func NewManager(idleTTL time.Duration, metrics *telemetry.Metrics) *Manager {
	return &Manager{
		idleTTL:  idleTTL,
		metrics:  metrics,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// OpenRequest describes a new session. Existing carries nodes already on
// the diagram, keyed by stage name; the session is rehydrated past every
// stage that already has content, with one tab per item of the last
// populated stage.
type OpenRequest struct {
	UserID   int64
	Topic    string
	Kind     models.DiagramKind
	Existing map[string][]string
}

// Open creates a session and returns it.
func (m *Manager) Open(req OpenRequest) *Session {
	stages := req.Kind.Stages()
	sess := &Session{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Topic:      req.Topic,
		Kind:       req.Kind,
		seen:       make(map[string]struct{}),
		stages:     stages,
		locked:     make(map[string]bool),
		lastActive: time.Now(),
	}
	rehydrate(sess, req.Existing)

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PaletteSessions.Set(float64(count))
	}
	slog.Debug("Palette session opened",
		"session_id", sess.ID, "kind", req.Kind, "stage", sess.Stage())
	return sess
}

// rehydrate seeds the dedup set from existing diagram content and fast-
// forwards the stage pointer past stages that already have nodes.
func rehydrate(sess *Session, existing map[string][]string) {
	if len(existing) == 0 {
		return
	}
	lastPopulated := -1
	for i, stage := range sess.stages {
		nodes, ok := existing[stage]
		if !ok || len(nodes) == 0 {
			continue
		}
		lastPopulated = i
		for _, node := range nodes {
			sess.seen[Normalize(node)] = struct{}{}
		}
	}
	if lastPopulated < 0 || lastPopulated+1 >= len(sess.stages) {
		return
	}
	for i := 0; i <= lastPopulated; i++ {
		sess.locked[sess.stages[i]] = true
	}
	sess.stageIdx = lastPopulated + 1
	sess.tabs = append(sess.tabs, existing[sess.stages[lastPopulated]]...)
}

// Get returns a live session and refreshes its activity clock.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.mu.Lock()
	sess.lastActive = time.Now()
	sess.mu.Unlock()
	return sess, nil
}

// Close cancels any running batch and discards the session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.stop()
	if m.metrics != nil {
		m.metrics.PaletteSessions.Set(float64(count))
	}
	return nil
}

// Start launches the idle-expiry sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop halts the sweep and cancels every live session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.stop()
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// sweep discards sessions idle past the TTL.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if sess.idleSince(now) > m.idleTTL {
			delete(m.sessions, id)
			expired = append(expired, sess)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()

	for _, sess := range expired {
		sess.stop()
		slog.Debug("Palette session expired", "session_id", sess.ID)
	}
	if m.metrics != nil && len(expired) > 0 {
		m.metrics.PaletteSessions.Set(float64(count))
	}
}
