package fusion

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/craigm26/LiveCaptionsXR/internal/timeutil"
)

// ErrSessionNotFound is returned for an unknown or ended session ID.
var ErrSessionNotFound = errors.New("session not found")

// Expirer is implemented by placers that retire idle anchors. Manager.Run
// calls it once per tick.
type Expirer interface {
	Expire(now time.Time) int
}

// Manager tracks the active caption sessions.
type Manager struct {
	cfg   Config
	deps  SessionDeps
	clock timeutil.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager whose sessions share cfg and deps.
func NewManager(cfg Config, deps SessionDeps) *Manager {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		clock:    deps.Clock,
		sessions: make(map[string]*Session),
	}
}

// Config returns the configuration used for new sessions.
func (m *Manager) Config() Config { return m.cfg }

// Start creates a new session with a random ID.
func (m *Manager) Start() *Session {
	id := uuid.NewString()
	s := NewSession(id, m.cfg, m.deps)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.deps.Recorder != nil {
		if err := m.deps.Recorder.RecordSessionStart(id, s.StartedAt().UnixNano(), m.cfg); err != nil {
			logf("session %s: failed to record start: %v", id, err)
		}
	}
	logf("session %s started", id)
	return s
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// End closes and forgets a session. Its estimator is discarded.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := s.Close(); err != nil {
		logf("session %s: %v", id, err)
	}
	if m.deps.Recorder != nil {
		if err := m.deps.Recorder.RecordSessionEnd(id, m.clock.Now().UnixNano()); err != nil {
			logf("session %s: failed to record end: %v", id, err)
		}
	}
	logf("session %s ended", id)
	return nil
}

// List returns the active sessions ordered by start time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt().Equal(out[j].StartedAt()) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].StartedAt().Before(out[j].StartedAt())
	})
	return out
}

// TickAll runs a prediction step on every active session.
func (m *Manager) TickAll() {
	for _, s := range m.List() {
		s.Tick()
	}
	if exp, ok := m.deps.Placer.(Expirer); ok {
		if n := exp.Expire(m.clock.Now()); n > 0 {
			logf("expired %d idle caption anchors", n)
		}
	}
}

// Run ticks all sessions every cfg.TickInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.TickInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			m.TickAll()
		}
	}
}

// Shutdown ends every active session.
func (m *Manager) Shutdown() {
	for _, s := range m.List() {
		_ = m.End(s.ID())
	}
}
