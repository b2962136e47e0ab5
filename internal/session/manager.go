package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSessionClosed is returned when an operation is attempted on a session
// that has been closed.
var ErrSessionClosed = errors.New("session: session closed")

// ErrNoSession is returned by [Manager.Stop] when no session is live.
var ErrNoSession = errors.New("session: no active session")

// Factory builds a fully wired [Session] for the given session ID, returning
// the session and a list of resource closers. Closers are invoked in reverse
// order during teardown, after the session itself is closed.
type Factory func(ctx context.Context, sessionID string) (*Session, []func() error, error)

// Info holds metadata about the live session.
type Info struct {
	SessionID string
	StartedAt time.Time
}

// seq disambiguates session IDs created within the same second.
var seq atomic.Uint64

// NewSessionID returns a fresh identifier of the form
// "session-20060102T150405Z-N".
func NewSessionID() string {
	return fmt.Sprintf("session-%s-%d",
		time.Now().UTC().Format("20060102T150405Z"),
		seq.Add(1),
	)
}

// Manager manages the lifecycle of voice sessions. Only one session can be
// live at a time. All exported methods are safe for concurrent use.
type Manager struct {
	factory Factory

	mu      sync.Mutex
	active  *Session
	info    Info
	closers []func() error
}

// NewManager creates a Manager that builds sessions with the given factory.
func NewManager(factory Factory) *Manager {
	return &Manager{factory: factory}
}

// Start creates and activates a new session. Returns an error if a session
// is already live; the previous session must be fully torn down first.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, fmt.Errorf("session: a session is already active (id=%s)", m.info.SessionID)
	}

	id := NewSessionID()
	s, closers, err := m.factory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session: start %s: %w", id, err)
	}

	m.active = s
	m.closers = closers
	m.info = Info{SessionID: id, StartedAt: time.Now().UTC()}

	slog.Info("session started", "session_id", id)
	return s, nil
}

// Stop tears the live session down: the session is closed, then resource
// closers run in reverse order. Returns [ErrNoSession] when nothing is live.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return ErrNoSession
	}

	id := m.info.SessionID
	if err := m.active.Close(); err != nil {
		slog.Warn("session: close error", "session_id", id, "err", err)
	}
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			slog.Warn("session: closer error", "session_id", id, "index", i, "err", err)
		}
	}

	m.active = nil
	m.closers = nil
	m.info = Info{}

	slog.Info("session stopped", "session_id", id)
	return nil
}

// IsActive reports whether a session is currently live.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Active returns the live session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Info returns metadata about the live session. Zero value when none is live.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}
