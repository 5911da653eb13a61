package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maxagent/maxd/internal/contextwin"
)

// Session is the per-conversation state: one context window plus bookkeeping.
// Sessions are keyed "channel:user_id" so each surface gets its own history.
type Session struct {
	Key        string
	Window     *contextwin.Window
	CreatedAt  time.Time
	LastActive time.Time
	TurnCount  int

	// mu serializes turns within the session; concurrent inbound messages
	// for the same session run one at a time.
	mu sync.Mutex
}

// Lock acquires the session's turn lock.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's turn lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// SessionKey builds the canonical session key for a channel and user.
func SessionKey(channel, userID string) string {
	return fmt.Sprintf("%s:%s", channel, userID)
}

// Persister saves a session's window state when it is evicted or the
// manager shuts down.
type Persister interface {
	SaveWindow(sessionKey string, state contextwin.State) error
	LoadWindow(sessionKey string) (contextwin.State, error)
}

// SessionManager keeps recently active sessions in memory with LRU
// eviction. Evicted windows are persisted so the session can resume later.
// The window factories receive the session key so per-session hooks can
// be attached at creation.
type SessionManager struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, *Session]
	persister Persister
	newWindow func(key string) *contextwin.Window
	restore   func(key string, state contextwin.State) *contextwin.Window
}

// NewSessionManager creates a manager holding up to size sessions in
// memory. persister may be nil, in which case evicted state is dropped.
func NewSessionManager(size int, persister Persister, newWindow func(key string) *contextwin.Window, restore func(key string, state contextwin.State) *contextwin.Window) (*SessionManager, error) {
	m := &SessionManager{
		persister: persister,
		newWindow: newWindow,
		restore:   restore,
	}
	cache, err := lru.NewWithEvict[string, *Session](size, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

// GetOrCreate returns the live session for key, restoring persisted window
// state if available, or creating a fresh one.
func (m *SessionManager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache.Get(key); ok {
		s.LastActive = time.Now()
		return s
	}

	var window *contextwin.Window
	if m.persister != nil {
		if state, err := m.persister.LoadWindow(key); err == nil && len(state.Entries) > 0 {
			window = m.restore(key, state)
			slog.Debug("session restored", "session", key, "entries", len(state.Entries))
		}
	}
	if window == nil {
		window = m.newWindow(key)
	}

	s := &Session{
		Key:        key,
		Window:     window,
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}
	m.cache.Add(key, s)
	return s
}

// Reset discards a session's in-memory and persisted state.
func (m *SessionManager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Remove(key)
	if m.persister != nil {
		if err := m.persister.SaveWindow(key, contextwin.State{}); err != nil {
			slog.Warn("session reset persist failed", "session", key, "error", err)
		}
	}
	slog.Info("session reset", "session", key)
}

// Persist writes a session's current window state to the store without
// evicting it. Called after every turn so a crash loses at most the turn
// in flight.
func (m *SessionManager) Persist(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.persister == nil {
		return
	}
	s, ok := m.cache.Peek(key)
	if !ok {
		return
	}
	if err := m.persister.SaveWindow(key, s.Window.Export()); err != nil {
		slog.Warn("session persist failed", "session", key, "error", err)
	}
}

// Keys returns the keys of sessions currently in memory.
func (m *SessionManager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Keys()
}

// Flush persists every in-memory session. Called on shutdown.
func (m *SessionManager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.persister == nil {
		return
	}
	for _, key := range m.cache.Keys() {
		if s, ok := m.cache.Peek(key); ok {
			if err := m.persister.SaveWindow(key, s.Window.Export()); err != nil {
				slog.Warn("session flush failed", "session", key, "error", err)
			}
		}
	}
}

func (m *SessionManager) onEvict(key string, s *Session) {
	if m.persister == nil {
		return
	}
	if err := m.persister.SaveWindow(key, s.Window.Export()); err != nil {
		slog.Warn("evicted session persist failed", "session", key, "error", err)
		return
	}
	slog.Debug("session evicted to store", "session", key)
}
