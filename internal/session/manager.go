package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/ironclaw/internal/store"
)

const defaultMaxHistory = 50

// HistoryLoader seeds a session window the first time a user is seen.
type HistoryLoader interface {
	RecentTurns(ctx context.Context, userID string, limit int) ([]store.Turn, error)
}

// Session is the in-memory conversation window for one user. It is only
// handed out inside WithSession, so its methods need no locking.
type Session struct {
	ID             string
	UserID         string
	StartedAt      time.Time
	LastActivityAt time.Time

	turns []store.Turn
	max   int
	// size mirrors len(turns) for readers outside WithSession.
	size atomic.Int64
}

// History returns a copy of the window, oldest first.
func (s *Session) History() []store.Turn {
	out := make([]store.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) Len() int { return len(s.turns) }

// Append adds turns and evicts the oldest ones beyond the bound. Eviction is
// memory-only; the store keeps the full history.
func (s *Session) Append(turns ...store.Turn) {
	s.turns = append(s.turns, turns...)
	if over := len(s.turns) - s.max; over > 0 {
		kept := make([]store.Turn, s.max)
		copy(kept, s.turns[over:])
		s.turns = kept
	}
	s.size.Store(int64(len(s.turns)))
}

// Reset empties the window.
func (s *Session) Reset() {
	s.turns = nil
	s.size.Store(0)
}

type entry struct {
	// lock is a one-slot semaphore. Blocked senders on a channel are woken in
	// arrival order, which gives FIFO handoff between waiters.
	lock    chan struct{}
	refs    int
	session *Session
	loaded  bool
}

// Manager owns one Session per user for the life of the process. A window
// is loaded from the store once; after that only Append and Reset change it,
// so a cleared window stays cleared.
type Manager struct {
	mu         sync.Mutex
	entries    map[string]*entry
	loader     HistoryLoader
	maxHistory int
}

func NewManager(loader HistoryLoader, maxHistory int) *Manager {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Manager{
		entries:    make(map[string]*entry),
		loader:     loader,
		maxHistory: maxHistory,
	}
}

func (m *Manager) MaxHistory() int { return m.maxHistory }

// WithSession runs fn with exclusive access to userID's session. Callers for
// the same user are served in arrival order; different users never contend.
// The session is loaded from the store on first use. Access is released on
// every exit path, including a panic in fn.
func (m *Manager) WithSession(ctx context.Context, userID string, fn func(*Session) error) error {
	e := m.acquireEntry(userID)

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		m.releaseEntry(e)
		return ctx.Err()
	}
	defer func() {
		<-e.lock
		m.releaseEntry(e)
	}()

	if !e.loaded {
		if err := m.load(ctx, e.session); err != nil {
			return err
		}
		e.loaded = true
	}
	e.session.LastActivityAt = time.Now().UTC()
	return fn(e.session)
}

func (m *Manager) load(ctx context.Context, s *Session) error {
	if m.loader == nil {
		return nil
	}
	turns, err := m.loader.RecentTurns(ctx, s.UserID, m.maxHistory)
	if err != nil {
		return fmt.Errorf("load session %s: %w", s.UserID, err)
	}
	s.Reset()
	s.Append(turns...)
	return nil
}

func (m *Manager) acquireEntry(userID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok {
		now := time.Now().UTC()
		e = &entry{
			lock: make(chan struct{}, 1),
			session: &Session{
				ID:             uuid.NewString(),
				UserID:         userID,
				StartedAt:      now,
				LastActivityAt: now,
				max:            m.maxHistory,
			},
		}
		m.entries[userID] = e
	}
	e.refs++
	return e
}

func (m *Manager) releaseEntry(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
}

// ActiveCount reports how many sessions are resident in memory. Sessions
// stay resident until the process exits.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// WindowLen reports the size of userID's window without waiting for an
// in-flight turn. ok is false when the user has no loaded session.
func (m *Manager) WindowLen(userID string) (n int, ok bool) {
	m.mu.Lock()
	e, found := m.entries[userID]
	m.mu.Unlock()
	if !found {
		return 0, false
	}
	return int(e.session.size.Load()), true
}
