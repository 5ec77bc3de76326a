// Package memory stores per-session conversation turns.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
)

const (
	DefaultMaxTurns = 100
	DefaultTTL      = 24 * time.Hour
)

// Config bounds what a session memory keeps.
type Config struct {
	// MaxTurns is the number of most recent turns retained per session.
	MaxTurns int
	// TTL evicts sessions idle for longer than this. 0 keeps them forever.
	TTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.TTL < 0 {
		c.TTL = 0
	}
	return c
}

type session struct {
	mu       sync.Mutex
	turns    []models.SessionTurn
	removed  bool         // guarded by mu
	lastUsed atomic.Int64 // unix nanoseconds
}

// InMemory keeps sessions in a process-local map. Appends to one session are
// serialized by that session's lock; different sessions never contend.
type InMemory struct {
	config   Config
	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

var _ types.SessionMemory = (*InMemory)(nil)

func NewInMemory(config Config) *InMemory {
	return &InMemory{
		config:   config.withDefaults(),
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: session_id is required", types.ErrInvalidRequest)
	}
	return nil
}

// get looks up a session and marks it used while the map lock is held, so a
// concurrent Sweep cannot evict it between lookup and use.
func (m *InMemory) get(id string, create bool) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if ok && m.expired(s) {
		m.remove(id, s)
		s, ok = nil, false
	}
	if !ok {
		if !create {
			return nil
		}
		s = &session{}
		m.sessions[id] = s
	}
	s.lastUsed.Store(m.now().UnixNano())
	return s
}

// lock returns the live session for id with its lock held. A session removed
// between lookup and locking is looked up again.
func (m *InMemory) lock(id string) *session {
	for {
		s := m.get(id, true)
		s.mu.Lock()
		if !s.removed {
			return s
		}
		s.mu.Unlock()
	}
}

// remove drops s from the map and marks it removed. m.mu must be held.
func (m *InMemory) remove(id string, s *session) {
	s.mu.Lock()
	s.removed = true
	delete(m.sessions, id)
	s.mu.Unlock()
}

func (m *InMemory) expired(s *session) bool {
	if m.config.TTL == 0 {
		return false
	}
	return m.now().Sub(time.Unix(0, s.lastUsed.Load())) > m.config.TTL
}

// Append adds turns to the session log in order, creating the log if needed.
func (m *InMemory) Append(ctx context.Context, sessionID string, turns ...models.SessionTurn) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	s := m.lock(sessionID)
	defer s.mu.Unlock()

	now := m.now()
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		s.turns = append(s.turns, t)
	}
	if over := len(s.turns) - m.config.MaxTurns; over > 0 {
		s.turns = append([]models.SessionTurn(nil), s.turns[over:]...)
	}
	return nil
}

// GetWindow returns the last window turns, oldest first. Unknown sessions yield nil.
func (m *InMemory) GetWindow(ctx context.Context, sessionID string, window int) ([]models.SessionTurn, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if window <= 0 {
		return nil, nil
	}

	s := m.get(sessionID, false)
	if s == nil {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return nil, nil
	}

	start := max(len(s.turns)-window, 0)
	out := make([]models.SessionTurn, len(s.turns)-start)
	copy(out, s.turns[start:])
	return out, nil
}

func (m *InMemory) Clear(ctx context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		m.remove(sessionID, s)
	}
	return nil
}

func (m *InMemory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Sweep evicts every expired session and returns how many were removed.
func (m *InMemory) Sweep() int {
	if m.config.TTL == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if m.expired(s) {
			m.remove(id, s)
			n++
		}
	}
	return n
}

// Sessions returns the number of sessions currently held.
func (m *InMemory) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *InMemory) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(evicted int)) {
	if m.config.TTL == 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 && onSweep != nil {
				onSweep(n)
			}
		}
	}
}
