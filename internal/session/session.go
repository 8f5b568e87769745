// Package session owns the per-login encryption key. Keys live only in
// process memory and are zeroed when a session closes or expires.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/habitstack/internal/errs"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Session is a snapshot of one authenticated login.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Username  string
	ExpiresAt time.Time
	key       []byte
}

// Key returns the session's encryption key, or nil when none is held.
func (s Session) Key() []byte { return s.key }

// HasKey reports whether an encryption key is present.
func (s Session) HasKey() bool { return len(s.key) > 0 }

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Manager is the in-memory session table.
type Manager struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	ttl      time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewManager constructs a Manager whose sessions live for ttl.
func NewManager(ttl time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{sessions: make(map[uuid.UUID]*Session), ttl: ttl, now: time.Now, log: log}
}

func (m *Manager) snapshot(s *Session) Session {
	c := *s
	c.key = clone(s.key)
	return c
}

// Open starts a session holding a copy of key.
func (m *Manager) Open(userID uuid.UUID, username string, key []byte) (Session, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return Session{}, err
	}
	s := &Session{ID: id, UserID: userID, Username: username, ExpiresAt: m.now().Add(m.ttl), key: clone(key)}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.log.Info("session opened", zap.Stringer("session_id", id), zap.Stringer("user_id", userID), zap.Bool("has_key", s.HasKey()))
	return m.snapshot(s), nil
}

// Get returns a live session. Expired sessions are dropped.
func (m *Manager) Get(id uuid.UUID) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	if !m.now().Before(s.ExpiresAt) {
		m.dropLocked(id, s)
		return Session{}, false
	}
	return m.snapshot(s), true
}

// SetKey replaces the key of a live session.
func (m *Manager) SetKey(id uuid.UUID, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errs.ErrNotFound
	}
	zero(s.key)
	s.key = clone(key)
	return nil
}

func (m *Manager) dropLocked(id uuid.UUID, s *Session) {
	zero(s.key)
	delete(m.sessions, id)
}

// Close ends a session and zeroes its key. Unknown ids are ignored.
func (m *Manager) Close(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		m.dropLocked(id, s)
		m.log.Info("session closed", zap.Stringer("session_id", id))
	}
}

// CloseUser ends every session of userID except keep and returns how many
// were closed. Pass uuid.Nil to close them all.
func (m *Manager) CloseUser(userID, keep uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.UserID == userID && id != keep {
			m.dropLocked(id, s)
			n++
		}
	}
	if n > 0 {
		m.log.Info("user sessions closed", zap.Stringer("user_id", userID), zap.Int("count", n))
	}
	return n
}

// CloseAll ends every session and zeroes its key.
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sessions)
	for id, s := range m.sessions {
		m.dropLocked(id, s)
	}
	return n
}

// Sweep drops expired sessions.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			m.dropLocked(id, s)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				m.log.Debug("expired sessions swept", zap.Int("count", n))
			}
		}
	}
}

type ctxKey struct{}

// WithSession attaches s to ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session attached by WithSession.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}
