// Package session holds the process-local map from live connection to the
// authenticated identity it was opened with. Sessions never leave the
// instance that owns the connection.
package session

import (
	"sync"
	"time"

	"github.com/pprasoon1/safe-chat/internal/identity"
)

// Session is one live connection's server-side state.
type Session struct {
	ID          string
	Identity    identity.Identity
	ConnectedAt time.Time
}

// Map is a mutex-guarded registry of live sessions keyed by session id.
type Map struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{sessions: make(map[string]*Session)}
}

// Add binds id to ident. It returns false if id is already live.
func (m *Map) Add(id string, ident identity.Identity) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, false
	}
	s := &Session{ID: id, Identity: ident, ConnectedAt: time.Now()}
	m.sessions[id] = s
	return s, true
}

// Get returns the live session for id, or nil.
func (m *Map) Get(id string) *Session {
	m.mu.RLock()
	s := m.sessions[id]
	m.mu.RUnlock()
	return s
}

// Remove drops id and returns the session it held, or nil if it was
// already gone.
func (m *Map) Remove(id string) *Session {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	return s
}

// Len returns the number of live sessions.
func (m *Map) Len() int {
	m.mu.RLock()
	n := len(m.sessions)
	m.mu.RUnlock()
	return n
}

// All returns a snapshot of the live sessions.
func (m *Map) All() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	return out
}
