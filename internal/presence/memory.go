package presence

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Registry for single-instance deployments and
// tests.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]map[string]struct{} // subject -> session ids
}

// NewMemory returns an empty Memory registry.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]map[string]struct{})}
}

func (m *Memory) Add(_ context.Context, subject, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sessions[subject]
	if !ok {
		set = make(map[string]struct{})
		m.sessions[subject] = set
	}
	set[sessionID] = struct{}{}
	return !ok, nil
}

func (m *Memory) Remove(_ context.Context, subject, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sessions[subject]
	if !ok {
		return false, nil
	}
	if _, ok := set[sessionID]; !ok {
		return false, nil
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(m.sessions, subject)
		return true, nil
	}
	return false, nil
}

func (m *Memory) Online(_ context.Context) ([]string, error) {
	m.mu.Lock()
	out := make([]string, 0, len(m.sessions))
	for subject := range m.sessions {
		out = append(out, subject)
	}
	m.mu.Unlock()

	sort.Strings(out)
	return out, nil
}
