package broadcast

import (
	"sort"
	"sync"
)

// Index is the room membership of the sessions on this instance.
type Index struct {
	mu        sync.RWMutex
	bySession map[string]map[string]struct{} // session -> rooms
	byRoom    map[string]map[string]struct{} // room -> sessions
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{
		bySession: make(map[string]map[string]struct{}),
		byRoom:    make(map[string]map[string]struct{}),
	}
}

// Register adds a session with no rooms.
func (ix *Index) Register(sessionID string) {
	ix.mu.Lock()
	if _, ok := ix.bySession[sessionID]; !ok {
		ix.bySession[sessionID] = make(map[string]struct{})
	}
	ix.mu.Unlock()
}

// Join adds sessionID to room. It reports false if the session is not
// registered.
func (ix *Index) Join(sessionID, room string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rooms, ok := ix.bySession[sessionID]
	if !ok {
		return false
	}
	rooms[room] = struct{}{}
	members, ok := ix.byRoom[room]
	if !ok {
		members = make(map[string]struct{})
		ix.byRoom[room] = members
	}
	members[sessionID] = struct{}{}
	return true
}

// Leave removes sessionID from room.
func (ix *Index) Leave(sessionID, room string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.leaveLocked(sessionID, room)
}

func (ix *Index) leaveLocked(sessionID, room string) {
	if rooms, ok := ix.bySession[sessionID]; ok {
		delete(rooms, room)
	}
	if members, ok := ix.byRoom[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(ix.byRoom, room)
		}
	}
}

// Unregister removes the session and returns the rooms it was in.
func (ix *Index) Unregister(sessionID string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	rooms, ok := ix.bySession[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
		ix.leaveLocked(sessionID, room)
	}
	delete(ix.bySession, sessionID)
	sort.Strings(out)
	return out
}

// HasMembers reports whether any local session is in room.
func (ix *Index) HasMembers(room string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byRoom[room]) > 0
}

// Members returns the local sessions in room.
func (ix *Index) Members(room string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	members := ix.byRoom[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Sessions returns every registered session.
func (ix *Index) Sessions() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.bySession))
	for id := range ix.bySession {
		out = append(out, id)
	}
	return out
}

// Rooms returns the rooms sessionID is in, sorted.
func (ix *Index) Rooms(sessionID string) []string {
	ix.mu.RLock()
	rooms := ix.bySession[sessionID]
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	ix.mu.RUnlock()
	sort.Strings(out)
	return out
}
