package presence

import (
	"sort"
	"sync"

	"coursechat/pkg/types"
)

// Registry is the in-memory map of course rooms to their currently
// connected participants, keyed by connection handle. It is owned
// exclusively by the gateway, is not durable, and is not shared across
// processes: with more than one gateway process, each sees only its own
// connections. Lifting that requires a shared broker behind this same
// interface, which is deliberately out of scope.
//
// One entry per connection handle: a principal with two open tabs holds two
// entries, and the roster shows both.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]types.RosterEntry // courseID -> connID -> entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]types.RosterEntry),
	}
}

// Add inserts an entry into a course room. Adding the same connection
// handle twice replaces the previous entry rather than duplicating it.
func (r *Registry) Add(courseID string, entry types.RosterEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[courseID]
	if room == nil {
		room = make(map[string]types.RosterEntry)
		r.rooms[courseID] = room
	}
	room[entry.ConnID] = entry
}

// Remove deletes the entry for a connection handle and reports whether it
// was present. Emptied rooms are pruned; the registry never holds a course
// key with no members.
func (r *Registry) Remove(courseID, connID string) (types.RosterEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[courseID]
	if !ok {
		return types.RosterEntry{}, false
	}
	entry, ok := room[connID]
	if !ok {
		return types.RosterEntry{}, false
	}

	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, courseID)
	}
	return entry, true
}

// Snapshot returns the room's current members in a deterministic order
// (join time, then connection handle) for broadcast to clients.
func (r *Registry) Snapshot(courseID string) []types.RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[courseID]
	entries := make([]types.RosterEntry, 0, len(room))
	for _, entry := range room {
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].ConnID < entries[j].ConnID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})

	return entries
}

// RoomSize returns the number of connections currently in a course room.
func (r *Registry) RoomSize(courseID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[courseID])
}

// Stats returns room and connection counts for health reporting.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, room := range r.rooms {
		total += len(room)
	}
	return map[string]int{
		"active_rooms":      len(r.rooms),
		"total_connections": total,
	}
}
