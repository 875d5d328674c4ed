// Package chat implements a small room-based chat service on top of the
// reliable transport: clients join named rooms, messages fan out to every
// member, and presence notices announce joins and leaves.
package chat

import "sync"

// Registry tracks room membership and display names, keyed by session key
// (remote address plus connection ID).
type Registry struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
	names map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]struct{}),
		names: make(map[string]string),
	}
}

// Join adds a member to a room, creating the room on first use.
func (r *Registry) Join(room, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}
}

// Leave removes a member from a room and reports whether it was a member.
func (r *Registry) Leave(room, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	_, wasMember := members[id]
	delete(members, id)
	return wasMember
}

// IsMember reports whether id has joined room.
func (r *Registry) IsMember(room, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	_, isMember := members[id]
	return isMember
}

// Members returns a snapshot of a room's membership.
func (r *Registry) Members(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// SetName records a display name for a connection.
func (r *Registry) SetName(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[id] = name
}

// Name returns the display name for a connection, or fallback when none has
// been set.
func (r *Registry) Name(id, fallback string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.names[id]; ok {
		return name
	}
	return fallback
}

// Drop removes a connection from every room and forgets its name. Used when
// a client disconnects.
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, members := range r.rooms {
		delete(members, id)
	}
	delete(r.names, id)
}
