// Package rooms maintains room membership and fans events out to every
// connection currently subscribed. It holds no durable state.
package rooms

import (
	"sync"
)

// Well-known rooms.
const (
	Broadcast  = "broadcast"
	Admin      = "admin"
	SuperAdmin = "superadmin"
)

// Conversation returns the room key for a conversation. The prefix keeps
// wire-supplied conversation keys out of the well-known room namespace.
func Conversation(key string) string {
	return "conv:" + key
}

// Handle is one deliverable connection. Deliver must never block; slow
// consumers are the handle's problem, not the router's.
type Handle interface {
	ID() string
	Deliver(event string, payload any)
}

// Router tracks which handles are in which rooms.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Handle
}

// NewRouter initializes an empty router.
func NewRouter() *Router {
	return &Router{rooms: make(map[string]map[string]Handle)}
}

// Join subscribes a handle to a room.
func (r *Router) Join(h Handle, roomKey string) {
	if h == nil || roomKey == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[roomKey]; !ok {
		r.rooms[roomKey] = make(map[string]Handle)
	}
	r.rooms[roomKey][h.ID()] = h
}

// Leave removes a handle from a room, dropping the room once empty.
func (r *Router) Leave(h Handle, roomKey string) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.rooms[roomKey]; ok {
		delete(members, h.ID())
		if len(members) == 0 {
			delete(r.rooms, roomKey)
		}
	}
}

// LeaveAll removes a handle from every room it is in. Called on disconnect.
func (r *Router) LeaveAll(h Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for roomKey, members := range r.rooms {
		delete(members, h.ID())
		if len(members) == 0 {
			delete(r.rooms, roomKey)
		}
	}
}

// Publish delivers an event to every handle present in any of the target
// rooms, exactly once per handle even when it sits in several of them.
func (r *Router) Publish(roomKeys []string, event string, payload any) {
	r.mu.RLock()
	targets := make(map[string]Handle)
	for _, key := range roomKeys {
		for id, h := range r.rooms[key] {
			targets[id] = h
		}
	}
	r.mu.RUnlock()

	for _, h := range targets {
		h.Deliver(event, payload)
	}
}

// MemberCount returns how many handles are in a room.
func (r *Router) MemberCount(roomKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomKey])
}
