// Package session tracks the role and role-specific state of each live
// connection. A connection starts anonymous and may upgrade exactly once;
// it never downgrades without disconnecting.
package session

import (
	"errors"
	"sync"
)

// Role is the closed set of connection roles.
type Role int

const (
	Anonymous Role = iota
	User
	Agent
	Admin
	SuperAdmin
)

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case User:
		return "user"
	case Agent:
		return "agent"
	case Admin:
		return "admin"
	case SuperAdmin:
		return "super_admin"
	default:
		return "anonymous"
	}
}

// IsAgent reports whether the role carries agent capabilities.
// Admins and super-admins can do everything an agent can.
func (r Role) IsAgent() bool {
	return r == Agent || r == Admin || r == SuperAdmin
}

// CanModerate reports whether the role may mute agents, archive or delete
// conversations, and view aggregate stats.
func (r Role) CanModerate() bool {
	return r == Admin || r == SuperAdmin
}

// Session is the per-connection state entry.
type Session struct {
	ConnID string
	Role   Role

	// User role: the conversation this connection registered for.
	ConversationKey string

	// Agent roles: identity plus the single conversation currently watched.
	AgentID    string
	Monitoring string
}

// ErrRoleFixed is returned when a connection attempts a second role upgrade.
var ErrRoleFixed = errors.New("session: role already assigned for this connection")

// ErrNotFound is returned for operations on unknown connections.
var ErrNotFound = errors.New("session: no such connection")

// Registry maps live connection ids to sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Connect creates an anonymous session for a new connection.
func (r *Registry) Connect(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Session{ConnID: connID, Role: Anonymous}
	r.sessions[connID] = s
	return s
}

// Get returns a snapshot of the session for a connection, or nil.
func (r *Registry) Get(connID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// BecomeUser upgrades an anonymous connection to a user bound to one
// conversation key.
func (r *Registry) BecomeUser(connID, conversationKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return ErrNotFound
	}
	if s.Role != Anonymous {
		return ErrRoleFixed
	}
	s.Role = User
	s.ConversationKey = conversationKey
	return nil
}

// BecomeAgent upgrades an anonymous connection to an agent-class role.
func (r *Registry) BecomeAgent(connID, agentID string, role Role) error {
	if !role.IsAgent() {
		return errors.New("session: not an agent-class role")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return ErrNotFound
	}
	if s.Role != Anonymous {
		return ErrRoleFixed
	}
	s.Role = role
	s.AgentID = agentID
	return nil
}

// SetMonitoring points an agent session at a conversation. Passing an empty
// key clears the pointer.
func (r *Registry) SetMonitoring(connID, conversationKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return ErrNotFound
	}
	if !s.Role.IsAgent() {
		return errors.New("session: only agents monitor conversations")
	}
	s.Monitoring = conversationKey
	return nil
}

// Disconnect removes the session and returns the removed entry so callers
// can run role-specific cleanup (presence, rooms).
func (r *Registry) Disconnect(connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	delete(r.sessions, connID)
	return s
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CanDeleteMessage applies the moderation rule: moderators delete anything;
// an agent deletes only messages it authored unless deleteForAll is set by
// a moderator.
func CanDeleteMessage(s *Session, authorID string, deleteForAll bool) bool {
	if s == nil {
		return false
	}
	if s.Role.CanModerate() {
		return true
	}
	if s.Role == Agent {
		if deleteForAll {
			return false // deleteForAll is a moderator grant
		}
		return s.AgentID != "" && s.AgentID == authorID
	}
	return false
}
