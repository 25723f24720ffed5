package models

import (
	"time"

	"github.com/google/uuid"
)

// Stored agent roles. Admins and super-admins carry moderation rights on
// top of regular agent capabilities.
const (
	AgentRoleAgent      = "agent"
	AgentRoleAdmin      = "admin"
	AgentRoleSuperAdmin = "super_admin"
)

// Agent represents a registered support agent.
// The live connection handle and monitoring pointer are runtime state owned
// by the directory, not part of the stored record.
type Agent struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Role           string    `json:"role"`
	CredentialHash string    `json:"-"` // bcrypt hash, never serialized
	Muted          bool      `json:"muted"`
	LastSeen       time.Time `json:"last_seen"`
	CreatedAt      time.Time `json:"created_at"`
}
