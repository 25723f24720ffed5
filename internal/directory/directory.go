// Package directory owns the agent lifecycle: registration, login,
// mute state, presence and the per-agent monitoring pointer, plus the
// derived conversation list served to agents.
package directory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/chaloalba05-wq/chat-backend/internal/audit"
	"github.com/chaloalba05-wq/chat-backend/internal/cache"
	"github.com/chaloalba05-wq/chat-backend/internal/metrics"
	"github.com/chaloalba05-wq/chat-backend/internal/models"
	"github.com/chaloalba05-wq/chat-backend/internal/store"
)

var (
	// ErrNameTaken is returned when registering an existing agent name.
	ErrNameTaken = errors.New("directory: agent name already registered")
	// ErrBadCredentials is returned on a failed credential check.
	ErrBadCredentials = errors.New("directory: invalid name or secret")
	// ErrMuted rejects logins and sends from muted agents.
	ErrMuted = errors.New("directory: agent is muted")
	// ErrNotFound is returned for operations on unknown agents.
	ErrNotFound = errors.New("directory: no such agent")
)

// presence is the runtime state of one online agent.
type presence struct {
	connID     string
	monitoring string
}

// AgentStatus is the admin-facing presence view of one agent.
type AgentStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Online     bool      `json:"online"`
	Muted      bool      `json:"muted"`
	Monitoring string    `json:"monitoring,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// Directory tracks agents and presence.
type Directory struct {
	log   zerolog.Logger
	store store.Store
	cache *cache.Cache
	trail *audit.Log

	mu     sync.Mutex
	online map[string]*presence // agent id -> presence
}

// New creates a directory backed by the given store and cache.
func New(log zerolog.Logger, st store.Store, msgCache *cache.Cache, trail *audit.Log) *Directory {
	return &Directory{
		log:    log.With().Str("component", "directory").Logger(),
		store:  st,
		cache:  msgCache,
		trail:  trail,
		online: make(map[string]*presence),
	}
}

// Register provisions a new agent with a bcrypt-hashed secret.
func (d *Directory) Register(ctx context.Context, name, secret string) (*models.Agent, error) {
	return d.RegisterWithRole(ctx, name, secret, models.AgentRoleAgent)
}

// RegisterWithRole provisions an agent with an explicit role. Elevated roles
// are only assigned through operator tooling, never over the socket.
func (d *Directory) RegisterWithRole(ctx context.Context, name, secret, role string) (*models.Agent, error) {
	existing, err := d.store.GetAgentByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrNameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	agent := &models.Agent{
		ID:             uuid.New(),
		Name:           name,
		Role:           role,
		CredentialHash: string(hash),
		CreatedAt:      time.Now().UTC(),
		LastSeen:       time.Now().UTC(),
	}
	if err := d.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}

	if d.trail != nil {
		d.trail.Record("agent_registered", name)
	}
	d.log.Info().Str("agent", name).Msg("agent registered")
	return agent, nil
}

// Login validates the credential, rejects muted agents, attaches the
// connection and stamps last-seen. Unknown names are auto-provisioned with
// the presented secret.
func (d *Directory) Login(ctx context.Context, name, secret, connID string) (*models.Agent, error) {
	agent, err := d.store.GetAgentByName(ctx, name)
	if err != nil {
		return nil, err
	}

	if agent == nil {
		agent, err = d.Register(ctx, name, secret)
		if err != nil {
			return nil, err
		}
	} else if bcrypt.CompareHashAndPassword([]byte(agent.CredentialHash), []byte(secret)) != nil {
		metrics.AgentLogins.WithLabelValues("rejected").Inc()
		return nil, ErrBadCredentials
	}

	if agent.Muted {
		metrics.AgentLogins.WithLabelValues("muted").Inc()
		if d.trail != nil {
			d.trail.Record("login_rejected_muted", name)
		}
		return nil, ErrMuted
	}

	agent.LastSeen = time.Now().UTC()
	if err := d.store.UpsertAgent(ctx, agent); err != nil {
		// Presence still works; the stamp lands on next logout.
		d.log.Warn().Err(err).Str("agent", name).Msg("last-seen stamp failed")
	}

	d.mu.Lock()
	d.online[agent.ID.String()] = &presence{connID: connID}
	d.mu.Unlock()

	metrics.AgentLogins.WithLabelValues("ok").Inc()
	if d.trail != nil {
		d.trail.Record("agent_login", name)
	}
	d.log.Info().Str("agent", name).Msg("agent online")
	return agent, nil
}

// Logout clears presence and stamps last-seen.
func (d *Directory) Logout(ctx context.Context, agentID string) {
	d.mu.Lock()
	delete(d.online, agentID)
	d.mu.Unlock()

	id, err := uuid.Parse(agentID)
	if err != nil {
		return
	}
	agent, err := d.store.GetAgentByID(ctx, id)
	if err != nil || agent == nil {
		return
	}
	agent.LastSeen = time.Now().UTC()
	if err := d.store.UpsertAgent(ctx, agent); err != nil {
		d.log.Warn().Err(err).Str("agent", agent.Name).Msg("last-seen stamp failed")
	}

	if d.trail != nil {
		d.trail.Record("agent_logout", agent.Name)
	}
	d.log.Info().Str("agent", agent.Name).Msg("agent offline")
}

// ToggleMute flips the muted flag and returns the new state.
func (d *Directory) ToggleMute(ctx context.Context, agentID string) (bool, error) {
	id, err := uuid.Parse(agentID)
	if err != nil {
		return false, ErrNotFound
	}
	agent, err := d.store.GetAgentByID(ctx, id)
	if err != nil {
		return false, err
	}
	if agent == nil {
		return false, ErrNotFound
	}

	agent.Muted = !agent.Muted
	if err := d.store.UpsertAgent(ctx, agent); err != nil {
		return false, err
	}

	if agent.Muted {
		// A muted agent loses its live session privileges on next action;
		// presence is left to the gateway to tear down.
		if d.trail != nil {
			d.trail.Record("agent_muted", agent.Name)
		}
	} else if d.trail != nil {
		d.trail.Record("agent_unmuted", agent.Name)
	}
	return agent.Muted, nil
}

// IsMuted reports the current muted flag.
func (d *Directory) IsMuted(ctx context.Context, agentID string) (bool, error) {
	id, err := uuid.Parse(agentID)
	if err != nil {
		return false, ErrNotFound
	}
	agent, err := d.store.GetAgentByID(ctx, id)
	if err != nil {
		return false, err
	}
	if agent == nil {
		return false, ErrNotFound
	}
	return agent.Muted, nil
}

// SetMonitoring points an online agent at a conversation; empty clears it.
func (d *Directory) SetMonitoring(agentID, conversationKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.online[agentID]; ok {
		p.monitoring = conversationKey
	}
}

// IsOnline reports whether the agent has a live connection.
func (d *Directory) IsOnline(agentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.online[agentID]
	return ok
}

// Statuses returns the presence view of every known agent, online first,
// then by name.
func (d *Directory) Statuses(ctx context.Context) ([]AgentStatus, error) {
	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]AgentStatus, 0, len(agents))
	for _, a := range agents {
		status := AgentStatus{
			ID:       a.ID.String(),
			Name:     a.Name,
			Muted:    a.Muted,
			LastSeen: a.LastSeen,
		}
		if p, ok := d.online[a.ID.String()]; ok {
			status.Online = true
			status.Monitoring = p.monitoring
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ConversationList merges durable summaries with in-memory ones and
// returns them sorted by most-recent activity descending, unread counts
// attached. Cache state wins for conversations it holds: it is never
// behind the store.
func (d *Directory) ConversationList(ctx context.Context, includeArchived bool) ([]models.ConversationSummary, error) {
	stored, err := d.store.ListConversations(ctx, store.ConversationFilter{IncludeArchived: includeArchived})
	if err != nil {
		d.log.Warn().Err(err).Msg("store list failed, serving cache only")
		stored = nil
	}

	cached := d.cache.Summaries()

	merged := make(map[string]models.ConversationSummary, len(stored)+len(cached))
	for _, s := range stored {
		merged[s.Key] = s
	}
	for key, s := range cached {
		if s.Archived && !includeArchived {
			delete(merged, key)
			continue
		}
		merged[key] = s
	}

	out := make([]models.ConversationSummary, 0, len(merged))
	for _, s := range merged {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt > out[j].LastMessageAt })
	return out, nil
}
