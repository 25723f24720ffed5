package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/chaloalba05-wq/chat-backend/internal/models"
)

// MemoryStore is an in-process Store for tests and store-less development
// mode. Nothing survives a restart.
type MemoryStore struct {
	mu            sync.Mutex
	messages      map[string]map[string]*models.Message // conversationKey -> id -> message
	conversations map[string]*models.ConversationSummary
	agents        map[uuid.UUID]*models.Agent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]map[string]*models.Message),
		conversations: make(map[string]*models.ConversationSummary),
		agents:        make(map[uuid.UUID]*models.Agent),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// UpsertMessage inserts or replaces a message by id.
func (s *MemoryStore) UpsertMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.messages[msg.ConversationKey]
	if !ok {
		conv = make(map[string]*models.Message)
		s.messages[msg.ConversationKey] = conv
	}
	stored := msg.Clone()
	stored.Persisted = true
	conv[msg.ID] = stored
	return nil
}

// FetchRecentMessages returns up to limit messages, createdAt ascending.
func (s *MemoryStore) FetchRecentMessages(ctx context.Context, conversationKey string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.messages[conversationKey]
	out := make([]models.Message, 0, len(conv))
	for _, m := range conv {
		out = append(out, *m.Clone())
	}
	sortByCreatedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// FetchBroadcastFeed returns up to limit broadcast-flagged messages across
// all conversations, createdAt ascending.
func (s *MemoryStore) FetchBroadcastFeed(ctx context.Context, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Message
	for _, conv := range s.messages {
		for _, m := range conv {
			if m.IsBroadcast {
				out = append(out, *m.Clone())
			}
		}
	}
	sortByCreatedAt(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// MarkRead flips the read flag on matching ids.
func (s *MemoryStore) MarkRead(ctx context.Context, conversationKey string, ids []string, readerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.messages[conversationKey]
	for _, id := range ids {
		if m, ok := conv[id]; ok && !m.Read {
			m.Read = true
			if readerID != "" {
				m.ReadBy = append(m.ReadBy, readerID)
			}
		}
	}
	return nil
}

// DeleteMessage removes a message by id.
func (s *MemoryStore) DeleteMessage(ctx context.Context, conversationKey, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.messages[conversationKey]; ok {
		delete(conv, id)
	}
	return nil
}

// HasMessage reports whether the message id exists.
func (s *MemoryStore) HasMessage(ctx context.Context, conversationKey, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.messages[conversationKey][id]
	return ok, nil
}

// UpsertConversationSummary inserts or replaces a summary by key.
func (s *MemoryStore) UpsertConversationSummary(ctx context.Context, summary *models.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *summary
	s.conversations[summary.Key] = &cp
	return nil
}

// SetArchived flips the archived flag.
func (s *MemoryStore) SetArchived(ctx context.Context, conversationKey string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conversations[conversationKey]; ok {
		c.Archived = archived
	}
	return nil
}

// DeleteConversation purges a conversation and its messages.
func (s *MemoryStore) DeleteConversation(ctx context.Context, conversationKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, conversationKey)
	delete(s.messages, conversationKey)
	return nil
}

// ListConversations returns summaries sorted by last activity descending.
func (s *MemoryStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]models.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ConversationSummary, 0, len(s.conversations))
	for _, c := range s.conversations {
		if c.Archived && !filter.IncludeArchived {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt > out[j].LastMessageAt })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpsertAgent inserts or replaces an agent by id.
func (s *MemoryStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

// GetAgentByID returns the agent or nil when absent.
func (s *MemoryStore) GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.agents[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

// GetAgentByName returns the agent or nil when absent.
func (s *MemoryStore) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.agents {
		if a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

// ListAgents returns all agents sorted by name.
func (s *MemoryStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CountAgents returns the number of agents.
func (s *MemoryStore) CountAgents(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.agents)), nil
}

// CountConversations returns the number of conversations.
func (s *MemoryStore) CountConversations(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.conversations)), nil
}

// CountMessages returns the total message count across conversations.
func (s *MemoryStore) CountMessages(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, conv := range s.messages {
		n += int64(len(conv))
	}
	return n, nil
}

func sortByCreatedAt(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })
}
