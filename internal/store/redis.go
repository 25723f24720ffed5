package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chaloalba05-wq/chat-backend/internal/models"
)

// RedisStore is the key-value durable backend. Messages live as JSON
// strings addressed by id, with a per-conversation sorted set (scored by
// createdAt) providing order, plus one global sorted set for the broadcast
// feed. Writes are plain SET/ZADD, so retried upserts converge on one
// entry per id.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying client for middleware that shares the
// connection (rate limiting).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() {
	_ = s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// conversationIndexKey returns the key of the per-conversation id index.
func conversationIndexKey(conversationKey string) string {
	return fmt.Sprintf("conv:%s:msgs", conversationKey)
}

// messageKey returns the key holding one message's JSON.
func messageKey(conversationKey, id string) string {
	return fmt.Sprintf("conv:%s:msg:%s", conversationKey, id)
}

// summaryKey returns the key holding a conversation summary's JSON.
func summaryKey(conversationKey string) string {
	return fmt.Sprintf("conv:%s:summary", conversationKey)
}

// agentKey returns the key holding one agent's JSON.
func agentKey(id string) string {
	return fmt.Sprintf("agent:%s", id)
}

const (
	conversationsKey = "convs"         // ZSET: conversation key scored by last activity
	feedKey          = "feed"          // ZSET: "<conv>:<id>" scored by createdAt
	agentNamesKey    = "agents:byname" // HASH: name -> agent id
	agentsKey        = "agents"        // SET: agent ids
)

// UpsertMessage stores a message, replacing any previous value for the id.
func (s *RedisStore) UpsertMessage(ctx context.Context, msg *models.Message) error {
	stored := msg.Clone()
	stored.Persisted = true
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, messageKey(msg.ConversationKey, msg.ID), data, 0)
	pipe.ZAdd(ctx, conversationIndexKey(msg.ConversationKey), redis.Z{
		Score:  float64(msg.CreatedAt),
		Member: msg.ID,
	})
	if msg.IsBroadcast {
		pipe.ZAdd(ctx, feedKey, redis.Z{
			Score:  float64(msg.CreatedAt),
			Member: fmt.Sprintf("%s:%s", msg.ConversationKey, msg.ID),
		})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// fetchByIDs loads message JSON for ids of one conversation, skipping
// entries that vanished between index read and value read.
func (s *RedisStore) fetchByIDs(ctx context.Context, conversationKey string, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(conversationKey, id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.Message, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var m models.Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// FetchRecentMessages returns the newest limit messages, createdAt ascending.
func (s *RedisStore) FetchRecentMessages(ctx context.Context, conversationKey string, limit int) ([]models.Message, error) {
	ids, err := s.client.ZRevRange(ctx, conversationIndexKey(conversationKey), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	// Reverse to ascending before the value fetch.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return s.fetchByIDs(ctx, conversationKey, ids)
}

// FetchBroadcastFeed returns the newest limit broadcast messages,
// createdAt ascending.
func (s *RedisStore) FetchBroadcastFeed(ctx context.Context, limit int) ([]models.Message, error) {
	refs, err := s.client.ZRange(ctx, feedKey, int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.Message, 0, len(refs))
	for _, ref := range refs {
		conversationKey, id, ok := splitFeedRef(ref)
		if !ok {
			continue
		}
		msgs, err := s.fetchByIDs(ctx, conversationKey, []string{id})
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// splitFeedRef parses "<conversationKey>:<ulid>". Conversation keys may
// themselves contain colons, so split on the last one.
func splitFeedRef(ref string) (conversationKey, id string, ok bool) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == ':' {
			return ref[:i], ref[i+1:], i > 0 && i < len(ref)-1
		}
	}
	return "", "", false
}

// MarkRead flips the read flag on matching, still-unread ids.
func (s *RedisStore) MarkRead(ctx context.Context, conversationKey string, ids []string, readerID string) error {
	msgs, err := s.fetchByIDs(ctx, conversationKey, ids)
	if err != nil {
		return err
	}

	for i := range msgs {
		m := &msgs[i]
		if m.Read {
			continue
		}
		m.Read = true
		if readerID != "" {
			m.ReadBy = append(m.ReadBy, readerID)
		}
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := s.client.Set(ctx, messageKey(conversationKey, m.ID), data, 0).Err(); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMessage removes a message by id.
func (s *RedisStore) DeleteMessage(ctx context.Context, conversationKey, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, messageKey(conversationKey, id))
	pipe.ZRem(ctx, conversationIndexKey(conversationKey), id)
	pipe.ZRem(ctx, feedKey, fmt.Sprintf("%s:%s", conversationKey, id))
	_, err := pipe.Exec(ctx)
	return err
}

// HasMessage reports whether the message id exists.
func (s *RedisStore) HasMessage(ctx context.Context, conversationKey, id string) (bool, error) {
	n, err := s.client.Exists(ctx, messageKey(conversationKey, id)).Result()
	return n > 0, err
}

// UpsertConversationSummary stores a summary and refreshes the activity
// index.
func (s *RedisStore) UpsertConversationSummary(ctx context.Context, summary *models.ConversationSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, summaryKey(summary.Key), data, 0)
	pipe.ZAdd(ctx, conversationsKey, redis.Z{
		Score:  float64(summary.LastMessageAt),
		Member: summary.Key,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) getSummary(ctx context.Context, conversationKey string) (*models.ConversationSummary, error) {
	data, err := s.client.Get(ctx, summaryKey(conversationKey)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c models.ConversationSummary
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SetArchived flips the archived flag.
func (s *RedisStore) SetArchived(ctx context.Context, conversationKey string, archived bool) error {
	c, err := s.getSummary(ctx, conversationKey)
	if err != nil || c == nil {
		return err
	}
	c.Archived = archived
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, summaryKey(conversationKey), data, 0).Err()
}

// DeleteConversation purges a conversation and all of its messages.
func (s *RedisStore) DeleteConversation(ctx context.Context, conversationKey string) error {
	ids, err := s.client.ZRange(ctx, conversationIndexKey(conversationKey), 0, -1).Result()
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, messageKey(conversationKey, id))
		pipe.ZRem(ctx, feedKey, fmt.Sprintf("%s:%s", conversationKey, id))
	}
	pipe.Del(ctx, conversationIndexKey(conversationKey))
	pipe.Del(ctx, summaryKey(conversationKey))
	pipe.ZRem(ctx, conversationsKey, conversationKey)
	_, err = pipe.Exec(ctx)
	return err
}

// ListConversations returns summaries sorted by last activity descending.
func (s *RedisStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]models.ConversationSummary, error) {
	keys, err := s.client.ZRevRange(ctx, conversationsKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.ConversationSummary, 0, len(keys))
	for _, key := range keys {
		c, err := s.getSummary(ctx, key)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		if c.Archived && !filter.IncludeArchived {
			continue
		}
		out = append(out, *c)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// UpsertAgent stores an agent record and indexes it by name.
func (s *RedisStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	data, err := json.Marshal(struct {
		*models.Agent
		CredentialHash string `json:"credential_hash"`
	}{agent, agent.CredentialHash})
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, agentKey(agent.ID.String()), data, 0)
	pipe.HSet(ctx, agentNamesKey, agent.Name, agent.ID.String())
	pipe.SAdd(ctx, agentsKey, agent.ID.String())
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) getAgent(ctx context.Context, id string) (*models.Agent, error) {
	data, err := s.client.Get(ctx, agentKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var stored struct {
		models.Agent
		CredentialHash string `json:"credential_hash"`
	}
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, err
	}
	agent := stored.Agent
	agent.CredentialHash = stored.CredentialHash
	return &agent, nil
}

// GetAgentByID retrieves an agent by id, nil when absent.
func (s *RedisStore) GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return s.getAgent(ctx, id.String())
}

// GetAgentByName retrieves an agent by name, nil when absent.
func (s *RedisStore) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	id, err := s.client.HGet(ctx, agentNamesKey, name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.getAgent(ctx, id)
}

// ListAgents returns all agents.
func (s *RedisStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	ids, err := s.client.SMembers(ctx, agentsKey).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := s.getAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		if a != nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

// CountAgents returns the total agent count.
func (s *RedisStore) CountAgents(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, agentsKey).Result()
}

// CountConversations returns the total conversation count.
func (s *RedisStore) CountConversations(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, conversationsKey).Result()
}

// CountMessages returns the total message count across conversations.
func (s *RedisStore) CountMessages(ctx context.Context) (int64, error) {
	keys, err := s.client.ZRange(ctx, conversationsKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	var n int64
	for _, key := range keys {
		c, err := s.client.ZCard(ctx, conversationIndexKey(key)).Result()
		if err != nil {
			return 0, err
		}
		n += c
	}
	return n, nil
}
