package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chaloalba05-wq/chat-backend/internal/metrics"
	"github.com/chaloalba05-wq/chat-backend/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// UpsertMessage inserts or replaces a message by id. A duplicate id is not
// an error: retried reconciliation attempts must converge on one row.
func (s *PostgresStore) UpsertMessage(ctx context.Context, msg *models.Message) error {
	defer observe("upsert_message", time.Now())

	var attURL, attMime string
	if msg.Attachment != nil {
		attURL = msg.Attachment.URL
		attMime = msg.Attachment.MimeType
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_key, sender_role, sender_id, body,
			attachment_url, attachment_mime, created_at, is_read, read_by, is_broadcast)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			body = EXCLUDED.body,
			is_read = messages.is_read OR EXCLUDED.is_read,
			read_by = CASE WHEN EXCLUDED.is_read THEN EXCLUDED.read_by ELSE messages.read_by END
	`, msg.ID, msg.ConversationKey, string(msg.SenderRole), msg.SenderID, msg.Body,
		attURL, attMime, msg.CreatedAt, msg.Read, msg.ReadBy, msg.IsBroadcast)
	return err
}

const messageColumns = `id, conversation_key, sender_role, sender_id, body,
	attachment_url, attachment_mime, created_at, is_read, read_by, is_broadcast`

func scanMessage(row pgx.Rows) (models.Message, error) {
	var (
		m               models.Message
		role            string
		attURL, attMime string
	)
	err := row.Scan(&m.ID, &m.ConversationKey, &role, &m.SenderID, &m.Body,
		&attURL, &attMime, &m.CreatedAt, &m.Read, &m.ReadBy, &m.IsBroadcast)
	if err != nil {
		return m, err
	}
	m.SenderRole = models.SenderRole(role)
	if attURL != "" {
		m.Attachment = &models.Attachment{URL: attURL, MimeType: attMime}
	}
	m.Persisted = true
	return m, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Queries page newest-first; callers expect createdAt ascending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// FetchRecentMessages returns the newest limit messages of a conversation,
// createdAt ascending.
func (s *PostgresStore) FetchRecentMessages(ctx context.Context, conversationKey string, limit int) ([]models.Message, error) {
	defer observe("fetch_recent", time.Now())

	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_key = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, conversationKey, limit)
}

// FetchBroadcastFeed returns the newest limit broadcast messages,
// createdAt ascending.
func (s *PostgresStore) FetchBroadcastFeed(ctx context.Context, limit int) ([]models.Message, error) {
	defer observe("fetch_feed", time.Now())

	return s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE is_broadcast = TRUE
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
}

// MarkRead flips the read flag on matching, still-unread ids.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationKey string, ids []string, readerID string) error {
	defer observe("mark_read", time.Now())

	if readerID == "" {
		_, err := s.pool.Exec(ctx, `
			UPDATE messages SET is_read = TRUE
			WHERE conversation_key = $1 AND id = ANY($2) AND is_read = FALSE
		`, conversationKey, ids)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET is_read = TRUE, read_by = array_append(read_by, $3)
		WHERE conversation_key = $1 AND id = ANY($2) AND is_read = FALSE
	`, conversationKey, ids, readerID)
	return err
}

// DeleteMessage removes a message by id.
func (s *PostgresStore) DeleteMessage(ctx context.Context, conversationKey, id string) error {
	defer observe("delete_message", time.Now())

	_, err := s.pool.Exec(ctx, `
		DELETE FROM messages WHERE conversation_key = $1 AND id = $2
	`, conversationKey, id)
	return err
}

// HasMessage reports whether the message id exists.
func (s *PostgresStore) HasMessage(ctx context.Context, conversationKey, id string) (bool, error) {
	defer observe("has_message", time.Now())

	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM messages WHERE conversation_key = $1 AND id = $2)
	`, conversationKey, id).Scan(&exists)
	return exists, err
}

// UpsertConversationSummary inserts or replaces a summary by key.
func (s *PostgresStore) UpsertConversationSummary(ctx context.Context, summary *models.ConversationSummary) error {
	defer observe("upsert_summary", time.Now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (key, last_message_body, last_message_at, archived, message_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			last_message_body = EXCLUDED.last_message_body,
			last_message_at = GREATEST(conversations.last_message_at, EXCLUDED.last_message_at),
			message_count = EXCLUDED.message_count
	`, summary.Key, summary.LastMessageBody, summary.LastMessageAt, summary.Archived, summary.MessageCount)
	return err
}

// SetArchived flips the archived flag.
func (s *PostgresStore) SetArchived(ctx context.Context, conversationKey string, archived bool) error {
	defer observe("set_archived", time.Now())

	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET archived = $2 WHERE key = $1
	`, conversationKey, archived)
	return err
}

// DeleteConversation purges a conversation and all of its messages.
func (s *PostgresStore) DeleteConversation(ctx context.Context, conversationKey string) error {
	defer observe("delete_conversation", time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE conversation_key = $1`, conversationKey); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM conversations WHERE key = $1`, conversationKey); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListConversations returns summaries sorted by last activity descending.
func (s *PostgresStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]models.ConversationSummary, error) {
	defer observe("list_conversations", time.Now())

	query := `
		SELECT key, last_message_body, last_message_at, archived, message_count
		FROM conversations
	`
	if !filter.IncludeArchived {
		query += ` WHERE archived = FALSE`
	}
	query += ` ORDER BY last_message_at DESC`

	var rows pgx.Rows
	var err error
	if filter.Limit > 0 {
		rows, err = s.pool.Query(ctx, query+` LIMIT $1`, filter.Limit)
	} else {
		rows, err = s.pool.Query(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConversationSummary
	for rows.Next() {
		var c models.ConversationSummary
		if err := rows.Scan(&c.Key, &c.LastMessageBody, &c.LastMessageAt, &c.Archived, &c.MessageCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertAgent inserts or replaces an agent record.
func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	defer observe("upsert_agent", time.Now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, name, role, credential_hash, muted, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			credential_hash = EXCLUDED.credential_hash,
			muted = EXCLUDED.muted,
			last_seen = EXCLUDED.last_seen
	`, agent.ID, agent.Name, agent.Role, agent.CredentialHash, agent.Muted, agent.LastSeen, agent.CreatedAt)
	return err
}

const agentColumns = `id, name, role, credential_hash, muted, last_seen, created_at`

// GetAgentByID retrieves an agent by id, nil when absent.
func (s *PostgresStore) GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	defer observe("get_agent", time.Now())

	agent := &models.Agent{}
	err := s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE id = $1
	`, id).Scan(&agent.ID, &agent.Name, &agent.Role, &agent.CredentialHash, &agent.Muted, &agent.LastSeen, &agent.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return agent, nil
}

// GetAgentByName retrieves an agent by name, nil when absent.
func (s *PostgresStore) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	defer observe("get_agent", time.Now())

	agent := &models.Agent{}
	err := s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE name = $1
	`, name).Scan(&agent.ID, &agent.Name, &agent.Role, &agent.CredentialHash, &agent.Muted, &agent.LastSeen, &agent.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return agent, nil
}

// ListAgents returns all agents ordered by name.
func (s *PostgresStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	defer observe("list_agents", time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.CredentialHash, &a.Muted, &a.LastSeen, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAgents returns the total agent count.
func (s *PostgresStore) CountAgents(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n)
	return n, err
}

// CountConversations returns the total conversation count.
func (s *PostgresStore) CountConversations(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n)
	return n, err
}

// CountMessages returns the total message count.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}
