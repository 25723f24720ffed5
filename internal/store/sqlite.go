package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chaloalba05-wq/chat-backend/internal/models"
)

// SQLiteStore handles SQLite database operations. It is the
// zero-infrastructure backend for development and small deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/relay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/relay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		key TEXT PRIMARY KEY,
		last_message_body TEXT NOT NULL DEFAULT '',
		last_message_at INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_key TEXT NOT NULL,
		sender_role TEXT NOT NULL,
		sender_id TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		attachment_url TEXT NOT NULL DEFAULT '',
		attachment_mime TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		read_by TEXT NOT NULL DEFAULT '[]',
		is_broadcast INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		role TEXT NOT NULL DEFAULT 'agent',
		credential_hash TEXT NOT NULL,
		muted INTEGER NOT NULL DEFAULT 0,
		last_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_key, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_broadcast ON messages(is_broadcast, created_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertMessage inserts or replaces a message by id.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg *models.Message) error {
	var attURL, attMime string
	if msg.Attachment != nil {
		attURL = msg.Attachment.URL
		attMime = msg.Attachment.MimeType
	}
	readBy, err := json.Marshal(msg.ReadBy)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_key, sender_role, sender_id, body,
			attachment_url, attachment_mime, created_at, is_read, read_by, is_broadcast)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			is_read = MAX(messages.is_read, excluded.is_read),
			read_by = CASE WHEN excluded.is_read THEN excluded.read_by ELSE messages.read_by END
	`, msg.ID, msg.ConversationKey, string(msg.SenderRole), msg.SenderID, msg.Body,
		attURL, attMime, msg.CreatedAt, msg.Read, string(readBy), msg.IsBroadcast)
	return err
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m               models.Message
			role            string
			attURL, attMime string
			readBy          string
		)
		err := rows.Scan(&m.ID, &m.ConversationKey, &role, &m.SenderID, &m.Body,
			&attURL, &attMime, &m.CreatedAt, &m.Read, &readBy, &m.IsBroadcast)
		if err != nil {
			return nil, err
		}
		m.SenderRole = models.SenderRole(role)
		if attURL != "" {
			m.Attachment = &models.Attachment{URL: attURL, MimeType: attMime}
		}
		if readBy != "" && readBy != "null" {
			_ = json.Unmarshal([]byte(readBy), &m.ReadBy)
		}
		m.Persisted = true
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

const sqliteMessageColumns = `id, conversation_key, sender_role, sender_id, body,
	attachment_url, attachment_mime, created_at, is_read, read_by, is_broadcast`

// FetchRecentMessages returns the newest limit messages, createdAt ascending.
func (s *SQLiteStore) FetchRecentMessages(ctx context.Context, conversationKey string, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages
		WHERE conversation_key = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, conversationKey, limit)
}

// FetchBroadcastFeed returns the newest limit broadcast messages,
// createdAt ascending.
func (s *SQLiteStore) FetchBroadcastFeed(ctx context.Context, limit int) ([]models.Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM messages
		WHERE is_broadcast = 1
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
}

// placeholders builds "?, ?, ?" for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// MarkRead flips the read flag on matching, still-unread ids.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationKey string, ids []string, readerID string) error {
	if len(ids) == 0 {
		return nil
	}

	// SQLite has no array type; update read_by per row.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	args := make([]any, 0, len(ids)+1)
	args = append(args, conversationKey)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, read_by FROM messages
		WHERE conversation_key = ? AND id IN (`+placeholders(len(ids))+`) AND is_read = 0
	`, args...)
	if err != nil {
		return err
	}

	type update struct {
		id     string
		readBy string
	}
	var updates []update
	for rows.Next() {
		var u update
		if err := rows.Scan(&u.id, &u.readBy); err != nil {
			rows.Close()
			return err
		}
		updates = append(updates, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		var readBy []string
		_ = json.Unmarshal([]byte(u.readBy), &readBy)
		if readerID != "" {
			readBy = append(readBy, readerID)
		}
		encoded, err := json.Marshal(readBy)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_read = 1, read_by = ? WHERE id = ?
		`, string(encoded), u.id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteMessage removes a message by id.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, conversationKey, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages WHERE conversation_key = ? AND id = ?
	`, conversationKey, id)
	return err
}

// HasMessage reports whether the message id exists.
func (s *SQLiteStore) HasMessage(ctx context.Context, conversationKey, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM messages WHERE conversation_key = ? AND id = ?
	`, conversationKey, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// UpsertConversationSummary inserts or replaces a summary by key.
func (s *SQLiteStore) UpsertConversationSummary(ctx context.Context, summary *models.ConversationSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (key, last_message_body, last_message_at, archived, message_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_message_body = excluded.last_message_body,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			message_count = excluded.message_count
	`, summary.Key, summary.LastMessageBody, summary.LastMessageAt, summary.Archived, summary.MessageCount)
	return err
}

// SetArchived flips the archived flag.
func (s *SQLiteStore) SetArchived(ctx context.Context, conversationKey string, archived bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET archived = ? WHERE key = ?
	`, archived, conversationKey)
	return err
}

// DeleteConversation purges a conversation and all of its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationKey string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_key = ?`, conversationKey); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE key = ?`, conversationKey); err != nil {
		return err
	}
	return tx.Commit()
}

// ListConversations returns summaries sorted by last activity descending.
func (s *SQLiteStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]models.ConversationSummary, error) {
	query := `
		SELECT key, last_message_body, last_message_at, archived, message_count
		FROM conversations
	`
	var args []any
	if !filter.IncludeArchived {
		query += ` WHERE archived = 0`
	}
	query += ` ORDER BY last_message_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, credential_hash, muted, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			credential_hash = excluded.credential_hash,
			muted = excluded.muted,
			last_seen = excluded.last_seen
	`, agent.ID.String(), agent.Name, agent.Role, agent.CredentialHash, agent.Muted, agent.LastSeen, agent.CreatedAt)
	return err
}

func (s *SQLiteStore) scanAgent(row *sql.Row) (*models.Agent, error) {
	var (
		a     models.Agent
		idStr string
	)
	err := row.Scan(&idStr, &a.Name, &a.Role, &a.CredentialHash, &a.Muted, &a.LastSeen, &a.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	a.ID = id
	return &a, nil
}

// GetAgentByID retrieves an agent by id, nil when absent.
func (s *SQLiteStore) GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, credential_hash, muted, last_seen, created_at
		FROM agents WHERE id = ?
	`, id.String())
	return s.scanAgent(row)
}

// GetAgentByName retrieves an agent by name, nil when absent.
func (s *SQLiteStore) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, credential_hash, muted, last_seen, created_at
		FROM agents WHERE name = ?
	`, name)
	return s.scanAgent(row)
}

// ListAgents returns all agents ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, role, credential_hash, muted, last_seen, created_at
		FROM agents ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		var (
			a     models.Agent
			idStr string
		)
		if err := rows.Scan(&idStr, &a.Name, &a.Role, &a.CredentialHash, &a.Muted, &a.LastSeen, &a.CreatedAt); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		a.ID = id
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) count(ctx context.Context, query string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

// CountAgents returns the total agent count.
func (s *SQLiteStore) CountAgents(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM agents`)
}

// CountConversations returns the total conversation count.
func (s *SQLiteStore) CountConversations(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM conversations`)
}

// CountMessages returns the total message count.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM messages`)
}
