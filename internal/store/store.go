// Package store holds the durable-storage contract the relay core depends
// on, plus its backends. The core is agnostic to the backing shape:
// PostgresStore, SQLiteStore and RedisStore all implement Store, and
// MemoryStore backs tests and store-less development mode.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/chaloalba05-wq/chat-backend/internal/models"
)

// ConversationFilter narrows ListConversations results.
type ConversationFilter struct {
	IncludeArchived bool
	Limit           int // 0 means no limit
}

// Store is the single seam between the write-behind cache / directory and
// durable storage. All writes are upserts keyed by id so that retried
// reconciliation attempts are idempotent, including under concurrent
// writers against the same backend.
type Store interface {
	Close()
	Ping(ctx context.Context) error

	// Message operations
	UpsertMessage(ctx context.Context, msg *models.Message) error
	FetchRecentMessages(ctx context.Context, conversationKey string, limit int) ([]models.Message, error)
	FetchBroadcastFeed(ctx context.Context, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationKey string, ids []string, readerID string) error
	DeleteMessage(ctx context.Context, conversationKey, id string) error
	HasMessage(ctx context.Context, conversationKey, id string) (bool, error)

	// Conversation operations
	UpsertConversationSummary(ctx context.Context, summary *models.ConversationSummary) error
	SetArchived(ctx context.Context, conversationKey string, archived bool) error
	DeleteConversation(ctx context.Context, conversationKey string) error
	ListConversations(ctx context.Context, filter ConversationFilter) ([]models.ConversationSummary, error)

	// Agent operations
	UpsertAgent(ctx context.Context, agent *models.Agent) error
	GetAgentByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)

	// Aggregates for the stats endpoint
	CountAgents(ctx context.Context) (int64, error)
	CountConversations(ctx context.Context) (int64, error)
	CountMessages(ctx context.Context) (int64, error)
}
