// Package cache implements the write-behind message cache at the heart of
// the relay: new messages become visible to readers immediately and are
// reconciled with the durable store asynchronously. The consistency model
// is "eventually persisted, immediately visible": reads only touch the
// store on the cold-start path, and a failed durable write is retried in
// the background, never surfaced to the sender.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chaloalba05-wq/chat-backend/internal/audit"
	"github.com/chaloalba05-wq/chat-backend/internal/metrics"
	"github.com/chaloalba05-wq/chat-backend/internal/models"
	"github.com/chaloalba05-wq/chat-backend/internal/store"
)

// Options tunes the cache. Zero values fall back to defaults.
type Options struct {
	// ConversationCap bounds the in-memory tail kept per conversation.
	ConversationCap int
	// BroadcastCap bounds the global feed.
	BroadcastCap int
	// SyncInterval is the reconciliation cadence. Zero means reconcile
	// immediately after every append (lower latency, higher store load).
	SyncInterval time.Duration
	// OrphanMaxAge is how long an unpersisted entry may linger before
	// cleanup considers evicting it.
	OrphanMaxAge time.Duration
}

const (
	defaultConversationCap = 500
	defaultBroadcastCap    = 200
	defaultOrphanMaxAge    = time.Hour
)

// conversation is the in-memory tail of one conversation, createdAt
// ascending. loaded flips once a store snapshot has been merged in.
type conversation struct {
	msgs   []*models.Message
	loaded bool
}

// Cache owns all in-memory conversation and feed state. It is the single
// writer to the durable store; everything else reads through it.
type Cache struct {
	log   zerolog.Logger
	store store.Store
	trail *audit.Log
	opts  Options

	mu            sync.Mutex
	conversations map[string]*conversation
	feed          []*models.Message
	summaries     map[string]*models.ConversationSummary
	pending       []*pendingOp

	// kick wakes the run loop for immediate-mode reconciliation.
	kick chan struct{}
}

// New creates a cache in front of the given store.
func New(log zerolog.Logger, st store.Store, trail *audit.Log, opts Options) *Cache {
	if opts.ConversationCap <= 0 {
		opts.ConversationCap = defaultConversationCap
	}
	if opts.BroadcastCap <= 0 {
		opts.BroadcastCap = defaultBroadcastCap
	}
	if opts.OrphanMaxAge <= 0 {
		opts.OrphanMaxAge = defaultOrphanMaxAge
	}
	return &Cache{
		log:           log.With().Str("component", "cache").Logger(),
		store:         st,
		trail:         trail,
		opts:          opts,
		conversations: make(map[string]*conversation),
		summaries:     make(map[string]*models.ConversationSummary),
		kick:          make(chan struct{}, 1),
	}
}

// ValidID reports whether id is a well-formed message id. Malformed ids
// must never reach the store as lookups; callers short-circuit them to
// not-found instead.
func ValidID(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}

// Append accepts a message, makes it readable immediately and enqueues the
// durable write. It assigns the id and timestamp when absent and never
// fails for cache-only reasons. The returned message is a detached copy.
func (c *Cache) Append(msg *models.Message) *models.Message {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	c.mu.Lock()

	conv := c.getOrCreateLocked(msg.ConversationKey)

	// Re-appending an existing id is an update-in-place, not a duplicate.
	// Persisted never reverts to false for an id the store already confirmed.
	if existing := findByID(conv.msgs, msg.ID); existing != nil {
		msg.Persisted = existing.Persisted
		msg.CreatedAt = existing.CreatedAt
		*existing = *msg.Clone()
		c.enqueueLocked(&pendingOp{kind: opUpsert, conversationKey: msg.ConversationKey, messageID: msg.ID, snapshot: existing.Clone()})
		out := existing.Clone()
		c.mu.Unlock()
		c.wake()
		return out
	}

	msg.Persisted = false
	stored := msg.Clone()
	conv.msgs = insertByCreatedAt(conv.msgs, stored)
	if len(conv.msgs) > c.opts.ConversationCap {
		conv.msgs = conv.msgs[len(conv.msgs)-c.opts.ConversationCap:]
	}

	if stored.IsBroadcast {
		c.feed = insertByCreatedAt(c.feed, stored)
		if len(c.feed) > c.opts.BroadcastCap {
			c.feed = c.feed[len(c.feed)-c.opts.BroadcastCap:]
		}
	}

	summary := c.summaryLocked(msg.ConversationKey)
	summary.LastMessageBody = previewBody(stored)
	summary.LastMessageAt = stored.CreatedAt
	summary.MessageCount++

	c.enqueueLocked(&pendingOp{kind: opUpsert, conversationKey: msg.ConversationKey, messageID: msg.ID, snapshot: stored.Clone()})
	c.enqueueLocked(&pendingOp{kind: opSummary, conversationKey: msg.ConversationKey, summary: cloneSummary(summary)})

	out := stored.Clone()
	c.mu.Unlock()

	c.wake()
	return out
}

// Read returns up to limit messages of a conversation, createdAt
// ascending. On the cold-start path (conversation never loaded) it fetches
// the durable snapshot once and merges it in; a store failure there
// degrades to the memory-only view rather than failing the read.
func (c *Cache) Read(ctx context.Context, conversationKey string, limit int) []models.Message {
	c.mu.Lock()
	conv := c.conversations[conversationKey]
	needLoad := conv == nil || !conv.loaded
	c.mu.Unlock()

	if needLoad {
		snapshot, err := c.store.FetchRecentMessages(ctx, conversationKey, c.opts.ConversationCap)
		if err != nil {
			c.log.Warn().Err(err).Str("conversation", conversationKey).Msg("cold-start load failed, serving cache only")
		} else {
			c.MergeWithStore(conversationKey, snapshot)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conv = c.conversations[conversationKey]
	if conv == nil {
		return nil
	}
	msgs := conv.msgs
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m.Clone())
	}
	return out
}

// Feed returns up to limit broadcast messages, createdAt ascending. The
// feed is loaded from the store once at startup via WarmFeed.
func (c *Cache) Feed(limit int) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.feed
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m.Clone())
	}
	return out
}

// WarmFeed seeds the broadcast feed from the durable store.
func (c *Cache) WarmFeed(ctx context.Context) error {
	snapshot, err := c.store.FetchBroadcastFeed(ctx, c.opts.BroadcastCap)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	byID := make(map[string]*models.Message, len(c.feed))
	for _, m := range c.feed {
		byID[m.ID] = m
	}
	for i := range snapshot {
		sm := snapshot[i]
		if mem, ok := byID[sm.ID]; ok {
			mem.Persisted = true
			continue
		}
		sm.Persisted = true
		c.feed = insertByCreatedAt(c.feed, sm.Clone())
	}
	if len(c.feed) > c.opts.BroadcastCap {
		c.feed = c.feed[len(c.feed)-c.opts.BroadcastCap:]
	}
	return nil
}

// MergeWithStore reconciles a freshly fetched durable snapshot with the
// in-memory sequence. Store entries are authoritative for the persisted
// flag; content already in memory wins over the snapshot; entries present
// only in memory are kept as not-yet-persisted. The merge never loses a
// cache-only message, even when the snapshot is larger than the cache.
func (c *Cache) MergeWithStore(conversationKey string, storeMessages []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.getOrCreateLocked(conversationKey)

	byID := make(map[string]*models.Message, len(conv.msgs))
	for _, m := range conv.msgs {
		byID[m.ID] = m
	}

	for i := range storeMessages {
		sm := storeMessages[i]
		if mem, ok := byID[sm.ID]; ok {
			mem.Persisted = true
			if sm.Read && !mem.Read {
				mem.Read = true
				mem.ReadBy = mergeReaders(mem.ReadBy, sm.ReadBy)
			}
			continue
		}
		sm.Persisted = true
		cp := sm.Clone()
		byID[cp.ID] = cp
		conv.msgs = append(conv.msgs, cp)
	}

	sort.SliceStable(conv.msgs, func(i, j int) bool {
		return conv.msgs[i].CreatedAt < conv.msgs[j].CreatedAt
	})
	if len(conv.msgs) > c.opts.ConversationCap {
		conv.msgs = conv.msgs[len(conv.msgs)-c.opts.ConversationCap:]
	}
	conv.loaded = true
}

// MarkRead flips the read flag on the given ids that are present and still
// unread, returning the subset actually changed. Re-marking already-read
// ids yields an empty result. The durable update rides the pending queue.
func (c *Cache) MarkRead(conversationKey string, ids []string, readerID string) []string {
	c.mu.Lock()

	conv := c.conversations[conversationKey]
	var changed []string
	if conv != nil {
		for _, id := range ids {
			if !ValidID(id) {
				continue
			}
			m := findByID(conv.msgs, id)
			if m == nil || m.Read {
				continue
			}
			m.Read = true
			if readerID != "" {
				m.ReadBy = append(m.ReadBy, readerID)
			}
			changed = append(changed, id)
		}
	}

	if len(changed) > 0 {
		c.enqueueLocked(&pendingOp{kind: opMarkRead, conversationKey: conversationKey, ids: changed, readerID: readerID})
	}
	c.mu.Unlock()

	if len(changed) > 0 {
		metrics.ReadReceipts.Add(float64(len(changed)))
		c.wake()
	}
	return changed
}

// Delete removes a message from memory and enqueues the durable delete.
// It reports whether the message was present in the cache. Authorization
// happens at the boundary, via Find, before calling this.
func (c *Cache) Delete(conversationKey, id string) bool {
	if !ValidID(id) {
		return false
	}

	c.mu.Lock()

	conv := c.conversations[conversationKey]
	removed := false
	if conv != nil {
		for i, m := range conv.msgs {
			if m.ID == id {
				conv.msgs = append(conv.msgs[:i], conv.msgs[i+1:]...)
				removed = true
				break
			}
		}
	}
	for i, m := range c.feed {
		if m.ID == id {
			c.feed = append(c.feed[:i], c.feed[i+1:]...)
			break
		}
	}

	// Drop any not-yet-flushed upsert so the reconciler cannot resurrect
	// the message after the delete.
	c.dropPendingUpsertLocked(id)
	c.enqueueLocked(&pendingOp{kind: opDelete, conversationKey: conversationKey, messageID: id})

	if summary := c.summaries[conversationKey]; summary != nil && removed && summary.MessageCount > 0 {
		summary.MessageCount--
	}
	c.mu.Unlock()

	c.wake()
	return removed
}

// Find returns a copy of a cached message, nil when absent or the id is
// malformed.
func (c *Cache) Find(conversationKey, id string) *models.Message {
	if !ValidID(id) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.conversations[conversationKey]
	if conv == nil {
		return nil
	}
	if m := findByID(conv.msgs, id); m != nil {
		return m.Clone()
	}
	return nil
}

// Archive flips the archived flag in the summary and enqueues the durable
// update.
func (c *Cache) Archive(conversationKey string, archived bool) {
	c.mu.Lock()
	summary := c.summaryLocked(conversationKey)
	summary.Archived = archived
	c.enqueueLocked(&pendingOp{kind: opArchive, conversationKey: conversationKey, archived: archived})
	c.mu.Unlock()

	c.wake()
}

// PurgeConversation drops a conversation from memory and enqueues the
// durable purge.
func (c *Cache) PurgeConversation(conversationKey string) {
	c.mu.Lock()

	delete(c.conversations, conversationKey)
	delete(c.summaries, conversationKey)
	kept := c.feed[:0]
	for _, m := range c.feed {
		if m.ConversationKey != conversationKey {
			kept = append(kept, m)
		}
	}
	c.feed = kept

	c.dropPendingForConversationLocked(conversationKey)
	c.enqueueLocked(&pendingOp{kind: opPurge, conversationKey: conversationKey})
	c.mu.Unlock()

	c.wake()
}

// UnreadCount counts cached user messages not yet marked read.
func (c *Cache) UnreadCount(conversationKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.conversations[conversationKey]
	if conv == nil {
		return 0
	}
	n := 0
	for _, m := range conv.msgs {
		if !m.Read && m.SenderRole == models.RoleUser {
			n++
		}
	}
	return n
}

// Summaries returns the in-memory conversation summaries keyed by
// conversation, unread counts included.
func (c *Cache) Summaries() map[string]models.ConversationSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]models.ConversationSummary, len(c.summaries))
	for key, s := range c.summaries {
		cp := *s
		if conv := c.conversations[key]; conv != nil {
			for _, m := range conv.msgs {
				if !m.Read && m.SenderRole == models.RoleUser {
					cp.Unread++
				}
			}
		}
		out[key] = cp
	}
	return out
}

// ---- internal helpers ----

func (c *Cache) getOrCreateLocked(conversationKey string) *conversation {
	conv, ok := c.conversations[conversationKey]
	if !ok {
		conv = &conversation{}
		c.conversations[conversationKey] = conv
	}
	return conv
}

func (c *Cache) summaryLocked(conversationKey string) *models.ConversationSummary {
	s, ok := c.summaries[conversationKey]
	if !ok {
		s = &models.ConversationSummary{Key: conversationKey}
		c.summaries[conversationKey] = s
	}
	return s
}

func findByID(msgs []*models.Message, id string) *models.Message {
	for _, m := range msgs {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// insertByCreatedAt keeps the slice sorted, appending fast in the common
// in-order case.
func insertByCreatedAt(msgs []*models.Message, m *models.Message) []*models.Message {
	if n := len(msgs); n == 0 || msgs[n-1].CreatedAt <= m.CreatedAt {
		return append(msgs, m)
	}
	idx := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt > m.CreatedAt })
	msgs = append(msgs, nil)
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = m
	return msgs
}

func mergeReaders(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, r := range a {
		seen[r] = true
	}
	for _, r := range b {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func cloneSummary(s *models.ConversationSummary) *models.ConversationSummary {
	cp := *s
	return &cp
}

func previewBody(m *models.Message) string {
	if m.Body != "" {
		if len(m.Body) > 120 {
			return m.Body[:117] + "..."
		}
		return m.Body
	}
	if m.Attachment != nil {
		return "[attachment]"
	}
	return ""
}
