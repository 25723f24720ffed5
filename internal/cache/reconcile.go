package cache

import (
	"context"
	"time"

	"github.com/chaloalba05-wq/chat-backend/internal/metrics"
	"github.com/chaloalba05-wq/chat-backend/internal/models"
)

// opKind enumerates the durable operations that ride the pending queue.
type opKind int

const (
	opUpsert opKind = iota
	opMarkRead
	opDelete
	opSummary
	opArchive
	opPurge
)

func (k opKind) String() string {
	switch k {
	case opUpsert:
		return "upsert"
	case opMarkRead:
		return "mark_read"
	case opDelete:
		return "delete"
	case opSummary:
		return "summary"
	case opArchive:
		return "archive"
	default:
		return "purge"
	}
}

// pendingOp is one queued durable write. Upserts carry a snapshot of the
// message at enqueue time so a cap-evicted entry can still be flushed; the
// reconciler prefers the live in-memory content when it is still present.
type pendingOp struct {
	kind            opKind
	conversationKey string
	messageID       string
	ids             []string
	readerID        string
	snapshot        *models.Message
	summary         *models.ConversationSummary
	archived        bool
	attempts        int
}

func (c *Cache) enqueueLocked(op *pendingOp) {
	c.pending = append(c.pending, op)
	metrics.PendingWrites.Set(float64(len(c.pending)))
}

// dropPendingUpsertLocked removes queued upserts for one message id.
func (c *Cache) dropPendingUpsertLocked(id string) {
	kept := c.pending[:0]
	for _, op := range c.pending {
		if op.kind == opUpsert && op.messageID == id {
			continue
		}
		kept = append(kept, op)
	}
	c.pending = kept
	metrics.PendingWrites.Set(float64(len(c.pending)))
}

// dropPendingForConversationLocked removes all queued ops for a
// conversation; used when the conversation itself is purged.
func (c *Cache) dropPendingForConversationLocked(conversationKey string) {
	kept := c.pending[:0]
	for _, op := range c.pending {
		if op.conversationKey == conversationKey {
			continue
		}
		kept = append(kept, op)
	}
	c.pending = kept
	metrics.PendingWrites.Set(float64(len(c.pending)))
}

// wake nudges the run loop in immediate mode. Interval mode batches on the
// ticker instead.
func (c *Cache) wake() {
	if c.opts.SyncInterval != 0 {
		return
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// PendingCount returns the number of queued durable writes.
func (c *Cache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Reconcile drains the pending queue against the store. Failed ops are
// re-queued in order for the next cycle rather than dropped; they are
// never retried in a tight loop within one cycle.
func (c *Cache) Reconcile(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	metrics.PendingWrites.Set(0)
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var failed []*pendingOp
	for _, op := range batch {
		if err := c.apply(ctx, op); err != nil {
			op.attempts++
			failed = append(failed, op)
			c.log.Warn().Err(err).
				Str("op", op.kind.String()).
				Str("conversation", op.conversationKey).
				Int("attempts", op.attempts).
				Msg("durable write failed, re-queued")
			if c.trail != nil {
				c.trail.Record("store_error", op.kind.String()+" "+op.conversationKey)
			}
			continue
		}
		if op.kind == opUpsert {
			c.markPersisted(op.conversationKey, op.messageID)
		}
	}

	if len(failed) > 0 {
		c.mu.Lock()
		c.pending = append(failed, c.pending...)
		metrics.PendingWrites.Set(float64(len(c.pending)))
		c.mu.Unlock()

		outcome := "failed"
		if len(failed) < len(batch) {
			outcome = "partial"
		}
		metrics.ReconcileBatches.WithLabelValues(outcome).Inc()
		return
	}
	metrics.ReconcileBatches.WithLabelValues("ok").Inc()
}

// apply executes one op against the store, preferring live in-memory
// content over the enqueue-time snapshot so late read flags are not lost.
func (c *Cache) apply(ctx context.Context, op *pendingOp) error {
	switch op.kind {
	case opUpsert:
		msg := c.Find(op.conversationKey, op.messageID)
		if msg == nil {
			msg = op.snapshot
		}
		if msg == nil {
			return nil // deleted before it was ever flushed
		}
		return c.store.UpsertMessage(ctx, msg)
	case opMarkRead:
		return c.store.MarkRead(ctx, op.conversationKey, op.ids, op.readerID)
	case opDelete:
		return c.store.DeleteMessage(ctx, op.conversationKey, op.messageID)
	case opSummary:
		summary := *op.summary
		c.mu.Lock()
		if live, ok := c.summaries[op.conversationKey]; ok {
			summary = *live
		}
		c.mu.Unlock()
		return c.store.UpsertConversationSummary(ctx, &summary)
	case opArchive:
		return c.store.SetArchived(ctx, op.conversationKey, op.archived)
	default:
		return c.store.DeleteConversation(ctx, op.conversationKey)
	}
}

// markPersisted flips the persisted flag on the live entry after the store
// confirmed the write. The lookup is id-keyed: content appended after the
// flush keeps its newer state.
func (c *Cache) markPersisted(conversationKey, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conv := c.conversations[conversationKey]; conv != nil {
		if m := findByID(conv.msgs, id); m != nil {
			m.Persisted = true
		}
	}
	if m := findByID(c.feed, id); m != nil {
		m.Persisted = true
	}
}

// CleanupOrphans scans for entries that are still unpersisted past maxAge.
// Each candidate is re-checked against the store once, in case an earlier
// reconciliation succeeded without the flag update landing; only entries
// the store does not hold are evicted. Entries younger than maxAge are
// never touched, store reachable or not.
func (c *Cache) CleanupOrphans(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	type candidate struct {
		conversationKey string
		id              string
	}
	var candidates []candidate

	c.mu.Lock()
	for key, conv := range c.conversations {
		for _, m := range conv.msgs {
			if !m.Persisted && m.CreatedAt < cutoff {
				candidates = append(candidates, candidate{key, m.ID})
			}
		}
	}
	c.mu.Unlock()

	evicted := 0
	for _, cand := range candidates {
		if ValidID(cand.id) {
			exists, err := c.store.HasMessage(ctx, cand.conversationKey, cand.id)
			if err == nil && exists {
				c.markPersisted(cand.conversationKey, cand.id)
				continue
			}
		}

		c.mu.Lock()
		if conv := c.conversations[cand.conversationKey]; conv != nil {
			for i, m := range conv.msgs {
				if m.ID == cand.id {
					conv.msgs = append(conv.msgs[:i], conv.msgs[i+1:]...)
					evicted++
					break
				}
			}
		}
		for i, m := range c.feed {
			if m.ID == cand.id {
				c.feed = append(c.feed[:i], c.feed[i+1:]...)
				break
			}
		}
		c.dropPendingUpsertLocked(cand.id)
		c.mu.Unlock()

		c.log.Warn().Str("conversation", cand.conversationKey).Str("id", cand.id).Msg("evicted orphan message")
		if c.trail != nil {
			c.trail.Record("orphan_evicted", cand.conversationKey+" "+cand.id)
		}
	}

	if evicted > 0 {
		metrics.OrphansEvicted.Add(float64(evicted))
	}
	return evicted
}

// Run drives reconciliation and orphan cleanup until ctx is cancelled. A
// final best-effort flush runs on shutdown.
func (c *Cache) Run(ctx context.Context) {
	interval := c.opts.SyncInterval
	if interval == 0 {
		// Immediate mode still keeps a slow ticker so re-queued failures
		// are retried without waiting for the next append.
		interval = 5 * time.Second
	}
	flush := time.NewTicker(interval)
	defer flush.Stop()

	cleanupEvery := c.opts.OrphanMaxAge / 4
	if cleanupEvery < time.Minute {
		cleanupEvery = time.Minute
	}
	cleanup := time.NewTicker(cleanupEvery)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.Reconcile(flushCtx)
			cancel()
			return
		case <-c.kick:
			c.Reconcile(ctx)
		case <-flush.C:
			c.Reconcile(ctx)
		case <-cleanup.C:
			c.CleanupOrphans(ctx, c.opts.OrphanMaxAge)
		}
	}
}
