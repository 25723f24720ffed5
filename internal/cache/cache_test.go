package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chaloalba05-wq/chat-backend/internal/models"
	"github.com/chaloalba05-wq/chat-backend/internal/store"
)

// flakyStore wraps a MemoryStore and fails upserts until failures runs out.
type flakyStore struct {
	*store.MemoryStore
	failures int
	upserts  int
}

func (f *flakyStore) UpsertMessage(ctx context.Context, msg *models.Message) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("store unreachable")
	}
	f.upserts++
	return f.MemoryStore.UpsertMessage(ctx, msg)
}

func (f *flakyStore) HasMessage(ctx context.Context, conversationKey, id string) (bool, error) {
	if f.failures > 0 {
		return false, errors.New("store unreachable")
	}
	return f.MemoryStore.HasMessage(ctx, conversationKey, id)
}

func newTestCache(t *testing.T, st store.Store) *Cache {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore()
	}
	// SyncInterval > 0 keeps wake() quiet; tests drive Reconcile directly.
	return New(zerolog.Nop(), st, nil, Options{SyncInterval: time.Minute})
}

func userMessage(key, body string) *models.Message {
	return &models.Message{
		ConversationKey: key,
		SenderRole:      models.RoleUser,
		Body:            body,
		IsBroadcast:     true,
	}
}

// P1 / Scenario A: append followed by read returns the message with no
// store round trip needed, persisted=false.
func TestReadYourWrites(t *testing.T) {
	c := newTestCache(t, nil)

	c.Append(userMessage("+1555", "Hello"))

	got := c.Read(context.Background(), "+1555", 50)
	if len(got) != 1 {
		t.Fatalf("Read returned %d messages, want 1", len(got))
	}
	m := got[0]
	if m.Body != "Hello" || m.SenderRole != models.RoleUser {
		t.Errorf("unexpected message: %+v", m)
	}
	if m.Persisted {
		t.Error("message persisted before reconciliation ran")
	}
	if m.ID == "" || m.CreatedAt == 0 {
		t.Error("append did not assign id/timestamp")
	}
}

// P2: merge of N cache-only and M disjoint store messages yields exactly
// N+M, sorted by createdAt.
func TestMergeNeverLosesCacheOnlyData(t *testing.T) {
	c := newTestCache(t, nil)

	base := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		c.Append(&models.Message{
			ConversationKey: "+1555",
			SenderRole:      models.RoleUser,
			Body:            "cached",
			CreatedAt:       base + int64(i*10),
		})
	}

	snapshot := make([]models.Message, 0, 2)
	for i := 0; i < 2; i++ {
		snapshot = append(snapshot, models.Message{
			ID:              ulid.Make().String(),
			ConversationKey: "+1555",
			SenderRole:      models.RoleAgent,
			Body:            "stored",
			CreatedAt:       base - int64((i+1)*10), // older than cache entries
		})
	}

	c.MergeWithStore("+1555", snapshot)

	got := c.Read(context.Background(), "+1555", 50)
	if len(got) != 5 {
		t.Fatalf("merged view has %d messages, want 5", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt < got[i-1].CreatedAt {
			t.Fatalf("merged view not sorted at index %d", i)
		}
	}
	for _, m := range got {
		if m.Body == "stored" && !m.Persisted {
			t.Error("store entry not marked persisted")
		}
		if m.Body == "cached" && m.Persisted {
			t.Error("cache-only entry wrongly marked persisted")
		}
	}
}

// P3: identical id in cache and snapshot collapses to one entry; persisted
// wins from either side.
func TestMergeIdempotentUpsert(t *testing.T) {
	c := newTestCache(t, nil)

	stored := c.Append(userMessage("+1555", "same"))

	snapshot := []models.Message{{
		ID:              stored.ID,
		ConversationKey: "+1555",
		SenderRole:      models.RoleUser,
		Body:            "same",
		CreatedAt:       stored.CreatedAt,
	}}
	c.MergeWithStore("+1555", snapshot)

	got := c.Read(context.Background(), "+1555", 50)
	if len(got) != 1 {
		t.Fatalf("merged view has %d entries for one id, want 1", len(got))
	}
	if !got[0].Persisted {
		t.Error("persisted flag not adopted from store snapshot")
	}
}

func TestAppendSameIDUpdatesInPlace(t *testing.T) {
	c := newTestCache(t, nil)

	first := c.Append(userMessage("+1555", "v1"))
	second := c.Append(&models.Message{
		ID:              first.ID,
		ConversationKey: "+1555",
		SenderRole:      models.RoleUser,
		Body:            "v2",
	})

	if second.ID != first.ID {
		t.Fatalf("id changed on re-append")
	}
	got := c.Read(context.Background(), "+1555", 50)
	if len(got) != 1 {
		t.Fatalf("re-append duplicated the message: %d entries", len(got))
	}
	if got[0].Body != "v2" {
		t.Errorf("body = %q, want v2", got[0].Body)
	}
}

// P4 / Scenario C: second identical markRead returns nothing.
func TestMarkReadIdempotent(t *testing.T) {
	c := newTestCache(t, nil)

	m := c.Append(userMessage("+1555", "Hello"))

	changed := c.MarkRead("+1555", []string{m.ID}, "agent-1")
	if len(changed) != 1 || changed[0] != m.ID {
		t.Fatalf("first MarkRead changed %v, want [%s]", changed, m.ID)
	}

	again := c.MarkRead("+1555", []string{m.ID}, "agent-1")
	if len(again) != 0 {
		t.Errorf("second MarkRead changed %v, want none", again)
	}
}

func TestMarkReadSkipsMalformedIDs(t *testing.T) {
	c := newTestCache(t, nil)
	c.Append(userMessage("+1555", "Hello"))

	changed := c.MarkRead("+1555", []string{"not-a-ulid", "'; DROP TABLE messages;--"}, "agent-1")
	if len(changed) != 0 {
		t.Errorf("malformed ids marked read: %v", changed)
	}
}

// Scenario B: one persisted store message plus one cache-only message.
func TestColdStartMerge(t *testing.T) {
	st := store.NewMemoryStore()
	older := &models.Message{
		ID:              ulid.Make().String(),
		ConversationKey: "+1555",
		SenderRole:      models.RoleAgent,
		Body:            "earlier",
		CreatedAt:       time.Now().Add(-time.Hour).UnixMilli(),
	}
	if err := st.UpsertMessage(context.Background(), older); err != nil {
		t.Fatal(err)
	}

	c := newTestCache(t, st)
	c.Append(userMessage("+1555", "Hello"))

	got := c.Read(context.Background(), "+1555", 50)
	if len(got) != 2 {
		t.Fatalf("merged read returned %d messages, want 2", len(got))
	}
	if got[0].Body != "earlier" || got[1].Body != "Hello" {
		t.Errorf("wrong chronological order: %q then %q", got[0].Body, got[1].Body)
	}
	persisted := 0
	for _, m := range got {
		if m.Persisted {
			persisted++
		}
	}
	if persisted != 1 {
		t.Errorf("%d messages marked persisted, want exactly 1", persisted)
	}
}

// Scenario E: three failing cycles then success; exactly one store row.
func TestReconcileRetriesUntilSuccess(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 3}
	c := newTestCache(t, st)

	m := c.Append(userMessage("+1555", "persist me"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Reconcile(ctx)
		if got := c.Find("+1555", m.ID); got == nil || got.Persisted {
			t.Fatalf("cycle %d: persisted flag flipped despite store failure", i+1)
		}
	}

	c.Reconcile(ctx)

	got := c.Find("+1555", m.ID)
	if got == nil || !got.Persisted {
		t.Fatal("message not persisted after store recovered")
	}
	stored, err := st.FetchRecentMessages(ctx, "+1555", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Fatalf("store holds %d rows, want 1 (no duplicates from retries)", len(stored))
	}
}

func TestReconcileFlushesReadState(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCache(t, st)
	ctx := context.Background()

	m := c.Append(userMessage("+1555", "Hello"))
	c.MarkRead("+1555", []string{m.ID}, "agent-1")
	c.Reconcile(ctx)

	stored, err := st.FetchRecentMessages(ctx, "+1555", 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || !stored[0].Read {
		t.Fatalf("read state not flushed: %+v", stored)
	}
}

// P6: entries younger than maxAge survive cleanup even with the store down.
func TestCleanupSparesYoungOrphans(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 1 << 30}
	c := newTestCache(t, st)

	m := c.Append(userMessage("+1555", "fresh"))

	evicted := c.CleanupOrphans(context.Background(), time.Hour)
	if evicted != 0 {
		t.Fatalf("evicted %d young entries", evicted)
	}
	if c.Find("+1555", m.ID) == nil {
		t.Error("young orphan evicted")
	}
}

func TestCleanupEvictsOldOrphans(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 1 << 30}
	c := newTestCache(t, st)

	old := c.Append(&models.Message{
		ConversationKey: "+1555",
		SenderRole:      models.RoleUser,
		Body:            "stuck",
		CreatedAt:       time.Now().Add(-2 * time.Hour).UnixMilli(),
	})

	evicted := c.CleanupOrphans(context.Background(), time.Hour)
	if evicted != 1 {
		t.Fatalf("evicted %d, want 1", evicted)
	}
	if c.Find("+1555", old.ID) != nil {
		t.Error("old orphan still cached")
	}
}

func TestCleanupRechecksStoreBeforeEvicting(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCache(t, st)
	ctx := context.Background()

	old := c.Append(&models.Message{
		ConversationKey: "+1555",
		SenderRole:      models.RoleUser,
		Body:            "silently persisted",
		CreatedAt:       time.Now().Add(-2 * time.Hour).UnixMilli(),
	})

	// Simulate a reconciliation that reached the store without the
	// in-memory flag update landing.
	snapshot := c.Find("+1555", old.ID)
	if err := st.UpsertMessage(ctx, snapshot); err != nil {
		t.Fatal(err)
	}

	evicted := c.CleanupOrphans(ctx, time.Hour)
	if evicted != 0 {
		t.Fatalf("evicted %d entries the store already holds", evicted)
	}
	got := c.Find("+1555", old.ID)
	if got == nil || !got.Persisted {
		t.Error("recheck did not repair the persisted flag")
	}
}

func TestDeleteDropsPendingUpsert(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCache(t, st)
	ctx := context.Background()

	m := c.Append(userMessage("+1555", "going away"))
	if !c.Delete("+1555", m.ID) {
		t.Fatal("Delete reported missing message")
	}
	c.Reconcile(ctx)

	stored, err := st.FetchRecentMessages(ctx, "+1555", 50)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range stored {
		if s.ID == m.ID {
			t.Error("reconciler resurrected a deleted message")
		}
	}
}

func TestConversationCapBoundsMemory(t *testing.T) {
	c := New(zerolog.Nop(), store.NewMemoryStore(), nil, Options{
		ConversationCap: 5,
		SyncInterval:    time.Minute,
	})

	base := time.Now().UnixMilli()
	for i := 0; i < 20; i++ {
		c.Append(&models.Message{
			ConversationKey: "+1555",
			SenderRole:      models.RoleUser,
			Body:            "m",
			CreatedAt:       base + int64(i),
		})
	}

	got := c.Read(context.Background(), "+1555", 0)
	if len(got) != 5 {
		t.Fatalf("conversation holds %d messages, want cap of 5", len(got))
	}
	if got[len(got)-1].CreatedAt != base+19 {
		t.Error("cap evicted the wrong end of the conversation")
	}
}

func TestUnreadCount(t *testing.T) {
	c := newTestCache(t, nil)

	first := c.Append(userMessage("+1555", "one"))
	c.Append(userMessage("+1555", "two"))
	c.Append(&models.Message{ConversationKey: "+1555", SenderRole: models.RoleAgent, Body: "reply"})

	if got := c.UnreadCount("+1555"); got != 2 {
		t.Fatalf("UnreadCount = %d, want 2 (agent replies do not count)", got)
	}

	c.MarkRead("+1555", []string{first.ID}, "agent-1")
	if got := c.UnreadCount("+1555"); got != 1 {
		t.Errorf("UnreadCount after markRead = %d, want 1", got)
	}
}

func TestPurgeConversation(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestCache(t, st)
	ctx := context.Background()

	c.Append(userMessage("+1555", "bye"))
	c.Reconcile(ctx)
	c.PurgeConversation("+1555")
	c.Reconcile(ctx)

	if got := c.Read(ctx, "+1555", 0); len(got) != 0 {
		t.Errorf("purged conversation still readable: %d messages", len(got))
	}
	if n, _ := st.CountMessages(ctx); n != 0 {
		t.Errorf("store still holds %d messages after purge", n)
	}
}

func TestValidID(t *testing.T) {
	if ValidID("not-a-ulid") {
		t.Error("malformed id accepted")
	}
	if ValidID("") {
		t.Error("empty id accepted")
	}
	if !ValidID(ulid.Make().String()) {
		t.Error("well-formed ULID rejected")
	}
}
