package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chaloalba05-wq/chat-backend/internal/cache"
	"github.com/chaloalba05-wq/chat-backend/internal/models"
	"github.com/chaloalba05-wq/chat-backend/internal/store"
)

func newTestDirectory(t *testing.T) (*Directory, *cache.Cache, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	c := cache.New(zerolog.Nop(), st, nil, cache.Options{SyncInterval: time.Minute})
	return New(zerolog.Nop(), st, c, nil), c, st
}

func TestRegisterAndLogin(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	agent, err := d.Register(ctx, "alice", "s3cret-pass")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if agent.CredentialHash == "s3cret-pass" {
		t.Fatal("secret stored in the clear")
	}

	if _, err := d.Register(ctx, "alice", "other"); !errors.Is(err, ErrNameTaken) {
		t.Errorf("duplicate register = %v, want ErrNameTaken", err)
	}

	got, err := d.Login(ctx, "alice", "s3cret-pass", "conn-1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != agent.ID {
		t.Error("login resolved a different agent")
	}
	if !d.IsOnline(agent.ID.String()) {
		t.Error("agent not marked online after login")
	}
}

func TestLoginWrongSecret(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	if _, err := d.Register(ctx, "alice", "correct"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Login(ctx, "alice", "wrong", "conn-1"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("Login = %v, want ErrBadCredentials", err)
	}
}

func TestLoginAutoProvisions(t *testing.T) {
	d, _, st := newTestDirectory(t)
	ctx := context.Background()

	agent, err := d.Login(ctx, "newcomer", "fresh-secret", "conn-1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	stored, err := st.GetAgentByName(ctx, "newcomer")
	if err != nil || stored == nil {
		t.Fatalf("auto-provisioned agent not stored: %v", err)
	}
	if stored.ID != agent.ID {
		t.Error("stored agent differs from returned agent")
	}
}

func TestMutedAgentCannotLogin(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	agent, err := d.Register(ctx, "bob", "secret-pw")
	if err != nil {
		t.Fatal(err)
	}
	muted, err := d.ToggleMute(ctx, agent.ID.String())
	if err != nil || !muted {
		t.Fatalf("ToggleMute = %v, %v", muted, err)
	}

	if _, err := d.Login(ctx, "bob", "secret-pw", "conn-1"); !errors.Is(err, ErrMuted) {
		t.Errorf("muted login = %v, want ErrMuted", err)
	}

	// Unmute restores access.
	if muted, err := d.ToggleMute(ctx, agent.ID.String()); err != nil || muted {
		t.Fatalf("second ToggleMute = %v, %v", muted, err)
	}
	if _, err := d.Login(ctx, "bob", "secret-pw", "conn-1"); err != nil {
		t.Errorf("login after unmute: %v", err)
	}
}

func TestLogoutClearsPresence(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	agent, _ := d.Register(ctx, "alice", "s3cret-pass")
	if _, err := d.Login(ctx, "alice", "s3cret-pass", "conn-1"); err != nil {
		t.Fatal(err)
	}
	d.SetMonitoring(agent.ID.String(), "+1555")

	d.Logout(ctx, agent.ID.String())

	if d.IsOnline(agent.ID.String()) {
		t.Error("agent still online after logout")
	}
	statuses, err := d.Statuses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || statuses[0].Monitoring != "" {
		t.Errorf("monitoring pointer survived logout: %+v", statuses)
	}
}

func TestConversationListSortedWithUnread(t *testing.T) {
	d, c, _ := newTestDirectory(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	c.Append(&models.Message{ConversationKey: "+1111", SenderRole: models.RoleUser, Body: "old", CreatedAt: base - 1000})
	c.Append(&models.Message{ConversationKey: "+2222", SenderRole: models.RoleUser, Body: "new", CreatedAt: base})
	c.Append(&models.Message{ConversationKey: "+2222", SenderRole: models.RoleUser, Body: "newer", CreatedAt: base + 1})

	list, err := d.ConversationList(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("list has %d conversations, want 2", len(list))
	}
	if list[0].Key != "+2222" {
		t.Errorf("most recent conversation first: got %q", list[0].Key)
	}
	if list[0].Unread != 2 || list[1].Unread != 1 {
		t.Errorf("unread counts = %d,%d want 2,1", list[0].Unread, list[1].Unread)
	}
}

func TestConversationListHidesArchived(t *testing.T) {
	d, c, _ := newTestDirectory(t)
	ctx := context.Background()

	c.Append(&models.Message{ConversationKey: "+1111", SenderRole: models.RoleUser, Body: "hi"})
	c.Archive("+1111", true)

	list, err := d.ConversationList(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("archived conversation visible: %+v", list)
	}

	list, err = d.ConversationList(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("archived conversation missing from admin view")
	}
}
