package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chaloalba05-wq/chat-backend/internal/audit"
	"github.com/chaloalba05-wq/chat-backend/internal/cache"
	"github.com/chaloalba05-wq/chat-backend/internal/directory"
	"github.com/chaloalba05-wq/chat-backend/internal/models"
	"github.com/chaloalba05-wq/chat-backend/internal/rooms"
	"github.com/chaloalba05-wq/chat-backend/internal/session"
	"github.com/chaloalba05-wq/chat-backend/internal/store"
)

type testRig struct {
	gw    *Gateway
	cache *cache.Cache
	dir   *directory.Directory
	store *store.MemoryStore
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	st := store.NewMemoryStore()
	trail := audit.NewLog(100)
	msgCache := cache.New(zerolog.Nop(), st, trail, cache.Options{
		SyncInterval: time.Minute, // tests flush explicitly
	})
	dir := directory.New(zerolog.Nop(), st, msgCache, trail)
	gw := New(zerolog.Nop(), session.NewRegistry(), rooms.NewRouter(), msgCache, dir, trail, Options{
		AdminToken: "opstoken",
	})
	return &testRig{gw: gw, cache: msgCache, dir: dir, store: st}
}

func (r *testRig) connect(t *testing.T) *Client {
	t.Helper()
	c := newClient(uuid.NewString(), 32)
	r.gw.sessions.Connect(c.ID())
	return c
}

func (r *testRig) send(t *testing.T, c *Client, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	r.gw.dispatch(context.Background(), c, Envelope{Event: event, Payload: raw})
}

// drain empties the client's send queue.
func drain(c *Client) []outbound {
	var out []outbound
	for {
		select {
		case frame := <-c.send:
			out = append(out, frame)
		default:
			return out
		}
	}
}

func frameByEvent(frames []outbound, event string) (outbound, bool) {
	for _, f := range frames {
		if f.Event == event {
			return f, true
		}
	}
	return outbound{}, false
}

func registerUser(t *testing.T, r *testRig, key string) *Client {
	t.Helper()
	c := r.connect(t)
	r.send(t, c, EventRegister, registerPayload{ConversationKey: key})
	frames := drain(c)
	if _, ok := frameByEvent(frames, EventRegistered); !ok {
		t.Fatalf("register: expected %s frame, got %+v", EventRegistered, frames)
	}
	return c
}

func loginAgent(t *testing.T, r *testRig, name, secret string) *Client {
	t.Helper()
	c := r.connect(t)
	r.send(t, c, EventAgentLogin, loginPayload{Name: name, Secret: secret})
	frames := drain(c)
	if _, ok := frameByEvent(frames, EventRegistered); !ok {
		t.Fatalf("login %s: expected %s frame, got %+v", name, EventRegistered, frames)
	}
	return c
}

func TestRegisterDeliversHistory(t *testing.T) {
	r := newTestRig(t)

	r.cache.Append(&models.Message{
		ConversationKey: "visitor-7",
		SenderRole:      models.RoleAgent,
		SenderID:        "a1",
		Body:            "hello",
	})

	c := r.connect(t)
	r.send(t, c, EventRegister, registerPayload{ConversationKey: "visitor-7"})
	frames := drain(c)

	reg, ok := frameByEvent(frames, EventRegistered)
	if !ok {
		t.Fatalf("missing %s frame", EventRegistered)
	}
	if p := reg.Payload.(registeredPayload); p.Role != "user" || p.ConversationKey != "visitor-7" {
		t.Fatalf("unexpected registered payload %+v", p)
	}

	hist, ok := frameByEvent(frames, EventMessageHistory)
	if !ok {
		t.Fatalf("missing %s frame", EventMessageHistory)
	}
	msgs := hist.Payload.(historyPayload).Messages.([]models.Message)
	if len(msgs) != 1 || msgs[0].Body != "hello" {
		t.Fatalf("unexpected backlog %+v", msgs)
	}
}

func TestRegisterRejectsBadKey(t *testing.T) {
	r := newTestRig(t)
	c := r.connect(t)

	r.send(t, c, EventRegister, registerPayload{ConversationKey: "no spaces allowed"})
	frames := drain(c)
	if _, ok := frameByEvent(frames, EventError); !ok {
		t.Fatalf("expected error frame, got %+v", frames)
	}
	if s := r.gw.sessions.Get(c.ID()); s.Role != session.Anonymous {
		t.Fatalf("session upgraded on bad key: %v", s.Role)
	}
}

func TestRegisterAcceptsPhoneNumberKey(t *testing.T) {
	r := newTestRig(t)

	user := registerUser(t, r, "+15550001234")
	if s := r.gw.sessions.Get(user.ID()); s.ConversationKey != "+15550001234" {
		t.Fatalf("session key = %q, want the phone number", s.ConversationKey)
	}

	r.send(t, user, EventSendUserMessage, userMessagePayload{Body: "hi"})
	if _, ok := frameByEvent(drain(user), EventNewMessage); !ok {
		t.Fatal("message to phone-number conversation not relayed")
	}
}

func TestWellKnownRoomNamesDoNotGrantAccess(t *testing.T) {
	r := newTestRig(t)

	// "admin" is a valid conversation key but must land in a plain
	// conversation room, never in the admins' fan-out set.
	eavesdropper := registerUser(t, r, rooms.Admin)
	victim := registerUser(t, r, "visitor-11")

	r.send(t, victim, EventSendUserMessage, userMessagePayload{Body: "card ending 4242"})
	drain(victim)

	if frames := drain(eavesdropper); len(frames) != 0 {
		t.Fatalf("session keyed %q saw another conversation's traffic: %+v", rooms.Admin, frames)
	}
	if n := r.gw.rooms.MemberCount(rooms.Admin); n != 0 {
		t.Fatalf("admin room has %d members without any admin login", n)
	}
}

func TestUserMessageFansOutToAgents(t *testing.T) {
	r := newTestRig(t)

	user := registerUser(t, r, "visitor-1")
	agent := loginAgent(t, r, "alice", "s3cret")
	drain(agent)

	r.send(t, user, EventSendUserMessage, userMessagePayload{Body: "help me"})

	userFrames := drain(user)
	if _, ok := frameByEvent(userFrames, EventNewMessage); !ok {
		t.Fatalf("sender did not see own message: %+v", userFrames)
	}

	agentFrames := drain(agent)
	frame, ok := frameByEvent(agentFrames, EventNewMessage)
	if !ok {
		t.Fatalf("agent in broadcast room missed the message: %+v", agentFrames)
	}
	msg := frame.Payload.(*models.Message)
	if msg.Body != "help me" || msg.SenderRole != models.RoleUser || !msg.IsBroadcast {
		t.Fatalf("unexpected relayed message %+v", msg)
	}
	if msg.Persisted {
		t.Fatal("freshly relayed message should not claim persistence")
	}
}

func TestUserMessageRequiresBodyOrAttachment(t *testing.T) {
	r := newTestRig(t)
	user := registerUser(t, r, "visitor-2")

	r.send(t, user, EventSendUserMessage, userMessagePayload{Body: "   "})
	if _, ok := frameByEvent(drain(user), EventError); !ok {
		t.Fatal("expected validation error for empty body")
	}

	r.send(t, user, EventSendUserMessage, userMessagePayload{
		AttachmentURL:  "https://cdn.example.com/receipt.png",
		AttachmentMime: "image/png",
	})
	frames := drain(user)
	frame, ok := frameByEvent(frames, EventNewMessage)
	if !ok {
		t.Fatalf("attachment-only message rejected: %+v", frames)
	}
	if att := frame.Payload.(*models.Message).Attachment; att == nil || att.MimeType != "image/png" {
		t.Fatalf("attachment lost in relay: %+v", frame.Payload)
	}
}

func TestAgentLoginWrongSecret(t *testing.T) {
	r := newTestRig(t)
	if _, err := r.dir.Register(context.Background(), "bob", "right"); err != nil {
		t.Fatalf("register: %v", err)
	}

	c := r.connect(t)
	r.send(t, c, EventAgentLogin, loginPayload{Name: "bob", Secret: "wrong"})
	frames := drain(c)
	frame, ok := frameByEvent(frames, EventError)
	if !ok {
		t.Fatalf("expected error frame, got %+v", frames)
	}
	if frame.Payload.(errorPayload).Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %+v", frame.Payload)
	}
}

func TestMutedAgentCannotSend(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	agent := loginAgent(t, r, "carol", "pw")
	s := r.gw.sessions.Get(agent.ID())

	if _, err := r.dir.ToggleMute(ctx, s.AgentID); err != nil {
		t.Fatalf("mute: %v", err)
	}

	r.send(t, agent, EventSendAgentMessage, agentMessagePayload{
		ConversationKey: "visitor-3", Body: "hi",
	})
	frames := drain(agent)
	frame, ok := frameByEvent(frames, EventError)
	if !ok {
		t.Fatalf("muted agent message went through: %+v", frames)
	}
	if frame.Payload.(errorPayload).Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %+v", frame.Payload)
	}
}

func TestJoinConversationBacklogGoesToRequesterOnly(t *testing.T) {
	r := newTestRig(t)

	r.cache.Append(&models.Message{
		ConversationKey: "visitor-4",
		SenderRole:      models.RoleUser,
		SenderID:        "u1",
		Body:            "earlier",
	})

	joiner := loginAgent(t, r, "dave", "pw")
	bystander := loginAgent(t, r, "erin", "pw")
	drain(joiner)
	drain(bystander)

	r.send(t, joiner, EventJoinConversation, joinPayload{ConversationKey: "visitor-4"})

	hist, ok := frameByEvent(drain(joiner), EventMessageHistory)
	if !ok {
		t.Fatal("joiner did not receive backlog")
	}
	if msgs := hist.Payload.(historyPayload).Messages.([]models.Message); len(msgs) != 1 {
		t.Fatalf("unexpected backlog %+v", msgs)
	}
	if frames := drain(bystander); len(frames) != 0 {
		t.Fatalf("bystander received backlog frames: %+v", frames)
	}

	if s := r.gw.sessions.Get(joiner.ID()); s.Monitoring != "visitor-4" {
		t.Fatalf("monitoring pointer not set: %+v", s)
	}
}

func TestMarkReadFansOutReceipts(t *testing.T) {
	r := newTestRig(t)

	user := registerUser(t, r, "visitor-5")
	r.send(t, user, EventSendUserMessage, userMessagePayload{Body: "anyone there?"})
	frame, _ := frameByEvent(drain(user), EventNewMessage)
	msgID := frame.Payload.(*models.Message).ID

	agent := loginAgent(t, r, "frank", "pw")
	r.send(t, agent, EventJoinConversation, joinPayload{ConversationKey: "visitor-5"})
	drain(agent)

	// In the broadcast room but not monitoring this conversation.
	lurker := loginAgent(t, r, "gina", "pw")
	drain(lurker)

	r.send(t, agent, EventMarkRead, markReadPayload{IDs: []string{msgID}})

	receipt, ok := frameByEvent(drain(user), EventReadReceiptUpdate)
	if !ok {
		t.Fatal("user did not receive read receipt")
	}
	p := receipt.Payload.(readReceiptPayload)
	if len(p.IDs) != 1 || p.IDs[0] != msgID {
		t.Fatalf("unexpected receipt %+v", p)
	}
	if _, ok := frameByEvent(drain(lurker), EventReadReceiptUpdate); !ok {
		t.Fatal("broadcast room missed the read receipt")
	}

	// Second mark is a no-op and must not fan out again.
	r.send(t, agent, EventMarkRead, markReadPayload{IDs: []string{msgID}})
	if frames := drain(user); len(frames) != 0 {
		t.Fatalf("idempotent mark_read re-broadcast: %+v", frames)
	}
	if frames := drain(lurker); len(frames) != 0 {
		t.Fatalf("idempotent mark_read re-broadcast to feed: %+v", frames)
	}
}

func TestDeleteMessageAuthorization(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	user := registerUser(t, r, "visitor-6")
	r.send(t, user, EventSendUserMessage, userMessagePayload{Body: "keep this"})
	frame, _ := frameByEvent(drain(user), EventNewMessage)
	msgID := frame.Payload.(*models.Message).ID

	agent := loginAgent(t, r, "grace", "pw")
	r.send(t, agent, EventJoinConversation, joinPayload{ConversationKey: "visitor-6"})
	drain(agent)

	// A plain agent may not delete someone else's message.
	r.send(t, agent, EventDeleteMessage, deleteMessagePayload{ID: msgID})
	if _, ok := frameByEvent(drain(agent), EventError); !ok {
		t.Fatal("agent deleted a message it does not own")
	}
	if r.cache.Find("visitor-6", msgID) == nil {
		t.Fatal("message vanished despite rejected delete")
	}

	// An admin may.
	if _, err := r.dir.RegisterWithRole(ctx, "heidi", "pw", models.AgentRoleAdmin); err != nil {
		t.Fatalf("register admin: %v", err)
	}
	admin := loginAgent(t, r, "heidi", "pw")
	r.send(t, admin, EventDeleteMessage, deleteMessagePayload{
		ConversationKey: "visitor-6", ID: msgID, ForAll: true,
	})
	if frames := drain(admin); len(frames) == 0 {
		t.Fatal("admin delete produced no frames")
	} else if _, isErr := frameByEvent(frames, EventError); isErr {
		t.Fatalf("admin delete rejected: %+v", frames)
	}
	if r.cache.Find("visitor-6", msgID) != nil {
		t.Fatal("message survived admin delete")
	}

	if _, ok := frameByEvent(drain(user), EventMessageDeleted); !ok {
		t.Fatal("conversation room not told about the delete")
	}
}

func TestDeleteMessageMalformedID(t *testing.T) {
	r := newTestRig(t)
	agent := loginAgent(t, r, "ivan", "pw")
	r.send(t, agent, EventJoinConversation, joinPayload{ConversationKey: "visitor-8"})
	drain(agent)

	r.send(t, agent, EventDeleteMessage, deleteMessagePayload{ID: "not-a-ulid"})
	frame, ok := frameByEvent(drain(agent), EventError)
	if !ok {
		t.Fatal("expected not-found error for malformed id")
	}
	if frame.Payload.(errorPayload).Code != "bad_request" {
		t.Fatalf("unexpected error %+v", frame.Payload)
	}
}

func TestBroadcastRequiresModerator(t *testing.T) {
	r := newTestRig(t)

	agent := loginAgent(t, r, "judy", "pw")
	r.send(t, agent, EventSendAgentMessage, agentMessagePayload{Body: "maintenance tonight", Broadcast: true})
	if _, ok := frameByEvent(drain(agent), EventError); !ok {
		t.Fatal("plain agent broadcast accepted")
	}

	if _, err := r.dir.RegisterWithRole(context.Background(), "root", "pw", models.AgentRoleSuperAdmin); err != nil {
		t.Fatalf("register super admin: %v", err)
	}
	super := loginAgent(t, r, "root", "pw")
	r.send(t, super, EventSendAgentMessage, agentMessagePayload{Body: "maintenance tonight", Broadcast: true})
	frames := drain(super)
	frame, ok := frameByEvent(frames, EventNewMessage)
	if !ok {
		t.Fatalf("super admin broadcast rejected: %+v", frames)
	}
	if !frame.Payload.(*models.Message).IsBroadcast {
		t.Fatal("broadcast flag lost")
	}

	if _, ok := frameByEvent(drain(agent), EventNewMessage); !ok {
		t.Fatal("agent in broadcast room missed the announcement")
	}
}

func TestAgentReplyVisibleToBroadcastRoom(t *testing.T) {
	r := newTestRig(t)

	responder := loginAgent(t, r, "quinn", "pw")
	colleague := loginAgent(t, r, "rita", "pw")
	drain(responder)
	drain(colleague)

	r.send(t, responder, EventSendAgentMessage, agentMessagePayload{
		ConversationKey: "visitor-12", Body: "on it",
	})
	if _, ok := frameByEvent(drain(colleague), EventNewMessage); !ok {
		t.Fatal("agent in broadcast room missed a colleague's reply")
	}
}

func TestToggleMuteRequiresModerator(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	target := loginAgent(t, r, "nina", "pw")
	targetID := r.gw.sessions.Get(target.ID()).AgentID

	plain := loginAgent(t, r, "oscar", "pw")
	drain(plain)
	r.send(t, plain, EventToggleMute, toggleMutePayload{AgentID: targetID})
	if _, ok := frameByEvent(drain(plain), EventError); !ok {
		t.Fatal("plain agent muted a colleague")
	}
	if muted, _ := r.dir.IsMuted(ctx, targetID); muted {
		t.Fatal("mute applied despite rejection")
	}

	if _, err := r.dir.RegisterWithRole(ctx, "paula", "pw", models.AgentRoleAdmin); err != nil {
		t.Fatalf("register admin: %v", err)
	}
	admin := loginAgent(t, r, "paula", "pw")
	drain(admin)

	r.send(t, admin, EventToggleMute, toggleMutePayload{AgentID: targetID})
	frames := drain(admin)
	if _, isErr := frameByEvent(frames, EventError); isErr {
		t.Fatalf("admin mute rejected: %+v", frames)
	}
	status, ok := frameByEvent(frames, EventAgentStatus)
	if !ok {
		t.Fatal("admins not told about the mute")
	}
	if p := status.Payload.(agentStatusPayload); p.AgentID != targetID || !p.Muted {
		t.Fatalf("unexpected status %+v", p)
	}
	if muted, _ := r.dir.IsMuted(ctx, targetID); !muted {
		t.Fatal("mute not applied")
	}
}

func TestArchiveRequiresModerator(t *testing.T) {
	r := newTestRig(t)
	agent := loginAgent(t, r, "kim", "pw")

	r.send(t, agent, EventArchiveConversation, archivePayload{ConversationKey: "visitor-9", Archived: true})
	if _, ok := frameByEvent(drain(agent), EventError); !ok {
		t.Fatal("plain agent archived a conversation")
	}
}

func TestAdminConnect(t *testing.T) {
	r := newTestRig(t)

	bad := r.connect(t)
	r.send(t, bad, EventAdminConnect, adminConnectPayload{Token: "nope"})
	if _, ok := frameByEvent(drain(bad), EventError); !ok {
		t.Fatal("wrong token accepted")
	}

	ops := r.connect(t)
	r.send(t, ops, EventAdminConnect, adminConnectPayload{Token: "opstoken"})
	frames := drain(ops)
	reg, ok := frameByEvent(frames, EventRegistered)
	if !ok {
		t.Fatalf("expected registered frame, got %+v", frames)
	}
	if reg.Payload.(registeredPayload).Role != "super_admin" {
		t.Fatalf("operator session not super_admin: %+v", reg.Payload)
	}
	if s := r.gw.sessions.Get(ops.ID()); !s.Role.CanModerate() {
		t.Fatalf("operator cannot moderate: %+v", s)
	}
}

func TestRoleUpgradeIsOneWay(t *testing.T) {
	r := newTestRig(t)
	user := registerUser(t, r, "visitor-10")

	r.send(t, user, EventAgentLogin, loginPayload{Name: "mallory", Secret: "pw"})
	frames := drain(user)
	if _, ok := frameByEvent(frames, EventError); !ok {
		t.Fatalf("user session upgraded to agent: %+v", frames)
	}
	if s := r.gw.sessions.Get(user.ID()); s.Role != session.User {
		t.Fatalf("role changed: %v", s.Role)
	}
}

func TestDeliverDropsOnBackpressure(t *testing.T) {
	c := newClient("c1", 2)
	c.Deliver("e", 1)
	c.Deliver("e", 2)
	c.Deliver("e", 3) // queue full, dropped

	if got := len(drain(c)); got != 2 {
		t.Fatalf("expected 2 queued frames, got %d", got)
	}
}
