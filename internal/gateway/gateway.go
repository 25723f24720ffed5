// Package gateway is the WebSocket entrypoint of the relay. Each connection
// gets a session in the registry, a bounded send queue drained by a writer
// goroutine, and a read loop that dispatches validated events to the cache,
// rooms, session and directory layers.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chaloalba05-wq/chat-backend/internal/audit"
	"github.com/chaloalba05-wq/chat-backend/internal/cache"
	"github.com/chaloalba05-wq/chat-backend/internal/directory"
	"github.com/chaloalba05-wq/chat-backend/internal/metrics"
	"github.com/chaloalba05-wq/chat-backend/internal/models"
	"github.com/chaloalba05-wq/chat-backend/internal/rooms"
	"github.com/chaloalba05-wq/chat-backend/internal/session"
)

// Options tunes the gateway. Zero values fall back to defaults.
type Options struct {
	SendQueue    int
	WriteTimeout time.Duration
	ReadIdle     time.Duration
	RateEvents   int
	RateWindow   time.Duration

	// AdminToken authorizes the operator console over admin_connect.
	// Empty disables the event.
	AdminToken string
}

// Gateway upgrades HTTP requests and runs the per-connection loop.
type Gateway struct {
	log      zerolog.Logger
	sessions *session.Registry
	rooms    *rooms.Router
	cache    *cache.Cache
	dir      *directory.Directory
	trail    *audit.Log
	opts     Options
}

// New wires a gateway over the relay's core components.
func New(log zerolog.Logger, sessions *session.Registry, router *rooms.Router, msgCache *cache.Cache, dir *directory.Directory, trail *audit.Log, opts Options) *Gateway {
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadIdle <= 0 {
		opts.ReadIdle = defaultReadIdle
	}
	if opts.RateEvents <= 0 {
		opts.RateEvents = rateLimitEvents
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = rateLimitWindow
	}
	return &Gateway{
		log:      log.With().Str("component", "gateway").Logger(),
		sessions: sessions,
		rooms:    router,
		cache:    msgCache,
		dir:      dir,
		trail:    trail,
		opts:     opts,
	}
}

// ServeHTTP lets the gateway mount directly on the router.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The chat widget is embedded on customer sites, so origins are open
	// here and trust is established per event instead.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	conn.SetReadLimit(maxFrameBytes)

	connID := uuid.NewString()
	client := newClient(connID, g.opts.SendQueue)
	g.sessions.Connect(connID)
	metrics.ActiveConnections.Inc()
	g.log.Debug().Str("conn", connID).Msg("connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var shutdownOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		shutdownOnce.Do(func() {
			g.disconnect(ctx, client)
			client.Close()
			conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case frame := <-client.send:
				if err := writeFrame(ctx, conn, frame, g.opts.WriteTimeout); err != nil {
					g.log.Debug().Err(err).Str("conn", connID).Msg("write failed")
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	limiter := newRateLimiter(g.opts.RateEvents, g.opts.RateWindow)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.opts.ReadIdle)
		env, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			if isBadJSON(err) {
				client.Deliver(EventError, errorPayload{Code: "bad_json", Message: "invalid JSON frame"})
				continue
			}
			shutdown(closeStatus(err), "closing")
			break
		}

		if !limiter.allow(time.Now()) {
			client.Deliver(EventError, errorPayload{Code: "rate_limited", Message: "too many events"})
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break
		}

		g.dispatch(ctx, client, env)
	}

	<-writerDone
}

// dispatch routes one inbound envelope. Validation and authorization
// failures answer the sender only.
func (g *Gateway) dispatch(ctx context.Context, client *Client, env Envelope) {
	var err error
	switch env.Event {
	case EventRegister:
		err = g.onRegister(ctx, client, env.Payload)
	case EventAgentLogin:
		err = g.onAgentLogin(ctx, client, env.Payload)
	case EventAdminConnect:
		err = g.onAdminConnect(ctx, client, env.Payload)
	case EventSendUserMessage:
		err = g.onUserMessage(client, env.Payload)
	case EventSendAgentMessage:
		err = g.onAgentMessage(ctx, client, env.Payload)
	case EventJoinConversation:
		err = g.onJoinConversation(ctx, client, env.Payload)
	case EventMarkRead:
		err = g.onMarkRead(client, env.Payload)
	case EventDeleteMessage:
		err = g.onDeleteMessage(client, env.Payload)
	case EventToggleMute:
		err = g.onToggleMute(ctx, client, env.Payload)
	case EventArchiveConversation:
		err = g.onArchive(client, env.Payload)
	case EventDeleteConversation:
		err = g.onDeleteConversation(client, env.Payload)
	case EventGetMessages:
		err = g.onGetMessages(ctx, client, env.Payload)
	default:
		err = badRequest("unknown event: " + env.Event)
	}

	if err != nil {
		client.Deliver(EventError, errorPayload{Code: errCode(err), Message: err.Error()})
	}
}

// ---- connection lifecycle ----

func (g *Gateway) disconnect(ctx context.Context, client *Client) {
	removed := g.sessions.Disconnect(client.ID())
	g.rooms.LeaveAll(client)
	metrics.ActiveConnections.Dec()

	if removed == nil || removed.AgentID == "" {
		return
	}

	g.dir.Logout(ctx, removed.AgentID)
	if status, err := g.agentStatus(ctx, removed.AgentID); err == nil {
		g.rooms.Publish([]string{rooms.Admin, rooms.SuperAdmin}, EventAgentStatus, status)
	}
	g.log.Info().Str("agent", removed.AgentID).Msg("agent disconnected")
}

// ---- identity events ----

func (g *Gateway) onRegister(ctx context.Context, client *Client, raw json.RawMessage) error {
	var p registerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return badRequest("invalid payload")
	}
	if !validConversationKey(p.ConversationKey) {
		return badRequest("invalid conversation_key")
	}

	if err := g.sessions.BecomeUser(client.ID(), p.ConversationKey); err != nil {
		return unauthorized(err.Error())
	}
	g.rooms.Join(client, rooms.Conversation(p.ConversationKey))

	client.Deliver(EventRegistered, registeredPayload{
		ConversationKey: p.ConversationKey,
		Role:            session.User.String(),
	})
	client.Deliver(EventMessageHistory, historyPayload{
		ConversationKey: p.ConversationKey,
		Messages:        g.cache.Read(ctx, p.ConversationKey, defaultHistory),
	})

	g.trail.Record("user_registered", p.ConversationKey)
	return nil
}

func (g *Gateway) onAgentLogin(ctx context.Context, client *Client, raw json.RawMessage) error {
	var p loginPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return badRequest("invalid payload")
	}
	if strings.TrimSpace(p.Name) == "" || p.Secret == "" {
		return badRequest("name and secret are required")
	}

	agent, err := g.dir.Login(ctx, p.Name, p.Secret, client.ID())
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrBadCredentials), errors.Is(err, directory.ErrMuted):
			return unauthorized(err.Error())
		default:
			g.log.Error().Err(err).Str("agent", p.Name).Msg("login failed")
			return internalErr("login failed")
		}
	}

	role := agentSessionRole(agent.Role)
	if err := g.sessions.BecomeAgent(client.ID(), agent.ID.String(), role); err != nil {
		g.dir.Logout(ctx, agent.ID.String())
		return unauthorized(err.Error())
	}

	g.joinAgentRooms(client, role)
	g.deliverAgentWelcome(ctx, client, agent.ID.String(), agent.Name, role)
	return nil
}

func (g *Gateway) onAdminConnect(ctx context.Context, client *Client, raw json.RawMessage) error {
	if g.opts.AdminToken == "" {
		return unauthorized("operator console disabled")
	}

	var p adminConnectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return badRequest("invalid payload")
	}
	if subtle.ConstantTimeCompare([]byte(p.Token), []byte(g.opts.AdminToken)) != 1 {
		g.trail.Record("admin_connect_rejected", client.ID())
		return unauthorized("invalid token")
	}

	// The operator console is a super-admin session without an agent record.
	operatorID := "operator:" + client.ID()
	if err := g.sessions.BecomeAgent(client.ID(), operatorID, session.SuperAdmin); err != nil {
		return unauthorized(err.Error())
	}

	g.joinAgentRooms(client, session.SuperAdmin)
	g.deliverAgentWelcome(ctx, client, operatorID, "operator", session.SuperAdmin)
	g.trail.Record("admin_connect", client.ID())
	return nil
}

func (g *Gateway) joinAgentRooms(client *Client, role session.Role) {
	g.rooms.Join(client, rooms.Broadcast)
	if role.CanModerate() {
		g.rooms.Join(client, rooms.Admin)
	}
	if role == session.SuperAdmin {
		g.rooms.Join(client, rooms.SuperAdmin)
	}
}

func (g *Gateway) deliverAgentWelcome(ctx context.Context, client *Client, agentID, name string, role session.Role) {
	client.Deliver(EventRegistered, registeredPayload{
		AgentID: agentID,
		Name:    name,
		Role:    role.String(),
	})
	client.Deliver(EventMessageHistory, historyPayload{
		Messages: g.cache.Feed(defaultHistory),
	})
	if list, err := g.dir.ConversationList(ctx, role.CanModerate()); err == nil {
		client.Deliver(EventConversationList, list)
	} else {
		g.log.Warn().Err(err).Msg("conversation list unavailable at login")
	}

	if status, err := g.agentStatus(ctx, agentID); err == nil {
		g.rooms.Publish([]string{rooms.Admin, rooms.SuperAdmin}, EventAgentStatus, status)
	}
	g.log.Info().Str("agent", name).Str("role", role.String()).Msg("agent online")
}

func (g *Gateway) agentStatus(ctx context.Context, agentID string) (agentStatusPayload, error) {
	statuses, err := g.dir.Statuses(ctx)
	if err != nil {
		return agentStatusPayload{}, err
	}
	for _, s := range statuses {
		if s.ID == agentID {
			return agentStatusPayload{
				AgentID:    s.ID,
				Name:       s.Name,
				Online:     s.Online,
				Monitoring: s.Monitoring,
			}, nil
		}
	}
	// Operator sessions have no directory record.
	return agentStatusPayload{AgentID: agentID, Online: g.dir.IsOnline(agentID)}, nil
}

// ---- message events ----

func (g *Gateway) onUserMessage(client *Client, raw json.RawMessage) error {
	s := g.sessions.Get(client.ID())
	if s == nil || s.Role != session.User {
		return unauthorized("register first")
	}

	var p userMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return badRequest("invalid payload")
	}
	msg := &models.Message{
		ConversationKey: s.ConversationKey,
		SenderRole:      models.RoleUser,
		SenderID:        client.ID(),
		Body:            strings.TrimSpace(p.Body),
		IsBroadcast:     true, // user traffic lands in the feed agents watch
	}
	if err := attach(msg, p.AttachmentURL, p.AttachmentMime); err != nil {
		return err
	}
	if err := validateBody(msg); err != nil {
		return err
	}

	stored := g.cache.Append(msg)
	metrics.MessagesRelayed.WithLabelValues(string(models.RoleUser)).Inc()
	g.rooms.Publish([]string{rooms.Conversation(s.ConversationKey), rooms.Broadcast, rooms.Admin, rooms.SuperAdmin},
		EventNewMessage, stored)
	return nil
}

func (g *Gateway) onAgentMessage(ctx context.Context, client *Client, raw json.RawMessage) error {
	s := g.sessions.Get(client.ID())
	if s == nil || !s.Role.IsAgent() {
		return unauthorized("agents only")
	}

	var p agentMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return badRequest("invalid payload")
	}

	if muted, err := g.dir.IsMuted(ctx, s.AgentID); err == nil && muted {
		return unauthorized("agent is muted")
	}

	key := p.ConversationKey
	if key == "" {
		key = s.Monitoring
	}
	if p.Broadcast {
		if !s.Role.CanModerate() {
			return unauthorized("broadcast requires admin")
		}
		key = rooms.Broadcast
	}
	if !validConversationKey(key) {
		return badRequest("invalid conversation_key")
	}

	msg := &models.Message{
		ConversationKey: key,
		SenderRole:      models.RoleAgent,
		SenderID:        s.AgentID,
		Body:            strings.TrimSpace(p.Body),
		IsBroadcast:     p.Broadcast,
	}
	if err := attach(msg, p.AttachmentURL, p.AttachmentMime); err != nil {
		return err
	}
	if err := validateBody(msg); err != nil {
		return err
	}

	stored := g.cache.Append(msg)
	metrics.MessagesRelayed.WithLabelValues(string(models.RoleAgent)).Inc()

	// Agent replies take the same fan-out path as user traffic.
	targets := []string{rooms.Broadcast, rooms.Admin, rooms.SuperAdmin}
	if !p.Broadcast {
		targets = append(targets, rooms.Conversation(key))
	}
	g.rooms.Publish(targets, EventNewMessage, stored)
	return nil
}

func (g *Gateway) onJoinConversation(ctx context.Context, client *Client, raw json.RawMessage) error {
	s := g.sessions.Get(client.ID())
	if s == nil || !s.Role.IsAgent() {
		return unauthorized("agents only")
	}

	var p joinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return badRequest("invalid payload")
	}
	if !validConversationKey(p.ConversationKey) {
		return badRequest("invalid conversation_key")
	}

	// One conversation watched at a time.
	if s.Monitoring != "" && s.Monitoring != p.ConversationKey {
		g.rooms.Leave(client, rooms.Conversation(s.Monitoring))
	}
	g.rooms.Join(client, rooms.Conversation(p.ConversationKey))
	if err := g.sessions.SetMonitoring(client.ID(), p.ConversationKey); err != nil {
		return unauthorized(err.Error())
	}
	g.dir.SetMonitoring(s.AgentID, p.ConversationKey)

	// Backlog goes to the requester only.
	client.Deliver(EventMessageHistory, historyPayload{
		ConversationKey: p.ConversationKey,
		Messages:        g.cache.Read(ctx, p.ConversationKey, defaultHistory),
	})
	return nil
}

func (g *Gateway) onMarkRead(client *Client, raw json.RawMessage) error {
	s := g.sessions.Get(client.ID())
	if s == nil || !s.Role.IsAgent() {
		return unauthorized("agents only")
	}

	var p markReadPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return badRequest("invalid payload")
	}
	key := p.ConversationKey
	if key == "" {
		key = s.Monitoring
	}
	if !validConversationKey(key) {
		return badRequest("invalid conversation_key")
	}
	if len(p.IDs) == 0 {
		return badRequest("ids are required")
	}

	changed := g.cache.MarkRead(key, p.IDs, s.AgentID)
	if len(changed) == 0 {
		return nil
	}

	g.rooms.Publish([]string{rooms.Conversation(key), rooms.Broadcast, rooms.Admin, rooms.SuperAdmin},
		EventReadReceiptUpdate,
		readReceiptPayload{ConversationKey: key, IDs: changed, ReaderID: s.AgentID})
	return nil
}

func (g *Gateway) onDeleteMessage(client *Client, raw json.RawMessage) error {
	s := g.sessions.Get(client.ID())
	if s == nil || !s.Role.IsAgent() {
		return unauthorized("agents only")
	}

	var p deleteMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return badRequest("invalid payload")
	}
	key := p.ConversationKey
	if key == "" {
		key = s.Monitoring
	}
	if !validConversationKey(key) {
		return badRequest("invalid conversation_key")
	}
	if !cache.ValidID(p.ID) {
		return badRequest("no such message")
	}

	msg := g.cache.Find(key, p.ID)
	if msg == nil {
		return badRequest("no such message")
	}
	if !session.CanDeleteMessage(s, msg.SenderID, p.ForAll) {
		return unauthorized("cannot delete this message")
	}

	if !g.cache.Delete(key, p.ID) {
		return badRequest("no such message")
	}
	metrics.MessagesDeleted.Inc()
	g.trail.Record("message_deleted", key+"/"+p.ID)
	g.rooms.Publish([]string{rooms.Conversation(key), rooms.Admin, rooms.SuperAdmin}, EventMessageDeleted,
		messageDeletedPayload{ConversationKey: key, ID: p.ID})
	return nil
}

func (g *Gateway) onToggleMute(ctx context.Context, client *Client, raw json.RawMessage) error {
	s := g.sessions.Get(client.ID())
	if s == nil || !s.Role.CanModerate() {
		return unauthorized("admin required")
	}

	var p toggleMutePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return badRequest("invalid payload")
	}
	if p.AgentID == "" {
		return badRequest("agent_id is required")
	}

	muted, err := g.dir.ToggleMute(ctx, p.AgentID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return badRequest("no such agent")
		}
		g.log.Error().Err(err).Str("agent", p.AgentID).Msg("mute toggle failed")
		return internalErr("mute toggle failed")
	}

	if status, err := g.agentStatus(ctx, p.AgentID); err == nil {
		status.Muted = muted
		g.rooms.Publish([]string{rooms.Admin, rooms.SuperAdmin}, EventAgentStatus, status)
	}
	return nil
}

// ---- conversation events ----

func (g *Gateway) onArchive(client *Client, raw json.RawMessage) error {
	s := g.sessions.Get(client.ID())
	if s == nil || !s.Role.CanModerate() {
		return unauthorized("admin required")
	}

	var p archivePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return badRequest("invalid payload")
	}
	if !validConversationKey(p.ConversationKey) {
		return badRequest("invalid conversation_key")
	}

	g.cache.Archive(p.ConversationKey, p.Archived)
	g.trail.Record("conversation_archived", p.ConversationKey)
	g.rooms.Publish([]string{rooms.Admin, rooms.SuperAdmin}, EventConversationArchived,
		archivePayload{ConversationKey: p.ConversationKey, Archived: p.Archived})
	return nil
}

func (g *Gateway) onDeleteConversation(client *Client, raw json.RawMessage) error {
	s := g.sessions.Get(client.ID())
	if s == nil || !s.Role.CanModerate() {
		return unauthorized("admin required")
	}

	var p conversationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return badRequest("invalid payload")
	}
	if !validConversationKey(p.ConversationKey) {
		return badRequest("invalid conversation_key")
	}

	g.cache.PurgeConversation(p.ConversationKey)
	g.trail.Record("conversation_deleted", p.ConversationKey)
	g.rooms.Publish([]string{rooms.Conversation(p.ConversationKey), rooms.Admin, rooms.SuperAdmin},
		EventConversationDeleted, conversationPayload{ConversationKey: p.ConversationKey})
	return nil
}

func (g *Gateway) onGetMessages(ctx context.Context, client *Client, raw json.RawMessage) error {
	s := g.sessions.Get(client.ID())
	if s == nil || s.Role == session.Anonymous {
		return unauthorized("register or login first")
	}

	var p getMessagesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return badRequest("invalid payload")
	}

	key := p.ConversationKey
	if s.Role == session.User {
		// Users read their own conversation only.
		key = s.ConversationKey
	} else if key == "" {
		key = s.Monitoring
	}
	if !validConversationKey(key) {
		return badRequest("invalid conversation_key")
	}

	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistory
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	client.Deliver(EventMessageHistory, historyPayload{
		ConversationKey: key,
		Messages:        g.cache.Read(ctx, key, limit),
	})
	return nil
}

// ---- validation helpers ----

func validateBody(msg *models.Message) error {
	if msg.Body == "" && msg.Attachment == nil {
		return badRequest("message needs a body or an attachment")
	}
	if len([]rune(msg.Body)) > maxBodyChars {
		return badRequest("message body too long")
	}
	return nil
}

func attach(msg *models.Message, url, mime string) error {
	if url == "" {
		if mime != "" {
			return badRequest("attachment_mime without attachment_url")
		}
		return nil
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return badRequest("attachment_url must be http(s)")
	}
	msg.Attachment = &models.Attachment{URL: url, MimeType: mime}
	return nil
}

func agentSessionRole(stored string) session.Role {
	switch stored {
	case models.AgentRoleSuperAdmin:
		return session.SuperAdmin
	case models.AgentRoleAdmin:
		return session.Admin
	default:
		return session.Agent
	}
}

// ---- error taxonomy ----

type gatewayError struct {
	code string
	msg  string
}

func (e *gatewayError) Error() string { return e.msg }

func badRequest(msg string) error   { return &gatewayError{code: "bad_request", msg: msg} }
func unauthorized(msg string) error { return &gatewayError{code: "unauthorized", msg: msg} }
func internalErr(msg string) error  { return &gatewayError{code: "internal", msg: msg} }

func errCode(err error) string {
	var ge *gatewayError
	if errors.As(err, &ge) {
		return ge.code
	}
	return "internal"
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) (Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errBadJSON
	}
	return env, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame outbound, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var errBadJSON = errors.New("bad json frame")

func isBadJSON(err error) bool {
	return errors.Is(err, errBadJSON)
}

func closeStatus(err error) websocket.StatusCode {
	if websocket.CloseStatus(err) != -1 ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return websocket.StatusNormalClosure
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return websocket.StatusAbnormalClosure
	}
	return websocket.StatusAbnormalClosure
}
