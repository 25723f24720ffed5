// Package relay provides a Go client for the support chat relay's
// websocket protocol. It covers both sides of the wire: the user widget
// flow (register, send, history) and the agent console flow (login, join,
// mark read, moderate).
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event is one frame received from the relay.
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message mirrors the relay's message shape on the wire.
type Message struct {
	ID              string   `json:"id"`
	ConversationKey string   `json:"conversation_key"`
	SenderRole      string   `json:"sender_role"`
	SenderID        string   `json:"sender_id"`
	Body            string   `json:"body"`
	CreatedAt       int64    `json:"created_at"`
	Read            bool     `json:"read"`
	ReadBy          []string `json:"read_by,omitempty"`
	IsBroadcast     bool     `json:"is_broadcast,omitempty"`
}

// Handler receives every inbound event. It runs on the read goroutine, so
// long work should be handed off.
type Handler func(Event)

// Client is a websocket connection to the relay.
type Client struct {
	url     string
	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client for the given websocket URL, e.g.
// "wss://support.example.com/ws".
func NewClient(url string, handler Handler) *Client {
	if handler == nil {
		handler = func(Event) {}
	}
	return &Client{
		url:     url,
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Dial connects and starts the read loop. Events flow to the handler until
// the connection drops or Close is called.
func (c *Client) Dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(ctx, conn)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.Close()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		c.handler(ev)
	}
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "bye")
		}
		c.mu.Unlock()
	})
}

// Done is closed once the connection has shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

var errNotConnected = errors.New("relay: not connected")

// Send emits one event frame.
func (c *Client) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	frame, err := json.Marshal(struct {
		Event   string `json:"event"`
		Payload any    `json:"payload,omitempty"`
	}{event, payload})
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

// Register binds the connection to a conversation as an end user.
func (c *Client) Register(ctx context.Context, conversationKey string) error {
	return c.Send(ctx, "register", map[string]string{"conversation_key": conversationKey})
}

// SendUserMessage sends a message in the registered conversation.
func (c *Client) SendUserMessage(ctx context.Context, body string) error {
	return c.Send(ctx, "send_user_message", map[string]string{"body": body})
}

// Login authenticates the connection as an agent.
func (c *Client) Login(ctx context.Context, name, secret string) error {
	return c.Send(ctx, "agent_login", map[string]string{"name": name, "secret": secret})
}

// JoinConversation points an agent session at a conversation and requests
// its backlog.
func (c *Client) JoinConversation(ctx context.Context, conversationKey string) error {
	return c.Send(ctx, "join_conversation", map[string]string{"conversation_key": conversationKey})
}

// SendAgentMessage replies in the watched conversation, or in an explicit
// one when key is non-empty.
func (c *Client) SendAgentMessage(ctx context.Context, key, body string) error {
	payload := map[string]any{"body": body}
	if key != "" {
		payload["conversation_key"] = key
	}
	return c.Send(ctx, "send_agent_message", payload)
}

// MarkRead flags messages as read in the watched conversation.
func (c *Client) MarkRead(ctx context.Context, ids []string) error {
	return c.Send(ctx, "mark_read", map[string]any{"ids": ids})
}

// GetMessages requests history for a conversation.
func (c *Client) GetMessages(ctx context.Context, key string, limit int) error {
	payload := map[string]any{}
	if key != "" {
		payload["conversation_key"] = key
	}
	if limit > 0 {
		payload["limit"] = limit
	}
	return c.Send(ctx, "get_messages", payload)
}

// DecodeMessages parses a message_history payload.
func DecodeMessages(raw json.RawMessage) ([]Message, error) {
	var p struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p.Messages, nil
}

// DecodeMessage parses a new_message payload.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	var m Message
	err := json.Unmarshal(raw, &m)
	return m, err
}
