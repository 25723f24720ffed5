package gateway

import (
	"sync"
)

// outbound is a queued frame. The payload is marshalled by the writer
// goroutine, never on the broadcast path.
type outbound struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Client is one connected socket. It satisfies rooms.Handle so the router
// can fan events out to it.
//
// The send channel is never closed by the server; broadcasters hold no lock
// while enqueueing and closing it would race them. done signals the
// connection's goroutines to stop instead.
type Client struct {
	connID string
	send   chan outbound

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(connID string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}
	return &Client{
		connID: connID,
		send:   make(chan outbound, queueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.connID }

// Deliver enqueues a frame without blocking. A full queue drops the frame;
// a consumer that slow is already past saving and the read loop's idle
// timeout will reap it.
func (c *Client) Deliver(event string, payload any) {
	select {
	case <-c.done:
	case c.send <- outbound{Event: event, Payload: payload}:
	default:
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close signals shutdown. Idempotent, and it does not close send.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
