package relay

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultBuffer is the outbound frame queue length of a connection.
const DefaultBuffer = 256

// Client is the server-side handle of one transport connection. Frames queued
// for it are drained by the transport's write loop from Outbound.
type Client struct {
	id   string
	send chan []byte

	mu     sync.Mutex
	closed bool

	// guarded by Hub.mu
	userID    string
	publicKey string
}

// NewClient returns a connection handle with an outbound queue of buffer
// frames.
func NewClient(buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Client{
		id:   uuid.NewString(),
		send: make(chan []byte, buffer),
	}
}

// ID identifies the connection in logs.
func (c *Client) ID() string { return c.id }

// Outbound yields frames to write. It is closed when the hub drops the
// connection.
func (c *Client) Outbound() <-chan []byte { return c.send }

type enqueueResult int

const (
	queued enqueueResult = iota
	// alreadyClosed means the connection was dropped earlier, typically by a
	// disconnect racing the delivery.
	alreadyClosed
	// evicted means the queue was full and the connection has just been closed.
	evicted
)

// enqueue queues a frame without blocking. A full queue means the peer is not
// keeping up; the connection is closed so it reconnects with fresh state.
func (c *Client) enqueue(frame []byte) enqueueResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return alreadyClosed
	}
	select {
	case c.send <- frame:
		return queued
	default:
		c.closed = true
		close(c.send)
		return evicted
	}
}

// Close stops further delivery and closes Outbound. It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
