package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	errClientClosed = errors.New("client closed")
	errOutboxFull   = errors.New("outbox full")
)

// Client is one subscriber connection.
type Client struct {
	ID          string
	Transport   Transport
	ConnectedAt time.Time

	writer Writer
	limit  int
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // protects queue, live and closed
	queue  []Message
	live   int // queued messages that count against limit
	closed bool
	wake   chan struct{}

	dropped atomic.Uint64
}

func newClient(id string, w Writer, transport Transport, limit int) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:          id,
		Transport:   transport,
		ConnectedAt: time.Now().UTC(),
		writer:      w,
		limit:       limit,
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
	}
}

// Done is closed when the client has been disconnected.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Dropped returns how many messages were discarded on a full outbox.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Pending returns the number of queued messages.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// enqueue appends msg to the outbox. Only bounded messages are subject to
// the limit, and only bounded messages count toward it.
func (c *Client) enqueue(msg Message, bounded bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	if bounded {
		if c.limit > 0 && c.live >= c.limit {
			c.mu.Unlock()
			c.dropped.Add(1)
			return errOutboxFull
		}
		c.live++
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// take removes and returns every queued message.
func (c *Client) take() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.queue
	c.queue = nil
	c.live = 0
	return msgs
}

func (c *Client) close() {
	c.mu.Lock()
	c.closed = true
	c.queue = nil
	c.live = 0
	c.mu.Unlock()
	c.cancel()
}
