package signaling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rendezvous/internal/util"
)

const inboxSize = 64

// ErrClientClosed is returned by Send after the client was closed.
var ErrClientClosed = errors.New("relay client closed")

// Client is one party's connection to the relay. It owns the WebSocket:
// writes go through a mutex-guarded sender, reads through a single receiver
// goroutine that exposes messages on Messages().
type Client struct {
	conn   *websocket.Conn
	sender *sender

	inbox chan Message

	assignOnce sync.Once
	assigned   chan struct{}
	identity   string

	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to the relay at url. When idleTimeout > 0 the connection is
// considered lost if the relay sends nothing (not even a ping) for that long.
func Dial(ctx context.Context, url string, idleTimeout time.Duration) (*Client, error) {
	conn, err := connect(ctx, url)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:     conn,
		sender:   &sender{conn: conn},
		inbox:    make(chan Message, inboxSize),
		assigned: make(chan struct{}),
		done:     make(chan struct{}),
	}

	keepAlive(conn, idleTimeout)

	r := &receiver{
		conn:     conn,
		inbox:    c.inbox,
		assigned: c.assign,
		done:     c.done,
	}
	go func() {
		err := r.watch()
		if c.closing.Load() {
			err = nil
		}
		c.shutdown(err)
	}()

	util.LogDebug("relay connected: %s", url)
	return c, nil
}

// assign records the first identity the relay hands out.
func (c *Client) assign(identity string) {
	c.assignOnce.Do(func() {
		c.identity = identity
		close(c.assigned)
	})
}

// Identity blocks until the relay assigned an identity to this connection.
func (c *Client) Identity(ctx context.Context) (string, error) {
	select {
	case <-c.assigned:
		return c.identity, nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return "", err
		}
		return "", ErrClientClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send writes msg to the relay. The relay fills in the sender's identity.
func (c *Client) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	return c.sender.send(msg)
}

// Messages returns every non-assign message received from the relay, in order.
func (c *Client) Messages() <-chan Message {
	return c.inbox
}

// Done is closed when the relay connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil after a local Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close disconnects from the relay. It is safe to call more than once.
func (c *Client) Close() error {
	c.closing.Store(true)
	c.sender.close()
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}
