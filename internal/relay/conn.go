package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/rendezvous/internal/signaling"
	"github.com/1ureka/rendezvous/internal/util"
)

// conn is one party's WebSocket connection. A single reader goroutine feeds
// the router; a single writer goroutine drains the outbox, so a slow party
// only ever loses its own oldest queued messages.
type conn struct {
	ws     *websocket.Conn
	router *Router
	opts   Options

	id     string
	outbox *util.Queue[[]byte]
}

var _ Endpoint = (*conn)(nil)

func newConn(ws *websocket.Conn, router *Router, opts Options) *conn {
	return &conn{
		ws:     ws,
		router: router,
		opts:   opts,
		outbox: util.NewQueue[[]byte](opts.OutboxSize),
	}
}

// Deliver implements Endpoint. It never blocks.
func (c *conn) Deliver(msg signaling.Message) {
	if _, evicted := c.outbox.PushEvicting(signaling.Serialize(msg)); evicted {
		util.Stats.AddDropped()
		util.LogWarning("outbox full, dropped oldest queued message")
	}
}

// serve joins the router and runs the connection until either side fails or
// ctx is cancelled.
func (c *conn) serve(ctx context.Context) error {
	c.id = c.router.Join(c)
	defer c.router.Leave(c.id)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer c.outbox.Close()
		return c.readPump()
	})

	g.Go(func() error {
		err := c.writePump()
		if err != nil {
			c.ws.Close()
		}
		return err
	})

	g.Go(func() error {
		return c.pingPump(gctx)
	})

	return g.Wait()
}

// ---------------------------------------------------------------------------
// Pumps
// ---------------------------------------------------------------------------

// readPump always returns a non-nil error so the group context is cancelled
// and the other pumps wind down.
func (c *conn) readPump() error {
	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PingInterval + c.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PingInterval + c.opts.PongTimeout))
	})

	for {
		typ, raw, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read %s: %w", c.id, err)
		}
		util.Stats.AddRecv(len(raw))

		if typ != websocket.TextMessage {
			util.Stats.AddRejected()
			c.Deliver(signaling.Failure(signaling.CodeUnsupportedData, "", "binary messages are not supported"))
			continue
		}

		msg, err := signaling.Parse(raw)
		if err != nil {
			util.Stats.AddRejected()
			util.LogDebug("malformed message from %s: %v", c.id, err)
			c.Deliver(signaling.Failure(signaling.CodeParseError, "", err.Error()))
			continue
		}

		if err := c.router.Route(c.id, msg); errors.Is(err, ErrNotRoutable) {
			util.LogDebug("ignoring %s from %s", msg.Kind, c.id)
		}
	}
}

// writePump drains the outbox until it is closed and empty.
func (c *conn) writePump() error {
	for {
		data, ok := c.outbox.Pop()
		if !ok {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.opts.WriteTimeout))
			return nil
		}

		_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("write %s: %w", c.id, err)
		}
		util.Stats.AddSent(len(data))
	}
}

// pingPump keeps the connection alive and closes it once ctx is done, which
// unblocks the reader.
func (c *conn) pingPump(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.ws.Close()
			return nil
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.ws.Close()
				return fmt.Errorf("ping %s: %w", c.id, err)
			}
		}
	}
}
