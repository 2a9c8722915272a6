package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/1ureka/rendezvous/internal/util"
)

// Options tunes per-connection limits and timers.
type Options struct {
	MaxMessageBytes int64         // inbound frame size limit
	OutboxSize      int           // queued messages per connection before drop-oldest
	PingInterval    time.Duration // keepalive ping period
	PongTimeout     time.Duration // grace after a missed ping before the connection is dropped
	WriteTimeout    time.Duration // deadline for a single frame write
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		MaxMessageBytes: 64 * 1024,
		OutboxSize:      1024,
		PingInterval:    30 * time.Second,
		PongTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// Server exposes a Router over WebSocket:
//
//	GET /ws                  upgrade to a signaling connection
//	GET /ws/connected_list   JSON array of connected identities
type Server struct {
	router   *Router
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server routing through router.
func NewServer(router *Router, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		router: router,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP handler serving both endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/ws/connected_list", s.handleConnectedList)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down and
// closes every open signaling connection.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	util.LogInfo("relay listening on %s", listener.Addr())

	select {
	case err := <-errCh:
		s.Close()
		return err

	case <-ctx.Done():
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Close terminates every open signaling connection.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(ws, s.router, s.opts)
	err = c.serve(s.ctx)
	if err != nil && !isExpectedClose(err) {
		util.LogWarning("connection %s ended: %v", c.id, err)
	}
}

func (s *Server) handleConnectedList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := json.Marshal(s.router.Identities())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// isExpectedClose reports whether err is an ordinary end of a connection.
func isExpectedClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return websocket.IsCloseError(ce, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
	}
	return errors.Is(err, net.ErrClosed)
}
