package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/rendezvous/internal/signaling"
)

// ---------------------------------------------------------------------------
// Fake transport network
// ---------------------------------------------------------------------------

// fakeNet hands out transports whose descriptions carry the transport id, so
// applying a remote description links two transports and data sent on one
// channel arrives on the other.
type fakeNet struct {
	mu         sync.Mutex
	next       int
	transports map[string]*fakeTransport
}

func newFakeNet() *fakeNet {
	return &fakeNet{transports: make(map[string]*fakeTransport)}
}

func (n *fakeNet) newTransport(ctx context.Context) (Transport, error) {
	return n.add(), nil
}

func (n *fakeNet) add() *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	t := &fakeTransport{
		id:     fmt.Sprintf("t%d", n.next),
		net:    n,
		events: make(chan TransportEvent, 64),
	}
	n.transports[t.id] = t
	return t
}

func (n *fakeNet) lookup(id string) *fakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transports[id]
}

type fakeTransport struct {
	id  string
	net *fakeNet

	mu         sync.Mutex
	local      string
	remote     string
	candidates []string
	live       bool
	closed     bool

	remoteErr     error
	gatherOnApply []string
	gate          chan struct{} // when set, CreateLocalDescription waits on it

	events chan TransportEvent
}

func (t *fakeTransport) CreateLocalDescription(ctx context.Context, role Role) (string, error) {
	if t.gate != nil {
		<-t.gate
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if role == RoleResponder && t.remote == "" {
		return "", fmt.Errorf("%w: answer without offer", ErrIncompatibleDescription)
	}
	return fmt.Sprintf("%s-sdp:%s", role, t.id), nil
}

func (t *fakeTransport) ApplyLocalDescription(ctx context.Context, blob string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = blob
	for _, c := range t.gatherOnApply {
		t.events <- TransportEvent{Kind: TransportCandidate, Candidate: c}
	}
	t.maybeLiveLocked()
	return nil
}

func (t *fakeTransport) ApplyRemoteDescription(ctx context.Context, blob string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteErr != nil {
		return t.remoteErr
	}
	t.remote = blob
	t.maybeLiveLocked()
	return nil
}

func (t *fakeTransport) AddCandidate(ctx context.Context, blob string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == "" {
		return ErrInvalidCandidateState
	}
	t.candidates = append(t.candidates, blob)
	return nil
}

func (t *fakeTransport) Events() <-chan TransportEvent { return t.events }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) maybeLiveLocked() {
	if t.live || t.local == "" || t.remote == "" {
		return
	}
	t.live = true
	t.events <- TransportEvent{Kind: TransportPath, Path: PathLive, Channel: &fakeChannel{t: t}}
}

func (t *fakeTransport) applied() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.candidates...)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeChannel delivers data to the transport named in the remote description.
type fakeChannel struct{ t *fakeTransport }

func (c *fakeChannel) Send(data []byte) error {
	c.t.mu.Lock()
	remote := c.t.remote
	c.t.mu.Unlock()

	peer := c.t.net.lookup(remote[strings.LastIndex(remote, ":")+1:])
	if peer == nil {
		return errors.New("no such peer")
	}
	peer.events <- TransportEvent{Kind: TransportData, Data: data}
	return nil
}

func (c *fakeChannel) Close() error { return c.t.Close() }

// ---------------------------------------------------------------------------
// Fake signaling
// ---------------------------------------------------------------------------

// recorder is a Signaler that keeps every sent message.
type recorder struct {
	mu   sync.Mutex
	msgs []signaling.Message
	err  error
}

func (r *recorder) Send(msg signaling.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) sent() []signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]signaling.Message(nil), r.msgs...)
}

// switchboard is an in-memory relay: it stamps the sender and forwards to
// the addressed party, or answers target_not_found.
type switchboard struct {
	mu    sync.Mutex
	parts map[string]*memoryRelay
}

func newSwitchboard() *switchboard {
	return &switchboard{parts: make(map[string]*memoryRelay)}
}

func (b *switchboard) join(id string) *memoryRelay {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := &memoryRelay{
		id:    id,
		board: b,
		inbox: make(chan signaling.Message, 256),
		done:  make(chan struct{}),
	}
	b.parts[id] = r
	return r
}

func (b *switchboard) leave(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.parts, id)
}

type memoryRelay struct {
	id    string
	board *switchboard
	inbox chan signaling.Message

	closeOnce sync.Once
	done      chan struct{}
}

var _ Relay = (*memoryRelay)(nil)

func (r *memoryRelay) Send(msg signaling.Message) error {
	select {
	case <-r.done:
		return errors.New("relay closed")
	default:
	}

	msg.From = r.id
	r.board.mu.Lock()
	target, ok := r.board.parts[msg.To]
	r.board.mu.Unlock()

	if !ok {
		r.inbox <- signaling.Failure(signaling.CodeTargetNotFound, msg.To, "target user not found")
		return nil
	}
	target.inbox <- msg
	return nil
}

func (r *memoryRelay) Messages() <-chan signaling.Message { return r.inbox }
func (r *memoryRelay) Done() <-chan struct{}              { return r.done }
func (r *memoryRelay) Err() error                         { return errors.New("relay went away") }

func (r *memoryRelay) drop() {
	r.closeOnce.Do(func() {
		r.board.leave(r.id)
		close(r.done)
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testOptions() Options {
	opts := DefaultOptions()
	opts.Timeout = 5 * time.Second
	return opts
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%s to reach %s", s.Remote(), want), func() bool {
		return s.State() == want
	})
}
