package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/rendezvous/internal/signaling"
	"github.com/1ureka/rendezvous/internal/util"
)

// endedLinger is how long candidates from a remote whose session just ended
// are dropped instead of opening a new session.
const endedLinger = 10 * time.Second

// Peer owns every session of one party, keyed by remote identity, and
// dispatches relay traffic to them. Failed and Closed sessions are removed
// from the table as soon as they end, and a Failed session is then closed;
// a Connected session stays until Close.
type Peer struct {
	relay        Relay
	newTransport TransportFactory
	opts         Options

	mu       sync.Mutex
	sessions map[string]*Session
	ended    map[string]time.Time
	closed   bool

	events *util.Queue[Event]
	out    <-chan Event
}

// NewPeer creates a peer that signals through relay and creates one
// transport per session with newTransport.
func NewPeer(relay Relay, newTransport TransportFactory, opts Options) *Peer {
	p := &Peer{
		relay:        relay,
		newTransport: newTransport,
		opts:         opts,
		sessions:     make(map[string]*Session),
		ended:        make(map[string]time.Time),
		events:       util.NewQueue[Event](opts.EventBuffer),
	}
	p.out = util.Pump(p.events)
	return p
}

// Events returns the ordered events of every session plus peer-level
// events. It is closed after Close; the consumer must keep reading until then.
func (p *Peer) Events() <-chan Event {
	return p.out
}

// Session returns the live session with remote, if any.
func (p *Peer) Session(remote string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[remote]
	return s, ok
}

// Sessions returns the number of live sessions.
func (p *Peer) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Initiate starts a negotiation with target. An Idle session created by an
// early candidate from target is reused.
func (p *Peer) Initiate(ctx context.Context, target string) (*Session, error) {
	p.forget(target)
	s, err := p.session(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := s.Initiate(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Send writes data to the Connected session with remote.
func (p *Peer) Send(remote string, data []byte) error {
	s, ok := p.Session(remote)
	if !ok {
		return fmt.Errorf("%w: no session with %s", ErrInvalidState, remote)
	}
	return s.Send(data)
}

// Handle dispatches one relay message. Protocol errors are reported as
// EventError and returned; they never fail a session.
func (p *Peer) Handle(ctx context.Context, msg signaling.Message) error {
	switch msg.Kind {
	case signaling.KindOffer:
		p.forget(msg.From)
		s, err := p.session(ctx, msg.From)
		if err != nil {
			return err
		}
		err = s.ReceiveOffer(ctx, msg)
		if errors.Is(err, ErrUnexpectedOffer) {
			p.protocolError(msg.From, err)
		}
		return err

	case signaling.KindAnswer:
		s, ok := p.Session(msg.From)
		if !ok {
			err := fmt.Errorf("%w: no session with %s", ErrUnexpectedAnswer, msg.From)
			p.protocolError(msg.From, err)
			return err
		}
		err := s.ReceiveAnswer(ctx, msg)
		if errors.Is(err, ErrUnexpectedAnswer) {
			p.protocolError(msg.From, err)
		}
		return err

	case signaling.KindCandidate:
		s, ok := p.Session(msg.From)
		if !ok {
			if p.recentlyEnded(msg.From) {
				util.LogDebug("dropping candidate from %s: session already ended", msg.From)
				return nil
			}
			var err error
			if s, err = p.session(ctx, msg.From); err != nil {
				return err
			}
		}
		return s.ReceiveCandidate(ctx, msg)

	case signaling.KindError:
		err := relayError(msg)
		p.protocolError(msg.To, err)
		return err

	case signaling.KindConnectedList:
		p.events.Push(Event{Kind: EventPeers, Names: msg.Names})
		return nil

	default:
		return nil
	}
}

// Run dispatches relay messages until ctx is cancelled or the relay is lost.
// On relay loss every session still negotiating fails; Connected sessions
// keep their direct path.
func (p *Peer) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-p.relay.Messages():
			if err := p.Handle(ctx, msg); err != nil {
				util.LogDebug("handling %s from %s: %v", msg.Kind, msg.From, err)
			}

		case <-p.relay.Done():
			err := p.relay.Err()
			if err == nil {
				err = errors.New("relay closed")
			}
			p.RelayLost(err)
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RelayLost fails every session that is not Connected.
func (p *Peer) RelayLost(cause error) {
	for _, s := range p.snapshot() {
		if s.State() != StateConnected {
			s.ConnectionLost(fmt.Errorf("%w: relay: %v", ErrConnectionLost, cause))
		}
	}
}

// Close closes every session and ends the event stream. It is idempotent.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	p.events.Close()
	return nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// session returns the live session with remote, creating an Idle one.
func (p *Peer) session(ctx context.Context, remote string) (*Session, error) {
	if remote == "" {
		return nil, fmt.Errorf("%w: empty remote identity", ErrInvalidState)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s, ok := p.sessions[remote]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	sctx, cancel := context.WithCancel(context.Background())
	tr, err := p.newTransport(sctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create transport for %s: %w", remote, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[remote]; ok {
		cancel()
		tr.Close()
		return s, nil
	}
	if p.closed {
		cancel()
		tr.Close()
		return nil, ErrSessionClosed
	}

	s := newSession(sctx, cancel, remote, p.relay, tr, p.opts, p.observe)
	p.sessions[remote] = s
	util.LogDebug("new session with %s", remote)
	return s, nil
}

// observe forwards session events and reclaims ended sessions. It runs under
// the session's lock and must not call back into the session synchronously.
func (p *Peer) observe(s *Session, ev Event) {
	p.events.Push(ev)

	if ev.Kind != EventState || !ev.State.ended() {
		return
	}

	now := time.Now()
	p.mu.Lock()
	if p.sessions[s.remote] == s {
		delete(p.sessions, s.remote)
		p.ended[s.remote] = now
	}
	for remote, at := range p.ended {
		if now.Sub(at) > endedLinger {
			delete(p.ended, remote)
		}
	}
	p.mu.Unlock()

	if ev.State == StateFailed {
		go s.Close()
	}
}

// recentlyEnded reports whether the session with remote ended within
// endedLinger.
func (p *Peer) recentlyEnded(remote string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.ended[remote]
	return ok && time.Since(at) <= endedLinger
}

// forget clears the ended mark of remote once a new negotiation starts.
func (p *Peer) forget(remote string) {
	p.mu.Lock()
	delete(p.ended, remote)
	p.mu.Unlock()
}

func (p *Peer) protocolError(remote string, err error) {
	util.LogWarning("protocol error with %s: %v", remote, err)
	p.events.Push(Event{Remote: remote, Kind: EventError, Err: err, Reason: err.Error()})
}

func (p *Peer) snapshot() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// relayError converts a relay error message into an error value.
func relayError(msg signaling.Message) error {
	switch msg.Code {
	case signaling.CodeTargetNotFound:
		return fmt.Errorf("%w: %s", ErrTargetNotFound, msg.To)
	case signaling.CodeParseError:
		return fmt.Errorf("%w: %s", signaling.ErrMalformedMessage, msg.Text)
	default:
		return fmt.Errorf("relay error %s: %s", msg.Code, msg.Text)
	}
}
