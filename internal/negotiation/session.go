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

// Options tunes sessions.
type Options struct {
	CandidateLimit int           // remote candidates buffered before the remote description is applied
	Timeout        time.Duration // a session not Connected by then fails; <= 0 disables
	EventBuffer    int           // undelivered events kept per stream before the oldest is dropped
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		CandidateLimit: DefaultCandidateLimit,
		Timeout:        30 * time.Second,
		EventBuffer:    256,
	}
}

// Session is one negotiation attempt with one remote party.
//
// All state lives behind mu. Transport calls run outside the lock; the busy
// flag rejects a second description operation while one is in flight, and
// every completion re-checks the state so that work finishing after Close or
// a failure is discarded.
type Session struct {
	remote    string
	signaler  Signaler
	transport Transport
	opts      Options
	observer  func(*Session, Event)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu            sync.Mutex
	state         State
	role          Role
	busy          bool
	localDesc     string
	remoteDesc    string
	remoteApplied bool
	acceptDirect  bool // buffered candidates drained; new ones are applied at once
	announced     bool // local description sent; local candidates may follow
	heldLocal     []string
	pending       *CandidateBuffer
	pathLive      bool
	channel       Channel
	failure       error
	timer         *time.Timer

	events     *util.Queue[Event]
	eventsOnce sync.Once
	eventsCh   <-chan Event
}

// NewSession creates an Idle session with remote over transport. The
// session owns transport and closes it when it ends.
func NewSession(remote string, signaler Signaler, transport Transport, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return newSession(ctx, cancel, remote, signaler, transport, opts, nil)
}

func newSession(ctx context.Context, cancel context.CancelFunc, remote string, signaler Signaler,
	transport Transport, opts Options, observer func(*Session, Event)) *Session {
	s := &Session{
		remote:    remote,
		signaler:  signaler,
		transport: transport,
		opts:      opts,
		observer:  observer,
		ctx:       ctx,
		cancel:    cancel,
		pending:   NewCandidateBuffer(opts.CandidateLimit),
		events:    util.NewQueue[Event](opts.EventBuffer),
	}

	if opts.Timeout > 0 {
		s.mu.Lock()
		s.timer = time.AfterFunc(opts.Timeout, s.expire)
		s.mu.Unlock()
	}

	go s.watch()
	return s
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (s *Session) Remote() string { return s.remote }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) LocalDescription() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDesc
}

func (s *Session) RemoteDescription() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteDesc
}

// PendingCandidates returns how many remote candidates are still buffered.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Events returns the session's ordered event stream. It is closed after the
// Closed event; the consumer must keep reading until then.
func (s *Session) Events() <-chan Event {
	s.eventsOnce.Do(func() {
		s.eventsCh = util.Pump(s.events)
	})
	return s.eventsCh
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// Initiate creates and sends an offer. Only valid from Idle.
func (s *Session) Initiate(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state.ended():
		s.mu.Unlock()
		return ErrSessionClosed
	case s.busy:
		s.mu.Unlock()
		return ErrNegotiationBusy
	case s.state != StateIdle || s.role != RoleNone:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: initiate in %s", ErrInvalidState, st)
	}
	s.busy = true
	s.role = RoleInitiator
	s.mu.Unlock()

	offer, err := s.transport.CreateLocalDescription(ctx, RoleInitiator)
	if err != nil {
		return s.abort(err)
	}

	if err := s.advance(func() {
		s.localDesc = offer
		s.setStateLocked(StateLocalOfferCreated)
	}); err != nil {
		return err
	}

	if err := s.transport.ApplyLocalDescription(ctx, offer); err != nil {
		return s.abort(err)
	}

	// Entered before sending: a fast answer must find the session AwaitingAnswer.
	if err := s.advance(func() {
		s.setStateLocked(StateAwaitingAnswer)
	}); err != nil {
		return err
	}

	if err := s.signaler.Send(signaling.Offer(s.remote, offer)); err != nil {
		return s.abort(fmt.Errorf("%w: send offer: %v", ErrConnectionLost, err))
	}

	return s.advance(func() {
		s.busy = false
		s.announceLocked()
	})
}

// ReceiveOffer answers an offer from the remote party. Only valid from Idle;
// otherwise ErrUnexpectedOffer is returned and the session is left untouched.
func (s *Session) ReceiveOffer(ctx context.Context, msg signaling.Message) error {
	s.mu.Lock()
	switch {
	case s.state.ended():
		s.mu.Unlock()
		return ErrSessionClosed
	case s.state != StateIdle || s.role != RoleNone || s.busy:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrUnexpectedOffer, st)
	}
	s.busy = true
	s.role = RoleResponder
	s.remoteDesc = msg.SDP
	s.setStateLocked(StateRemoteOfferReceived)
	s.mu.Unlock()

	if err := s.transport.ApplyRemoteDescription(ctx, msg.SDP); err != nil {
		return s.abort(err)
	}
	if err := s.advance(func() { s.remoteApplied = true }); err != nil {
		return err
	}

	answer, err := s.transport.CreateLocalDescription(ctx, RoleResponder)
	if err != nil {
		return s.abort(err)
	}
	if err := s.transport.ApplyLocalDescription(ctx, answer); err != nil {
		return s.abort(err)
	}
	if err := s.advance(func() { s.localDesc = answer }); err != nil {
		return err
	}

	if err := s.signaler.Send(signaling.Answer(s.remote, answer)); err != nil {
		return s.abort(fmt.Errorf("%w: send answer: %v", ErrConnectionLost, err))
	}

	if err := s.advance(func() {
		s.busy = false
		s.setStateLocked(StateLocalAnswerCreated)
		s.announceLocked()
		s.maybeConnectLocked()
	}); err != nil {
		return err
	}

	return s.drain(ctx)
}

// ReceiveAnswer applies the remote answer. Only valid from AwaitingAnswer
// before any remote description; otherwise ErrUnexpectedAnswer is returned
// and the session is left untouched.
func (s *Session) ReceiveAnswer(ctx context.Context, msg signaling.Message) error {
	s.mu.Lock()
	switch {
	case s.state.ended():
		s.mu.Unlock()
		return ErrSessionClosed
	case s.state != StateAwaitingAnswer || s.remoteDesc != "":
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrUnexpectedAnswer, st)
	}
	s.remoteDesc = msg.SDP
	s.mu.Unlock()

	if err := s.transport.ApplyRemoteDescription(ctx, msg.SDP); err != nil {
		return s.abort(err)
	}

	if err := s.advance(func() {
		s.remoteApplied = true
		s.maybeConnectLocked()
	}); err != nil {
		return err
	}

	return s.drain(ctx)
}

// ReceiveCandidate applies a remote candidate, or buffers it while the remote
// description is not applied yet.
func (s *Session) ReceiveCandidate(ctx context.Context, msg signaling.Message) error {
	s.mu.Lock()
	if s.state.ended() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.acceptDirect {
		if err := s.pending.Push(msg.Candidate); err != nil {
			s.failLocked(err)
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.transport.AddCandidate(ctx, msg.Candidate); err != nil {
		return s.abort(err)
	}
	return nil
}

// drain applies buffered candidates in arrival order. Candidates arriving
// meanwhile are buffered behind them; only an empty buffer opens the direct
// path.
func (s *Session) drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state.ended() {
			s.mu.Unlock()
			return ErrSessionClosed
		}
		batch := s.pending.Drain()
		if len(batch) == 0 {
			s.acceptDirect = true
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		for _, c := range batch {
			if err := s.transport.AddCandidate(ctx, c); err != nil {
				return s.abort(err)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send writes data to the remote party. Only valid while Connected.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	if s.state != StateConnected || s.channel == nil {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: send in %s", ErrInvalidState, st)
	}
	ch := s.channel
	s.mu.Unlock()

	return ch.Send(data)
}

// ---------------------------------------------------------------------------
// Termination
// ---------------------------------------------------------------------------

// ConnectionLost fails the session unless it already ended. It is never
// retried.
func (s *Session) ConnectionLost(cause error) {
	err := cause
	switch {
	case cause == nil:
		err = ErrConnectionLost
	case !errors.Is(cause, ErrConnectionLost):
		err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.ended() {
		s.failLocked(err)
	}
}

// Close ends the session from any state. It is idempotent and does not wait
// for in-flight negotiation steps, whose results are discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.stopTimerLocked()
	s.pending.Reset()
	s.heldLocal = nil
	s.localDesc = ""
	s.remoteDesc = ""
	s.channel = nil
	s.busy = false
	s.setStateLocked(StateClosed)
	s.events.Close()
	s.mu.Unlock()

	s.cancel()
	s.closeTransport()
	return nil
}

func (s *Session) closeTransport() {
	s.closeOnce.Do(func() {
		if err := s.transport.Close(); err != nil {
			util.LogDebug("closing transport for %s: %v", s.remote, err)
		}
	})
}

func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected || s.state.ended() {
		return
	}
	s.failLocked(fmt.Errorf("%w after %s", ErrNegotiationTimeout, s.opts.Timeout))
}

// ---------------------------------------------------------------------------
// Internals (callers hold mu where the name says Locked)
// ---------------------------------------------------------------------------

// advance re-acquires the lock after a transport call and runs fn unless the
// session ended meanwhile.
func (s *Session) advance(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.ended() {
		s.busy = false
		return ErrSessionClosed
	}
	fn()
	return nil
}

// abort fails the session with err unless it already ended.
func (s *Session) abort(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.ended() {
		s.busy = false
		return ErrSessionClosed
	}
	s.failLocked(err)
	return err
}

func (s *Session) failLocked(err error) {
	s.busy = false
	s.stopTimerLocked()
	s.pending.Reset()
	s.heldLocal = nil
	s.channel = nil
	s.failure = err

	s.state = StateFailed
	util.LogWarning("negotiation with %s failed: %v", s.remote, err)
	s.emitLocked(Event{Kind: EventState, State: StateFailed, Err: err, Reason: reason(err)})

	s.cancel()
	go s.closeTransport()
}

func (s *Session) setStateLocked(st State) {
	s.state = st
	util.LogDebug("session %s: %s", s.remote, st)
	s.emitLocked(Event{Kind: EventState, State: st})
}

func (s *Session) emitLocked(ev Event) {
	ev.Remote = s.remote
	s.events.Push(ev)
	if s.observer != nil {
		s.observer(s, ev)
	}
}

func (s *Session) maybeConnectLocked() {
	if !s.pathLive || !s.remoteApplied || s.localDesc == "" {
		return
	}
	if s.state != StateAwaitingAnswer && s.state != StateLocalAnswerCreated {
		return
	}
	s.stopTimerLocked()
	s.setStateLocked(StateConnected)
}

// announceLocked marks the local description as sent and flushes the local
// candidates gathered before it.
func (s *Session) announceLocked() {
	s.announced = true
	held := s.heldLocal
	s.heldLocal = nil
	for _, c := range held {
		s.sendCandidateLocked(c)
	}
}

func (s *Session) sendCandidateLocked(c string) {
	if err := s.signaler.Send(signaling.Candidate(s.remote, c)); err != nil {
		util.LogWarning("failed to send candidate to %s: %v", s.remote, err)
	}
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// ---------------------------------------------------------------------------
// Transport events
// ---------------------------------------------------------------------------

// watch consumes transport events until the session ends.
func (s *Session) watch() {
	events := s.transport.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleTransportEvent(ev)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleTransportEvent(ev TransportEvent) {
	switch ev.Kind {
	case TransportCandidate:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state.ended() {
			return
		}
		if !s.announced {
			s.heldLocal = append(s.heldLocal, ev.Candidate)
			return
		}
		s.sendCandidateLocked(ev.Candidate)

	case TransportData:
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.state.ended() {
			s.emitLocked(Event{Kind: EventMessage, Data: ev.Data})
		}

	case TransportPath:
		switch ev.Path {
		case PathConnecting:
			util.LogDebug("session %s: direct path connecting", s.remote)
		case PathLive:
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.state.ended() {
				return
			}
			s.pathLive = true
			s.channel = ev.Channel
			s.maybeConnectLocked()
		case PathLost:
			s.ConnectionLost(ev.Err)
		}
	}
}
