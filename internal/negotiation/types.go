// Package negotiation drives the offer/answer/candidate exchange between two
// parties over the relay until a direct transport is live, and owns the
// resulting sessions.
package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/rendezvous/internal/signaling"
)

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State is the negotiation state of a Session.
type State int

const (
	StateIdle State = iota
	StateLocalOfferCreated
	StateAwaitingAnswer
	StateRemoteOfferReceived
	StateLocalAnswerCreated
	StateConnected
	StateFailed
	StateClosed
)

var stateNames = [...]string{
	StateIdle:                "Idle",
	StateLocalOfferCreated:   "LocalOfferCreated",
	StateAwaitingAnswer:      "AwaitingAnswer",
	StateRemoteOfferReceived: "RemoteOfferReceived",
	StateLocalAnswerCreated:  "LocalAnswerCreated",
	StateConnected:           "Connected",
	StateFailed:              "Failed",
	StateClosed:              "Closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ended reports whether the session accepts no further negotiation input.
func (s State) ended() bool {
	return s == StateFailed || s == StateClosed
}

// Role is which side of the offer/answer exchange a session plays.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "none"
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	// Protocol errors: the message is ignored and the session is untouched.
	ErrUnexpectedOffer  = errors.New("unexpected offer")
	ErrUnexpectedAnswer = errors.New("unexpected answer")
	ErrTargetNotFound   = errors.New("target not found")

	// Resource errors.
	ErrCandidateBufferOverflow = errors.New("candidate buffer overflow")
	ErrNegotiationBusy         = errors.New("negotiation busy")

	// Transport errors: the session fails and is never retried.
	ErrIncompatibleDescription = errors.New("incompatible session description")
	ErrInvalidCandidateState   = errors.New("candidate applied before remote description")
	ErrConnectionLost          = errors.New("connection lost")

	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrInvalidState       = errors.New("invalid state for operation")
	ErrSessionClosed      = errors.New("session closed")
)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// PathState is the direct transport's view of the connection.
type PathState int

const (
	PathConnecting PathState = iota
	PathLive
	PathLost
)

// TransportEventKind discriminates TransportEvent.
type TransportEventKind int

const (
	TransportPath      TransportEventKind = iota // Path (and Channel when Live, Err when Lost)
	TransportCandidate                           // Candidate gathered locally
	TransportData                                // Data received on the channel
)

// TransportEvent is reported by a Transport in the order it occurs.
type TransportEvent struct {
	Kind      TransportEventKind
	Path      PathState
	Channel   Channel
	Candidate string
	Data      []byte
	Err       error
}

// Channel is the live data channel handed to the caller once connected.
type Channel interface {
	Send(data []byte) error
	Close() error
}

// Transport is the direct-transport collaborator (ICE/DTLS/SCTP). Descriptions
// and candidates are opaque blobs to this package.
type Transport interface {
	CreateLocalDescription(ctx context.Context, role Role) (string, error)
	ApplyLocalDescription(ctx context.Context, blob string) error
	ApplyRemoteDescription(ctx context.Context, blob string) error
	AddCandidate(ctx context.Context, blob string) error
	Events() <-chan TransportEvent
	Close() error
}

// TransportFactory creates one Transport per session. ctx lives as long as
// the session.
type TransportFactory func(ctx context.Context) (Transport, error)

// Signaler sends messages to the relay.
type Signaler interface {
	Send(msg signaling.Message) error
}

// Relay is a Signaler that also delivers inbound relay traffic.
type Relay interface {
	Signaler
	Messages() <-chan signaling.Message
	Done() <-chan struct{}
	Err() error
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// EventKind discriminates Event.
type EventKind int

const (
	EventState   EventKind = iota // State changed; Err and Reason set when Failed
	EventMessage                  // Data received from Remote
	EventError                    // protocol error; the session is unaffected
	EventPeers                    // Names holds the relay's connected list
)

// Event is delivered on Session.Events and Peer.Events, in order and at most
// once.
type Event struct {
	Remote string
	Kind   EventKind
	State  State
	Err    error
	Reason string
	Data   []byte
	Names  []string
}

// reason renders err for display on a Failed event.
func reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNegotiationTimeout):
		return "peer did not complete negotiation in time"
	case errors.Is(err, ErrCandidateBufferOverflow):
		return "too many early network candidates from peer"
	case errors.Is(err, ErrIncompatibleDescription):
		return "peer session description was rejected"
	case errors.Is(err, ErrInvalidCandidateState):
		return "network candidate could not be applied"
	case errors.Is(err, ErrConnectionLost):
		return "connection lost"
	default:
		return err.Error()
	}
}
