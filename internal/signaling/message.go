// Package signaling defines the relay wire protocol and the client side of
// the relay connection.
package signaling

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Kind identifies the kind of signaling message (the "type" tag on the wire).
type Kind string

const (
	KindAssign        Kind = "assign"
	KindOffer         Kind = "offer"
	KindAnswer        Kind = "answer"
	KindCandidate     Kind = "new_ice_candidate"
	KindError         Kind = "error"
	KindConnectedList Kind = "connected_list"
)

// Routable reports whether a client may address this kind to another party.
func (k Kind) Routable() bool {
	return k == KindOffer || k == KindAnswer || k == KindCandidate
}

// ErrorCode classifies an error message sent by the relay.
type ErrorCode string

const (
	CodeTargetNotFound  ErrorCode = "target_not_found"
	CodeParseError      ErrorCode = "parse_error"
	CodeUnsupportedData ErrorCode = "unsupported_data"
)

// ErrMalformedMessage is returned by Parse for any structurally invalid input.
var ErrMalformedMessage = errors.New("malformed signaling message")

// Message is the decoded form of every signaling message. Which fields are
// meaningful depends on Kind:
//
//	assign             Identity
//	offer, answer      From, To, SDP
//	new_ice_candidate  From, To, Candidate
//	error              Code, Text, To (the unreachable target, if any)
//	connected_list     Names
type Message struct {
	Kind      Kind
	From      string
	To        string
	SDP       string
	Candidate string // JSON text of an RTCIceCandidateInit
	Identity  string
	Code      ErrorCode
	Text      string
	Names     []string
}

// ---------------------------------------------------------------------------
// Wire structures
// ---------------------------------------------------------------------------

type envelope struct {
	Type Kind            `json:"type" validate:"required"`
	Data json.RawMessage `json:"data"`
}

type assignData struct {
	Name string `json:"name" validate:"required"`
}

// The sender's name is optional on input: the relay overwrites it.
type descriptionData struct {
	Name   string `json:"name"`
	Target string `json:"target" validate:"required"`
	SDP    string `json:"sdp" validate:"required"`
}

type candidateData struct {
	Name      string `json:"name"`
	Target    string `json:"target" validate:"required"`
	Candidate string `json:"candidate" validate:"required"`
}

type errorData struct {
	Kind    ErrorCode `json:"kind" validate:"required"`
	Message string    `json:"message"`
	Target  string    `json:"target,omitempty"`
}

type connectedListData struct {
	Names []string `json:"names"`
}

var validate = validator.New()

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

// Parse decodes one wire message. Every failure wraps ErrMalformedMessage.
// Parse checks structure only; it does not know whether To is connected.
func Parse(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := validate.Struct(env); err != nil {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	data := []byte(env.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}

	switch env.Type {
	case KindAssign:
		var d assignData
		if err := decode(data, &d); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindAssign, Identity: d.Name}, nil

	case KindOffer, KindAnswer:
		var d descriptionData
		if err := decode(data, &d); err != nil {
			return Message{}, err
		}
		return Message{Kind: env.Type, From: d.Name, To: d.Target, SDP: d.SDP}, nil

	case KindCandidate:
		var d candidateData
		if err := decode(data, &d); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindCandidate, From: d.Name, To: d.Target, Candidate: d.Candidate}, nil

	case KindError:
		var d errorData
		if err := decode(data, &d); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindError, Code: d.Kind, Text: d.Message, To: d.Target}, nil

	case KindConnectedList:
		var d connectedListData
		if err := decode(data, &d); err != nil {
			return Message{}, err
		}
		return Message{Kind: KindConnectedList, Names: d.Names}, nil

	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
}

// decode unmarshals the data object and validates its required fields.
func decode(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// Serialize encodes a message into its wire form.
func Serialize(msg Message) []byte {
	var data interface{}
	switch msg.Kind {
	case KindAssign:
		data = assignData{Name: msg.Identity}
	case KindOffer, KindAnswer:
		data = descriptionData{Name: msg.From, Target: msg.To, SDP: msg.SDP}
	case KindCandidate:
		data = candidateData{Name: msg.From, Target: msg.To, Candidate: msg.Candidate}
	case KindError:
		data = errorData{Kind: msg.Code, Message: msg.Text, Target: msg.To}
	case KindConnectedList:
		names := msg.Names
		if names == nil {
			names = []string{}
		}
		data = connectedListData{Names: names}
	default:
		data = struct{}{}
	}

	raw, _ := json.Marshal(struct {
		Type Kind        `json:"type"`
		Data interface{} `json:"data"`
	}{msg.Kind, data})
	return raw
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Offer builds an offer addressed to target.
func Offer(target, sdp string) Message {
	return Message{Kind: KindOffer, To: target, SDP: sdp}
}

// Answer builds an answer addressed to target.
func Answer(target, sdp string) Message {
	return Message{Kind: KindAnswer, To: target, SDP: sdp}
}

// Candidate builds a candidate message addressed to target.
func Candidate(target, candidate string) Message {
	return Message{Kind: KindCandidate, To: target, Candidate: candidate}
}

// Failure builds a relay error message. target names the unreachable party,
// when there is one.
func Failure(code ErrorCode, target, text string) Message {
	return Message{Kind: KindError, Code: code, To: target, Text: text}
}
