// Package transport implements the direct peer-to-peer transport on top of a
// pion WebRTC PeerConnection and a single pre-negotiated DataChannel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rendezvous/internal/negotiation"
	"github.com/1ureka/rendezvous/internal/util"
)

const eventBufferSize = 4096

// Config holds the ICE settings for new transports.
type Config struct {
	ICEServers []string
}

// Transport wraps a single PeerConnection + DataChannel pair and reports
// everything that happens on it as an ordered negotiation.TransportEvent
// stream.
//
// Its lifecycle is governed by Close and the context passed at construction
// time. A failed or closed PeerConnection, or a closed DataChannel, is
// reported once as PathLost.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	events *util.Queue[negotiation.TransportEvent]
	out    chan negotiation.TransportEvent

	ctx       context.Context
	cancel    context.CancelFunc
	lostOnce  sync.Once
	closeOnce sync.Once

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

var (
	_ negotiation.Transport = (*Transport)(nil)
	_ negotiation.Channel   = (*channel)(nil)
)

// New creates a Transport backed by a new PeerConnection and a pre-negotiated
// DataChannel. The caller drives negotiation through the
// negotiation.Transport methods and watches Events for candidates, path
// changes and data.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	pc, err := newPeerConnection(cfg.ICEServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		events:     util.NewQueue[negotiation.TransportEvent](eventBufferSize),
		out:        make(chan negotiation.TransportEvent),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// Trickle local candidates. A nil candidate signals the end of gathering.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		blob, err := json.Marshal(c.ToJSON())
		if err != nil {
			util.LogWarning("failed to encode ICE candidate: %v", err)
			return
		}
		t.events.Push(negotiation.TransportEvent{Kind: negotiation.TransportCandidate, Candidate: string(blob)})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateConnecting:
			t.events.Push(negotiation.TransportEvent{Kind: negotiation.TransportPath, Path: negotiation.PathConnecting})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.lost(fmt.Errorf("peer connection %s", state))
		}
	})

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() {
			close(t.openSignal)
			t.events.Push(negotiation.TransportEvent{
				Kind:    negotiation.TransportPath,
				Path:    negotiation.PathLive,
				Channel: &channel{t: t},
			})
		})
	})

	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		t.lost(errors.New("data channel closed"))
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		t.events.Push(negotiation.TransportEvent{Kind: negotiation.TransportData, Data: msg.Data})
	})

	// Start the sender and event goroutines.
	t.sender = newSender(tCtx, dc, t.openSignal)
	context.AfterFunc(tCtx, t.events.Close)
	go t.forward()

	return t, nil
}

// Factory returns a negotiation.TransportFactory creating transports with cfg.
func Factory(cfg Config) negotiation.TransportFactory {
	return func(ctx context.Context) (negotiation.Transport, error) {
		return New(ctx, cfg)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Events returns the ordered event stream. It is closed after Close.
func (t *Transport) Events() <-chan negotiation.TransportEvent {
	return t.out
}

// Ready returns a channel that is closed when the DataChannel is open.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Close shuts down the DataChannel and PeerConnection. It is idempotent.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = errors.Join(t.dc.Close(), t.pc.Close())
	})
	return err
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

func (t *Transport) lost(err error) {
	t.lostOnce.Do(func() {
		t.events.Push(negotiation.TransportEvent{Kind: negotiation.TransportPath, Path: negotiation.PathLost, Err: err})
	})
}

// forward moves queued events to the out channel so pion callbacks never
// block on a slow consumer.
func (t *Transport) forward() {
	defer close(t.out)
	for {
		ev, ok := t.events.Pop()
		if !ok {
			return
		}
		select {
		case t.out <- ev:
		case <-t.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateLocalDescription generates an SDP offer for the initiator or an SDP
// answer for the responder.
func (t *Transport) CreateLocalDescription(ctx context.Context, role negotiation.Role) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var (
		desc webrtc.SessionDescription
		err  error
	)
	switch role {
	case negotiation.RoleInitiator:
		desc, err = t.pc.CreateOffer(nil)
	case negotiation.RoleResponder:
		desc, err = t.pc.CreateAnswer(nil)
	default:
		return "", fmt.Errorf("%w: no role", negotiation.ErrInvalidState)
	}
	if err != nil {
		return "", fmt.Errorf("%w: create %s description: %v", negotiation.ErrIncompatibleDescription, role, err)
	}
	return desc.SDP, nil
}

// ApplyLocalDescription applies the local SDP. It is an answer when a remote
// offer is pending, an offer otherwise.
func (t *Transport) ApplyLocalDescription(ctx context.Context, blob string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	typ := webrtc.SDPTypeOffer
	if t.pc.SignalingState() == webrtc.SignalingStateHaveRemoteOffer {
		typ = webrtc.SDPTypeAnswer
	}
	if err := t.pc.SetLocalDescription(webrtc.SessionDescription{Type: typ, SDP: blob}); err != nil {
		return fmt.Errorf("%w: local %s: %v", negotiation.ErrIncompatibleDescription, typ, err)
	}
	return nil
}

// ApplyRemoteDescription applies the remote SDP. It is an answer when a local
// offer is pending, an offer otherwise.
func (t *Transport) ApplyRemoteDescription(ctx context.Context, blob string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	typ := webrtc.SDPTypeOffer
	if t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		typ = webrtc.SDPTypeAnswer
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: blob}); err != nil {
		return fmt.Errorf("%w: remote %s: %v", negotiation.ErrIncompatibleDescription, typ, err)
	}
	return nil
}

// AddCandidate adds a remote ICE candidate, given as the JSON text of an
// RTCIceCandidateInit.
func (t *Transport) AddCandidate(ctx context.Context, blob string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.pc.RemoteDescription() == nil {
		return negotiation.ErrInvalidCandidateState
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(blob), &init); err != nil {
		return fmt.Errorf("%w: decode candidate: %v", negotiation.ErrInvalidCandidateState, err)
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: %v", negotiation.ErrInvalidCandidateState, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// channel is the negotiation.Channel handed out when the DataChannel opens.
type channel struct {
	t *Transport
}

// Send enqueues data for the single writer goroutine.
func (c *channel) Send(data []byte) error {
	return c.t.sender.send(c.t.ctx, data)
}

// Close closes the whole transport.
func (c *channel) Close() error {
	return c.t.Close()
}
