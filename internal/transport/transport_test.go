package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/1ureka/rendezvous/internal/negotiation"
)

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestAddCandidateBeforeRemoteDescription(t *testing.T) {
	tr := newTestTransport(t)

	err := tr.AddCandidate(context.Background(), `{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`)
	if !errors.Is(err, negotiation.ErrInvalidCandidateState) {
		t.Errorf("AddCandidate = %v, want ErrInvalidCandidateState", err)
	}
}

func TestApplyRemoteDescriptionRejectsGarbage(t *testing.T) {
	tr := newTestTransport(t)

	err := tr.ApplyRemoteDescription(context.Background(), "not an sdp")
	if !errors.Is(err, negotiation.ErrIncompatibleDescription) {
		t.Errorf("ApplyRemoteDescription = %v, want ErrIncompatibleDescription", err)
	}
}

func TestCreateLocalDescriptionNeedsRole(t *testing.T) {
	tr := newTestTransport(t)

	if _, err := tr.CreateLocalDescription(context.Background(), negotiation.RoleNone); !errors.Is(err, negotiation.ErrInvalidState) {
		t.Errorf("CreateLocalDescription(none) = %v, want ErrInvalidState", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.CreateLocalDescription(ctx, negotiation.RoleInitiator); !errors.Is(err, context.Canceled) {
		t.Errorf("CreateLocalDescription(cancelled) = %v, want context.Canceled", err)
	}
}

func TestCloseEndsEvents(t *testing.T) {
	tr := newTestTransport(t)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	tr.Close()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-tr.Events():
			if !ok {
				if err := (&channel{t: tr}).Send([]byte("x")); !errors.Is(err, ErrTransportClosed) {
					t.Errorf("Send after Close = %v, want ErrTransportClosed", err)
				}
				return
			}
		case <-timeout:
			t.Fatal("event stream not closed")
		}
	}
}

// relayEvents forwards candidates from src to dst and reports the live
// channel and received data of src. Candidate errors after teardown are
// expected and ignored.
func relayEvents(src, dst *Transport, live chan<- negotiation.Channel, data chan<- []byte) {
	for ev := range src.Events() {
		switch ev.Kind {
		case negotiation.TransportCandidate:
			_ = dst.AddCandidate(context.Background(), ev.Candidate)
		case negotiation.TransportPath:
			if ev.Path == negotiation.PathLive {
				live <- ev.Channel
			}
		case negotiation.TransportData:
			data <- ev.Data
		}
	}
}

// TestLoopback negotiates two transports in-process over host candidates and
// exchanges a message.
func TestLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ICE loopback in short mode")
	}
	ctx := context.Background()
	a, b := newTestTransport(t), newTestTransport(t)

	offer, err := a.CreateLocalDescription(ctx, negotiation.RoleInitiator)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := a.ApplyLocalDescription(ctx, offer); err != nil {
		t.Fatalf("apply local offer: %v", err)
	}
	if err := b.ApplyRemoteDescription(ctx, offer); err != nil {
		t.Fatalf("apply remote offer: %v", err)
	}
	answer, err := b.CreateLocalDescription(ctx, negotiation.RoleResponder)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := b.ApplyLocalDescription(ctx, answer); err != nil {
		t.Fatalf("apply local answer: %v", err)
	}
	if err := a.ApplyRemoteDescription(ctx, answer); err != nil {
		t.Fatalf("apply remote answer: %v", err)
	}

	liveA, liveB := make(chan negotiation.Channel, 1), make(chan negotiation.Channel, 1)
	dataA, dataB := make(chan []byte, 16), make(chan []byte, 16)
	go relayEvents(a, b, liveA, dataA)
	go relayEvents(b, a, liveB, dataB)

	var chA negotiation.Channel
	select {
	case chA = <-liveA:
	case <-time.After(15 * time.Second):
		t.Fatal("initiator data channel never opened")
	}
	select {
	case <-liveB:
	case <-time.After(15 * time.Second):
		t.Fatal("responder data channel never opened")
	}

	if err := chA.Send([]byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case got := <-dataB:
		if string(got) != "ping" {
			t.Errorf("received %q, want ping", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived")
	}
}
