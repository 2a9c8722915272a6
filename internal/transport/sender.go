package transport

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rendezvous/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
)

// ErrTransportClosed is returned by Send once the transport has shut down.
var ErrTransportClosed = errors.New("transport closed")

// sender is a goroutine-based writer that serializes all writes to a single
// DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	// Phase 1: wait for DC to be open.
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	// Phase 2: send messages with backpressure.
	for {
		select {
		case data := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(data); err != nil {
				util.LogError("failed to send %d bytes on data channel: %v", len(data), err)
				return
			}

			util.Stats.AddSent(len(data))
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues data for transmission. It blocks while the internal buffer
// is full and fails once ctx is cancelled.
func (s *sender) send(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ErrTransportClosed
	default:
	}

	select {
	case s.inbox <- data:
		return nil
	case <-ctx.Done():
		return ErrTransportClosed
	}
}
