package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE candidate gathering when none are
// configured. No TURN: the direct path either works or the session fails.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection using the given STUN/TURN URLs.
// An empty list gathers host candidates only.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: iceServers},
		}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, ordered DataChannel on the given
// PeerConnection. Negotiated mode (ID 0) lets both sides create the channel
// independently without relying on OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("messaging", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
