package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rendezvous/internal/util"
)

// sender serializes outgoing signaling messages to the WebSocket (private).
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// send writes a signaling message to the WebSocket, guarded by a mutex.
func (s *sender) send(msg Message) error {
	data := Serialize(msg)

	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	util.Stats.AddSent(len(data))
	return nil
}

// close sends a normal close frame; errors are irrelevant at this point.
func (s *sender) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
