package signaling

import (
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/rendezvous/internal/util"
)

// receiver reads relay frames, resolves the assigned identity and hands all
// other messages to the client's inbox (private).
type receiver struct {
	conn     *websocket.Conn
	inbox    chan<- Message
	assigned func(identity string)
	done     <-chan struct{}
}

// watch runs until the connection fails or the client is closed.
func (r *receiver) watch() error {
	for {
		typ, raw, err := r.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read from relay: %w", err)
		}
		util.Stats.AddRecv(len(raw))

		if typ != websocket.TextMessage {
			util.LogWarning("ignoring non-text frame from relay")
			continue
		}

		msg, err := Parse(raw)
		if err != nil {
			// Delivered as a local parse_error so the consumer can report it.
			msg = Failure(CodeParseError, "", err.Error())
		}

		if msg.Kind == KindAssign {
			r.assigned(msg.Identity)
			continue
		}

		select {
		case r.inbox <- msg:
		case <-r.done:
			return nil
		}
	}
}
