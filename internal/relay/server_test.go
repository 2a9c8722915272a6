package relay

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/1ureka/rendezvous/internal/signaling"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(NewRouter(), DefaultOptions())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

// join dials the relay and returns the connection with its assigned identity.
func join(t *testing.T, ts *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	msg := expect(t, conn, signaling.KindAssign)
	return conn, msg.Identity
}

// expect reads until a message of the given kind arrives.
func expect(t *testing.T, conn *websocket.Conn, kind signaling.Kind) signaling.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		msg, err := signaling.Parse(raw)
		if err != nil {
			t.Fatalf("relay sent unparsable %s: %v", raw, err)
		}
		if msg.Kind == kind {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg signaling.Message) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, signaling.Serialize(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func connectedList(t *testing.T, ts *httptest.Server) []string {
	t.Helper()
	resp, err := http.Get(ts.URL + "/ws/connected_list")
	if err != nil {
		t.Fatalf("GET connected_list: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var names []string
	if err := json.Unmarshal(body, &names); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return names
}

// waitOnline polls the connected list until it has n entries.
func waitOnline(t *testing.T, ts *httptest.Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(connectedList(t, ts)) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connected list never reached %d entries", n)
}

// TestServerForwardsOffer verifies an offer reaches its target with the
// sender identity filled in by the relay.
func TestServerForwardsOffer(t *testing.T) {
	_, ts := newTestServer(t)
	a, idA := join(t, ts)
	b, idB := join(t, ts)

	send(t, a, signaling.Offer(idB, "v=0 offer"))

	got := expect(t, b, signaling.KindOffer)
	if got.From != idA || got.To != idB || got.SDP != "v=0 offer" {
		t.Errorf("B received %+v", got)
	}
}

// TestServerTargetNotFound verifies a message to a departed party is dropped
// and the sender receives target_not_found.
func TestServerTargetNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	a, _ := join(t, ts)
	b, idB := join(t, ts)

	b.Close()
	waitOnline(t, ts, 1)

	send(t, a, signaling.Candidate(idB, `{"candidate":"c1"}`))

	got := expect(t, a, signaling.KindError)
	if got.Code != signaling.CodeTargetNotFound || got.To != idB {
		t.Errorf("A received %+v, want target_not_found for %s", got, idB)
	}
}

// TestServerRejectsBadFrames verifies binary and malformed frames are answered
// with an error and do not end the connection.
func TestServerRejectsBadFrames(t *testing.T) {
	_, ts := newTestServer(t)
	a, _ := join(t, ts)
	b, idB := join(t, ts)

	if err := a.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	if got := expect(t, a, signaling.KindError); got.Code != signaling.CodeUnsupportedData {
		t.Errorf("binary frame answered with %+v", got)
	}

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","data":{}}`)); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	if got := expect(t, a, signaling.KindError); got.Code != signaling.CodeParseError {
		t.Errorf("malformed frame answered with %+v", got)
	}

	send(t, a, signaling.Answer(idB, "v=0 answer"))
	if got := expect(t, b, signaling.KindAnswer); got.SDP != "v=0 answer" {
		t.Errorf("B received %+v after bad frames", got)
	}
}

// TestServerConnectedList verifies the HTTP listing and the join broadcast.
func TestServerConnectedList(t *testing.T) {
	_, ts := newTestServer(t)
	a, idA := join(t, ts)
	_, idB := join(t, ts)

	broadcast := expect(t, a, signaling.KindConnectedList)
	for broadcast.Names == nil || len(broadcast.Names) < 2 {
		broadcast = expect(t, a, signaling.KindConnectedList)
	}

	names := connectedList(t, ts)
	if len(names) != 2 {
		t.Fatalf("connected_list = %v, want 2 entries", names)
	}
	for _, want := range []string{idA, idB} {
		if !contains(names, want) || !contains(broadcast.Names, want) {
			t.Errorf("%s missing from %v / %v", want, names, broadcast.Names)
		}
	}

	resp, err := http.Post(ts.URL+"/ws/connected_list", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", resp.StatusCode)
	}
}

// TestServerCloseDisconnects verifies Close ends open connections.
func TestServerCloseDisconnects(t *testing.T) {
	srv, ts := newTestServer(t)
	a, _ := join(t, ts)

	srv.Close()

	_ = a.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := a.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatal("connection was not closed by the relay")
			}
			return
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
