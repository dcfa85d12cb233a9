package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"studybuddy/pkg/interfaces"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Connection = &Connection{}
}

// echoPair returns a client connection whose server side sends every received
// text frame back.
func echoPair(t *testing.T) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to create test WebSocket connection: %v", err)
	}
	return conn
}

func TestConnection_Defaults(t *testing.T) {
	conn := NewConnection(echoPair(t), "alice", 0, 0)
	defer conn.Close()

	if cap(conn.writeCh) != 100 {
		t.Errorf("Expected write buffer of 100, got %d", cap(conn.writeCh))
	}
	if conn.writeTimeout != 5*time.Second {
		t.Errorf("Expected 5s write timeout, got %s", conn.writeTimeout)
	}
	if conn.GetUserID() != "alice" || conn.ID() == "" {
		t.Errorf("unexpected identity user=%q id=%q", conn.GetUserID(), conn.ID())
	}
}

func TestConnection_WriteJSON(t *testing.T) {
	ws := echoPair(t)
	conn := NewConnection(ws, "alice", 10, time.Second)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	// The echo comes back on the same socket.
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]string
	if err := ws.ReadJSON(&got); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
	if got["type"] != "ping" {
		t.Errorf("unexpected echo %v", got)
	}

	if err := conn.WriteJSON(make(chan int)); err != ErrInvalidJSON {
		t.Errorf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestConnection_Close(t *testing.T) {
	conn := NewConnection(echoPair(t), "alice", 10, time.Second)

	if err := conn.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Done should be closed after Close")
	}
	if err := conn.WriteJSON("late"); err != ErrConnectionClosed {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}
