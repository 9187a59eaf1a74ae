package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/protocol"
	"github.com/relaychat/server/internal/v1/session"
)

// fakeConn satisfies the session layer's connection interface and records
// everything written to it.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("not used")
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.TextMessage {
		c.writes = append(c.writes, append([]byte(nil), data...))
	}
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) Close() error                              { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}

// presenceUpdates decodes every captured PRESENCE_UPDATE frame.
func (c *fakeConn) presenceUpdates() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, raw := range c.writes {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil && m["type"] == "PRESENCE_UPDATE" {
			out = append(out, m)
		}
	}
	return out
}

// hasUpdate reports whether an update for userID with the given status was
// seen.
func (c *fakeConn) hasUpdate(userID, status string) bool {
	for _, u := range c.presenceUpdates() {
		if u["userId"] == userID && u["status"] == status {
			return true
		}
	}
	return false
}

// connectUser registers a live socket for userID and starts its write pump.
func connectUser(t *testing.T, sessions *session.Manager, cfg *config.Config, userID string) (*session.Socket, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sock := session.NewSocket(protocol.NewConnectionID(), userID, "member", conn, cfg)
	if _, _, err := sessions.Register(context.Background(), sock); err != nil {
		t.Fatalf("register socket: %v", err)
	}
	go sock.WritePump()
	t.Cleanup(func() { sock.CloseWithCode(protocol.CloseNormal, "test over") })
	return sock, conn
}
