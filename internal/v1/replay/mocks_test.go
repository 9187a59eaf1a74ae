package replay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/db"
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

// framesOfType decodes every captured frame with the given type tag.
func (c *fakeConn) framesOfType(t string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, raw := range c.writes {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil && m["type"] == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) waitForFrame(t *testing.T, frameType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if frames := c.framesOfType(frameType); len(frames) > 0 {
			return frames[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("frame %s never arrived", frameType)
	return nil
}

// connectUser builds a live socket with a running write pump.
func connectUser(t *testing.T, cfg *config.Config, userID string) (*session.Socket, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	sock := session.NewSocket(protocol.NewConnectionID(), userID, "member", conn, cfg)
	go sock.WritePump()
	t.Cleanup(func() { sock.CloseWithCode(protocol.CloseNormal, "test over") })
	return sock, conn
}

// deadlineAdapter fails the undelivered query as soon as the context
// deadline passes, standing in for a slow database.
type deadlineAdapter struct {
	db.Adapter
}

func (a deadlineAdapter) UndeliveredMessages(ctx context.Context, userID, afterMessageID string, limit int) ([]db.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.Adapter.UndeliveredMessages(ctx, userID, afterMessageID, limit)
}
