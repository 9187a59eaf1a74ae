package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// controlWrite records one WriteControl call.
type controlWrite struct {
	messageType int
	data        []byte
}

// readResult is one queued inbound read for mockConn.ReadMessage.
type readResult struct {
	messageType int
	data        []byte
	err         error
}

// mockConn implements wsConnection for tests.
type mockConn struct {
	mu          sync.Mutex
	writes      [][]byte
	controls    []controlWrite
	closed      bool
	pongHandler func(string) error
	readLimit   int64

	reads chan readResult
}

func newMockConn() *mockConn {
	return &mockConn{reads: make(chan readResult, 16)}
}

func (c *mockConn) ReadMessage() (int, []byte, error) {
	r, ok := <-c.reads
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return r.messageType, r.data, r.err
}

func (c *mockConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.TextMessage {
		c.writes = append(c.writes, append([]byte(nil), data...))
	}
	return nil
}

func (c *mockConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, controlWrite{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) SetReadLimit(limit int64)             { c.readLimit = limit }
func (c *mockConn) SetReadDeadline(_ time.Time) error    { return nil }
func (c *mockConn) SetWriteDeadline(_ time.Time) error   { return nil }
func (c *mockConn) SetPongHandler(h func(string) error)  { c.pongHandler = h }

// pushText queues an inbound text frame.
func (c *mockConn) pushText(data []byte) {
	c.reads <- readResult{messageType: websocket.TextMessage, data: data}
}

// pushBinary queues an inbound binary frame.
func (c *mockConn) pushBinary(data []byte) {
	c.reads <- readResult{messageType: websocket.BinaryMessage, data: data}
}

// endReads makes the next ReadMessage fail, ending a read pump.
func (c *mockConn) endReads() {
	close(c.reads)
}

// sentFrames returns a copy of the text frames written so far.
func (c *mockConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// closeCodes returns the close codes written via WriteControl.
func (c *mockConn) closeCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var codes []int
	for _, ctl := range c.controls {
		if ctl.messageType == websocket.CloseMessage && len(ctl.data) >= 2 {
			codes = append(codes, int(ctl.data[0])<<8|int(ctl.data[1]))
		}
	}
	return codes
}

// recordingSink captures what the read pump hands off.
type recordingSink struct {
	mu           sync.Mutex
	frames       [][]byte
	disconnected bool
}

func (s *recordingSink) HandleFrame(_ *Socket, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), raw...))
}

func (s *recordingSink) HandleDisconnect(_ *Socket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

func (s *recordingSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) wasDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// mockNotifier records presence lifecycle callbacks.
type mockNotifier struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
}

func (n *mockNotifier) HandleConnect(_ context.Context, userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connects = append(n.connects, userID)
}

func (n *mockNotifier) HandleDisconnect(_ context.Context, userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnects = append(n.disconnects, userID)
}
