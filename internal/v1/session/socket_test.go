package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/protocol"
)

func testConfig() *config.Config {
	return config.Default()
}

func newTestSocket(t *testing.T, userID string, cfg *config.Config) (*Socket, *mockConn) {
	t.Helper()
	conn := newMockConn()
	sock := NewSocket(protocol.NewConnectionID(), userID, "member", conn, cfg)
	t.Cleanup(func() { sock.CloseWithCode(protocol.CloseNormal, "test over") })
	return sock, conn
}

func TestSocket_MarkHello(t *testing.T) {
	sock, _ := newTestSocket(t, "alice", testConfig())

	assert.False(t, sock.HelloDone())
	assert.Empty(t, sock.ProtocolVersion())

	sock.MarkHello("1", protocol.CapabilitiesForRole("member"))

	assert.True(t, sock.HelloDone())
	assert.Equal(t, "1", sock.ProtocolVersion())
	assert.Contains(t, sock.Capabilities(), protocol.CapSendMessage)
}

func TestSocket_SendQueuesAndWritePumpFlushes(t *testing.T) {
	sock, conn := newTestSocket(t, "alice", testConfig())
	go sock.WritePump()

	ok := sock.Send(protocol.TypePong, protocol.NewPong(), "")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		return len(conn.sentFrames()) == 1
	}, time.Second, 5*time.Millisecond)

	var out map[string]any
	require.NoError(t, json.Unmarshal(conn.sentFrames()[0], &out))
	assert.Equal(t, "PONG", out["type"])
}

func TestSocket_NoiseDroppedWhenSaturated(t *testing.T) {
	cfg := testConfig()
	cfg.BackpressureThreshold = 1
	cfg.MaxQueueSize = 10
	sock, _ := newTestSocket(t, "alice", cfg)

	// One queued frame crosses the soft threshold.
	require.True(t, sock.Send(protocol.TypeMessageAck, protocol.MessageAck{Type: protocol.TypeMessageAck}, ""))

	// Noise is shed silently; critical frames still pass.
	assert.False(t, sock.Send(protocol.TypeTypingStartOut, protocol.TypingEvent{Type: protocol.TypeTypingStartOut}, ""))
	assert.True(t, sock.Send(protocol.TypeHelloAck, protocol.NewHelloAck("1", ""), ""))
}

func TestSocket_MessageShedInvokesFailureCallback(t *testing.T) {
	cfg := testConfig()
	cfg.BackpressureThreshold = 1
	cfg.MaxQueueSize = 10
	sock, _ := newTestSocket(t, "alice", cfg)

	var mu sync.Mutex
	var failed []string
	sock.SetOnSendFailure(func(messageID string) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, messageID)
	})

	require.True(t, sock.Send(protocol.TypeMessageAck, protocol.MessageAck{Type: protocol.TypeMessageAck}, ""))

	ok := sock.Send(protocol.TypeMessageReceive, protocol.MessageReceive{Type: protocol.TypeMessageReceive}, "m42")
	assert.False(t, ok)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m42"}, failed)
}

func TestSocket_OverflowBudgetClosesSocket(t *testing.T) {
	cfg := testConfig()
	cfg.BackpressureThreshold = 2
	cfg.MaxQueueSize = 2
	cfg.MaxQueueOverflows = 2
	sock, conn := newTestSocket(t, "alice", cfg)

	// Fill the queue with critical frames; no write pump drains it.
	require.True(t, sock.Send(protocol.TypeMessageAck, protocol.MessageAck{Type: protocol.TypeMessageAck}, ""))
	require.True(t, sock.Send(protocol.TypeMessageAck, protocol.MessageAck{Type: protocol.TypeMessageAck}, ""))

	// First overflow burns budget, second closes 1008.
	assert.False(t, sock.Send(protocol.TypeMessageAck, protocol.MessageAck{Type: protocol.TypeMessageAck}, ""))
	assert.False(t, sock.Closed())
	assert.False(t, sock.Send(protocol.TypeMessageAck, protocol.MessageAck{Type: protocol.TypeMessageAck}, ""))

	assert.True(t, sock.Closed())
	assert.Contains(t, conn.closeCodes(), protocol.ClosePolicyViolation)
}

func TestSocket_CloseWithCodeIsIdempotent(t *testing.T) {
	sock, conn := newTestSocket(t, "alice", testConfig())

	sock.CloseWithCode(protocol.CloseTooManyTabs, "session socket limit reached")
	sock.CloseWithCode(protocol.CloseGoingAway, "late close")

	codes := conn.closeCodes()
	require.Len(t, codes, 1)
	assert.Equal(t, protocol.CloseTooManyTabs, codes[0])
	assert.False(t, sock.Send(protocol.TypePong, protocol.NewPong(), ""))
}

func TestSocket_HeartbeatLiveness(t *testing.T) {
	sock, _ := newTestSocket(t, "alice", testConfig())

	assert.True(t, sock.Alive())
	sock.MarkPingSent(time.Now())
	assert.False(t, sock.Alive())

	sock.MarkPong(time.Now().Add(20 * time.Millisecond))
	assert.True(t, sock.Alive())
	assert.GreaterOrEqual(t, sock.LastRTT(), 20*time.Millisecond)
}

func TestSocket_RecordDBFailure(t *testing.T) {
	sock, _ := newTestSocket(t, "alice", testConfig())

	for i := 0; i < 2; i++ {
		assert.False(t, sock.RecordDBFailure(time.Minute, 3))
	}
	assert.True(t, sock.RecordDBFailure(time.Minute, 3))
}

func TestSocket_ReadPumpRejectsBinaryFrames(t *testing.T) {
	sock, conn := newTestSocket(t, "alice", testConfig())
	go sock.WritePump()

	sink := &recordingSink{}
	done := make(chan struct{})
	go func() {
		sock.ReadPump(testConfig().MaxPayloadSize, sink)
		close(done)
	}()

	conn.pushBinary([]byte{0x01, 0x02})
	conn.pushText([]byte(`{"type":"PING"}`))
	conn.endReads()
	<-done

	// Only the text frame reached the sink.
	assert.Equal(t, 1, sink.frameCount())
	assert.True(t, sink.wasDisconnected())

	// The binary frame earned an UNSUPPORTED_FORMAT error.
	assert.Eventually(t, func() bool {
		for _, raw := range conn.sentFrames() {
			var out map[string]any
			if json.Unmarshal(raw, &out) == nil && out["code"] == "UNSUPPORTED_FORMAT" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSocket_ReadPumpOversizedFrameEarnsErrorThenSilence(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPayloadSize = 32
	sock, conn := newTestSocket(t, "alice", cfg)
	go sock.WritePump()

	sink := &recordingSink{}
	done := make(chan struct{})
	go func() {
		sock.ReadPump(cfg.MaxPayloadSize, sink)
		close(done)
	}()

	big := make([]byte, 64)
	for i := range big {
		big[i] = 'x'
	}
	for i := 0; i < payloadViolationLimit+3; i++ {
		conn.pushText(big)
	}
	conn.pushText([]byte(`{"type":"PING"}`))
	conn.endReads()
	<-done

	// Oversized frames never reach the sink; the connection survives them.
	assert.Equal(t, 1, sink.frameCount())
	assert.Empty(t, conn.closeCodes())

	// The first violations earn INVALID_PAYLOAD, the rest are dropped.
	assert.Eventually(t, func() bool {
		errs := 0
		for _, raw := range conn.sentFrames() {
			var out map[string]any
			if json.Unmarshal(raw, &out) == nil && out["code"] == "INVALID_PAYLOAD" {
				errs++
			}
		}
		return errs == payloadViolationLimit
	}, time.Second, 5*time.Millisecond)
}

func TestSocket_ReadPumpAppliesReadLimitAndPongHandler(t *testing.T) {
	cfg := testConfig()
	sock, conn := newTestSocket(t, "alice", cfg)

	sink := &recordingSink{}
	done := make(chan struct{})
	go func() {
		sock.ReadPump(cfg.MaxPayloadSize, sink)
		close(done)
	}()
	conn.endReads()
	<-done

	// The transport limit sits above the protocol cap so oversized frames
	// reach the size check instead of killing the connection.
	assert.Equal(t, 2*cfg.MaxPayloadSize, conn.readLimit)
	require.NotNil(t, conn.pongHandler)

	sock.MarkPingSent(time.Now())
	require.NoError(t, conn.pongHandler(""))
	assert.True(t, sock.Alive())
}
