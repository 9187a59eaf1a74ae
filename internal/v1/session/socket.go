// Package session tracks every live WebSocket as a Socket and groups the
// sockets of one user into a Session. The Manager owns registration,
// eviction, heartbeats, and shutdown; each Socket runs its own writePump
// so outbound frames stay FIFO and single-flight per connection.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/logging"
	"github.com/relaychat/server/internal/v1/metrics"
	"github.com/relaychat/server/internal/v1/protocol"
	"github.com/relaychat/server/internal/v1/safety"
)

// wsConnection is the subset of *websocket.Conn the session layer needs.
// Tests substitute a mock.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

const writeWait = 10 * time.Second

// payloadViolationLimit is how many oversized or unparseable inbound
// frames a socket may send before further ones stop earning a response.
const payloadViolationLimit = 5

// outboundFrame is one queued write. messageID is set only for
// content-bearing frames so a shed frame can surface FAILED_BACKPRESSURE.
type outboundFrame struct {
	frameType protocol.FrameType
	data      []byte
	messageID string
}

// Socket is one live WebSocket connection with its per-connection safety
// state. Fields set at construction are immutable; mutable state is either
// atomic or guarded by mu.
type Socket struct {
	ID     string
	UserID string
	Role   string

	conn wsConnection
	send chan outboundFrame
	done chan struct{}

	gate        *safety.Gate
	Limiter     *safety.RollingLimiter
	SendLimiter *safety.SendLimiter

	queuedBytes       atomic.Int64
	overflows         atomic.Int32
	maxOverflows      int32
	payloadViolations atomic.Int32

	helloDone atomic.Bool
	alive     atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	mu              sync.Mutex
	protocolVersion string
	capabilities    []protocol.Capability
	pingSentAt      time.Time
	lastRTT         time.Duration
	dbFailures      []time.Time

	// onSendFailure is invoked (never under mu) when a content frame is
	// shed; the message service moves that message to FAILED_BACKPRESSURE.
	onSendFailure func(messageID string)

	ConnectedAt time.Time
}

// NewSocket wires a socket around conn with the configured safety gate and
// per-socket limiters.
func NewSocket(id, userID, role string, conn wsConnection, cfg *config.Config) *Socket {
	s := &Socket{
		ID:           id,
		UserID:       userID,
		Role:         role,
		conn:         conn,
		send:         make(chan outboundFrame, cfg.MaxQueueSize),
		done:         make(chan struct{}),
		gate:         safety.NewGate(cfg.BackpressureThreshold, cfg.MaxQueueSize, cfg.BufferedAmountThreshold),
		Limiter:      safety.NewRollingLimiter(cfg.RateLimitWindow, cfg.RateLimitMaxMessages, cfg.RateLimitWarningThreshold, cfg.ViolationsBeforeThrottle, cfg.ViolationsBeforeClose),
		SendLimiter:  safety.NewSendLimiter(cfg.SendWindow, cfg.SendMaxMessages),
		maxOverflows: int32(cfg.MaxQueueOverflows),
		ConnectedAt:  time.Now(),
	}
	s.alive.Store(true)
	return s
}

// SetOnSendFailure installs the shed-frame callback. Call before the
// socket is registered.
func (s *Socket) SetOnSendFailure(fn func(messageID string)) {
	s.onSendFailure = fn
}

// MarkHello records a completed handshake with the negotiated version.
func (s *Socket) MarkHello(version string, caps []protocol.Capability) {
	s.mu.Lock()
	s.protocolVersion = version
	s.capabilities = append([]protocol.Capability(nil), caps...)
	s.mu.Unlock()
	s.helloDone.Store(true)
}

// HelloDone reports whether HELLO completed on this socket.
func (s *Socket) HelloDone() bool {
	return s.helloDone.Load()
}

// ProtocolVersion returns the negotiated protocol version, empty before HELLO.
func (s *Socket) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// Capabilities returns the capability set granted at HELLO.
func (s *Socket) Capabilities() []protocol.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Capability(nil), s.capabilities...)
}

// Send encodes v and enqueues it. messageID tags content-bearing frames.
// Returns false when the frame was shed.
func (s *Socket) Send(t protocol.FrameType, v any, messageID string) bool {
	data, err := protocol.Encode(v)
	if err != nil {
		logging.GetLogger().Error("encode outbound frame",
			zap.String("frameType", string(t)), zap.Error(err))
		return false
	}
	return s.Enqueue(t, data, messageID)
}

// Enqueue runs the backpressure gate and queues the frame for writePump.
func (s *Socket) Enqueue(t protocol.FrameType, data []byte, messageID string) bool {
	if s.closed.Load() {
		return false
	}

	class := safety.Classify(t)
	switch s.gate.Admit(class, len(s.send), s.queuedBytes.Load()) {
	case safety.Drop:
		metrics.FramesDropped.WithLabelValues("drop").Inc()
		return false
	case safety.Fail:
		metrics.FramesDropped.WithLabelValues("fail").Inc()
		s.notifySendFailure(messageID)
		return false
	case safety.Overflow:
		s.recordOverflow()
		return false
	}

	select {
	case s.send <- outboundFrame{frameType: t, data: data, messageID: messageID}:
		s.queuedBytes.Add(int64(len(data)))
		return true
	default:
		// Queue filled between the gate check and the enqueue.
		s.recordOverflow()
		s.notifySendFailure(messageID)
		return false
	}
}

func (s *Socket) notifySendFailure(messageID string) {
	if messageID != "" && s.onSendFailure != nil {
		s.onSendFailure(messageID)
	}
}

func (s *Socket) recordOverflow() {
	metrics.FramesDropped.WithLabelValues("overflow").Inc()
	if s.overflows.Add(1) >= s.maxOverflows {
		logging.GetLogger().Warn("closing slow consumer",
			zap.String("connectionId", s.ID), zap.String("userId", s.UserID))
		s.CloseWithCode(protocol.ClosePolicyViolation, "outbound queue overflow")
	}
}

// WritePump drains the send queue onto the wire. Runs in its own
// goroutine; exits when the socket closes.
func (s *Socket) WritePump() {
	defer s.conn.Close()

	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			s.queuedBytes.Add(-int64(len(frame.data)))
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				s.notifySendFailure(frame.messageID)
				logging.GetLogger().Debug("write failed",
					zap.String("connectionId", s.ID), zap.Error(err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// CloseWithCode sends a close frame and tears the connection down. Safe to
// call multiple times.
func (s *Socket) CloseWithCode(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		close(s.done)
		s.conn.Close()
	})
}

// Closed reports whether the socket has been torn down.
func (s *Socket) Closed() bool {
	return s.closed.Load()
}

// Done exposes the teardown signal for goroutines tied to this socket.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// MarkPingSent flips the liveness flag off until the next pong.
func (s *Socket) MarkPingSent(now time.Time) {
	s.mu.Lock()
	s.pingSentAt = now
	s.mu.Unlock()
	s.alive.Store(false)
}

// MarkPong records pong receipt and the measured round trip.
func (s *Socket) MarkPong(now time.Time) {
	s.alive.Store(true)
	s.mu.Lock()
	if !s.pingSentAt.IsZero() {
		s.lastRTT = now.Sub(s.pingSentAt)
		metrics.HeartbeatRTT.Observe(s.lastRTT.Seconds())
	}
	s.mu.Unlock()
}

// Alive reports whether the last heartbeat was answered.
func (s *Socket) Alive() bool {
	return s.alive.Load()
}

// LastRTT returns the most recent heartbeat round trip.
func (s *Socket) LastRTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRTT
}

// Ping writes a ping control frame.
func (s *Socket) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// PayloadViolation records an oversized or malformed inbound frame and
// reports whether the socket is past the silent-drop threshold.
func (s *Socket) PayloadViolation() bool {
	return s.payloadViolations.Add(1) > payloadViolationLimit
}

// RecordDBFailure counts a persistence failure inside the rolling window
// and reports whether the failure budget is spent.
func (s *Socket) RecordDBFailure(window time.Duration, max int) bool {
	now := time.Now()
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.dbFailures[:0]
	for _, t := range s.dbFailures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.dbFailures = append(kept, now)
	return len(s.dbFailures) >= max
}

// FrameSink consumes inbound frames from a socket's read loop.
type FrameSink interface {
	HandleFrame(s *Socket, raw []byte)
	HandleDisconnect(s *Socket)
}

// ReadPump reads from the wire until the connection drops, handing text
// frames to sink. Binary and oversized frames are rejected on the spot;
// the read loop keeps going. Repeated oversize offenders stop getting a
// response.
func (s *Socket) ReadPump(maxPayload int64, sink FrameSink) {
	defer func() {
		sink.HandleDisconnect(s)
		s.conn.Close()
		metrics.DecConnection()
	}()

	// The transport read limit is only a hard backstop; the protocol size
	// cap is enforced below so an oversized frame earns an error instead
	// of killing the connection.
	s.conn.SetReadLimit(maxPayload * 2)
	s.conn.SetPongHandler(func(string) error {
		s.MarkPong(time.Now())
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			s.Send(protocol.TypeError,
				protocol.NewError(protocol.CodeUnsupportedFormat, "binary frames are not supported", ""), "")
			continue
		}
		if int64(len(data)) > maxPayload {
			if !s.PayloadViolation() {
				s.Send(protocol.TypeError,
					protocol.NewError(protocol.CodeInvalidPayload, "payload exceeds maximum size", ""), "")
			}
			continue
		}
		sink.HandleFrame(s, data)
	}
}
