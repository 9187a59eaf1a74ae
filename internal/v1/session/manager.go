package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/logging"
	"github.com/relaychat/server/internal/v1/metrics"
	"github.com/relaychat/server/internal/v1/protocol"
)

// PresenceNotifier receives session lifecycle events. Implemented by the
// presence engine; set after construction to break the package cycle.
type PresenceNotifier interface {
	HandleConnect(ctx context.Context, userID string)
	// HandleDisconnect starts the offline grace window; it fires only when
	// the user's last socket is gone.
	HandleDisconnect(ctx context.Context, userID string)
}

// Manager owns the session table: socket registration, per-user socket
// caps, heartbeats, zombie sweeps, and shutdown.
type Manager struct {
	cfg *config.Config

	mu       sync.RWMutex
	sessions map[string]*Session
	byConn   map[string]*Socket

	presence PresenceNotifier

	stopHeartbeat chan struct{}
	heartbeatOnce sync.Once
	draining      bool
}

// NewManager creates an empty session manager.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:           cfg,
		sessions:      make(map[string]*Session),
		byConn:        make(map[string]*Socket),
		stopHeartbeat: make(chan struct{}),
	}
}

// SetPresenceNotifier installs the presence engine hook. Call once during
// wiring, before any socket registers.
func (m *Manager) SetPresenceNotifier(p PresenceNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence = p
}

// Register adds a socket to its user's session, evicting the oldest socket
// with 4002 when the cap is exceeded. Returns whether the user already had
// a live socket and the resulting socket count.
func (m *Manager) Register(ctx context.Context, sock *Socket) (isReconnect bool, count int, err error) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		sock.CloseWithCode(protocol.CloseGoingAway, "server shutting down")
		return false, 0, context.Canceled
	}

	sess, ok := m.sessions[sock.UserID]
	if !ok {
		sess = &Session{UserID: sock.UserID}
		m.sessions[sock.UserID] = sess
		metrics.ActiveSessions.Inc()
	}
	isReconnect = len(sess.sockets) > 0

	evicted := sess.addSocketLocked(sock, m.cfg.MaxSocketsPerSession)
	if evicted != nil {
		sess.removeSocketLocked(evicted.ID)
		delete(m.byConn, evicted.ID)
	}
	m.byConn[sock.ID] = sock
	count = len(sess.sockets)
	presence := m.presence
	m.mu.Unlock()

	if evicted != nil {
		logging.Info(ctx, "evicting oldest socket over session cap",
			zap.String("userId", sock.UserID),
			zap.String("evictedConnectionId", evicted.ID))
		evicted.CloseWithCode(protocol.CloseTooManyTabs, "session socket limit reached")
	}

	metrics.IncConnection()
	if !isReconnect && presence != nil {
		presence.HandleConnect(ctx, sock.UserID)
	}
	return isReconnect, count, nil
}

// Detach removes a socket from the table. When it was the user's last
// socket, the presence engine is told to start the offline grace window.
func (m *Manager) Detach(ctx context.Context, sock *Socket) {
	m.mu.Lock()
	sess, ok := m.sessions[sock.UserID]
	if !ok || !sess.removeSocketLocked(sock.ID) {
		m.mu.Unlock()
		return
	}
	delete(m.byConn, sock.ID)
	last := len(sess.sockets) == 0
	if last {
		delete(m.sessions, sock.UserID)
		metrics.ActiveSessions.Dec()
	}
	presence := m.presence
	m.mu.Unlock()

	if last && presence != nil {
		presence.HandleDisconnect(ctx, sock.UserID)
	}
}

// SocketsFor returns the user's live sockets, oldest first.
func (m *Manager) SocketsFor(userID string) []*Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[userID]
	if !ok {
		return nil
	}
	return sess.socketsLocked()
}

// IsOnline reports whether the user has at least one live socket.
func (m *Manager) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[userID]
	return ok && len(sess.sockets) > 0
}

// SocketCount returns the user's live socket count.
func (m *Manager) SocketCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[userID]
	if !ok {
		return 0
	}
	return len(sess.sockets)
}

// OnlineUsers returns every user with a live socket.
func (m *Manager) OnlineUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for userID := range m.sessions {
		out = append(out, userID)
	}
	return out
}

// eachSocket snapshots all sockets so callers iterate without the lock.
func (m *Manager) eachSocket() []*Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Socket, 0, len(m.byConn))
	for _, sock := range m.byConn {
		out = append(out, sock)
	}
	return out
}

// Broadcast sends a frame to every live socket, excluding one connection
// ID when exclude is non-empty.
func (m *Manager) Broadcast(t protocol.FrameType, payload any, exclude string) {
	data, err := protocol.Encode(payload)
	if err != nil {
		logging.GetLogger().Error("encode broadcast frame", zap.Error(err))
		return
	}
	for _, sock := range m.eachSocket() {
		if sock.ID == exclude {
			continue
		}
		sock.Enqueue(t, data, "")
	}
}

// SendToUser enqueues a frame on every socket of one user, excluding one
// connection ID when exclude is non-empty. Returns how many sockets
// accepted the frame.
func (m *Manager) SendToUser(userID string, t protocol.FrameType, payload any, messageID, exclude string) int {
	data, err := protocol.Encode(payload)
	if err != nil {
		logging.GetLogger().Error("encode frame", zap.Error(err))
		return 0
	}
	delivered := 0
	for _, sock := range m.SocketsFor(userID) {
		if sock.ID == exclude {
			continue
		}
		if sock.Enqueue(t, data, messageID) {
			delivered++
		}
	}
	return delivered
}

// StartHeartbeat runs the shared heartbeat ticker: any socket that never
// answered the previous ping is torn down, then a fresh ping goes out. A
// zombie sweep drops sockets the session table no longer owns.
func (m *Manager) StartHeartbeat(ctx context.Context) {
	m.heartbeatOnce.Do(func() {
		go m.heartbeatLoop(ctx)
	})
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopHeartbeat:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	now := time.Now()
	for _, sock := range m.eachSocket() {
		if !sock.Alive() {
			logging.Info(ctx, "terminating unresponsive socket",
				zap.String("connectionId", sock.ID),
				zap.String("userId", sock.UserID))
			sock.CloseWithCode(protocol.CloseInvalidConnState, "heartbeat timeout")
			m.Detach(ctx, sock)
			continue
		}
		if !m.ValidateContext(sock) {
			logging.Warn(ctx, "closing zombie socket",
				zap.String("connectionId", sock.ID),
				zap.String("userId", sock.UserID))
			sock.CloseWithCode(protocol.CloseInvalidConnState, "connection state lost")
			continue
		}
		sock.MarkPingSent(now)
		if err := sock.Ping(); err != nil {
			sock.CloseWithCode(protocol.CloseInvalidConnState, "heartbeat write failed")
			m.Detach(ctx, sock)
		}
	}
}

// ValidateContext reports whether the socket still has a coherent
// connection context: its user's session owns it, and after HELLO the
// capability set exists and agrees with the authenticated role. A socket
// that fails this check is a zombie and gets 4004.
func (m *Manager) ValidateContext(sock *Socket) bool {
	m.mu.RLock()
	sess, ok := m.sessions[sock.UserID]
	owned := ok && sess.containsLocked(sock.ID)
	m.mu.RUnlock()
	if !owned {
		return false
	}
	if !sock.HelloDone() {
		// Capabilities only exist after the handshake.
		return true
	}
	caps := sock.Capabilities()
	if len(caps) == 0 {
		return false
	}
	hasAdmin := false
	for _, c := range caps {
		if c == protocol.CapAdmin {
			hasAdmin = true
		}
	}
	return hasAdmin == (sock.Role == "admin")
}

// Shutdown stops heartbeats, announces SERVER_SHUTDOWN to every socket,
// waits out the drain window, then closes everything with 1001.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
	close(m.stopHeartbeat)

	m.Broadcast(protocol.TypeServerShutdown, protocol.ServerShutdown{
		Type:      protocol.TypeServerShutdown,
		Reason:    "server shutting down",
		Timestamp: protocol.NowMillis(),
	}, "")

	select {
	case <-time.After(m.cfg.DrainTimeout):
	case <-ctx.Done():
	}

	for _, sock := range m.eachSocket() {
		sock.CloseWithCode(protocol.CloseGoingAway, "server shutting down")
	}

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.byConn = make(map[string]*Socket)
	m.mu.Unlock()
}

// Draining reports whether shutdown has begun; new upgrades are rejected.
func (m *Manager) Draining() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.draining
}
