// Package transport owns the HTTP edge: it authenticates the WebSocket
// upgrade, hands the connection to the session layer, and runs the
// welcome sequence every new socket receives before its first frame.
package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaychat/server/internal/v1/auth"
	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/logging"
	"github.com/relaychat/server/internal/v1/message"
	"github.com/relaychat/server/internal/v1/presence"
	"github.com/relaychat/server/internal/v1/protocol"
	"github.com/relaychat/server/internal/v1/session"
)

var errOriginNotAllowed = errors.New("origin not allowed")

// resyncDelay gives a reconnecting client a beat to settle before the
// state push starts.
var resyncDelay = 250 * time.Millisecond

// StateSyncer pushes the full state aggregate to a reconnecting socket.
// Implemented by the frame router; set after construction.
type StateSyncer interface {
	PushStateSync(ctx context.Context, sock *session.Socket)
}

// Hub coordinates WebSocket upgrades for the chat server.
type Hub struct {
	cfg            *config.Config
	validator      auth.TokenValidator
	sessions       *session.Manager
	sink           session.FrameSink
	messages       *message.Service
	presence       *presence.Engine
	sync           StateSyncer
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewHub wires the transport layer. The sink is the frame router; it
// receives every inbound frame after the upgrade succeeds.
func NewHub(cfg *config.Config, validator auth.TokenValidator, sessions *session.Manager, sink session.FrameSink, messages *message.Service, pr *presence.Engine) *Hub {
	allowed := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	h := &Hub{
		cfg:            cfg,
		validator:      validator,
		sessions:       sessions,
		sink:           sink,
		messages:       messages,
		presence:       pr,
		allowedOrigins: allowed,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
	}
	return h
}

// ServeWs authenticates the request and upgrades it to a WebSocket.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.sessions.Draining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	token, err := auth.TokenFromRequest(c.Request, h.cfg.JWTCookieName, h.cfg.DevelopmentMode)
	if err != nil {
		logging.Warn(c.Request.Context(), "upgrade without token", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(c.Request.Context(), "token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleConnection(c.Request.Context(), conn, claims)
}

// HandleConnection registers the socket, sends the welcome sequence, and
// starts the read and write pumps.
func (h *Hub) HandleConnection(ctx context.Context, conn *websocket.Conn, claims *auth.CustomClaims) {
	sock := session.NewSocket(protocol.NewConnectionID(), claims.Subject, claims.Role, conn, h.cfg)
	sock.SetOnSendFailure(h.messages.FailBackpressure)

	ctx = logging.WithUserID(ctx, sock.UserID)
	ctx = logging.WithConnectionID(ctx, sock.ID)

	isReconnect, count, err := h.sessions.Register(ctx, sock)
	if err != nil {
		return
	}

	logging.Info(ctx, "WebSocket connected",
		zap.Bool("isReconnect", isReconnect),
		zap.Int("connectionCount", count))

	go sock.WritePump()

	h.sendWelcome(sock, isReconnect, count)
	if isReconnect && h.sync != nil {
		go h.pushResync(ctx, sock)
	}

	go sock.ReadPump(h.cfg.MaxPayloadSize, h.sink)
}

// SetStateSyncer installs the reconnect state-push hook. Call during
// wiring.
func (h *Hub) SetStateSyncer(s StateSyncer) {
	h.sync = s
}

// pushResync waits briefly, then replays the full state aggregate to a
// reconnecting socket, bracketed by RESYNC_START and RESYNC_COMPLETE.
func (h *Hub) pushResync(ctx context.Context, sock *session.Socket) {
	select {
	case <-time.After(resyncDelay):
	case <-sock.Done():
		return
	}
	sock.Send(protocol.TypeResyncStart, protocol.ResyncMarker{
		Type: protocol.TypeResyncStart, Timestamp: protocol.NowMillis(),
	}, "")
	h.sync.PushStateSync(ctx, sock)
	sock.Send(protocol.TypeResyncComplete, protocol.ResyncMarker{
		Type: protocol.TypeResyncComplete, Timestamp: protocol.NowMillis(),
	}, "")
}

// sendWelcome pushes the frames every fresh socket gets before the client
// says anything: capabilities, connection identity, and a presence
// snapshot. Reconnecting sockets additionally get the resync push.
func (h *Hub) sendWelcome(sock *session.Socket, isReconnect bool, count int) {
	caps := protocol.CapabilitiesForRole(sock.Role)
	capNames := make([]string, 0, len(caps))
	for _, c := range caps {
		capNames = append(capNames, string(c))
	}
	sock.Send(protocol.TypeSystemCapabilities, protocol.SystemCapabilities{
		Type:         protocol.TypeSystemCapabilities,
		Capabilities: capNames,
		Role:         sock.Role,
	}, "")

	sock.Send(protocol.TypeConnectionEstablished, protocol.ConnectionEstablished{
		Type:            protocol.TypeConnectionEstablished,
		ConnectionID:    sock.ID,
		IsReconnect:     isReconnect,
		ConnectionCount: count,
	}, "")

	sock.Send(protocol.TypePresenceSnapshot, h.presence.Snapshot(), "")
}

// validateOrigin checks the Origin header against the allowlist. A missing
// header means a non-browser client and is allowed.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return err
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return errOriginNotAllowed
}
