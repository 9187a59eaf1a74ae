// Package presence owns the presence map. All status transitions flow
// through the engine; a user going offline passes through a grace window
// first so a quick reconnect is invisible to everyone else.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/logging"
	"github.com/relaychat/server/internal/v1/metrics"
	"github.com/relaychat/server/internal/v1/protocol"
	"github.com/relaychat/server/internal/v1/session"
	"github.com/relaychat/server/internal/v1/store"
)

// Engine implements session.PresenceNotifier.
type Engine struct {
	cfg      *config.Config
	sessions *session.Manager
	presence *store.PresenceStore

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewEngine wires the presence engine.
func NewEngine(cfg *config.Config, sessions *session.Manager, presence *store.PresenceStore) *Engine {
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		presence: presence,
		timers:   make(map[string]*time.Timer),
	}
}

// HandleConnect marks the user online and cancels any pending offline
// timer. Called by the session manager when a user's first socket lands.
func (e *Engine) HandleConnect(ctx context.Context, userID string) {
	e.cancelTimer(userID)
	e.setStatus(ctx, userID, protocol.PresenceOnline)
}

// HandleDisconnect starts the offline grace window. The user only goes
// offline if no socket comes back before it elapses.
func (e *Engine) HandleDisconnect(ctx context.Context, userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[userID]; ok {
		t.Stop()
	}
	e.timers[userID] = time.AfterFunc(e.cfg.PresenceOfflineGrace, func() {
		e.mu.Lock()
		delete(e.timers, userID)
		e.mu.Unlock()

		if e.sessions.IsOnline(userID) {
			return // reconnected inside the grace window
		}
		e.setStatus(context.Background(), userID, protocol.PresenceOffline)
	})
}

// SetStatus handles PRESENCE_PING: an explicit online/away signal from a
// live socket.
func (e *Engine) SetStatus(ctx context.Context, userID string, status protocol.PresenceStatus) protocol.Result {
	if status != protocol.PresenceOnline && status != protocol.PresenceAway {
		return protocol.Fail(protocol.CodeValidationError, "status must be online or away")
	}
	if !e.sessions.IsOnline(userID) {
		return protocol.Fail(protocol.CodeInvalidTransition, "no live socket for this user")
	}
	e.setStatus(ctx, userID, status)
	return protocol.Ok()
}

// setStatus writes the store and broadcasts only on an actual change.
func (e *Engine) setStatus(ctx context.Context, userID string, status protocol.PresenceStatus) {
	now := protocol.NowMillis()
	prev, changed := e.presence.Set(userID, status, now)
	if !changed {
		return
	}
	metrics.PresenceTransitions.WithLabelValues(string(status)).Inc()
	logging.Debug(ctx, "presence transition",
		zap.String("userId", userID),
		zap.String("from", string(prev)),
		zap.String("to", string(status)))

	e.sessions.Broadcast(protocol.TypePresenceUpdate, protocol.PresenceUpdate{
		Type:     protocol.TypePresenceUpdate,
		UserID:   userID,
		Status:   status,
		LastSeen: now,
	}, "")
}

// Snapshot returns the presence map as wire entries, non-offline users
// only.
func (e *Engine) Snapshot() protocol.PresenceSnapshot {
	records := e.presence.Snapshot()
	users := make([]protocol.PresenceEntry, 0, len(records))
	for _, rec := range records {
		if rec.Status == protocol.PresenceOffline {
			continue
		}
		users = append(users, protocol.PresenceEntry{
			UserID:   rec.UserID,
			Status:   rec.Status,
			LastSeen: rec.LastSeen,
		})
	}
	return protocol.PresenceSnapshot{Type: protocol.TypePresenceSnapshot, Users: users}
}

func (e *Engine) cancelTimer(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[userID]; ok {
		t.Stop()
		delete(e.timers, userID)
	}
}

// Stop cancels all pending offline timers. Used at shutdown.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for userID, t := range e.timers {
		t.Stop()
		delete(e.timers, userID)
	}
}
