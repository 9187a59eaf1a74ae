// Package replay re-sends messages that never reached a recipient. The
// database delivery marker is checked before anything in memory: a marker
// row is the one source of truth for "this device already has it".
package replay

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/db"
	"github.com/relaychat/server/internal/v1/logging"
	"github.com/relaychat/server/internal/v1/message"
	"github.com/relaychat/server/internal/v1/metrics"
	"github.com/relaychat/server/internal/v1/protocol"
	"github.com/relaychat/server/internal/v1/session"
	"github.com/relaychat/server/internal/v1/store"
)

// Engine replays undelivered messages to a reconnecting socket.
type Engine struct {
	cfg        *config.Config
	adapter    db.Adapter
	deliveries *store.DeliveryStore
	messages   *message.Service
}

// NewEngine wires the replay engine.
func NewEngine(cfg *config.Config, adapter db.Adapter, deliveries *store.DeliveryStore, messages *message.Service) *Engine {
	return &Engine{cfg: cfg, adapter: adapter, deliveries: deliveries, messages: messages}
}

// Replay handles MESSAGE_REPLAY: undelivered rows addressed to the user,
// ascending by message ID, bounded by the requested limit. Individual row
// failures are skipped so one bad row cannot wedge the batch.
func (e *Engine) Replay(ctx context.Context, sock *session.Socket, p *protocol.MessageReplayPayload, correlationID string) protocol.Result {
	limit := p.Limit
	if limit <= 0 {
		limit = e.cfg.ReplayDefaultLimit
	}
	if limit > e.cfg.ReplayMaxLimit {
		limit = e.cfg.ReplayMaxLimit
	}

	if p.LastMessageID != "" {
		if _, err := e.adapter.GetMessage(ctx, p.LastMessageID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return protocol.Fail(protocol.CodeInvalidLastMessageID, "lastMessageId does not name a known message")
			}
			return protocol.Fail(protocol.CodePersistenceError, "replay cursor lookup failed")
		}
	}

	_, _, res := e.replayBatch(ctx, sock, p.LastMessageID, limit, correlationID, p.LastMessageID)
	return res
}

// Resume handles RESUME: a replay with a soft deadline. When the deadline
// passes, the client gets an empty completion instead of an error and can
// issue an explicit MESSAGE_REPLAY later.
func (e *Engine) Resume(ctx context.Context, sock *session.Socket, p *protocol.ResumePayload, correlationID string) protocol.Result {
	deadlineCtx, cancel := context.WithTimeout(ctx, e.cfg.ResumeTimeout)
	defer cancel()

	_, _, res := e.replayBatch(deadlineCtx, sock, p.LastMessageID, e.cfg.ReplayDefaultLimit, correlationID, p.LastMessageID)
	if !res.OK {
		if deadlineCtx.Err() != nil {
			logging.Warn(ctx, "resume replay timed out, degrading to empty batch",
				zap.String("userId", sock.UserID))
			e.sendComplete(sock, nil, "", p.LastMessageID, correlationID)
			return protocol.Ok()
		}
		return res
	}
	return protocol.Ok()
}

// ReplayOnReconnect runs the default replay for the welcome sequence,
// returning how many messages went out.
func (e *Engine) ReplayOnReconnect(ctx context.Context, sock *session.Socket) int {
	count, _, _ := e.replayBatch(ctx, sock, "", e.cfg.ReplayDefaultLimit, "", "")
	return count
}

func (e *Engine) replayBatch(ctx context.Context, sock *session.Socket, after string, limit int, correlationID, requestedAfter string) (int, string, protocol.Result) {
	rows, err := e.adapter.UndeliveredMessages(ctx, sock.UserID, after, limit)
	if err != nil {
		return 0, "", protocol.Fail(protocol.CodePersistenceError, "undelivered message query failed")
	}

	var replayed []json.RawMessage
	lastID := ""
	for _, rec := range rows {
		// Guard one: the durable delivery marker.
		delivered, err := e.adapter.IsMessageDelivered(ctx, rec.MessageID, sock.UserID)
		if err != nil {
			logging.Warn(ctx, "delivery marker check failed, skipping row",
				zap.String("messageId", rec.MessageID), zap.Error(err))
			continue
		}
		if delivered {
			continue
		}
		// Guard two: the in-memory delivery state, which may be ahead of
		// the database inside this process.
		if st, ok := e.deliveries.Get(rec.MessageID, sock.UserID); ok && st.AtOrPast(protocol.DeliveryDelivered) {
			continue
		}

		// A replayed row is delivered on the spot: marker, delivery
		// record, state step, and sender notification land before the
		// frame is queued, so the frame already carries DELIVERED and a
		// second replay finds nothing.
		if !e.messages.MarkReplayDelivered(ctx, &rec, sock.UserID) {
			continue
		}
		rec.State = protocol.StateDelivered

		raw, ok := e.sendRow(sock, rec)
		if !ok {
			continue
		}
		replayed = append(replayed, raw)
		lastID = rec.MessageID
		metrics.MessagesReplayed.Inc()
	}

	e.sendComplete(sock, replayed, lastID, requestedAfter, correlationID)
	return len(replayed), lastID, protocol.Ok()
}

// sendRow replays one row on the requesting socket only.
func (e *Engine) sendRow(sock *session.Socket, rec db.MessageRecord) (json.RawMessage, bool) {
	if rec.MessageType == protocol.KindRoom {
		out := protocol.RoomMessageOut{
			Type:          protocol.TypeRoomMessageOut,
			MessageID:     rec.MessageID,
			RoomMessageID: rec.RoomMessageID,
			RoomID:        rec.RoomID,
			SenderID:      rec.SenderID,
			Content:       rec.Content,
			Timestamp:     rec.Timestamp,
			State:         rec.State,
		}
		if !sock.Send(protocol.TypeRoomMessageOut, out, rec.MessageID) {
			return nil, false
		}
		return protocol.MustEncode(out), true
	}

	out := protocol.MessageReceive{
		Type:        protocol.TypeMessageReceive,
		MessageID:   rec.MessageID,
		SenderID:    rec.SenderID,
		RecipientID: rec.RecipientID,
		Content:     rec.Content,
		Timestamp:   rec.Timestamp,
		State:       rec.State,
	}
	if !sock.Send(protocol.TypeMessageReceive, out, rec.MessageID) {
		return nil, false
	}
	return protocol.MustEncode(out), true
}

func (e *Engine) sendComplete(sock *session.Socket, messages []json.RawMessage, lastID, requestedAfter, correlationID string) {
	raws := make([]json.RawMessage, 0, len(messages))
	raws = append(raws, messages...)
	sock.Send(protocol.TypeMessageReplayComplete, protocol.MessageReplayComplete{
		Type:           protocol.TypeMessageReplayComplete,
		Messages:       raws,
		MessageCount:   len(raws),
		LastMessageID:  lastID,
		RequestedAfter: requestedAfter,
		CorrelationID:  correlationID,
	}, "")
}
