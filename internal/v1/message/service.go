// Package message implements the direct-message lifecycle: accept,
// persist, acknowledge, deliver, confirm, mutate. Persistence strictly
// precedes acknowledgement; every state change is compare-and-set against
// the database, which stays authoritative over the in-memory cache.
package message

import (
	"context"
	"errors"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/db"
	"github.com/relaychat/server/internal/v1/logging"
	"github.com/relaychat/server/internal/v1/metrics"
	"github.com/relaychat/server/internal/v1/protocol"
	"github.com/relaychat/server/internal/v1/session"
	"github.com/relaychat/server/internal/v1/store"
)

// RoomDeliveryHook is called when a room per-recipient row is confirmed
// delivered, so the room service can advance its aggregate. Set after
// construction.
type RoomDeliveryHook func(ctx context.Context, rec db.MessageRecord)

// Service drives a message from SENDING to its terminal state.
type Service struct {
	cfg        *config.Config
	adapter    db.Adapter
	cache      *store.MessageCache
	deliveries *store.DeliveryStore
	idemp      *store.IdempotencyIndex
	sessions   *session.Manager
	sanitizer  *bluemonday.Policy

	onRoomDelivered RoomDeliveryHook
}

// NewService wires the message lifecycle.
func NewService(cfg *config.Config, adapter db.Adapter, cache *store.MessageCache, deliveries *store.DeliveryStore, idemp *store.IdempotencyIndex, sessions *session.Manager) *Service {
	return &Service{
		cfg:        cfg,
		adapter:    adapter,
		cache:      cache,
		deliveries: deliveries,
		idemp:      idemp,
		sessions:   sessions,
		sanitizer:  bluemonday.StrictPolicy(),
	}
}

// SetRoomDeliveryHook installs the room aggregate callback.
func (s *Service) SetRoomDeliveryHook(hook RoomDeliveryHook) {
	s.onRoomDelivered = hook
}

// Sanitize strips markup from user content. Shared with the room service.
func (s *Service) Sanitize(content string) string {
	return s.sanitizer.Sanitize(content)
}

// Cache exposes the message cache for the replay engine.
func (s *Service) Cache() *store.MessageCache {
	return s.cache
}

// Send runs the full accept→persist→ACK→deliver pipeline for one direct
// message on the originating socket.
func (s *Service) Send(ctx context.Context, sock *session.Socket, p *protocol.MessageSendPayload, correlationID string) protocol.Result {
	content := s.Sanitize(p.Content)
	if len(content) == 0 {
		return protocol.Fail(protocol.CodeValidationError, "content is empty after sanitization")
	}
	if len(content) > s.cfg.MaxContentLength {
		return protocol.Fail(protocol.CodeContentTooLong, "content exceeds maximum length")
	}

	// Retried send: answer with the original ACK, flagged duplicate.
	if p.ClientMessageID != "" {
		if msgID, ok := s.idemp.LookupDirect(sock.UserID, p.ClientMessageID); ok {
			s.ackDuplicate(ctx, sock, msgID, p.ClientMessageID, correlationID)
			return protocol.Ok()
		}
	}

	rec := db.MessageRecord{
		MessageID:       protocol.NewMessageID(),
		SenderID:        sock.UserID,
		RecipientID:     p.RecipientID,
		Content:         content,
		Timestamp:       protocol.NowMillis(),
		State:           protocol.StateSending,
		MessageType:     protocol.KindDirect,
		ChatID:          protocol.DirectChatID(sock.UserID, p.RecipientID),
		ClientMessageID: p.ClientMessageID,
	}
	s.cache.Put(rec)

	if res := s.persistAndAck(ctx, sock, rec, correlationID); !res.OK {
		return res
	}
	s.deliver(ctx, sock, rec)
	return protocol.Ok()
}

// persistAndAck writes the row, advances SENDING→SENT, and ACKs the
// originating socket. The ACK never precedes the durable write.
func (s *Service) persistAndAck(ctx context.Context, sock *session.Socket, rec db.MessageRecord, correlationID string) protocol.Result {
	if err := s.adapter.SaveMessage(ctx, rec); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			// Unique-index backstop: another socket won the race.
			s.cache.Delete(rec.MessageID)
			if rec.ClientMessageID != "" {
				if msgID, ok := s.idemp.LookupDirect(rec.SenderID, rec.ClientMessageID); ok {
					s.ackDuplicate(ctx, sock, msgID, rec.ClientMessageID, correlationID)
					return protocol.Ok()
				}
			}
			return protocol.Fail(protocol.CodePersistenceError, "duplicate message")
		}
		metrics.MessagesPersisted.WithLabelValues(string(rec.MessageType), "error").Inc()
		s.cache.Delete(rec.MessageID)
		s.recordDBFailure(ctx, sock)
		return protocol.Fail(protocol.CodePersistenceError, "message could not be persisted")
	}
	metrics.MessagesPersisted.WithLabelValues(string(rec.MessageType), "ok").Inc()

	if rec.ClientMessageID != "" {
		s.idemp.RememberDirect(rec.SenderID, rec.ClientMessageID, rec.MessageID)
	}

	if err := s.adapter.UpdateMessageState(ctx, rec.MessageID, protocol.StateSending, protocol.StateSent); err != nil && !errors.Is(err, db.ErrConflict) {
		s.recordDBFailure(ctx, sock)
		return protocol.Fail(protocol.CodePersistenceError, "message state could not be updated")
	}
	s.cache.AdvanceState(rec.MessageID, protocol.StateSent)
	s.deliveries.Advance(rec.MessageID, rec.RecipientID, protocol.DeliveryPersisted)

	sock.Send(protocol.TypeMessageAck, protocol.MessageAck{
		Type:            protocol.TypeMessageAck,
		MessageID:       rec.MessageID,
		ClientMessageID: rec.ClientMessageID,
		State:           protocol.StateSent,
		Timestamp:       protocol.NowMillis(),
		CorrelationID:   correlationID,
	}, "")
	return protocol.Ok()
}

// deliver pushes the message to the recipient's sockets and mirrors it to
// the sender's other sockets. Sender learns RECIPIENT_OFFLINE immediately;
// DELIVERED waits for the recipient's confirm.
func (s *Service) deliver(ctx context.Context, sock *session.Socket, rec db.MessageRecord) {
	receive := protocol.MessageReceive{
		Type:        protocol.TypeMessageReceive,
		MessageID:   rec.MessageID,
		SenderID:    rec.SenderID,
		RecipientID: rec.RecipientID,
		Content:     rec.Content,
		Timestamp:   rec.Timestamp,
		State:       protocol.StateSent,
	}

	// Multi-device mirror: the sender's other sockets see the message too.
	s.sessions.SendToUser(rec.SenderID, protocol.TypeMessageReceive, receive, "", sock.ID)

	status := protocol.DeliveryStatusRecipientOffline
	if s.sessions.IsOnline(rec.RecipientID) {
		delivered := s.sessions.SendToUser(rec.RecipientID, protocol.TypeMessageReceive, receive, rec.MessageID, "")
		if delivered > 0 {
			s.deliveries.Advance(rec.MessageID, rec.RecipientID, protocol.DeliverySent)
			s.persistDelivery(ctx, rec.MessageID, rec.RecipientID, protocol.DeliverySent)
			return
		}
	}

	logging.Debug(ctx, "recipient offline, message queued for replay",
		zap.String("messageId", rec.MessageID),
		zap.String("recipientId", rec.RecipientID))
	sock.Send(protocol.TypeDeliveryStatus, protocol.DeliveryStatus{
		Type:      protocol.TypeDeliveryStatus,
		MessageID: rec.MessageID,
		Status:    status,
		Timestamp: protocol.NowMillis(),
	}, "")
}

// ackDuplicate answers a retried send with the original message's current
// state.
func (s *Service) ackDuplicate(ctx context.Context, sock *session.Socket, messageID, clientMessageID, correlationID string) {
	state := protocol.StateSent
	if rec, err := s.adapter.GetMessage(ctx, messageID); err == nil {
		state = rec.State
	} else if cached, ok := s.cache.Get(messageID); ok {
		state = cached.State
	}
	sock.Send(protocol.TypeMessageAck, protocol.MessageAck{
		Type:            protocol.TypeMessageAck,
		MessageID:       messageID,
		ClientMessageID: clientMessageID,
		State:           state,
		Timestamp:       protocol.NowMillis(),
		Duplicate:       true,
		CorrelationID:   correlationID,
	}, "")
}

// ConfirmDelivered handles MESSAGE_DELIVERED_CONFIRM from the recipient.
// The database row is re-read first; the cache is never trusted for
// authorization or state decisions.
func (s *Service) ConfirmDelivered(ctx context.Context, sock *session.Socket, messageID string) protocol.Result {
	rec, err := s.adapter.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return protocol.Fail(protocol.CodeMessageNotFound, "unknown message")
		}
		s.recordDBFailure(ctx, sock)
		return protocol.Fail(protocol.CodePersistenceError, "message lookup failed")
	}
	if rec.RecipientID != sock.UserID {
		return protocol.Fail(protocol.CodeForbidden, "only the recipient can confirm delivery")
	}

	already, err := s.adapter.MarkMessageDelivered(ctx, messageID, sock.UserID)
	if err != nil {
		s.recordDBFailure(ctx, sock)
		return protocol.Fail(protocol.CodePersistenceError, "delivery marker could not be written")
	}
	s.deliveries.Advance(messageID, sock.UserID, protocol.DeliveryDelivered)

	if !already {
		s.advanceMessageState(ctx, rec, protocol.StateDelivered)
		if rec.MessageType == protocol.KindRoom && s.onRoomDelivered != nil {
			s.onRoomDelivered(ctx, *rec)
		}
	}
	s.ackConfirm(sock, messageID, protocol.StateDelivered, already)
	return protocol.Ok()
}

// ConfirmRead handles MESSAGE_READ / MESSAGE_READ_CONFIRM. Room
// per-recipient rows reject READ; a direct message still in SENT walks the
// implied DELIVERED step first.
func (s *Service) ConfirmRead(ctx context.Context, sock *session.Socket, messageID string) protocol.Result {
	rec, err := s.adapter.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return protocol.Fail(protocol.CodeMessageNotFound, "unknown message")
		}
		s.recordDBFailure(ctx, sock)
		return protocol.Fail(protocol.CodePersistenceError, "message lookup failed")
	}
	if rec.MessageType == protocol.KindRoom {
		return protocol.Fail(protocol.CodeRoomReadNotSupported, "read receipts are not supported for room messages")
	}
	if rec.RecipientID != sock.UserID {
		return protocol.Fail(protocol.CodeForbidden, "only the recipient can confirm read")
	}

	if rec.State == protocol.StateSent {
		if _, err := s.adapter.MarkMessageDelivered(ctx, messageID, sock.UserID); err != nil {
			s.recordDBFailure(ctx, sock)
			return protocol.Fail(protocol.CodePersistenceError, "delivery marker could not be written")
		}
		s.advanceMessageState(ctx, rec, protocol.StateDelivered)
		rec.State = protocol.StateDelivered
	}

	already, err := s.adapter.MarkMessageRead(ctx, messageID, sock.UserID)
	if err != nil {
		s.recordDBFailure(ctx, sock)
		return protocol.Fail(protocol.CodePersistenceError, "read marker could not be written")
	}
	s.deliveries.Advance(messageID, sock.UserID, protocol.DeliveryRead)

	if !already {
		s.advanceMessageState(ctx, rec, protocol.StateRead)
		s.adapter.SetReadCursor(ctx, db.ReadCursor{
			UserID:            sock.UserID,
			ChatID:            rec.ChatID,
			LastReadMessageID: messageID,
			LastReadAt:        protocol.NowMillis(),
		})
	}
	s.ackConfirm(sock, messageID, protocol.StateRead, already)
	return protocol.Ok()
}

// ackConfirm answers the confirming socket with the resulting state and
// mirrors it to the recipient's other devices. A repeated confirm gets
// the same frame flagged alreadyInState.
func (s *Service) ackConfirm(sock *session.Socket, messageID string, state protocol.MessageState, already bool) {
	out := protocol.MessageStateUpdate{
		Type:           protocol.TypeMessageStateUpdate,
		MessageID:      messageID,
		State:          state,
		UserID:         sock.UserID,
		AlreadyInState: already,
		Timestamp:      protocol.NowMillis(),
	}
	sock.Send(protocol.TypeMessageStateUpdate, out, "")
	s.sessions.SendToUser(sock.UserID, protocol.TypeMessageStateUpdate, out, "", sock.ID)
}

// MarkReplayDelivered records delivery for one replayed row: durable
// marker first, then the delivery record, the state step, and the sender
// notification. Returns false when the marker write fails so the replay
// loop can skip the row.
func (s *Service) MarkReplayDelivered(ctx context.Context, rec *db.MessageRecord, userID string) bool {
	already, err := s.adapter.MarkMessageDelivered(ctx, rec.MessageID, userID)
	if err != nil {
		logging.Warn(ctx, "replay delivery marker write failed",
			zap.String("messageId", rec.MessageID), zap.Error(err))
		return false
	}
	s.deliveries.Advance(rec.MessageID, userID, protocol.DeliveryDelivered)

	if !already {
		s.advanceMessageState(ctx, rec, protocol.StateDelivered)
		if rec.MessageType == protocol.KindRoom && s.onRoomDelivered != nil {
			s.onRoomDelivered(ctx, *rec)
		}
	}
	return true
}

// advanceMessageState CAS-steps the row to the target state and notifies
// the sender's sockets. Losing the CAS means someone else already advanced
// it; that is not an error.
func (s *Service) advanceMessageState(ctx context.Context, rec *db.MessageRecord, to protocol.MessageState) {
	if !rec.State.CanTransition(to) {
		return
	}
	if err := s.adapter.UpdateMessageState(ctx, rec.MessageID, rec.State, to); err != nil {
		if !errors.Is(err, db.ErrConflict) {
			logging.Error(ctx, "message state update failed",
				zap.String("messageId", rec.MessageID), zap.Error(err))
		}
		return
	}
	s.cache.AdvanceState(rec.MessageID, to)

	s.sessions.SendToUser(rec.SenderID, protocol.TypeMessageStateUpdate, protocol.MessageStateUpdate{
		Type:      protocol.TypeMessageStateUpdate,
		MessageID: rec.MessageID,
		State:     to,
		UserID:    rec.RecipientID,
		Timestamp: protocol.NowMillis(),
	}, "", "")
}

// Edit handles MESSAGE_EDIT. Sender-only.
func (s *Service) Edit(ctx context.Context, sock *session.Socket, p *protocol.MessageEditPayload) protocol.Result {
	rec, err := s.adapter.GetMessage(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return protocol.Fail(protocol.CodeMessageNotFound, "unknown message")
		}
		s.recordDBFailure(ctx, sock)
		return protocol.Fail(protocol.CodePersistenceError, "message lookup failed")
	}
	if rec.SenderID != sock.UserID {
		return protocol.Fail(protocol.CodeForbidden, "only the sender can edit a message")
	}
	if rec.Deleted {
		return protocol.Fail(protocol.CodeMessageNotFound, "message was deleted")
	}

	content := s.Sanitize(p.Content)
	if len(content) == 0 {
		return protocol.Fail(protocol.CodeValidationError, "content is empty after sanitization")
	}
	if len(content) > s.cfg.MaxContentLength {
		return protocol.Fail(protocol.CodeContentTooLong, "content exceeds maximum length")
	}

	editedAt := protocol.NowMillis()
	if err := s.adapter.EditMessageContent(ctx, p.MessageID, content, editedAt); err != nil {
		s.recordDBFailure(ctx, sock)
		return protocol.Fail(protocol.CodePersistenceError, "edit could not be persisted")
	}
	if cached, ok := s.cache.Get(p.MessageID); ok {
		cached.Content = content
		cached.EditedAt = editedAt
		s.cache.Put(cached)
	}

	s.broadcastMutation(sock, rec, "edit", content)
	return protocol.Ok()
}

// Delete handles MESSAGE_DELETE. Sender-only; the row is tombstoned, not
// removed, so replay stays consistent.
func (s *Service) Delete(ctx context.Context, sock *session.Socket, messageID string) protocol.Result {
	rec, err := s.adapter.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return protocol.Fail(protocol.CodeMessageNotFound, "unknown message")
		}
		s.recordDBFailure(ctx, sock)
		return protocol.Fail(protocol.CodePersistenceError, "message lookup failed")
	}
	if rec.SenderID != sock.UserID {
		return protocol.Fail(protocol.CodeForbidden, "only the sender can delete a message")
	}

	if err := s.adapter.SoftDeleteMessage(ctx, messageID); err != nil {
		s.recordDBFailure(ctx, sock)
		return protocol.Fail(protocol.CodePersistenceError, "delete could not be persisted")
	}
	if cached, ok := s.cache.Get(messageID); ok {
		cached.Deleted = true
		s.cache.Put(cached)
	}

	s.broadcastMutation(sock, rec, "delete", "")
	return protocol.Ok()
}

// broadcastMutation tells the counterparty and acknowledges the mutating
// socket.
func (s *Service) broadcastMutation(sock *session.Socket, rec *db.MessageRecord, mutation, content string) {
	now := protocol.NowMillis()
	out := protocol.MessageMutation{
		Type:      protocol.TypeMessageMutation,
		MessageID: rec.MessageID,
		Mutation:  mutation,
		Content:   content,
		Timestamp: now,
	}
	s.sessions.SendToUser(rec.RecipientID, protocol.TypeMessageMutation, out, "", "")
	s.sessions.SendToUser(rec.SenderID, protocol.TypeMessageMutation, out, "", sock.ID)

	sock.Send(protocol.TypeMessageMutationAck, protocol.MessageMutationAck{
		Type:      protocol.TypeMessageMutationAck,
		MessageID: rec.MessageID,
		Mutation:  mutation,
		Timestamp: now,
	}, "")
}

// FailBackpressure moves a message whose outbound frame was shed to the
// FAILED_BACKPRESSURE terminal state and tells the sender. Wired as the
// socket's shed-frame callback.
func (s *Service) FailBackpressure(messageID string) {
	ctx := context.Background()
	rec, err := s.adapter.GetMessage(ctx, messageID)
	if err != nil {
		return
	}
	if rec.State.Rank() >= protocol.StateDelivered.Rank() || rec.State == protocol.StateFailedBackpressure {
		return
	}
	if err := s.adapter.UpdateMessageState(ctx, messageID, rec.State, protocol.StateFailedBackpressure); err != nil {
		return
	}
	s.cache.AdvanceState(messageID, protocol.StateFailedBackpressure)

	s.sessions.SendToUser(rec.SenderID, protocol.TypeMessageStateUpdate, protocol.MessageStateUpdate{
		Type:      protocol.TypeMessageStateUpdate,
		MessageID: messageID,
		State:     protocol.StateFailedBackpressure,
		UserID:    rec.RecipientID,
		Timestamp: protocol.NowMillis(),
	}, "", "")
	s.sessions.SendToUser(rec.SenderID, protocol.TypeError, protocol.NewError(
		protocol.CodeRecipientBufferFull, "the recipient's buffer is full; the message was not delivered", ""), "", "")
}

// PersistRecord saves an already-built row and advances it to SENT. Used
// by the room fan-out for per-recipient rows.
func (s *Service) PersistRecord(ctx context.Context, rec db.MessageRecord) error {
	if err := s.adapter.SaveMessage(ctx, rec); err != nil {
		metrics.MessagesPersisted.WithLabelValues(string(rec.MessageType), "error").Inc()
		return err
	}
	metrics.MessagesPersisted.WithLabelValues(string(rec.MessageType), "ok").Inc()
	if err := s.adapter.UpdateMessageState(ctx, rec.MessageID, protocol.StateSending, protocol.StateSent); err != nil && !errors.Is(err, db.ErrConflict) {
		return err
	}
	rec.State = protocol.StateSent
	s.cache.Put(rec)
	s.deliveries.Advance(rec.MessageID, rec.RecipientID, protocol.DeliveryPersisted)
	return nil
}

// persistDelivery mirrors an in-memory delivery advance to the database.
func (s *Service) persistDelivery(ctx context.Context, messageID, userID string, state protocol.DeliveryState) {
	err := s.adapter.SaveDelivery(ctx, db.DeliveryRecord{
		MessageID: messageID,
		UserID:    userID,
		State:     state,
		MarkedAt:  protocol.NowMillis(),
	})
	if err != nil {
		logging.Error(ctx, "delivery record write failed",
			zap.String("messageId", messageID), zap.Error(err))
	}
}

// recordDBFailure counts a persistence failure on the socket and closes it
// once the failure budget inside the window is spent.
func (s *Service) recordDBFailure(ctx context.Context, sock *session.Socket) {
	if sock == nil {
		return
	}
	if sock.RecordDBFailure(s.cfg.DBFailureWindow, s.cfg.DBFailuresBeforeClose) {
		logging.Warn(ctx, "closing socket after repeated persistence failures",
			zap.String("connectionId", sock.ID), zap.String("userId", sock.UserID))
		sock.CloseWithCode(protocol.CloseInternalError, "persistent storage failures")
	}
}
