package db

import (
	"context"
	"sort"
	"sync"

	"github.com/relaychat/server/internal/v1/protocol"
)

// Memory is an in-process Adapter used by tests and single-node dev mode.
// It enforces the same unique-index and compare-and-set semantics as the
// Postgres adapter.
type Memory struct {
	mu         sync.RWMutex
	messages   map[string]MessageRecord            // messageId → row
	dedupe     map[string]string                   // chatId|senderId|clientMessageId → messageId
	deliveries map[string]DeliveryRecord           // messageId|userId → record
	cursors    map[string]ReadCursor               // userId|chatId → cursor
	rooms      map[string]protocol.RoomSnapshot    // roomId → snapshot

	// FailNext, when set, makes the next mutating call return the error.
	// Test hook.
	FailNext error
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{
		messages:   make(map[string]MessageRecord),
		dedupe:     make(map[string]string),
		deliveries: make(map[string]DeliveryRecord),
		cursors:    make(map[string]ReadCursor),
		rooms:      make(map[string]protocol.RoomSnapshot),
	}
}

func (m *Memory) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func dedupeKey(chatID, senderID, clientMessageID string) string {
	return chatID + "|" + senderID + "|" + clientMessageID
}

func deliveryKey(messageID, userID string) string {
	return messageID + "|" + userID
}

func (m *Memory) SaveMessage(_ context.Context, rec MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}

	if rec.ClientMessageID != "" {
		key := dedupeKey(rec.ChatID, rec.SenderID, rec.ClientMessageID)
		if _, exists := m.dedupe[key]; exists {
			return ErrDuplicate
		}
		m.dedupe[key] = rec.MessageID
	}
	if _, exists := m.messages[rec.MessageID]; exists {
		return ErrDuplicate
	}
	m.messages[rec.MessageID] = rec
	return nil
}

func (m *Memory) GetMessage(_ context.Context, messageID string) (*MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	return &out, nil
}

func (m *Memory) UpdateMessageState(_ context.Context, messageID string, from, to protocol.MessageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}

	rec, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if rec.State != from {
		return ErrConflict
	}
	rec.State = to
	m.messages[messageID] = rec
	return nil
}

func (m *Memory) EditMessageContent(_ context.Context, messageID, content string, editedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}

	rec, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	rec.Content = content
	rec.EditedAt = editedAt
	m.messages[messageID] = rec
	return nil
}

func (m *Memory) SoftDeleteMessage(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}

	rec, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	rec.Deleted = true
	m.messages[messageID] = rec
	return nil
}

func (m *Memory) SaveDelivery(_ context.Context, rec DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}

	key := deliveryKey(rec.MessageID, rec.UserID)
	if existing, ok := m.deliveries[key]; ok && existing.State.AtOrPast(rec.State) {
		return nil // monotonic: never regress
	}
	m.deliveries[key] = rec
	return nil
}

func (m *Memory) MarkMessageDelivered(_ context.Context, messageID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}

	key := deliveryKey(messageID, userID)
	if existing, ok := m.deliveries[key]; ok && existing.State.AtOrPast(protocol.DeliveryDelivered) {
		return true, nil
	}
	m.deliveries[key] = DeliveryRecord{
		MessageID: messageID,
		UserID:    userID,
		State:     protocol.DeliveryDelivered,
		MarkedAt:  protocol.NowMillis(),
	}
	return false, nil
}

func (m *Memory) IsMessageDelivered(_ context.Context, messageID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.deliveries[deliveryKey(messageID, userID)]
	return ok && rec.State.AtOrPast(protocol.DeliveryDelivered), nil
}

func (m *Memory) MarkMessageRead(_ context.Context, messageID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}

	key := deliveryKey(messageID, userID)
	if existing, ok := m.deliveries[key]; ok && existing.State.AtOrPast(protocol.DeliveryRead) {
		return true, nil
	}
	m.deliveries[key] = DeliveryRecord{
		MessageID: messageID,
		UserID:    userID,
		State:     protocol.DeliveryRead,
		MarkedAt:  protocol.NowMillis(),
	}
	return false, nil
}

func (m *Memory) DeliveredRecipients(_ context.Context, roomMessageID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var users []string
	for _, rec := range m.messages {
		if rec.RoomMessageID != roomMessageID || rec.MessageID == roomMessageID {
			continue
		}
		if d, ok := m.deliveries[deliveryKey(rec.MessageID, rec.RecipientID)]; ok && d.State.AtOrPast(protocol.DeliveryDelivered) {
			users = append(users, rec.RecipientID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (m *Memory) UndeliveredMessages(_ context.Context, userID, afterMessageID string, limit int) ([]MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []MessageRecord
	for _, rec := range m.messages {
		if rec.RecipientID != userID || rec.Deleted {
			continue
		}
		if afterMessageID != "" && rec.MessageID <= afterMessageID {
			continue
		}
		if d, ok := m.deliveries[deliveryKey(rec.MessageID, userID)]; ok && d.State.AtOrPast(protocol.DeliveryDelivered) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetReadCursor(_ context.Context, cur ReadCursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[cur.UserID+"|"+cur.ChatID] = cur
	return nil
}

func (m *Memory) GetReadCursor(_ context.Context, userID, chatID string) (*ReadCursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.cursors[userID+"|"+chatID]
	if !ok {
		return nil, ErrNotFound
	}
	out := cur
	return &out, nil
}

func (m *Memory) SaveRoomSnapshot(_ context.Context, snap protocol.RoomSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[snap.RoomID] = snap
	return nil
}

func (m *Memory) DeleteRoomSnapshot(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	return nil
}

func (m *Memory) LoadRoomSnapshots(_ context.Context) ([]protocol.RoomSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.RoomSnapshot, 0, len(m.rooms))
	for _, snap := range m.rooms {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

func (m *Memory) Ping(_ context.Context) error {
	return nil
}
