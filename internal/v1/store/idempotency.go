package store

import "sync"

// RoomDedupeEntry maps one deduped room send to the fan-out it produced.
type RoomDedupeEntry struct {
	RoomMessageID string
	// PerRecipient maps memberId → the per-recipient messageId persisted
	// during the original fan-out.
	PerRecipient map[string]string
}

// IdempotencyIndex remembers (sender, clientMessageId) keys already
// accepted, so retried sends resolve to the original server message IDs.
// Owner: message lifecycle service (direct) and room fan-out (room).
type IdempotencyIndex struct {
	mu     sync.RWMutex
	direct map[string]string          // senderId|clientMessageId → messageId
	room   map[string]RoomDedupeEntry // senderId|roomId|clientMessageId
}

// NewIdempotencyIndex creates an empty index.
func NewIdempotencyIndex() *IdempotencyIndex {
	return &IdempotencyIndex{
		direct: make(map[string]string),
		room:   make(map[string]RoomDedupeEntry),
	}
}

func directKey(senderID, clientMessageID string) string {
	return senderID + "|" + clientMessageID
}

func roomKey(senderID, roomID, clientMessageID string) string {
	return senderID + "|" + roomID + "|" + clientMessageID
}

// LookupDirect returns the messageId a direct send already resolved to.
func (i *IdempotencyIndex) LookupDirect(senderID, clientMessageID string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	id, ok := i.direct[directKey(senderID, clientMessageID)]
	return id, ok
}

// RememberDirect records a direct send's resolved messageId.
func (i *IdempotencyIndex) RememberDirect(senderID, clientMessageID, messageID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.direct[directKey(senderID, clientMessageID)] = messageID
}

// LookupRoom returns the fan-out a room send already resolved to.
func (i *IdempotencyIndex) LookupRoom(senderID, roomID, clientMessageID string) (RoomDedupeEntry, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	entry, ok := i.room[roomKey(senderID, roomID, clientMessageID)]
	return entry, ok
}

// RememberRoom records a room send's resolved fan-out.
func (i *IdempotencyIndex) RememberRoom(senderID, roomID, clientMessageID string, entry RoomDedupeEntry) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.room[roomKey(senderID, roomID, clientMessageID)] = entry
}
