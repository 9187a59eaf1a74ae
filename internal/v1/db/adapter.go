// Package db defines the persistence adapter contract of the chat core and
// its Postgres and in-memory implementations. The adapter is the
// authoritative record for messages, per-recipient delivery markers, read
// cursors, and room snapshots; all services reach storage through it.
package db

import (
	"context"
	"errors"

	"github.com/relaychat/server/internal/v1/protocol"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint is violated,
	// notably (chatId, senderId, clientMessageId).
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict is returned when a compare-and-set state update loses.
	ErrConflict = errors.New("state conflict")
)

// MessageRecord is the persisted message row.
type MessageRecord struct {
	MessageID       string
	SenderID        string
	RecipientID     string
	Content         string
	Timestamp       int64
	State           protocol.MessageState
	MessageType     protocol.MessageKind
	RoomID          string
	RoomMessageID   string
	ChatID          string
	ClientMessageID string
	Deleted         bool
	EditedAt        int64
}

// DeliveryRecord is the persisted per-recipient delivery marker.
type DeliveryRecord struct {
	MessageID string
	UserID    string
	State     protocol.DeliveryState
	MarkedAt  int64
}

// ReadCursor is the persisted per-(user, chat) read position.
type ReadCursor struct {
	UserID            string
	ChatID            string
	LastReadMessageID string
	LastReadAt        int64
}

// Adapter is the storage contract. Implementations serialize their own
// calls; UpdateMessageState is a compare-and-set so retrieve-then-write
// sequences around a message serialize at the row.
type Adapter interface {
	// SaveMessage persists a message row. Returns ErrDuplicate when the
	// (chatId, senderId, clientMessageId) unique index is violated.
	SaveMessage(ctx context.Context, rec MessageRecord) error
	GetMessage(ctx context.Context, messageID string) (*MessageRecord, error)
	// UpdateMessageState transitions a message from→to atomically. Returns
	// ErrConflict when the stored state is not `from`.
	UpdateMessageState(ctx context.Context, messageID string, from, to protocol.MessageState) error
	EditMessageContent(ctx context.Context, messageID, content string, editedAt int64) error
	SoftDeleteMessage(ctx context.Context, messageID string) error

	// SaveDelivery creates or advances a per-recipient delivery record.
	SaveDelivery(ctx context.Context, rec DeliveryRecord) error
	// MarkMessageDelivered sets the delivered marker for (messageID, userID).
	// Returns already=true when the marker was previously set.
	MarkMessageDelivered(ctx context.Context, messageID, userID string) (already bool, err error)
	IsMessageDelivered(ctx context.Context, messageID, userID string) (bool, error)
	MarkMessageRead(ctx context.Context, messageID, userID string) (already bool, err error)
	// DeliveredRecipients returns the user IDs with a delivered (or read)
	// marker for the given room message's per-recipient rows.
	DeliveredRecipients(ctx context.Context, roomMessageID string) ([]string, error)

	// UndeliveredMessages returns messages addressed to userID with
	// messageId strictly greater than afterMessageID (empty = from start),
	// ordered ascending, bounded by limit.
	UndeliveredMessages(ctx context.Context, userID, afterMessageID string, limit int) ([]MessageRecord, error)

	SetReadCursor(ctx context.Context, cur ReadCursor) error
	GetReadCursor(ctx context.Context, userID, chatID string) (*ReadCursor, error)

	SaveRoomSnapshot(ctx context.Context, snap protocol.RoomSnapshot) error
	DeleteRoomSnapshot(ctx context.Context, roomID string) error
	LoadRoomSnapshots(ctx context.Context) ([]protocol.RoomSnapshot, error)

	Ping(ctx context.Context) error
}
