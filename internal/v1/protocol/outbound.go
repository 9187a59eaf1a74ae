package protocol

import "encoding/json"

// Outbound payloads. Every outbound frame carries "type"; constructors fill
// it so handlers cannot emit an untagged frame.

type HelloAck struct {
	Type          FrameType `json:"type"`
	Version       string    `json:"version"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

func NewHelloAck(version, correlationID string) HelloAck {
	return HelloAck{Type: TypeHelloAck, Version: version, CorrelationID: correlationID}
}

type Pong struct {
	Type      FrameType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

func NewPong() Pong {
	return Pong{Type: TypePong, Timestamp: NowMillis()}
}

type MessageAck struct {
	Type            FrameType    `json:"type"`
	MessageID       string       `json:"messageId"`
	ClientMessageID string       `json:"clientMessageId,omitempty"`
	State           MessageState `json:"state"`
	Timestamp       int64        `json:"timestamp"`
	Duplicate       bool         `json:"duplicate,omitempty"`
	CorrelationID   string       `json:"correlationId,omitempty"`
}

type MessageNack struct {
	Type        FrameType `json:"type"`
	ClientMsgID string    `json:"clientMsgId,omitempty"`
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	ServerTs    int64     `json:"serverTs"`
}

func NewMessageNack(clientMsgID string, code ErrorCode, message string) MessageNack {
	return MessageNack{
		Type:        TypeMessageNack,
		ClientMsgID: clientMsgID,
		Code:        code,
		Message:     message,
		ServerTs:    NowMillis(),
	}
}

type MessageReceive struct {
	Type          FrameType    `json:"type"`
	MessageID     string       `json:"messageId"`
	SenderID      string       `json:"senderId"`
	RecipientID   string       `json:"recipientId"`
	Content       string       `json:"content"`
	Timestamp     int64        `json:"timestamp"`
	State         MessageState `json:"state"`
	CorrelationID string       `json:"correlationId,omitempty"`
}

type DeliveryStatus struct {
	Type      FrameType `json:"type"`
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"` // DELIVERED or RECIPIENT_OFFLINE
	Timestamp int64     `json:"timestamp"`
}

const (
	DeliveryStatusDelivered        = "DELIVERED"
	DeliveryStatusRecipientOffline = "RECIPIENT_OFFLINE"
)

type MessageStateUpdate struct {
	Type           FrameType    `json:"type"`
	MessageID      string       `json:"messageId"`
	State          MessageState `json:"state"`
	UserID         string       `json:"userId,omitempty"`
	AlreadyInState bool         `json:"alreadyInState,omitempty"`
	Timestamp      int64        `json:"timestamp"`
}

type MessageMutation struct {
	Type      FrameType `json:"type"`
	MessageID string    `json:"messageId"`
	Mutation  string    `json:"mutation"` // edit or delete
	Content   string    `json:"content,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

type MessageMutationAck struct {
	Type      FrameType `json:"type"`
	MessageID string    `json:"messageId"`
	Mutation  string    `json:"mutation"`
	Timestamp int64     `json:"timestamp"`
}

type RoomMessageOut struct {
	Type          FrameType    `json:"type"`
	MessageID     string       `json:"messageId"`
	RoomMessageID string       `json:"roomMessageId"`
	RoomID        string       `json:"roomId"`
	SenderID      string       `json:"senderId"`
	Content       string       `json:"content"`
	Timestamp     int64        `json:"timestamp"`
	State         MessageState `json:"state"`
	CorrelationID string       `json:"correlationId,omitempty"`
}

type RoomDeliveryUpdate struct {
	Type            FrameType `json:"type"`
	RoomMessageID   string    `json:"roomMessageId"`
	RoomID          string    `json:"roomId"`
	DeliveredCount  int       `json:"deliveredCount"`
	TotalRecipients int       `json:"totalRecipients"`
	Complete        bool      `json:"complete"`
	Timestamp       int64     `json:"timestamp"`
}

// RoomSnapshot is the wire representation of a room's current state.
type RoomSnapshot struct {
	RoomID       string              `json:"roomId"`
	Name         string              `json:"name"`
	ThumbnailURL string              `json:"thumbnailUrl,omitempty"`
	CreatedAt    int64               `json:"createdAt"`
	CreatedBy    string              `json:"createdBy"`
	Members      []string            `json:"members"`
	Roles        map[string]RoomRole `json:"roles"`
	Version      int64               `json:"version"`
	UpdatedAt    int64               `json:"updatedAt"`
}

type RoomEvent struct {
	Type FrameType    `json:"type"`
	Room RoomSnapshot `json:"room"`
}

type RoomDeleted struct {
	Type   FrameType `json:"type"`
	RoomID string    `json:"roomId"`
}

type RoomsSnapshot struct {
	Type  FrameType      `json:"type"`
	Rooms []RoomSnapshot `json:"rooms"`
}

type RoomMembersResponse struct {
	Type    FrameType           `json:"type"`
	RoomID  string              `json:"roomId"`
	Members []string            `json:"members"`
	Roles   map[string]RoomRole `json:"roles"`
}

type PresenceUpdate struct {
	Type     FrameType      `json:"type"`
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"`
}

type PresenceEntry struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"`
}

type PresenceSnapshot struct {
	Type  FrameType       `json:"type"`
	Users []PresenceEntry `json:"users"`
}

type TypingEvent struct {
	Type        FrameType `json:"type"`
	UserID      string    `json:"userId"`
	RoomID      string    `json:"roomId,omitempty"`
	RecipientID string    `json:"recipientId,omitempty"`
	Timestamp   int64     `json:"timestamp"`
}

type MessageReplayComplete struct {
	Type           FrameType        `json:"type"`
	Messages       []json.RawMessage `json:"messages"`
	MessageCount   int              `json:"messageCount"`
	LastMessageID  string           `json:"lastMessageId,omitempty"`
	RequestedAfter string           `json:"requestedAfter,omitempty"`
	CorrelationID  string           `json:"correlationId,omitempty"`
}

type StateSyncResponse struct {
	Type          FrameType        `json:"type"`
	Presence      PresenceSnapshot `json:"presence"`
	Rooms         RoomsSnapshot    `json:"rooms"`
	ReplayedCount int              `json:"replayedCount"`
	Timestamp     int64            `json:"timestamp"`
}

type ResyncMarker struct {
	Type      FrameType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

type RateLimitWarning struct {
	Type      FrameType `json:"type"`
	Remaining int       `json:"remaining"`
	ResetMs   int64     `json:"resetMs"`
}

type SystemCapabilities struct {
	Type         FrameType `json:"type"`
	Capabilities []string  `json:"capabilities"`
	Role         string    `json:"role"`
}

type ConnectionEstablished struct {
	Type            FrameType `json:"type"`
	ConnectionID    string    `json:"connectionId"`
	IsReconnect     bool      `json:"isReconnect"`
	ConnectionCount int       `json:"connectionCount"`
}

type ServerShutdown struct {
	Type      FrameType `json:"type"`
	Reason    string    `json:"reason"`
	Timestamp int64     `json:"timestamp"`
}

type ErrorFrame struct {
	Type          FrameType `json:"type"`
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	RetryAfterMs  int64     `json:"retryAfterMs,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     int64     `json:"timestamp"`
}

// NewError builds an ERROR frame.
func NewError(code ErrorCode, message, correlationID string) ErrorFrame {
	return ErrorFrame{
		Type:          TypeError,
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Timestamp:     NowMillis(),
	}
}

// NewMessageError builds a MESSAGE_ERROR frame, used by the message pipeline
// and the replay engine for persistence-level failures.
func NewMessageError(code ErrorCode, message, correlationID string) ErrorFrame {
	f := NewError(code, message, correlationID)
	f.Type = TypeMessageError
	return f
}

// Encode marshals an outbound payload to its wire bytes.
func Encode(payload any) ([]byte, error) {
	return json.Marshal(payload)
}

// MustEncode marshals an outbound payload built from known structs; the
// payload types above cannot fail to marshal.
func MustEncode(payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return data
}
