package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Envelope carries the fields common to every inbound frame. Payload fields
// sit flat beside them in the same JSON object.
type Envelope struct {
	Type          FrameType `json:"type"`
	Version       string    `json:"version,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Frame is a decoded, schema-validated inbound frame: the envelope plus the
// typed payload for its frame type (nil for payload-less frames like PING).
type Frame struct {
	Envelope
	Payload any
	Raw     json.RawMessage
}

// Typed payloads, one per inbound frame type that carries data. Schema
// constraints live in validate tags and are enforced by ValidatePayload.

type HelloPayload struct {
	Version string `json:"version" validate:"required,max=16"`
}

type MessageSendPayload struct {
	RecipientID     string `json:"recipientId" validate:"required,max=128"`
	Content         string `json:"content" validate:"required"`
	ClientMessageID string `json:"clientMessageId,omitempty" validate:"omitempty,max=128"`
}

type MessageConfirmPayload struct {
	MessageID string `json:"messageId" validate:"required,max=160"`
}

type MessageEditPayload struct {
	MessageID string `json:"messageId" validate:"required,max=160"`
	Content   string `json:"content" validate:"required"`
}

type MessageDeletePayload struct {
	MessageID string `json:"messageId" validate:"required,max=160"`
}

type MessageReplayPayload struct {
	LastMessageID string `json:"lastMessageId,omitempty" validate:"omitempty,max=160"`
	Limit         int    `json:"limit,omitempty" validate:"omitempty,min=1,max=500"`
}

type ResumePayload struct {
	LastMessageID string `json:"lastMessageId,omitempty" validate:"omitempty,max=160"`
}

type PresencePingPayload struct {
	Status string `json:"status,omitempty" validate:"omitempty,oneof=online away"`
}

type ClientAckPayload struct {
	MessageID string `json:"messageId,omitempty" validate:"omitempty,max=160"`
}

type TypingPayload struct {
	RoomID      string `json:"roomId,omitempty" validate:"omitempty,max=128"`
	RecipientID string `json:"recipientId,omitempty" validate:"omitempty,max=128"`
}

type RoomCreatePayload struct {
	RoomID       string `json:"roomId,omitempty" validate:"omitempty,max=128"`
	Name         string `json:"name" validate:"required,max=256"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty" validate:"omitempty,max=1024"`
}

type RoomTargetPayload struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
}

type RoomMessagePayload struct {
	RoomID          string `json:"roomId" validate:"required,max=128"`
	Content         string `json:"content" validate:"required"`
	ClientMessageID string `json:"clientMessageId,omitempty" validate:"omitempty,max=128"`
}

type RoomUpdateMetaPayload struct {
	RoomID       string `json:"roomId" validate:"required,max=128"`
	Name         string `json:"name,omitempty" validate:"omitempty,max=256"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty" validate:"omitempty,max=1024"`
}

type RoomAddMembersPayload struct {
	RoomID  string   `json:"roomId" validate:"required,max=128"`
	UserIDs []string `json:"userIds" validate:"required,min=1,max=64,dive,required,max=128"`
}

type RoomRemoveMemberPayload struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
	UserID string `json:"userId" validate:"required,max=128"`
}

type RoomSetRolePayload struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
	UserID string `json:"userId" validate:"required,max=128"`
	Role   string `json:"role" validate:"required,oneof=OWNER ADMIN MEMBER"`
}

var payloadFactories = map[FrameType]func() any{
	TypeHello:                   func() any { return &HelloPayload{} },
	TypeMessageSend:             func() any { return &MessageSendPayload{} },
	TypeMessageRead:             func() any { return &MessageConfirmPayload{} },
	TypeMessageReadConfirm:      func() any { return &MessageConfirmPayload{} },
	TypeMessageDeliveredConfirm: func() any { return &MessageConfirmPayload{} },
	TypeMessageEdit:             func() any { return &MessageEditPayload{} },
	TypeMessageDelete:           func() any { return &MessageDeletePayload{} },
	TypeMessageReplay:           func() any { return &MessageReplayPayload{} },
	TypeResume:                  func() any { return &ResumePayload{} },
	TypePresencePing:            func() any { return &PresencePingPayload{} },
	TypeClientAck:               func() any { return &ClientAckPayload{} },
	TypeTypingStart:             func() any { return &TypingPayload{} },
	TypeTypingStop:              func() any { return &TypingPayload{} },
	TypeRoomCreate:              func() any { return &RoomCreatePayload{} },
	TypeRoomJoin:                func() any { return &RoomTargetPayload{} },
	TypeRoomLeave:               func() any { return &RoomTargetPayload{} },
	TypeRoomMessage:             func() any { return &RoomMessagePayload{} },
	TypeRoomInfo:                func() any { return &RoomTargetPayload{} },
	TypeRoomMembers:             func() any { return &RoomTargetPayload{} },
	TypeRoomUpdateMeta:          func() any { return &RoomUpdateMetaPayload{} },
	TypeRoomAddMembers:          func() any { return &RoomAddMembersPayload{} },
	TypeRoomRemoveMember:        func() any { return &RoomRemoveMemberPayload{} },
	TypeRoomSetRole:             func() any { return &RoomSetRolePayload{} },
	TypeRoomDelete:              func() any { return &RoomTargetPayload{} },
	// STATE_SYNC, PING, ROOM_LIST carry no payload.
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrUnknownType is returned when the envelope names a type outside the
// inbound frame set.
var ErrUnknownType = errors.New("unknown frame type")

// DecodeEnvelope parses just the envelope of a raw frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("invalid JSON frame: %w", err)
	}
	if env.Type == "" {
		return env, errors.New("frame missing type")
	}
	return env, nil
}

// DecodeFrame parses and schema-validates a raw inbound frame into its typed
// payload. The envelope must already be known-valid.
func DecodeFrame(env Envelope, raw []byte) (*Frame, error) {
	if !IsKnownInbound(env.Type) {
		return nil, ErrUnknownType
	}

	frame := &Frame{Envelope: env, Raw: json.RawMessage(raw)}

	factory, ok := payloadFactories[env.Type]
	if !ok {
		return frame, nil
	}

	payload := factory()
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("invalid payload for %s: %w", env.Type, err)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("schema violation for %s: %w", env.Type, err)
	}

	frame.Payload = payload
	return frame, nil
}
