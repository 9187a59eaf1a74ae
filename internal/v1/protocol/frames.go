// Package protocol defines the wire protocol of the chat core: the tagged
// sum of inbound frames, the outbound payload set, message and delivery
// state machines, error taxonomy, and close codes.
package protocol

// FrameType tags every frame on the wire.
type FrameType string

// Inbound frame types.
const (
	TypeHello                   FrameType = "HELLO"
	TypeMessageSend             FrameType = "MESSAGE_SEND"
	TypeMessageRead             FrameType = "MESSAGE_READ"
	TypeMessageReadConfirm      FrameType = "MESSAGE_READ_CONFIRM"
	TypeMessageDeliveredConfirm FrameType = "MESSAGE_DELIVERED_CONFIRM"
	TypeMessageEdit             FrameType = "MESSAGE_EDIT"
	TypeMessageDelete           FrameType = "MESSAGE_DELETE"
	TypeMessageReplay           FrameType = "MESSAGE_REPLAY"
	TypeStateSync               FrameType = "STATE_SYNC"
	TypeResume                  FrameType = "RESUME"
	TypePresencePing            FrameType = "PRESENCE_PING"
	TypeClientAck               FrameType = "CLIENT_ACK"
	TypePing                    FrameType = "PING"
	TypeTypingStart             FrameType = "TYPING_START"
	TypeTypingStop              FrameType = "TYPING_STOP"
	TypeRoomCreate              FrameType = "ROOM_CREATE"
	TypeRoomJoin                FrameType = "ROOM_JOIN"
	TypeRoomLeave               FrameType = "ROOM_LEAVE"
	TypeRoomMessage             FrameType = "ROOM_MESSAGE"
	TypeRoomInfo                FrameType = "ROOM_INFO"
	TypeRoomList                FrameType = "ROOM_LIST"
	TypeRoomMembers             FrameType = "ROOM_MEMBERS"
	TypeRoomUpdateMeta          FrameType = "ROOM_UPDATE_META"
	TypeRoomAddMembers          FrameType = "ROOM_ADD_MEMBERS"
	TypeRoomRemoveMember        FrameType = "ROOM_REMOVE_MEMBER"
	TypeRoomSetRole             FrameType = "ROOM_SET_ROLE"
	TypeRoomDelete              FrameType = "ROOM_DELETE"
)

// Outbound frame types.
const (
	TypeHelloAck              FrameType = "HELLO_ACK"
	TypePong                  FrameType = "PONG"
	TypeMessageAck            FrameType = "MESSAGE_ACK"
	TypeMessageNack           FrameType = "MESSAGE_NACK"
	TypeMessageReceive        FrameType = "MESSAGE_RECEIVE"
	TypeDeliveryStatus        FrameType = "DELIVERY_STATUS"
	TypeMessageStateUpdate    FrameType = "MESSAGE_STATE_UPDATE"
	TypeMessageReadOut        FrameType = "MESSAGE_READ_NOTIFY"
	TypeMessageMutation       FrameType = "MESSAGE_MUTATION"
	TypeMessageMutationAck    FrameType = "MESSAGE_MUTATION_ACK"
	TypeRoomMessageOut        FrameType = "ROOM_MESSAGE"
	TypeRoomDeliveryUpdate    FrameType = "ROOM_DELIVERY_UPDATE"
	TypeRoomCreated           FrameType = "ROOM_CREATED"
	TypeRoomMembersUpdated    FrameType = "ROOM_MEMBERS_UPDATED"
	TypeRoomUpdated           FrameType = "ROOM_UPDATED"
	TypeRoomDeleted           FrameType = "ROOM_DELETED"
	TypeRoomInfoResponse      FrameType = "ROOM_INFO_RESPONSE"
	TypeRoomsSnapshot         FrameType = "ROOMS_SNAPSHOT"
	TypeRoomMembersResponse   FrameType = "ROOM_MEMBERS_RESPONSE"
	TypePresenceUpdate        FrameType = "PRESENCE_UPDATE"
	TypePresenceSnapshot      FrameType = "PRESENCE_SNAPSHOT"
	TypeTypingStartOut        FrameType = "TYPING_START"
	TypeTypingStopOut         FrameType = "TYPING_STOP"
	TypeMessageReplayComplete FrameType = "MESSAGE_REPLAY_COMPLETE"
	TypeStateSyncResponse     FrameType = "STATE_SYNC_RESPONSE"
	TypeResyncStart           FrameType = "RESYNC_START"
	TypeResyncComplete        FrameType = "RESYNC_COMPLETE"
	TypeRateLimitWarning      FrameType = "RATE_LIMIT_WARNING"
	TypeSystemCapabilities    FrameType = "SYSTEM_CAPABILITIES"
	TypeConnectionEstablished FrameType = "CONNECTION_ESTABLISHED"
	TypeServerShutdown        FrameType = "SERVER_SHUTDOWN"
	TypeError                 FrameType = "ERROR"
	TypeMessageError          FrameType = "MESSAGE_ERROR"
)

// noiseTypes bypass the generic per-socket rate limiter. Typing has its own
// sliding limiter; the rest are acknowledgement or liveness traffic.
var noiseTypes = map[FrameType]struct{}{
	TypePing:                    {},
	TypeClientAck:               {},
	TypeMessageDeliveredConfirm: {},
	TypeMessageReadConfirm:      {},
	TypeMessageRead:             {},
	TypePresencePing:            {},
	TypeResume:                  {},
	TypeStateSync:               {},
	TypeMessageReplay:           {},
	TypeTypingStart:             {},
	TypeTypingStop:              {},
}

// IsNoise reports whether the frame type bypasses the generic limiter.
func IsNoise(t FrameType) bool {
	_, ok := noiseTypes[t]
	return ok
}

// sendTypes are subject to the stricter send-only fixed window.
var sendTypes = map[FrameType]struct{}{
	TypeMessageSend: {},
	TypeRoomMessage: {},
}

// IsSend reports whether the frame type counts against the send-only window.
func IsSend(t FrameType) bool {
	_, ok := sendTypes[t]
	return ok
}

// sensitiveTypes are room-admin actions under the stricter per-user window.
var sensitiveTypes = map[FrameType]struct{}{
	TypeRoomCreate:       {},
	TypeRoomDelete:       {},
	TypeRoomSetRole:      {},
	TypeRoomRemoveMember: {},
	TypeRoomAddMembers:   {},
}

// IsSensitive reports whether the frame type is a sensitive room-admin action.
func IsSensitive(t FrameType) bool {
	_, ok := sensitiveTypes[t]
	return ok
}

// IsTyping reports whether the frame type is a typing indicator.
func IsTyping(t FrameType) bool {
	return t == TypeTypingStart || t == TypeTypingStop
}

// knownInbound is the total set of frames the router dispatches.
var knownInbound = map[FrameType]struct{}{
	TypeHello: {}, TypeMessageSend: {}, TypeMessageRead: {},
	TypeMessageReadConfirm: {}, TypeMessageDeliveredConfirm: {},
	TypeMessageEdit: {}, TypeMessageDelete: {}, TypeMessageReplay: {},
	TypeStateSync: {}, TypeResume: {}, TypePresencePing: {},
	TypeClientAck: {}, TypePing: {}, TypeTypingStart: {}, TypeTypingStop: {},
	TypeRoomCreate: {}, TypeRoomJoin: {}, TypeRoomLeave: {},
	TypeRoomMessage: {}, TypeRoomInfo: {}, TypeRoomList: {},
	TypeRoomMembers: {}, TypeRoomUpdateMeta: {}, TypeRoomAddMembers: {},
	TypeRoomRemoveMember: {}, TypeRoomSetRole: {}, TypeRoomDelete: {},
}

// IsKnownInbound reports whether the type is part of the inbound frame set.
func IsKnownInbound(t FrameType) bool {
	_, ok := knownInbound[t]
	return ok
}
