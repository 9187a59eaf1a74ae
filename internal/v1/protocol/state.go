package protocol

// MessageState is the lifecycle state of a message record.
type MessageState string

const (
	StateSending            MessageState = "SENDING"
	StateSent               MessageState = "SENT"
	StateDelivered          MessageState = "DELIVERED"
	StateRead               MessageState = "READ"
	StateFailedBackpressure MessageState = "FAILED_BACKPRESSURE"
)

// messageRank orders the forward-only lattice. FAILED_BACKPRESSURE sits
// outside the lattice as a terminal failure.
var messageRank = map[MessageState]int{
	StateSending:   0,
	StateSent:      1,
	StateDelivered: 2,
	StateRead:      3,
}

// Rank returns the lattice position of a state, or -1 for terminal failure.
func (s MessageState) Rank() int {
	if r, ok := messageRank[s]; ok {
		return r
	}
	return -1
}

// CanTransition reports whether from→to is a legal single step on the
// message lattice. Skipping (SENDING→DELIVERED, SENT→READ) and reversing are
// illegal. Any pre-terminal state may fail with FAILED_BACKPRESSURE.
func (s MessageState) CanTransition(to MessageState) bool {
	if to == StateFailedBackpressure {
		return s != StateRead && s != StateFailedBackpressure
	}
	fromRank, okFrom := messageRank[s]
	toRank, okTo := messageRank[to]
	if !okFrom || !okTo {
		return false
	}
	return toRank == fromRank+1
}

// AtOrPast reports whether the state already reached the target state.
func (s MessageState) AtOrPast(target MessageState) bool {
	return s.Rank() >= 0 && target.Rank() >= 0 && s.Rank() >= target.Rank()
}

// DeliveryState is the per-recipient delivery record state.
type DeliveryState string

const (
	DeliveryPersisted DeliveryState = "PERSISTED"
	DeliverySent      DeliveryState = "SENT"
	DeliveryDelivered DeliveryState = "DELIVERED"
	DeliveryRead      DeliveryState = "READ"
)

var deliveryRank = map[DeliveryState]int{
	DeliveryPersisted: 0,
	DeliverySent:      1,
	DeliveryDelivered: 2,
	DeliveryRead:      3,
}

// Rank returns the lattice position of a delivery state.
func (s DeliveryState) Rank() int {
	if r, ok := deliveryRank[s]; ok {
		return r
	}
	return -1
}

// AtOrPast reports whether the delivery state already reached the target.
func (s DeliveryState) AtOrPast(target DeliveryState) bool {
	return s.Rank() >= target.Rank()
}

// MessageKind distinguishes direct and room messages.
type MessageKind string

const (
	KindDirect MessageKind = "direct"
	KindRoom   MessageKind = "room"
)

// PresenceStatus is a user's presence state. Only the presence engine writes.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// RoomRole is a member's role in a room.
type RoomRole string

const (
	RoleOwner  RoomRole = "OWNER"
	RoleAdmin  RoomRole = "ADMIN"
	RoleMember RoomRole = "MEMBER"
)

// Capability names the actions a connection context may perform.
type Capability string

const (
	CapSendMessage Capability = "SEND_MESSAGE"
	CapCreateRoom  Capability = "CREATE_ROOM"
	CapAdmin       Capability = "ADMIN"
)

// CapabilitiesForRole derives the capability set from an authenticated role.
// Context is rebuilt from these on every connect; it is never carried across
// reconnects.
func CapabilitiesForRole(role string) []Capability {
	caps := []Capability{CapSendMessage, CapCreateRoom}
	if role == "admin" {
		caps = append(caps, CapAdmin)
	}
	return caps
}
