package store

import (
	"sync"

	"k8s.io/utils/set"

	"github.com/relaychat/server/internal/v1/protocol"
)

// DeliveryStore tracks per-recipient delivery states keyed by
// (messageId, userId). Owner: message lifecycle service. States only move
// forward.
type DeliveryStore struct {
	mu     sync.RWMutex
	states map[string]protocol.DeliveryState
}

// NewDeliveryStore creates an empty delivery store.
func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{states: make(map[string]protocol.DeliveryState)}
}

func (s *DeliveryStore) key(messageID, userID string) string {
	return messageID + "|" + userID
}

// Get returns the delivery state for (messageId, userId).
func (s *DeliveryStore) Get(messageID, userID string) (protocol.DeliveryState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[s.key(messageID, userID)]
	return st, ok
}

// Advance moves the delivery state forward; regressions are ignored.
func (s *DeliveryStore) Advance(messageID, userID string, state protocol.DeliveryState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.key(messageID, userID)
	if cur, ok := s.states[key]; ok && cur.AtOrPast(state) {
		return
	}
	s.states[key] = state
}

// RoomDeliveryAggregate tracks completion of a room message's fan-out.
type RoomDeliveryAggregate struct {
	RoomID          string
	SenderID        string
	TotalRecipients int
	Delivered       set.Set[string]
}

// Complete reports whether every recipient confirmed delivery.
func (a *RoomDeliveryAggregate) Complete() bool {
	return a.Delivered.Len() >= a.TotalRecipients
}

// RoomDeliveryStore tracks aggregates keyed by roomMessageId. Owner: room
// fan-out service; the replay engine hydrates cold entries from the
// database through it.
type RoomDeliveryStore struct {
	mu         sync.RWMutex
	aggregates map[string]*RoomDeliveryAggregate
}

// NewRoomDeliveryStore creates an empty aggregate store.
func NewRoomDeliveryStore() *RoomDeliveryStore {
	return &RoomDeliveryStore{aggregates: make(map[string]*RoomDeliveryAggregate)}
}

// Track registers a new fan-out aggregate. Idempotent per roomMessageId.
func (s *RoomDeliveryStore) Track(roomMessageID, roomID, senderID string, totalRecipients int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aggregates[roomMessageID]; ok {
		return
	}
	s.aggregates[roomMessageID] = &RoomDeliveryAggregate{
		RoomID:          roomID,
		SenderID:        senderID,
		TotalRecipients: totalRecipients,
		Delivered:       set.New[string](),
	}
}

// Hydrate registers an aggregate with a pre-populated delivered set, used
// when the store is cold after a restart.
func (s *RoomDeliveryStore) Hydrate(roomMessageID, roomID, senderID string, totalRecipients int, delivered []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aggregates[roomMessageID]; ok {
		return
	}
	s.aggregates[roomMessageID] = &RoomDeliveryAggregate{
		RoomID:          roomID,
		SenderID:        senderID,
		TotalRecipients: totalRecipients,
		Delivered:       set.New(delivered...),
	}
}

// MarkDelivered records a recipient confirmation and returns the updated
// counts. found is false when the aggregate is not tracked (cold store).
func (s *RoomDeliveryStore) MarkDelivered(roomMessageID, userID string) (agg RoomDeliveryAggregate, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggregates[roomMessageID]
	if !ok {
		return RoomDeliveryAggregate{}, false
	}
	a.Delivered.Insert(userID)
	return RoomDeliveryAggregate{
		RoomID:          a.RoomID,
		SenderID:        a.SenderID,
		TotalRecipients: a.TotalRecipients,
		Delivered:       set.New(a.Delivered.UnsortedList()...),
	}, true
}

// Get returns a copy of the aggregate for roomMessageId.
func (s *RoomDeliveryStore) Get(roomMessageID string) (RoomDeliveryAggregate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aggregates[roomMessageID]
	if !ok {
		return RoomDeliveryAggregate{}, false
	}
	return RoomDeliveryAggregate{
		RoomID:          a.RoomID,
		SenderID:        a.SenderID,
		TotalRecipients: a.TotalRecipients,
		Delivered:       set.New(a.Delivered.UnsortedList()...),
	}, true
}

// Forget drops a completed aggregate.
func (s *RoomDeliveryStore) Forget(roomMessageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aggregates, roomMessageID)
}
