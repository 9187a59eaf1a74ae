package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/server/internal/v1/db"
	"github.com/relaychat/server/internal/v1/protocol"
)

func TestMessageCache_PutGetDelete(t *testing.T) {
	c := NewMessageCache()

	rec := db.MessageRecord{MessageID: "m1", SenderID: "alice", State: protocol.StateSending}
	c.Put(rec)

	got, ok := c.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, 1, c.Len())

	c.Delete("m1")
	_, ok = c.Get("m1")
	assert.False(t, ok)
}

func TestMessageCache_AdvanceStateIsMonotonic(t *testing.T) {
	c := NewMessageCache()
	c.Put(db.MessageRecord{MessageID: "m1", State: protocol.StateDelivered})

	// Regression is ignored.
	c.AdvanceState("m1", protocol.StateSent)
	got, _ := c.Get("m1")
	assert.Equal(t, protocol.StateDelivered, got.State)

	c.AdvanceState("m1", protocol.StateRead)
	got, _ = c.Get("m1")
	assert.Equal(t, protocol.StateRead, got.State)
}

func TestMessageCache_AdvanceStateToFailure(t *testing.T) {
	c := NewMessageCache()
	c.Put(db.MessageRecord{MessageID: "m1", State: protocol.StateSent})

	c.AdvanceState("m1", protocol.StateFailedBackpressure)
	got, _ := c.Get("m1")
	assert.Equal(t, protocol.StateFailedBackpressure, got.State)
}

func TestDeliveryStore_Advance(t *testing.T) {
	s := NewDeliveryStore()

	_, ok := s.Get("m1", "bob")
	assert.False(t, ok)

	s.Advance("m1", "bob", protocol.DeliverySent)
	st, ok := s.Get("m1", "bob")
	require.True(t, ok)
	assert.Equal(t, protocol.DeliverySent, st)

	// Regression is ignored.
	s.Advance("m1", "bob", protocol.DeliveryPersisted)
	st, _ = s.Get("m1", "bob")
	assert.Equal(t, protocol.DeliverySent, st)

	s.Advance("m1", "bob", protocol.DeliveryRead)
	st, _ = s.Get("m1", "bob")
	assert.Equal(t, protocol.DeliveryRead, st)
}

func TestRoomDeliveryStore_TrackAndComplete(t *testing.T) {
	s := NewRoomDeliveryStore()
	s.Track("rm1", "room-1", "alice", 2)

	agg, found := s.MarkDelivered("rm1", "bob")
	require.True(t, found)
	assert.False(t, agg.Complete())
	assert.Equal(t, 1, agg.Delivered.Len())

	// Duplicate confirmations do not double-count.
	agg, _ = s.MarkDelivered("rm1", "bob")
	assert.Equal(t, 1, agg.Delivered.Len())

	agg, _ = s.MarkDelivered("rm1", "carol")
	assert.True(t, agg.Complete())

	s.Forget("rm1")
	_, found = s.MarkDelivered("rm1", "dave")
	assert.False(t, found)
}

func TestRoomDeliveryStore_Hydrate(t *testing.T) {
	s := NewRoomDeliveryStore()
	s.Hydrate("rm1", "room-1", "alice", 3, []string{"bob", "carol"})

	agg, found := s.Get("rm1")
	require.True(t, found)
	assert.Equal(t, 2, agg.Delivered.Len())
	assert.False(t, agg.Complete())

	agg, _ = s.MarkDelivered("rm1", "dave")
	assert.True(t, agg.Complete())

	// Hydrating an already tracked aggregate is a no-op.
	s.Hydrate("rm1", "room-1", "alice", 3, nil)
	agg, _ = s.Get("rm1")
	assert.Equal(t, 3, agg.Delivered.Len())
}

func TestIdempotencyIndex_Direct(t *testing.T) {
	i := NewIdempotencyIndex()

	_, ok := i.LookupDirect("alice", "c1")
	assert.False(t, ok)

	i.RememberDirect("alice", "c1", "m1")
	id, ok := i.LookupDirect("alice", "c1")
	require.True(t, ok)
	assert.Equal(t, "m1", id)

	// Scoped per sender.
	_, ok = i.LookupDirect("bob", "c1")
	assert.False(t, ok)
}

func TestIdempotencyIndex_Room(t *testing.T) {
	i := NewIdempotencyIndex()

	i.RememberRoom("alice", "room-1", "c1", RoomDedupeEntry{
		RoomMessageID: "m1",
		PerRecipient:  map[string]string{"bob": "rm_m1_bob"},
	})

	entry, ok := i.LookupRoom("alice", "room-1", "c1")
	require.True(t, ok)
	assert.Equal(t, "m1", entry.RoomMessageID)
	assert.Equal(t, "rm_m1_bob", entry.PerRecipient["bob"])

	// Same client ID in another room is a distinct send.
	_, ok = i.LookupRoom("alice", "room-2", "c1")
	assert.False(t, ok)
}

func TestPresenceStore_SetReportsChange(t *testing.T) {
	s := NewPresenceStore()

	prev, changed := s.Set("alice", protocol.PresenceOnline, 1000)
	assert.Equal(t, protocol.PresenceOffline, prev)
	assert.True(t, changed)

	prev, changed = s.Set("alice", protocol.PresenceOnline, 2000)
	assert.Equal(t, protocol.PresenceOnline, prev)
	assert.False(t, changed)

	prev, changed = s.Set("alice", protocol.PresenceAway, 3000)
	assert.Equal(t, protocol.PresenceOnline, prev)
	assert.True(t, changed)

	rec, ok := s.Get("alice")
	require.True(t, ok)
	assert.Equal(t, int64(3000), rec.LastSeen)
}

func TestPresenceStore_Snapshot(t *testing.T) {
	s := NewPresenceStore()
	s.Set("alice", protocol.PresenceOnline, 1)
	s.Set("bob", protocol.PresenceOffline, 2)

	assert.Len(t, s.Snapshot(), 2)
}

func TestTypingLimiter_Allow(t *testing.T) {
	l := NewTypingLimiter(4, 2*time.Second, time.Minute)

	// The burst covers the full budget.
	for i := 0; i < 4; i++ {
		assert.True(t, l.Allow("alice", "room-1"), "event %d should pass", i)
	}
	assert.False(t, l.Allow("alice", "room-1"))

	// Separate scope, separate bucket.
	assert.True(t, l.Allow("alice", "bob"))
	assert.Equal(t, 2, l.Len())
}

func TestTypingLimiter_Sweep(t *testing.T) {
	l := NewTypingLimiter(4, 2*time.Second, 0)

	l.Allow("alice", "room-1")
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 0, l.Len())
}
