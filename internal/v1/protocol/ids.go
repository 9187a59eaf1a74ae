package protocol

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	idMu       sync.Mutex
	lastIDTime int64
)

// NewMessageID generates a server-side message ID with a time-monotonic
// prefix and a random suffix. The prefix keeps coarse lexicographic sort in
// line with creation order, which the replay engine relies on.
func NewMessageID() string {
	idMu.Lock()
	now := time.Now().UnixNano()
	if now <= lastIDTime {
		now = lastIDTime + 1
	}
	lastIDTime = now
	idMu.Unlock()

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%020d-%s", now, suffix)
}

// RoomCopyMessageID derives the per-recipient row ID for a room message.
func RoomCopyMessageID(roomMessageID, memberID string) string {
	return fmt.Sprintf("rm_%s_%s", roomMessageID, memberID)
}

// NewCorrelationID generates an opaque tracing ID for an inbound frame.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewConnectionID generates a random per-socket identifier.
func NewConnectionID() string {
	return uuid.NewString()
}

// DirectChatID returns the canonical chat ID for a user pair, with the pair
// lexicographically sorted so both directions map to the same chat.
func DirectChatID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return fmt.Sprintf("direct:%s:%s", pair[0], pair[1])
}

// RoomChatID returns the canonical chat ID for a room.
func RoomChatID(roomID string) string {
	return "room:" + roomID
}

// NowMillis returns the current wall clock in epoch milliseconds, the
// timestamp unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
