// Package store holds the in-memory authoritative maps of the chat core.
// Each store exposes read accessors plus a narrow mutation API; only the
// owning service (documented per store) writes through it.
package store

import (
	"sync"

	"github.com/relaychat/server/internal/v1/db"
	"github.com/relaychat/server/internal/v1/protocol"
)

// MessageCache caches message rows by messageId. Owner: message lifecycle
// service (the replay engine syncs states through the lifecycle-provided
// API). State updates are monotonic.
type MessageCache struct {
	mu       sync.RWMutex
	messages map[string]db.MessageRecord
}

// NewMessageCache creates an empty cache.
func NewMessageCache() *MessageCache {
	return &MessageCache{messages: make(map[string]db.MessageRecord)}
}

// Get returns the cached record, if any.
func (c *MessageCache) Get(messageID string) (db.MessageRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.messages[messageID]
	return rec, ok
}

// Put inserts or replaces a cached record.
func (c *MessageCache) Put(rec db.MessageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[rec.MessageID] = rec
}

// AdvanceState moves the cached state forward; regressions are ignored.
func (c *MessageCache) AdvanceState(messageID string, state protocol.MessageState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.messages[messageID]
	if !ok {
		return
	}
	if state == protocol.StateFailedBackpressure || state.Rank() > rec.State.Rank() {
		rec.State = state
		c.messages[messageID] = rec
	}
}

// Delete drops a record from the cache.
func (c *MessageCache) Delete(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.messages, messageID)
}

// Len returns the number of cached records.
func (c *MessageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages)
}
