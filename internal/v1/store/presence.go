package store

import (
	"sync"

	"github.com/relaychat/server/internal/v1/protocol"
)

// PresenceRecord is one user's presence as last written by the presence
// engine.
type PresenceRecord struct {
	UserID   string
	Status   protocol.PresenceStatus
	LastSeen int64
}

// PresenceStore holds the presence map. Owner: presence engine; nothing
// else writes presence.
type PresenceStore struct {
	mu      sync.RWMutex
	records map[string]PresenceRecord
}

// NewPresenceStore creates an empty presence store.
func NewPresenceStore() *PresenceStore {
	return &PresenceStore{records: make(map[string]PresenceRecord)}
}

// Get returns the record for userId, if any.
func (s *PresenceStore) Get(userID string) (PresenceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	return rec, ok
}

// Set writes a presence record, returning the previous status and whether
// the status actually changed.
func (s *PresenceStore) Set(userID string, status protocol.PresenceStatus, lastSeen int64) (prev protocol.PresenceStatus, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, had := s.records[userID]
	s.records[userID] = PresenceRecord{UserID: userID, Status: status, LastSeen: lastSeen}
	if !had {
		return protocol.PresenceOffline, status != protocol.PresenceOffline
	}
	return old.Status, old.Status != status
}

// Snapshot returns every known presence record. Callers filter.
func (s *PresenceStore) Snapshot() []PresenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PresenceRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out
}
