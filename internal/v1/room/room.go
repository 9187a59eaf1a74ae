// Package room implements the room registry: membership, the role
// hierarchy, metadata, fan-out of room messages as per-recipient rows, and
// delivery aggregates.
package room

import (
	"sync"

	"github.com/relaychat/server/internal/v1/protocol"
)

// Room is one chat room. All mutation happens under the registry lock;
// read accessors take copies.
type Room struct {
	mu sync.RWMutex

	id           string
	name         string
	thumbnailURL string
	createdAt    int64
	createdBy    string

	// members is kept in join order; ownership transfer picks the oldest
	// eligible member.
	members []string
	roles   map[string]protocol.RoomRole

	version   int64
	updatedAt int64
}

func newRoom(id, name, thumbnailURL, createdBy string, now int64) *Room {
	return &Room{
		id:           id,
		name:         name,
		thumbnailURL: thumbnailURL,
		createdAt:    now,
		createdBy:    createdBy,
		members:      []string{createdBy},
		roles:        map[string]protocol.RoomRole{createdBy: protocol.RoleOwner},
		version:      1,
		updatedAt:    now,
	}
}

// ID returns the room ID.
func (r *Room) ID() string {
	return r.id
}

// Members returns the member list in join order.
func (r *Room) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.members...)
}

// RoleOf returns the member's role, empty when not a member.
func (r *Room) RoleOf(userID string) (protocol.RoomRole, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[userID]
	return role, ok
}

// IsMember reports whether userID belongs to the room.
func (r *Room) IsMember(userID string) bool {
	_, ok := r.RoleOf(userID)
	return ok
}

// MemberCount returns the number of members.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Snapshot returns the wire representation of the room.
func (r *Room) Snapshot() protocol.RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() protocol.RoomSnapshot {
	roles := make(map[string]protocol.RoomRole, len(r.roles))
	for k, v := range r.roles {
		roles[k] = v
	}
	return protocol.RoomSnapshot{
		RoomID:       r.id,
		Name:         r.name,
		ThumbnailURL: r.thumbnailURL,
		CreatedAt:    r.createdAt,
		CreatedBy:    r.createdBy,
		Members:      append([]string(nil), r.members...),
		Roles:        roles,
		Version:      r.version,
		UpdatedAt:    r.updatedAt,
	}
}

// bumpLocked advances the room version. Caller holds r.mu.
func (r *Room) bumpLocked(now int64) {
	r.version++
	r.updatedAt = now
}

// addMemberLocked appends a member. Caller holds r.mu.
func (r *Room) addMemberLocked(userID string, role protocol.RoomRole) bool {
	if _, ok := r.roles[userID]; ok {
		return false
	}
	r.members = append(r.members, userID)
	r.roles[userID] = role
	return true
}

// removeMemberLocked drops a member, preserving join order. Caller holds r.mu.
func (r *Room) removeMemberLocked(userID string) bool {
	if _, ok := r.roles[userID]; !ok {
		return false
	}
	delete(r.roles, userID)
	for i, m := range r.members {
		if m == userID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	return true
}

// oldestWithRoleLocked returns the earliest-joined member holding role,
// excluding one user. Caller holds r.mu.
func (r *Room) oldestWithRoleLocked(role protocol.RoomRole, exclude string) (string, bool) {
	for _, m := range r.members {
		if m == exclude {
			continue
		}
		if r.roles[m] == role {
			return m, true
		}
	}
	return "", false
}

// restore rebuilds a room from a persisted snapshot.
func restore(snap protocol.RoomSnapshot) *Room {
	roles := make(map[string]protocol.RoomRole, len(snap.Roles))
	for k, v := range snap.Roles {
		roles[k] = v
	}
	return &Room{
		id:           snap.RoomID,
		name:         snap.Name,
		thumbnailURL: snap.ThumbnailURL,
		createdAt:    snap.CreatedAt,
		createdBy:    snap.CreatedBy,
		members:      append([]string(nil), snap.Members...),
		roles:        roles,
		version:      snap.Version,
		updatedAt:    snap.UpdatedAt,
	}
}
