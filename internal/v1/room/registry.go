package room

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/db"
	"github.com/relaychat/server/internal/v1/logging"
	"github.com/relaychat/server/internal/v1/message"
	"github.com/relaychat/server/internal/v1/metrics"
	"github.com/relaychat/server/internal/v1/protocol"
	"github.com/relaychat/server/internal/v1/session"
	"github.com/relaychat/server/internal/v1/store"
)

// EventPublisher mirrors room events onto the shared bus so sibling nodes
// can fan out to their local sockets. Optional; nil disables mirroring.
type EventPublisher interface {
	PublishRoomEvent(ctx context.Context, roomID string, payload []byte) error
	AddRoomMember(ctx context.Context, roomID, userID string) error
	RemoveRoomMember(ctx context.Context, roomID, userID string) error
}

// Registry owns all rooms and applies the role hierarchy to every
// mutating operation.
type Registry struct {
	cfg        *config.Config
	adapter    db.Adapter
	sessions   *session.Manager
	messages   *message.Service
	aggregates *store.RoomDeliveryStore
	idemp      *store.IdempotencyIndex
	bus        EventPublisher

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewRegistry wires the room registry and loads persisted room snapshots.
func NewRegistry(cfg *config.Config, adapter db.Adapter, sessions *session.Manager, messages *message.Service, aggregates *store.RoomDeliveryStore, idemp *store.IdempotencyIndex) *Registry {
	r := &Registry{
		cfg:        cfg,
		adapter:    adapter,
		sessions:   sessions,
		messages:   messages,
		aggregates: aggregates,
		idemp:      idemp,
		rooms:      make(map[string]*Room),
	}
	r.loadSnapshots(context.Background())
	return r
}

// SetEventPublisher installs the bus mirror. Call during wiring.
func (r *Registry) SetEventPublisher(p EventPublisher) {
	r.bus = p
}

func (r *Registry) loadSnapshots(ctx context.Context) {
	snaps, err := r.adapter.LoadRoomSnapshots(ctx)
	if err != nil {
		logging.Error(ctx, "room snapshot load failed", zap.Error(err))
		return
	}
	for _, snap := range snaps {
		r.rooms[snap.RoomID] = restore(snap)
	}
	metrics.ActiveRooms.Set(float64(len(r.rooms)))
	if len(snaps) > 0 {
		logging.Info(ctx, "rooms restored from snapshots", zap.Int("count", len(snaps)))
	}
}

// Get returns a room by ID.
func (r *Registry) Get(roomID string) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	return rm, ok
}

// RoomsFor returns snapshots of every room the user belongs to.
func (r *Registry) RoomsFor(userID string) []protocol.RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []protocol.RoomSnapshot
	for _, rm := range r.rooms {
		if rm.IsMember(userID) {
			out = append(out, rm.Snapshot())
		}
	}
	return out
}

// Create handles ROOM_CREATE. The creator becomes OWNER.
func (r *Registry) Create(ctx context.Context, sock *session.Socket, p *protocol.RoomCreatePayload) protocol.Result {
	roomID := p.RoomID
	if roomID == "" {
		roomID = uuid.NewString()
	}

	r.mu.Lock()
	if len(r.rooms) >= r.cfg.MaxRooms {
		r.mu.Unlock()
		return protocol.Fail(protocol.CodeRoomFull, "room limit reached")
	}
	if _, exists := r.rooms[roomID]; exists {
		r.mu.Unlock()
		return protocol.Fail(protocol.CodeValidationError, "room already exists")
	}
	rm := newRoom(roomID, p.Name, p.ThumbnailURL, sock.UserID, protocol.NowMillis())
	r.rooms[roomID] = rm
	r.mu.Unlock()

	metrics.ActiveRooms.Inc()
	r.persistSnapshot(ctx, rm)
	r.mirrorMemberAdd(ctx, roomID, sock.UserID)

	r.sendRoomEvent(rm, protocol.TypeRoomCreated, "")
	logging.Info(ctx, "room created",
		zap.String("roomId", roomID), zap.String("createdBy", sock.UserID))
	return protocol.Ok()
}

// Join handles ROOM_JOIN. New members enter as MEMBER.
func (r *Registry) Join(ctx context.Context, sock *session.Socket, roomID string) protocol.Result {
	rm, ok := r.Get(roomID)
	if !ok {
		if !r.cfg.RoomsAutoCreate {
			return protocol.Fail(protocol.CodeRoomNotFound, "unknown room")
		}
		return r.Create(ctx, sock, &protocol.RoomCreatePayload{RoomID: roomID, Name: roomID})
	}

	rm.mu.Lock()
	if len(rm.members) >= r.cfg.MaxMembersPerRoom {
		rm.mu.Unlock()
		return protocol.Fail(protocol.CodeRoomFull, "room member limit reached")
	}
	added := rm.addMemberLocked(sock.UserID, protocol.RoleMember)
	if added {
		rm.bumpLocked(protocol.NowMillis())
	}
	rm.mu.Unlock()

	if !added {
		// Already a member; answer with the current snapshot anyway.
		sock.Send(protocol.TypeRoomInfoResponse, protocol.RoomEvent{
			Type: protocol.TypeRoomInfoResponse, Room: rm.Snapshot(),
		}, "")
		return protocol.Ok()
	}

	r.persistSnapshot(ctx, rm)
	r.mirrorMemberAdd(ctx, roomID, sock.UserID)
	r.sendRoomEvent(rm, protocol.TypeRoomMembersUpdated, "")
	return protocol.Ok()
}

// Leave handles ROOM_LEAVE. A departing OWNER hands ownership to the
// oldest ADMIN, else the oldest MEMBER; an emptied room is deleted.
func (r *Registry) Leave(ctx context.Context, sock *session.Socket, roomID string) protocol.Result {
	rm, ok := r.Get(roomID)
	if !ok {
		return protocol.Fail(protocol.CodeRoomNotFound, "unknown room")
	}

	rm.mu.Lock()
	role, member := rm.roles[sock.UserID]
	if !member {
		rm.mu.Unlock()
		return protocol.Fail(protocol.CodeNotAMember, "not a member of this room")
	}
	rm.removeMemberLocked(sock.UserID)
	now := protocol.NowMillis()

	empty := len(rm.members) == 0
	if !empty && role == protocol.RoleOwner {
		heir, found := rm.oldestWithRoleLocked(protocol.RoleAdmin, "")
		if !found {
			heir, found = rm.oldestWithRoleLocked(protocol.RoleMember, "")
		}
		if found {
			rm.roles[heir] = protocol.RoleOwner
			logging.Info(ctx, "room ownership transferred",
				zap.String("roomId", roomID), zap.String("newOwner", heir))
		}
	}
	rm.bumpLocked(now)
	rm.mu.Unlock()

	r.mirrorMemberRemove(ctx, roomID, sock.UserID)

	if empty && r.cfg.RoomsAutoDeleteEmpty {
		r.dropRoom(ctx, roomID)
		return protocol.Ok()
	}

	r.persistSnapshot(ctx, rm)
	r.sendRoomEvent(rm, protocol.TypeRoomMembersUpdated, "")
	return protocol.Ok()
}

// SendMessage handles ROOM_MESSAGE: one per-recipient row per member
// except the sender, a delivery aggregate, and fan-out to every member
// socket except the originating one.
func (r *Registry) SendMessage(ctx context.Context, sock *session.Socket, p *protocol.RoomMessagePayload, correlationID string) protocol.Result {
	rm, ok := r.Get(p.RoomID)
	if !ok {
		return protocol.Fail(protocol.CodeRoomNotFound, "unknown room")
	}
	if !rm.IsMember(sock.UserID) {
		return protocol.Fail(protocol.CodeNotAMember, "not a member of this room")
	}

	content := r.messages.Sanitize(p.Content)
	if len(content) == 0 {
		return protocol.Fail(protocol.CodeValidationError, "content is empty after sanitization")
	}
	if len(content) > r.cfg.MaxContentLength {
		return protocol.Fail(protocol.CodeContentTooLong, "content exceeds maximum length")
	}

	// Retried send: re-ACK the original fan-out.
	if p.ClientMessageID != "" {
		if entry, ok := r.idemp.LookupRoom(sock.UserID, p.RoomID, p.ClientMessageID); ok {
			sock.Send(protocol.TypeMessageAck, protocol.MessageAck{
				Type:            protocol.TypeMessageAck,
				MessageID:       entry.RoomMessageID,
				ClientMessageID: p.ClientMessageID,
				State:           protocol.StateSent,
				Timestamp:       protocol.NowMillis(),
				Duplicate:       true,
				CorrelationID:   correlationID,
			}, "")
			return protocol.Ok()
		}
	}

	now := protocol.NowMillis()
	roomMessageID := protocol.NewMessageID()
	members := rm.Members()
	recipients := make([]string, 0, len(members)-1)
	for _, m := range members {
		if m != sock.UserID {
			recipients = append(recipients, m)
		}
	}

	root := db.MessageRecord{
		MessageID:       roomMessageID,
		SenderID:        sock.UserID,
		Content:         content,
		Timestamp:       now,
		State:           protocol.StateSending,
		MessageType:     protocol.KindRoom,
		RoomID:          p.RoomID,
		RoomMessageID:   roomMessageID,
		ChatID:          protocol.RoomChatID(p.RoomID),
		ClientMessageID: p.ClientMessageID,
	}
	if err := r.messages.PersistRecord(ctx, root); err != nil {
		return protocol.Fail(protocol.CodePersistenceError, "room message could not be persisted")
	}

	perRecipient := make(map[string]string, len(recipients))
	for _, memberID := range recipients {
		copyRec := root
		copyRec.MessageID = protocol.RoomCopyMessageID(roomMessageID, memberID)
		copyRec.RecipientID = memberID
		copyRec.ClientMessageID = ""
		if err := r.messages.PersistRecord(ctx, copyRec); err != nil {
			logging.Error(ctx, "per-recipient row persist failed",
				zap.String("roomMessageId", roomMessageID),
				zap.String("memberId", memberID), zap.Error(err))
			continue
		}
		perRecipient[memberID] = copyRec.MessageID
	}

	if p.ClientMessageID != "" {
		r.idemp.RememberRoom(sock.UserID, p.RoomID, p.ClientMessageID, store.RoomDedupeEntry{
			RoomMessageID: roomMessageID,
			PerRecipient:  perRecipient,
		})
	}
	r.aggregates.Track(roomMessageID, p.RoomID, sock.UserID, len(perRecipient))

	sock.Send(protocol.TypeMessageAck, protocol.MessageAck{
		Type:            protocol.TypeMessageAck,
		MessageID:       roomMessageID,
		ClientMessageID: p.ClientMessageID,
		State:           protocol.StateSent,
		Timestamp:       now,
		CorrelationID:   correlationID,
	}, "")

	// Fan out. Members get their per-recipient row ID so delivery confirms
	// address the right row; the sender's other sockets get a mirror.
	for memberID, rowID := range perRecipient {
		out := protocol.RoomMessageOut{
			Type:          protocol.TypeRoomMessageOut,
			MessageID:     rowID,
			RoomMessageID: roomMessageID,
			RoomID:        p.RoomID,
			SenderID:      sock.UserID,
			Content:       content,
			Timestamp:     now,
			State:         protocol.StateSent,
		}
		r.sessions.SendToUser(memberID, protocol.TypeRoomMessageOut, out, rowID, "")
	}
	mirror := protocol.RoomMessageOut{
		Type:          protocol.TypeRoomMessageOut,
		MessageID:     roomMessageID,
		RoomMessageID: roomMessageID,
		RoomID:        p.RoomID,
		SenderID:      sock.UserID,
		Content:       content,
		Timestamp:     now,
		State:         protocol.StateSent,
	}
	r.sessions.SendToUser(sock.UserID, protocol.TypeRoomMessageOut, mirror, "", sock.ID)

	r.publishRoomEvent(ctx, p.RoomID, protocol.MustEncode(mirror))
	return protocol.Ok()
}

// HandleDelivered advances the room delivery aggregate when a member
// confirms a per-recipient row. Wired as the message service's room hook.
func (r *Registry) HandleDelivered(ctx context.Context, rec db.MessageRecord) {
	agg, found := r.aggregates.MarkDelivered(rec.RoomMessageID, rec.RecipientID)
	if !found {
		// Cold aggregate after a restart: rebuild it from the database.
		rm, ok := r.Get(rec.RoomID)
		if !ok {
			return
		}
		delivered, err := r.adapter.DeliveredRecipients(ctx, rec.RoomMessageID)
		if err != nil {
			logging.Error(ctx, "delivered recipients lookup failed",
				zap.String("roomMessageId", rec.RoomMessageID), zap.Error(err))
			return
		}
		r.aggregates.Hydrate(rec.RoomMessageID, rec.RoomID, rec.SenderID, rm.MemberCount()-1, delivered)
		agg, found = r.aggregates.MarkDelivered(rec.RoomMessageID, rec.RecipientID)
		if !found {
			return
		}
	}

	// The sender hears about the aggregate exactly once, when the last
	// recipient confirms. Partial progress stays server-side.
	if !agg.Complete() {
		return
	}
	r.sessions.SendToUser(agg.SenderID, protocol.TypeRoomDeliveryUpdate, protocol.RoomDeliveryUpdate{
		Type:            protocol.TypeRoomDeliveryUpdate,
		RoomMessageID:   rec.RoomMessageID,
		RoomID:          agg.RoomID,
		DeliveredCount:  agg.Delivered.Len(),
		TotalRecipients: agg.TotalRecipients,
		Complete:        true,
		Timestamp:       protocol.NowMillis(),
	}, "", "")
	r.aggregates.Forget(rec.RoomMessageID)
}

// UpdateMeta handles ROOM_UPDATE_META. ADMIN or OWNER.
func (r *Registry) UpdateMeta(ctx context.Context, sock *session.Socket, p *protocol.RoomUpdateMetaPayload) protocol.Result {
	rm, ok := r.Get(p.RoomID)
	if !ok {
		return protocol.Fail(protocol.CodeRoomNotFound, "unknown room")
	}
	if res := r.requireRole(rm, sock.UserID, protocol.RoleAdmin); !res.OK {
		return res
	}

	rm.mu.Lock()
	if p.Name != "" {
		rm.name = p.Name
	}
	if p.ThumbnailURL != "" {
		rm.thumbnailURL = p.ThumbnailURL
	}
	rm.bumpLocked(protocol.NowMillis())
	rm.mu.Unlock()

	r.persistSnapshot(ctx, rm)
	r.sendRoomEvent(rm, protocol.TypeRoomUpdated, "")
	return protocol.Ok()
}

// AddMembers handles ROOM_ADD_MEMBERS. ADMIN or OWNER.
func (r *Registry) AddMembers(ctx context.Context, sock *session.Socket, p *protocol.RoomAddMembersPayload) protocol.Result {
	rm, ok := r.Get(p.RoomID)
	if !ok {
		return protocol.Fail(protocol.CodeRoomNotFound, "unknown room")
	}
	if res := r.requireRole(rm, sock.UserID, protocol.RoleAdmin); !res.OK {
		return res
	}

	rm.mu.Lock()
	added := 0
	for _, userID := range p.UserIDs {
		if len(rm.members) >= r.cfg.MaxMembersPerRoom {
			break
		}
		if rm.addMemberLocked(userID, protocol.RoleMember) {
			added++
		}
	}
	if added > 0 {
		rm.bumpLocked(protocol.NowMillis())
	}
	rm.mu.Unlock()

	if added == 0 {
		return protocol.Ok()
	}
	for _, userID := range p.UserIDs {
		r.mirrorMemberAdd(ctx, p.RoomID, userID)
	}
	r.persistSnapshot(ctx, rm)
	r.sendRoomEvent(rm, protocol.TypeRoomMembersUpdated, "")
	return protocol.Ok()
}

// RemoveMember handles ROOM_REMOVE_MEMBER. ADMIN or OWNER; the OWNER
// cannot be removed, and an ADMIN cannot remove another ADMIN.
func (r *Registry) RemoveMember(ctx context.Context, sock *session.Socket, p *protocol.RoomRemoveMemberPayload) protocol.Result {
	rm, ok := r.Get(p.RoomID)
	if !ok {
		return protocol.Fail(protocol.CodeRoomNotFound, "unknown room")
	}
	if res := r.requireRole(rm, sock.UserID, protocol.RoleAdmin); !res.OK {
		return res
	}

	rm.mu.Lock()
	actorRole := rm.roles[sock.UserID]
	targetRole, member := rm.roles[p.UserID]
	if !member {
		rm.mu.Unlock()
		return protocol.Fail(protocol.CodeNotAMember, "target is not a member")
	}
	if targetRole == protocol.RoleOwner {
		rm.mu.Unlock()
		return protocol.Fail(protocol.CodeForbidden, "the owner cannot be removed")
	}
	if targetRole == protocol.RoleAdmin && actorRole != protocol.RoleOwner {
		rm.mu.Unlock()
		return protocol.Fail(protocol.CodeForbidden, "only the owner can remove an admin")
	}
	rm.removeMemberLocked(p.UserID)
	rm.bumpLocked(protocol.NowMillis())
	rm.mu.Unlock()

	r.mirrorMemberRemove(ctx, p.RoomID, p.UserID)
	r.persistSnapshot(ctx, rm)
	r.sendRoomEvent(rm, protocol.TypeRoomMembersUpdated, "")
	r.sessions.SendToUser(p.UserID, protocol.TypeRoomDeleted, protocol.RoomDeleted{
		Type: protocol.TypeRoomDeleted, RoomID: p.RoomID,
	}, "", "")
	return protocol.Ok()
}

// SetRole handles ROOM_SET_ROLE. The OWNER may set any role; an ADMIN may
// only change a MEMBER's role and never to OWNER. Granting OWNER
// transfers ownership and demotes the actor to ADMIN.
func (r *Registry) SetRole(ctx context.Context, sock *session.Socket, p *protocol.RoomSetRolePayload) protocol.Result {
	rm, ok := r.Get(p.RoomID)
	if !ok {
		return protocol.Fail(protocol.CodeRoomNotFound, "unknown room")
	}
	if res := r.requireRole(rm, sock.UserID, protocol.RoleAdmin); !res.OK {
		return res
	}

	rm.mu.Lock()
	actorRole := rm.roles[sock.UserID]
	targetRole, member := rm.roles[p.UserID]
	if !member {
		rm.mu.Unlock()
		return protocol.Fail(protocol.CodeNotAMember, "target is not a member")
	}
	role := protocol.RoomRole(p.Role)
	if actorRole != protocol.RoleOwner {
		if role == protocol.RoleOwner {
			rm.mu.Unlock()
			return protocol.Fail(protocol.CodeForbidden, "only the owner can grant ownership")
		}
		if targetRole != protocol.RoleMember {
			rm.mu.Unlock()
			return protocol.Fail(protocol.CodeForbidden, "an admin can only change a member's role")
		}
	}
	if role == protocol.RoleOwner {
		rm.roles[sock.UserID] = protocol.RoleAdmin
	}
	rm.roles[p.UserID] = role
	rm.bumpLocked(protocol.NowMillis())
	rm.mu.Unlock()

	r.persistSnapshot(ctx, rm)
	r.sendRoomEvent(rm, protocol.TypeRoomUpdated, "")
	return protocol.Ok()
}

// Delete handles ROOM_DELETE. OWNER only.
func (r *Registry) Delete(ctx context.Context, sock *session.Socket, roomID string) protocol.Result {
	rm, ok := r.Get(roomID)
	if !ok {
		return protocol.Fail(protocol.CodeRoomNotFound, "unknown room")
	}
	if res := r.requireRole(rm, sock.UserID, protocol.RoleOwner); !res.OK {
		return res
	}

	// Tell members before the membership list is gone.
	r.sendRoomEvent(rm, protocol.TypeRoomDeleted, "")
	r.dropRoom(ctx, roomID)
	logging.Info(ctx, "room deleted",
		zap.String("roomId", roomID), zap.String("deletedBy", sock.UserID))
	return protocol.Ok()
}

// Info handles ROOM_INFO. Members only.
func (r *Registry) Info(sock *session.Socket, roomID string) protocol.Result {
	rm, ok := r.Get(roomID)
	if !ok {
		return protocol.Fail(protocol.CodeRoomNotFound, "unknown room")
	}
	if !rm.IsMember(sock.UserID) {
		return protocol.Fail(protocol.CodeNotAMember, "not a member of this room")
	}
	sock.Send(protocol.TypeRoomInfoResponse, protocol.RoomEvent{
		Type: protocol.TypeRoomInfoResponse, Room: rm.Snapshot(),
	}, "")
	return protocol.Ok()
}

// List handles ROOM_LIST: every room the requesting user belongs to.
func (r *Registry) List(sock *session.Socket) protocol.Result {
	rooms := r.RoomsFor(sock.UserID)
	if rooms == nil {
		rooms = []protocol.RoomSnapshot{}
	}
	sock.Send(protocol.TypeRoomsSnapshot, protocol.RoomsSnapshot{
		Type: protocol.TypeRoomsSnapshot, Rooms: rooms,
	}, "")
	return protocol.Ok()
}

// MembersOf handles ROOM_MEMBERS. Members only.
func (r *Registry) MembersOf(sock *session.Socket, roomID string) protocol.Result {
	rm, ok := r.Get(roomID)
	if !ok {
		return protocol.Fail(protocol.CodeRoomNotFound, "unknown room")
	}
	if !rm.IsMember(sock.UserID) {
		return protocol.Fail(protocol.CodeNotAMember, "not a member of this room")
	}
	snap := rm.Snapshot()
	sock.Send(protocol.TypeRoomMembersResponse, protocol.RoomMembersResponse{
		Type:    protocol.TypeRoomMembersResponse,
		RoomID:  roomID,
		Members: snap.Members,
		Roles:   snap.Roles,
	}, "")
	return protocol.Ok()
}

// requireRole checks that userID holds minRole or better in the room.
func (r *Registry) requireRole(rm *Room, userID string, minRole protocol.RoomRole) protocol.Result {
	role, member := rm.RoleOf(userID)
	if !member {
		return protocol.Fail(protocol.CodeNotAMember, "not a member of this room")
	}
	if !roleAtLeast(role, minRole) {
		return protocol.Fail(protocol.CodeForbidden, "insufficient room role")
	}
	return protocol.Ok()
}

func roleAtLeast(role, min protocol.RoomRole) bool {
	rank := map[protocol.RoomRole]int{
		protocol.RoleMember: 1,
		protocol.RoleAdmin:  2,
		protocol.RoleOwner:  3,
	}
	return rank[role] >= rank[min]
}

// sendRoomEvent pushes a room event to every member's sockets, excluding
// one connection when exclude is non-empty.
func (r *Registry) sendRoomEvent(rm *Room, t protocol.FrameType, exclude string) {
	snap := rm.Snapshot()
	var payload any
	if t == protocol.TypeRoomDeleted {
		payload = protocol.RoomDeleted{Type: t, RoomID: rm.ID()}
	} else {
		payload = protocol.RoomEvent{Type: t, Room: snap}
	}
	for _, memberID := range snap.Members {
		r.sessions.SendToUser(memberID, t, payload, "", exclude)
	}
}

// dropRoom removes the room everywhere: registry, snapshot table, bus set.
func (r *Registry) dropRoom(ctx context.Context, roomID string) {
	r.mu.Lock()
	delete(r.rooms, roomID)
	r.mu.Unlock()
	metrics.ActiveRooms.Dec()

	if err := r.adapter.DeleteRoomSnapshot(ctx, roomID); err != nil {
		logging.Error(ctx, "room snapshot delete failed",
			zap.String("roomId", roomID), zap.Error(err))
	}
}

func (r *Registry) persistSnapshot(ctx context.Context, rm *Room) {
	if err := r.adapter.SaveRoomSnapshot(ctx, rm.Snapshot()); err != nil {
		logging.Error(ctx, "room snapshot save failed",
			zap.String("roomId", rm.ID()), zap.Error(err))
	}
}

func (r *Registry) publishRoomEvent(ctx context.Context, roomID string, payload []byte) {
	if r.bus == nil {
		return
	}
	if err := r.bus.PublishRoomEvent(ctx, roomID, payload); err != nil {
		logging.Warn(ctx, "room event publish failed",
			zap.String("roomId", roomID), zap.Error(err))
	}
}

func (r *Registry) mirrorMemberAdd(ctx context.Context, roomID, userID string) {
	if r.bus == nil {
		return
	}
	if err := r.bus.AddRoomMember(ctx, roomID, userID); err != nil {
		logging.Warn(ctx, "room member mirror add failed",
			zap.String("roomId", roomID), zap.Error(err))
	}
}

func (r *Registry) mirrorMemberRemove(ctx context.Context, roomID, userID string) {
	if r.bus == nil {
		return
	}
	if err := r.bus.RemoveRoomMember(ctx, roomID, userID); err != nil {
		logging.Warn(ctx, "room member mirror remove failed",
			zap.String("roomId", roomID), zap.Error(err))
	}
}
