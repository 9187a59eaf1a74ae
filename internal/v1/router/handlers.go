package router

import (
	"context"

	"github.com/relaychat/server/internal/v1/protocol"
	"github.com/relaychat/server/internal/v1/session"
)

// dispatch routes a validated frame to its owning service.
func (r *Router) dispatch(ctx context.Context, sock *session.Socket, frame *protocol.Frame, correlationID string) protocol.Result {
	switch frame.Type {
	case protocol.TypeHello:
		return r.handleHello(sock, frame.Payload.(*protocol.HelloPayload), correlationID)

	case protocol.TypePing:
		sock.Send(protocol.TypePong, protocol.NewPong(), "")
		return protocol.Ok()

	case protocol.TypeMessageSend:
		return r.messages.Send(ctx, sock, frame.Payload.(*protocol.MessageSendPayload), correlationID)

	case protocol.TypeMessageDeliveredConfirm:
		return r.messages.ConfirmDelivered(ctx, sock, frame.Payload.(*protocol.MessageConfirmPayload).MessageID)

	case protocol.TypeClientAck:
		// CLIENT_ACK without a message ID is pure liveness noise.
		p := frame.Payload.(*protocol.ClientAckPayload)
		if p.MessageID == "" {
			return protocol.Ok()
		}
		return r.messages.ConfirmDelivered(ctx, sock, p.MessageID)

	case protocol.TypeMessageRead, protocol.TypeMessageReadConfirm:
		return r.messages.ConfirmRead(ctx, sock, frame.Payload.(*protocol.MessageConfirmPayload).MessageID)

	case protocol.TypeMessageEdit:
		return r.messages.Edit(ctx, sock, frame.Payload.(*protocol.MessageEditPayload))

	case protocol.TypeMessageDelete:
		return r.messages.Delete(ctx, sock, frame.Payload.(*protocol.MessageDeletePayload).MessageID)

	case protocol.TypeMessageReplay:
		return r.replay.Replay(ctx, sock, frame.Payload.(*protocol.MessageReplayPayload), correlationID)

	case protocol.TypeResume:
		return r.replay.Resume(ctx, sock, frame.Payload.(*protocol.ResumePayload), correlationID)

	case protocol.TypeStateSync:
		return r.handleStateSync(ctx, sock)

	case protocol.TypePresencePing:
		p := frame.Payload.(*protocol.PresencePingPayload)
		status := protocol.PresenceStatus(p.Status)
		if status == "" {
			status = protocol.PresenceOnline
		}
		return r.presence.SetStatus(ctx, sock.UserID, status)

	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		return r.handleTyping(sock, frame.Type, frame.Payload.(*protocol.TypingPayload))

	case protocol.TypeRoomCreate:
		return r.rooms.Create(ctx, sock, frame.Payload.(*protocol.RoomCreatePayload))

	case protocol.TypeRoomJoin:
		return r.rooms.Join(ctx, sock, frame.Payload.(*protocol.RoomTargetPayload).RoomID)

	case protocol.TypeRoomLeave:
		return r.rooms.Leave(ctx, sock, frame.Payload.(*protocol.RoomTargetPayload).RoomID)

	case protocol.TypeRoomMessage:
		return r.rooms.SendMessage(ctx, sock, frame.Payload.(*protocol.RoomMessagePayload), correlationID)

	case protocol.TypeRoomInfo:
		return r.rooms.Info(sock, frame.Payload.(*protocol.RoomTargetPayload).RoomID)

	case protocol.TypeRoomList:
		return r.rooms.List(sock)

	case protocol.TypeRoomMembers:
		return r.rooms.MembersOf(sock, frame.Payload.(*protocol.RoomTargetPayload).RoomID)

	case protocol.TypeRoomUpdateMeta:
		return r.rooms.UpdateMeta(ctx, sock, frame.Payload.(*protocol.RoomUpdateMetaPayload))

	case protocol.TypeRoomAddMembers:
		return r.rooms.AddMembers(ctx, sock, frame.Payload.(*protocol.RoomAddMembersPayload))

	case protocol.TypeRoomRemoveMember:
		return r.rooms.RemoveMember(ctx, sock, frame.Payload.(*protocol.RoomRemoveMemberPayload))

	case protocol.TypeRoomSetRole:
		return r.rooms.SetRole(ctx, sock, frame.Payload.(*protocol.RoomSetRolePayload))

	case protocol.TypeRoomDelete:
		return r.rooms.Delete(ctx, sock, frame.Payload.(*protocol.RoomTargetPayload).RoomID)
	}

	return protocol.Fail(protocol.CodeUnknownType, "unknown frame type")
}

// handleHello completes the handshake. A repeated HELLO is idempotent; a
// version the server does not speak is fatal for the socket.
func (r *Router) handleHello(sock *session.Socket, p *protocol.HelloPayload, correlationID string) protocol.Result {
	if p.Version != r.cfg.ProtocolVersion {
		sock.Send(protocol.TypeError,
			protocol.NewError(protocol.CodeVersionMismatch, "unsupported protocol version", correlationID), "")
		sock.CloseWithCode(protocol.ClosePolicyViolation, "unsupported protocol version")
		return protocol.Ok() // already answered
	}

	sock.MarkHello(p.Version, protocol.CapabilitiesForRole(sock.Role))
	sock.Send(protocol.TypeHelloAck, protocol.NewHelloAck(r.cfg.ProtocolVersion, correlationID), "")
	return protocol.Ok()
}

// handleStateSync answers with the full client-visible state: presence,
// room membership, and how many messages a replay would deliver.
func (r *Router) handleStateSync(ctx context.Context, sock *session.Socket) protocol.Result {
	replayed := r.replay.ReplayOnReconnect(ctx, sock)

	rooms := r.rooms.RoomsFor(sock.UserID)
	if rooms == nil {
		rooms = []protocol.RoomSnapshot{}
	}

	sock.Send(protocol.TypeStateSyncResponse, protocol.StateSyncResponse{
		Type:          protocol.TypeStateSyncResponse,
		Presence:      r.presence.Snapshot(),
		Rooms:         protocol.RoomsSnapshot{Type: protocol.TypeRoomsSnapshot, Rooms: rooms},
		ReplayedCount: replayed,
		Timestamp:     protocol.NowMillis(),
	}, "")
	return protocol.Ok()
}

// PushStateSync sends a reconnecting socket the same aggregate STATE_SYNC
// returns. Wired as the transport hub's reconnect hook; the hub brackets
// it with the resync markers.
func (r *Router) PushStateSync(ctx context.Context, sock *session.Socket) {
	r.handleStateSync(ctx, sock)
}

// handleTyping relays a typing indicator. Over budget means silent drop;
// typing is pure noise and never earns an error frame.
func (r *Router) handleTyping(sock *session.Socket, t protocol.FrameType, p *protocol.TypingPayload) protocol.Result {
	scope := p.RoomID
	if scope == "" {
		scope = p.RecipientID
	}
	if scope == "" {
		return protocol.Fail(protocol.CodeValidationError, "typing frame needs roomId or recipientId")
	}
	if !r.typing.Allow(sock.UserID, scope) {
		return protocol.Ok()
	}

	out := protocol.TypingEvent{
		Type:        t,
		UserID:      sock.UserID,
		RoomID:      p.RoomID,
		RecipientID: p.RecipientID,
		Timestamp:   protocol.NowMillis(),
	}

	if p.RoomID != "" {
		rm, ok := r.rooms.Get(p.RoomID)
		if !ok {
			return protocol.Fail(protocol.CodeRoomNotFound, "unknown room")
		}
		if !rm.IsMember(sock.UserID) {
			return protocol.Fail(protocol.CodeNotAMember, "not a member of this room")
		}
		for _, memberID := range rm.Members() {
			if memberID == sock.UserID {
				continue
			}
			r.sessions.SendToUser(memberID, t, out, "", "")
		}
		return protocol.Ok()
	}

	r.sessions.SendToUser(p.RecipientID, t, out, "", "")
	return protocol.Ok()
}
