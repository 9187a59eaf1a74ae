package session

// Session groups one user's live sockets, oldest first. All mutation goes
// through the Manager, which holds the lock.
type Session struct {
	UserID  string
	sockets []*Socket
}

// addSocketLocked appends a socket and, when the cap is exceeded, pops and
// returns the oldest socket for eviction. Caller holds the manager lock.
func (s *Session) addSocketLocked(sock *Socket, maxSockets int) (evicted *Socket) {
	s.sockets = append(s.sockets, sock)
	if len(s.sockets) > maxSockets {
		evicted = s.sockets[0]
		s.sockets = append([]*Socket(nil), s.sockets[1:]...)
	}
	return evicted
}

// removeSocketLocked drops a socket by connection ID. Caller holds the
// manager lock.
func (s *Session) removeSocketLocked(connectionID string) bool {
	for i, sock := range s.sockets {
		if sock.ID == connectionID {
			s.sockets = append(s.sockets[:i], s.sockets[i+1:]...)
			return true
		}
	}
	return false
}

// containsLocked reports whether the session still tracks the socket.
func (s *Session) containsLocked(connectionID string) bool {
	for _, sock := range s.sockets {
		if sock.ID == connectionID {
			return true
		}
	}
	return false
}

// socketsLocked returns a copy of the socket list.
func (s *Session) socketsLocked() []*Socket {
	return append([]*Socket(nil), s.sockets...)
}
