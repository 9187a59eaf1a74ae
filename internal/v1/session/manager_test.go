package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/server/internal/v1/protocol"
)

func TestManager_RegisterFirstSocket(t *testing.T) {
	m := NewManager(testConfig())
	notifier := &mockNotifier{}
	m.SetPresenceNotifier(notifier)

	sock, _ := newTestSocket(t, "alice", testConfig())
	isReconnect, count, err := m.Register(context.Background(), sock)
	require.NoError(t, err)

	assert.False(t, isReconnect)
	assert.Equal(t, 1, count)
	assert.True(t, m.IsOnline("alice"))
	assert.Equal(t, []string{"alice"}, notifier.connects)
}

func TestManager_SecondSocketIsReconnect(t *testing.T) {
	m := NewManager(testConfig())
	notifier := &mockNotifier{}
	m.SetPresenceNotifier(notifier)

	first, _ := newTestSocket(t, "alice", testConfig())
	_, _, err := m.Register(context.Background(), first)
	require.NoError(t, err)

	second, _ := newTestSocket(t, "alice", testConfig())
	isReconnect, count, err := m.Register(context.Background(), second)
	require.NoError(t, err)

	assert.True(t, isReconnect)
	assert.Equal(t, 2, count)
	// Presence connect fires only for the first socket.
	assert.Len(t, notifier.connects, 1)
}

func TestManager_EvictsOldestSocketOverCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSocketsPerSession = 3
	m := NewManager(cfg)

	oldest, oldestConn := newTestSocket(t, "alice", cfg)
	_, _, err := m.Register(context.Background(), oldest)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		sock, _ := newTestSocket(t, "alice", cfg)
		_, _, err := m.Register(context.Background(), sock)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.SocketCount("alice"))

	fourth, _ := newTestSocket(t, "alice", cfg)
	_, count, err := m.Register(context.Background(), fourth)
	require.NoError(t, err)

	assert.Equal(t, 3, count, "cap holds after eviction")
	assert.True(t, oldest.Closed())
	assert.Contains(t, oldestConn.closeCodes(), protocol.CloseTooManyTabs)
	assert.False(t, m.ValidateContext(oldest))
	assert.True(t, m.ValidateContext(fourth))
}

func TestManager_ValidateContextChecksCapabilities(t *testing.T) {
	m := NewManager(testConfig())

	sock, _ := newTestSocket(t, "alice", testConfig())
	_, _, err := m.Register(context.Background(), sock)
	require.NoError(t, err)

	// A handshaking socket passes on ownership alone.
	assert.True(t, m.ValidateContext(sock))

	sock.MarkHello("1", protocol.CapabilitiesForRole("member"))
	assert.True(t, m.ValidateContext(sock))

	// A member socket carrying the admin capability is a zombie.
	tainted, _ := newTestSocket(t, "bob", testConfig())
	_, _, err = m.Register(context.Background(), tainted)
	require.NoError(t, err)
	tainted.MarkHello("1", protocol.CapabilitiesForRole("admin"))
	assert.False(t, m.ValidateContext(tainted))

	// So is one that finished the handshake with no capabilities at all.
	bare, _ := newTestSocket(t, "carol", testConfig())
	_, _, err = m.Register(context.Background(), bare)
	require.NoError(t, err)
	bare.MarkHello("1", nil)
	assert.False(t, m.ValidateContext(bare))
}

func TestManager_DetachLastSocketNotifiesPresence(t *testing.T) {
	m := NewManager(testConfig())
	notifier := &mockNotifier{}
	m.SetPresenceNotifier(notifier)

	first, _ := newTestSocket(t, "alice", testConfig())
	second, _ := newTestSocket(t, "alice", testConfig())
	_, _, err := m.Register(context.Background(), first)
	require.NoError(t, err)
	_, _, err = m.Register(context.Background(), second)
	require.NoError(t, err)

	m.Detach(context.Background(), first)
	assert.Empty(t, notifier.disconnects, "user still has a live socket")
	assert.True(t, m.IsOnline("alice"))

	m.Detach(context.Background(), second)
	assert.Equal(t, []string{"alice"}, notifier.disconnects)
	assert.False(t, m.IsOnline("alice"))

	// Detaching an unknown socket is a no-op.
	m.Detach(context.Background(), second)
	assert.Len(t, notifier.disconnects, 1)
}

func TestManager_SendToUserExcludesConnection(t *testing.T) {
	m := NewManager(testConfig())

	first, firstConn := newTestSocket(t, "alice", testConfig())
	second, secondConn := newTestSocket(t, "alice", testConfig())
	_, _, err := m.Register(context.Background(), first)
	require.NoError(t, err)
	_, _, err = m.Register(context.Background(), second)
	require.NoError(t, err)
	go first.WritePump()
	go second.WritePump()

	delivered := m.SendToUser("alice", protocol.TypePong, protocol.NewPong(), "", first.ID)
	assert.Equal(t, 1, delivered)

	assert.Eventually(t, func() bool {
		return len(secondConn.sentFrames()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, firstConn.sentFrames())

	delivered = m.SendToUser("nobody", protocol.TypePong, protocol.NewPong(), "", "")
	assert.Equal(t, 0, delivered)
}

func TestManager_HeartbeatSweepClosesUnresponsiveSockets(t *testing.T) {
	m := NewManager(testConfig())

	dead, deadConn := newTestSocket(t, "alice", testConfig())
	live, _ := newTestSocket(t, "bob", testConfig())
	_, _, err := m.Register(context.Background(), dead)
	require.NoError(t, err)
	_, _, err = m.Register(context.Background(), live)
	require.NoError(t, err)

	// The dead socket never answered the previous ping.
	dead.MarkPingSent(time.Now().Add(-time.Minute))

	m.sweep(context.Background())

	assert.True(t, dead.Closed())
	assert.Contains(t, deadConn.closeCodes(), protocol.CloseInvalidConnState)
	assert.False(t, m.IsOnline("alice"))

	// The live socket got a fresh ping and stays registered.
	assert.True(t, m.IsOnline("bob"))
	assert.False(t, live.Alive(), "ping sent, pong pending")
}

func TestManager_ShutdownDrainsAndCloses(t *testing.T) {
	cfg := testConfig()
	cfg.DrainTimeout = 10 * time.Millisecond
	m := NewManager(cfg)

	sock, conn := newTestSocket(t, "alice", cfg)
	_, _, err := m.Register(context.Background(), sock)
	require.NoError(t, err)
	go sock.WritePump()

	m.Shutdown(context.Background())

	assert.True(t, m.Draining())
	assert.True(t, sock.Closed())
	assert.Contains(t, conn.closeCodes(), protocol.CloseGoingAway)
	assert.False(t, m.IsOnline("alice"))

	// The shutdown announcement went out before the close.
	found := false
	for _, raw := range conn.sentFrames() {
		var out map[string]any
		if json.Unmarshal(raw, &out) == nil && out["type"] == "SERVER_SHUTDOWN" {
			found = true
		}
	}
	assert.True(t, found, "SERVER_SHUTDOWN should be broadcast during drain")

	// New registrations are refused while draining.
	late, lateConn := newTestSocket(t, "bob", cfg)
	_, _, err = m.Register(context.Background(), late)
	assert.Error(t, err)
	assert.Contains(t, lateConn.closeCodes(), protocol.CloseGoingAway)
}
