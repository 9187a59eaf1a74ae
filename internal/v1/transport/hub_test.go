package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/server/internal/v1/auth"
	"github.com/relaychat/server/internal/v1/config"
	"github.com/relaychat/server/internal/v1/db"
	"github.com/relaychat/server/internal/v1/message"
	"github.com/relaychat/server/internal/v1/presence"
	"github.com/relaychat/server/internal/v1/protocol"
	"github.com/relaychat/server/internal/v1/session"
	"github.com/relaychat/server/internal/v1/store"
)

// discardSink swallows frames; the transport tests only exercise the edge.
type discardSink struct{}

func (discardSink) HandleFrame(*session.Socket, []byte) {}
func (discardSink) HandleDisconnect(*session.Socket)    {}

// recordingSyncer stands in for the frame router's state push.
type recordingSyncer struct {
	mu     sync.Mutex
	pushes int
}

func (s *recordingSyncer) PushStateSync(_ context.Context, sock *session.Socket) {
	s.mu.Lock()
	s.pushes++
	s.mu.Unlock()
	sock.Send(protocol.TypeStateSyncResponse, protocol.StateSyncResponse{
		Type: protocol.TypeStateSyncResponse, Timestamp: protocol.NowMillis(),
	}, "")
}

func (s *recordingSyncer) pushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes
}

// rejectValidator refuses every token.
type rejectValidator struct{}

func (rejectValidator) ValidateToken(string) (*auth.CustomClaims, error) {
	return nil, errors.New("signature mismatch")
}

func newTestHub(t *testing.T, cfg *config.Config, validator auth.TokenValidator) (*Hub, *session.Manager) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.DevelopmentMode = true
	}
	sessions := session.NewManager(cfg)
	messages := message.NewService(cfg, db.NewMemory(), store.NewMessageCache(),
		store.NewDeliveryStore(), store.NewIdempotencyIndex(), sessions)
	pr := presence.NewEngine(cfg, sessions, store.NewPresenceStore())
	sessions.SetPresenceNotifier(pr)
	t.Cleanup(pr.Stop)

	return NewHub(cfg, validator, sessions, discardSink{}, messages, pr), sessions
}

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/ws", h.ServeWs)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func TestValidateOrigin(t *testing.T) {
	allowed := []string{"http://localhost:3000", "https://chat.example.com"}

	cases := []struct {
		origin string
		ok     bool
	}{
		{"", true}, // non-browser client
		{"http://localhost:3000", true},
		{"https://chat.example.com", true},
		{"https://chat.example.com:443", false}, // host match is literal
		{"http://evil.example.com", false},
		{"ht tp://broken", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := validateOrigin(r, allowed)
		if tc.ok {
			assert.NoError(t, err, "origin %q", tc.origin)
		} else {
			assert.Error(t, err, "origin %q", tc.origin)
		}
	}
}

func TestServeWs_RejectsMissingToken(t *testing.T) {
	hub, _ := newTestHub(t, nil, &auth.MockValidator{})
	srv := newTestServer(t, hub)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWs_RejectsInvalidToken(t *testing.T) {
	hub, _ := newTestHub(t, nil, rejectValidator{})
	srv := newTestServer(t, hub)

	resp, err := http.Get(srv.URL + "/ws?token=whatever")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWs_RejectsBadOrigin(t *testing.T) {
	hub, _ := newTestHub(t, nil, &auth.MockValidator{})
	srv := newTestServer(t, hub)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws?token=dev", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServeWs_RefusesWhileDraining(t *testing.T) {
	hub, sessions := newTestHub(t, nil, &auth.MockValidator{})
	srv := newTestServer(t, hub)

	sessions.Shutdown(context.Background())

	resp, err := http.Get(srv.URL + "/ws?token=dev")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServeWs_UpgradeAndWelcomeSequence(t *testing.T) {
	hub, sessions := newTestHub(t, nil, &auth.MockValidator{})
	srv := newTestServer(t, hub)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=dev"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// The welcome sequence arrives in a fixed order before any client frame.
	wantOrder := []string{"SYSTEM_CAPABILITIES", "CONNECTION_ESTABLISHED", "PRESENCE_SNAPSHOT"}
	for _, want := range wantOrder {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)

		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		assert.Equal(t, want, frame["type"])

		switch want {
		case "SYSTEM_CAPABILITIES":
			assert.Equal(t, "member", frame["role"])
			assert.NotEmpty(t, frame["capabilities"])
		case "CONNECTION_ESTABLISHED":
			assert.Equal(t, false, frame["isReconnect"])
			assert.Equal(t, float64(1), frame["connectionCount"])
			assert.NotEmpty(t, frame["connectionId"])
		}
	}

	// MockValidator's fallback subject is the registered user.
	assert.Eventually(t, func() bool {
		return sessions.IsOnline("dev-user-123")
	}, time.Second, 5*time.Millisecond)
}

func TestServeWs_ReconnectGetsBracketedResync(t *testing.T) {
	oldDelay := resyncDelay
	resyncDelay = 5 * time.Millisecond
	t.Cleanup(func() { resyncDelay = oldDelay })

	hub, _ := newTestHub(t, nil, &auth.MockValidator{})
	syncer := &recordingSyncer{}
	hub.SetStateSyncer(syncer)
	srv := newTestServer(t, hub)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=dev"

	readTypes := func(t *testing.T, conn *websocket.Conn, n int) []string {
		t.Helper()
		types := make([]string, 0, n)
		for len(types) < n {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, raw, err := conn.ReadMessage()
			require.NoError(t, err)
			var frame map[string]any
			require.NoError(t, json.Unmarshal(raw, &frame))
			types = append(types, frame["type"].(string))
		}
		return types
	}

	first, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer first.Close()
	defer resp.Body.Close()
	readTypes(t, first, 3)

	// The first connection of a session is not a reconnect.
	time.Sleep(5 * resyncDelay)
	assert.Equal(t, 0, syncer.pushCount())

	second, resp2, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()
	defer resp2.Body.Close()

	// Welcome frames, then the delayed push bracketed by the markers.
	got := readTypes(t, second, 6)
	assert.Equal(t, []string{
		"SYSTEM_CAPABILITIES", "CONNECTION_ESTABLISHED", "PRESENCE_SNAPSHOT",
		"RESYNC_START", "STATE_SYNC_RESPONSE", "RESYNC_COMPLETE",
	}, got)
	assert.Equal(t, 1, syncer.pushCount())
}
