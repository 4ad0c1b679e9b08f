package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradewarden/delegation-engine/internal/infrastructure/events"
)

// hubServer upgrades incoming requests and registers them on the hub under
// the user ID given in the query string.
func hubServer(t *testing.T, hub *events.Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
		require.NoError(t, err)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		hub.AddConnection(uuid.NewString(), conn, userID)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user_id=" + userID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_BroadcastReachesOwnerOnly(t *testing.T) {
	hub := events.NewHub(zap.NewNop(), events.DefaultHubConfig())
	t.Cleanup(func() { hub.Close() })
	srv := hubServer(t, hub)

	owner := uuid.New()
	other := uuid.New()
	ownerConn := dial(t, srv, owner)
	otherConn := dial(t, srv, other)

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 2 },
		time.Second, 10*time.Millisecond)

	hub.Broadcast(context.Background(), owner, events.Message{
		Type:      "permission_revoked",
		Timestamp: time.Now().UTC(),
	})

	ownerConn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := ownerConn.ReadMessage()
	require.NoError(t, err)

	var msg events.Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "permission_revoked", msg.Type)

	otherConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = otherConn.ReadMessage()
	require.Error(t, err, "other users must not receive the message")
}

func TestHub_CloseDropsConnections(t *testing.T) {
	hub := events.NewHub(zap.NewNop(), events.DefaultHubConfig())
	srv := hubServer(t, hub)

	conn := dial(t, srv, uuid.New())
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.ConnectionCount())

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

// A client that answers pings must never be reaped, even while the reaper
// runs concurrently with the pong handler updating liveness state.
func TestHub_HealthyConnectionSurvivesReaping(t *testing.T) {
	cfg := events.DefaultHubConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 40 * time.Millisecond
	cfg.ReapInterval = 25 * time.Millisecond

	hub := events.NewHub(zap.NewNop(), cfg)
	t.Cleanup(func() { hub.Close() })
	srv := hubServer(t, hub)

	conn := dial(t, srv, uuid.New())
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 },
		time.Second, 10*time.Millisecond)

	// Reading drives the client's default ping handler, which answers each
	// server ping with a pong.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(10 * cfg.ReapInterval)
	assert.Equal(t, 1, hub.ConnectionCount(), "responsive connection was reaped")

	conn.Close()
	<-done
}
