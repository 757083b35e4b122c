package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
)

func dialSession(t *testing.T, r *Registry, userID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := r.HandleConnect(w, req, userID); err != nil {
			t.Errorf("upgrade failed: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDeliverReachesUserSessions(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	conn := dialSession(t, r, "user_001")

	require.Eventually(t, func() bool {
		return r.SessionCount("user_001") == 1
	}, time.Second, 10*time.Millisecond)

	r.Deliver(&payout.StatusEvent{
		UserID: "user_001",
		Event:  payout.EventPayoutCompleted,
		Data:   map[string]interface{}{"transaction_id": "TXN_TEST", "new_balance": "9899.50"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got payout.StatusEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, payout.EventPayoutCompleted, got.Event)
	assert.Equal(t, "9899.50", got.Data["new_balance"])
}

func TestDeliverIgnoresUsersConnectedElsewhere(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	conn := dialSession(t, r, "user_001")

	require.Eventually(t, func() bool {
		return r.SessionCount("user_001") == 1
	}, time.Second, 10*time.Millisecond)

	// An event for a user this instance doesn't own is silently dropped.
	r.Deliver(&payout.StatusEvent{UserID: "user_999", Event: payout.EventPayoutInitiated})

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var got payout.StatusEvent
	assert.Error(t, conn.ReadJSON(&got), "no event should arrive")
}

func TestFanOutToMultipleSessions(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	c1 := dialSession(t, r, "user_001")
	c2 := dialSession(t, r, "user_001")

	require.Eventually(t, func() bool {
		return r.SessionCount("user_001") == 2
	}, time.Second, 10*time.Millisecond)

	r.Deliver(&payout.StatusEvent{UserID: "user_001", Event: payout.EventPayoutProcessing})

	for _, conn := range []*websocket.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got payout.StatusEvent
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, payout.EventPayoutProcessing, got.Event)
	}
}

func TestDisconnectPrunesRegistry(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	conn := dialSession(t, r, "user_001")

	require.Eventually(t, func() bool {
		return r.SessionCount("user_001") == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return r.SessionCount("user_001") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
