package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
)

type captureSink struct {
	mu     sync.Mutex
	events []*payout.StatusEvent
}

func (s *captureSink) Deliver(event *payout.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *captureSink) snapshot() []*payout.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*payout.StatusEvent(nil), s.events...)
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewBridge(rdb, zap.NewNop())
}

func TestEmitReachesSubscriber(t *testing.T) {
	b := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &captureSink{}
	require.NoError(t, b.Subscribe(ctx, sink))

	events := []string{payout.EventPayoutInitiated, payout.EventPayoutProcessing, payout.EventPayoutCompleted}
	for _, name := range events {
		require.NoError(t, b.Emit(ctx, &payout.StatusEvent{
			UserID:    "user_001",
			Event:     name,
			Data:      map[string]interface{}{"transaction_id": "TXN_TEST"},
			Timestamp: time.Now().UTC(),
		}))
	}

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == len(events)
	}, 2*time.Second, 10*time.Millisecond)

	// Per-transaction ordering survives the relay.
	got := sink.snapshot()
	for i, name := range events {
		assert.Equal(t, name, got[i].Event)
		assert.Equal(t, "user_001", got[i].UserID)
	}
}

func TestSubscribeStopsOnCancel(t *testing.T) {
	b := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())

	sink := &captureSink{}
	require.NoError(t, b.Subscribe(ctx, sink))
	cancel()

	// Events published after cancellation are not delivered.
	time.Sleep(50 * time.Millisecond)
	_ = b.Emit(context.Background(), &payout.StatusEvent{UserID: "user_001", Event: payout.EventPayoutFailed})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}
