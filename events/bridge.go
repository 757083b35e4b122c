// Package events relays payout status events across gateway instances over a
// Redis pub/sub channel. Workers publish; every gateway subscribes and hands
// each envelope to its local session registry, which drops events for users
// connected elsewhere.
package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
)

// Channel is the pub/sub channel carrying status event envelopes.
const Channel = "websocket:events"

// Sink receives envelopes on the subscribing side. The gateway's session
// registry implements it.
type Sink interface {
	Deliver(event *payout.StatusEvent)
}

// Bridge implements payout.EventBridge over Redis pub/sub.
type Bridge struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewBridge creates a Bridge.
func NewBridge(rdb *redis.Client, log *zap.Logger) *Bridge {
	return &Bridge{rdb: rdb, log: log.Named("events")}
}

// Emit publishes one status event envelope. Event delivery is best-effort
// relative to settlement: a publish failure is surfaced but settlements do not
// roll back because a notification was lost.
func (b *Bridge) Emit(ctx context.Context, event *payout.StatusEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return payout.WrapError(payout.ErrCodeInternal, "marshal status event", err)
	}
	if err := b.rdb.Publish(ctx, Channel, body).Err(); err != nil {
		return payout.WrapError(payout.ErrCodeCacheError, "publish status event", err)
	}
	return nil
}

// Subscribe starts the relay loop, delivering every envelope to sink until ctx
// is cancelled. Malformed envelopes are logged and dropped.
func (b *Bridge) Subscribe(ctx context.Context, sink Sink) error {
	sub := b.rdb.Subscribe(ctx, Channel)
	// Force the subscription handshake so a dead cache fails loudly at boot
	// instead of silently never delivering events.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return payout.WrapError(payout.ErrCodeCacheError, "subscribe to event channel", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var event payout.StatusEvent
				if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
					b.log.Warn("dropping malformed event envelope", zap.Error(err))
					continue
				}
				sink.Deliver(&event)
			}
		}
	}()
	b.log.Info("event bridge subscribed", zap.String("channel", Channel))
	return nil
}

var _ payout.EventBridge = (*Bridge)(nil)
