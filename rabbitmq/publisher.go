package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
)

// Publisher sends persistent settlement envelopes to the payout queue with the
// transaction id as the broker-level message id.
type Publisher struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	log      *zap.Logger
}

// NewPublisher creates a Publisher on its own channel. When confirm is set the
// channel is put into confirm mode and every publish resolves only after the
// broker acknowledges it.
func NewPublisher(conn *amqp.Connection, confirm bool, log *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, payout.WrapError(payout.ErrCodeQueueError, "open publisher channel", err)
	}
	if err := DeclareTopology(ch); err != nil {
		ch.Close()
		return nil, payout.WrapError(payout.ErrCodeQueueError, "declare topology", err)
	}
	p := &Publisher{ch: ch, log: log.Named("publisher")}
	if confirm {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, payout.WrapError(payout.ErrCodeQueueError, "enable publisher confirms", err)
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}
	return p, nil
}

// Publish enqueues one settlement envelope. Failures, including broker
// backpressure, surface as QUEUE_ERROR so the gateway aborts initiation and
// releases the lock.
func (p *Publisher) Publish(ctx context.Context, msg *payout.PayoutMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return payout.WrapError(payout.ErrCodeInternal, "marshal payout message", err)
	}
	return p.publish(ctx, body, msg.TransactionID, 0)
}

// publish is shared with the consumer's retry re-publish path.
func (p *Publisher) publish(ctx context.Context, body []byte, messageID string, retryCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.PublishWithContext(ctx, "", PayoutQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Body:         body,
		Headers:      amqp.Table{RetryCountHeader: int32(retryCount)},
	})
	if err != nil {
		return payout.WrapError(payout.ErrCodeQueueError, "publish settlement message", err)
	}
	if p.confirms != nil {
		select {
		case conf := <-p.confirms:
			if !conf.Ack {
				return payout.NewPayoutError(payout.ErrCodeQueueError, "broker nacked publish", nil)
			}
		case <-ctx.Done():
			return payout.WrapError(payout.ErrCodeQueueError, "publish confirm wait cancelled", ctx.Err())
		}
	}
	p.log.Debug("message published",
		zap.String("message_id", messageID), zap.Int("retry_count", retryCount))
	return nil
}

// Close tears down the publisher channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}

var _ payout.Publisher = (*Publisher)(nil)
