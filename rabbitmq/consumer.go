package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
)

// Handler settles one payout message. A nil return acks the delivery; a
// non-retriable error acks or dead-letters per the error's code; anything
// else goes through the retry policy.
type Handler func(ctx context.Context, msg *payout.PayoutMessage, redelivered bool) error

// Consumer runs the bounded-concurrency dequeue loop. The broker prefetch
// equals the concurrency, so at most that many settlements run at once per
// worker process.
type Consumer struct {
	ch          *amqp.Channel
	publisher   *Publisher
	handler     Handler
	concurrency int
	maxRetries  int
	retryDelay  time.Duration
	log         *zap.Logger

	tag    string
	wg     sync.WaitGroup
	closed chan struct{}
}

// ConsumerConfig bounds the retry policy and the in-flight window.
type ConsumerConfig struct {
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
}

// NewConsumer creates a Consumer on its own channel with prefetch set to the
// configured concurrency.
func NewConsumer(conn *amqp.Connection, publisher *Publisher, handler Handler, cfg ConsumerConfig, log *zap.Logger) (*Consumer, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, payout.WrapError(payout.ErrCodeQueueError, "open consumer channel", err)
	}
	if err := DeclareTopology(ch); err != nil {
		ch.Close()
		return nil, payout.WrapError(payout.ErrCodeQueueError, "declare topology", err)
	}
	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		ch.Close()
		return nil, payout.WrapError(payout.ErrCodeQueueError, "set prefetch", err)
	}
	return &Consumer{
		ch:          ch,
		publisher:   publisher,
		handler:     handler,
		concurrency: cfg.Concurrency,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		log:         log.Named("consumer"),
		tag:         "payout-worker-" + payout.NewLockToken()[:8],
		closed:      make(chan struct{}),
	}, nil
}

// Start begins consuming. It returns once the delivery channel is open; the
// loop runs until Stop is called or the channel closes underneath us.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.ch.Consume(PayoutQueue, c.tag, false, false, false, false, nil)
	if err != nil {
		return payout.WrapError(payout.ErrCodeQueueError, "start consume", err)
	}
	go c.loop(ctx, deliveries)
	c.log.Info("consumer started",
		zap.String("queue", PayoutQueue), zap.Int("prefetch", c.concurrency))
	return nil
}

func (c *Consumer) loop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.closed)
	for d := range deliveries {
		d := d
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleDelivery(ctx, d)
		}()
	}
	// Channel closed by Stop or by the broker; in-flight work finishes and
	// anything unacked will be redelivered.
	c.wg.Wait()
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var msg payout.PayoutMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.log.Error("unparseable message, dead-lettering",
			zap.String("message_id", d.MessageId), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	err := c.handler(ctx, &msg, d.Redelivered)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.log.Error("ack failed", zap.String("transaction_id", msg.TransactionID), zap.Error(ackErr))
		}
		return
	}

	var pe *payout.PayoutError
	if errors.As(err, &pe) {
		switch {
		case pe.Code == payout.ErrCodeAlreadyProcessing:
			// A prior attempt owns this settlement (or died owning it).
			// Dead-letter immediately so an operator sees the stuck row.
			c.log.Warn("settlement conflict, dead-lettering",
				zap.String("transaction_id", msg.TransactionID))
			if nackErr := d.Nack(false, false); nackErr != nil {
				c.log.Error("nack failed", zap.String("transaction_id", msg.TransactionID), zap.Error(nackErr))
			}
			return
		case pe.Code == payout.ErrCodeTransactionNotFound:
			// Poison message: burn the retry budget, then the DLQ keeps it.
		case !pe.Retryable:
			// Business failures are settled; redelivery would change nothing.
			c.log.Info("non-retriable settlement failure, acking",
				zap.String("transaction_id", msg.TransactionID), zap.String("code", pe.Code))
			if ackErr := d.Ack(false); ackErr != nil {
				c.log.Error("ack failed", zap.String("transaction_id", msg.TransactionID), zap.Error(ackErr))
			}
			return
		}
	}

	c.handleFailure(ctx, d, &msg, err)
}

// handleFailure applies the requeue policy: under the retry budget the body is
// re-published with an incremented x-retry-count after the retry delay, above
// it the nack dead-letters the message for operator triage.
func (c *Consumer) handleFailure(ctx context.Context, d amqp.Delivery, msg *payout.PayoutMessage, cause error) {
	retries := retryCount(d.Headers)
	if retries < c.maxRetries {
		c.log.Warn("settlement failed, scheduling retry",
			zap.String("transaction_id", msg.TransactionID),
			zap.Int("retry", retries+1), zap.Int("max", c.maxRetries),
			zap.Error(cause))
		if err := d.Ack(false); err != nil {
			c.log.Error("ack before retry failed", zap.String("transaction_id", msg.TransactionID), zap.Error(err))
			return
		}
		if c.retryDelay > 0 {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return
			}
		}
		if err := c.publisher.publish(ctx, d.Body, d.MessageId, retries+1); err != nil {
			c.log.Error("retry re-publish failed, message lost to this worker",
				zap.String("transaction_id", msg.TransactionID), zap.Error(err))
		}
		return
	}

	c.log.Error("retry budget exhausted, dead-lettering",
		zap.String("transaction_id", msg.TransactionID),
		zap.Int("retries", retries), zap.Error(cause))
	if err := d.Nack(false, false); err != nil {
		c.log.Error("nack failed", zap.String("transaction_id", msg.TransactionID), zap.Error(err))
	}
}

// Stop cancels the consumer and waits up to grace for in-flight settlements.
// Unacked deliveries that outlive the grace period are redelivered by the
// broker.
func (c *Consumer) Stop(grace time.Duration) error {
	if err := c.ch.Cancel(c.tag, false); err != nil {
		return payout.WrapError(payout.ErrCodeQueueError, "cancel consumer", err)
	}
	select {
	case <-c.closed:
	case <-time.After(grace):
		c.log.Warn("shutdown grace expired with settlements in flight")
	}
	return c.ch.Close()
}
