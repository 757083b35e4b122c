// Package rabbitmq carries settlement work items over RabbitMQ. The payout
// queue dead-letters into a DLX-backed queue so poison messages end up
// somewhere an operator can triage instead of cycling forever.
package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// PayoutQueue holds settlement work items awaiting a worker.
	PayoutQueue = "payout_queue"
	// DeadLetterExchange receives messages that exhausted their retry budget.
	DeadLetterExchange = "dlx_payout"
	// DeadLetterQueue is the terminal destination for poison messages.
	DeadLetterQueue = "payout_dlq"
	// DeadLetterRoutingKey binds the DLQ to the DLX.
	DeadLetterRoutingKey = "payout"

	// RetryCountHeader tracks how many times a message has been re-published.
	RetryCountHeader = "x-retry-count"

	// messageTTL bounds how long an unconsumed message may sit in the queue.
	messageTTL = 24 * time.Hour
)

// DialWithRetry connects to the broker with exponential backoff, for boot-time
// races against the broker container coming up.
func DialWithRetry(url string, maxRetries int, log *zap.Logger) (*amqp.Connection, error) {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		wait := time.Duration(1<<uint(i)) * time.Second
		log.Warn("broker dial failed, retrying",
			zap.Int("attempt", i+1), zap.Int("max", maxRetries),
			zap.Duration("backoff", wait), zap.Error(err))
		time.Sleep(wait)
	}
	return nil, fmt.Errorf("connect to broker after %d attempts: %w", maxRetries, lastErr)
}

// DeclareTopology declares the durable exchange/queue pair and the payout
// queue that dead-letters into it. Idempotent; every process declares on boot.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(DeadLetterQueue, DeadLetterRoutingKey, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}
	if _, err := ch.QueueDeclare(PayoutQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": DeadLetterRoutingKey,
		"x-message-ttl":             messageTTL.Milliseconds(),
	}); err != nil {
		return fmt.Errorf("declare payout queue: %w", err)
	}
	return nil
}

// retryCount reads the retry header from a delivery, tolerating the integer
// widths different clients write.
func retryCount(headers amqp.Table) int {
	switch v := headers[RetryCountHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}
