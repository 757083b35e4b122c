package payout

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Locker provides per-user mutual exclusion backed by the cache.
// Acquire installs a fencing token; only the matching token may release or
// extend. Contention is reported as ErrLockNotAcquired, never as a nil token.
type Locker interface {
	// Acquire attempts a single compare-and-set acquisition with the given TTL.
	// Returns the fencing token on success, ErrLockNotAcquired on contention.
	Acquire(ctx context.Context, resource string, ttl time.Duration) (string, error)

	// AcquireWithRetry retries Acquire with linear backoff (delay = baseDelay x attempt).
	// Returns ErrLockNotAcquired once attempts are exhausted.
	AcquireWithRetry(ctx context.Context, resource string, ttl time.Duration, attempts int, baseDelay time.Duration) (string, error)

	// Release deletes the lock only if it still holds token. Releasing a lock
	// now owned by someone else is a silent no-op.
	Release(ctx context.Context, resource, token string) error

	// Extend refreshes the TTL only if the lock still holds token.
	Extend(ctx context.Context, resource, token string, ttl time.Duration) error
}

// BalanceCache is the authoritative pending balance for admission decisions.
// Deduct and Add are single atomic steps against the cache; callers must not
// substitute a prior HasSufficient for Deduct's internal check.
type BalanceCache interface {
	// Get returns the cached balance, or ErrBalanceMissing on a cold cache.
	Get(ctx context.Context, userID string) (decimal.Decimal, error)

	// Set unconditionally seeds the balance. Used only on cold-miss rehydration.
	Set(ctx context.Context, userID string, value decimal.Decimal) error

	// Deduct atomically subtracts amount. Returns the new balance, or
	// ErrBalanceMissing / ErrInsufficientFunds without mutating anything.
	Deduct(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)

	// Add atomically credits amount back. Returns ErrBalanceMissing if absent.
	Add(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)

	// HasSufficient is an advisory, non-atomic pre-check.
	HasSufficient(ctx context.Context, userID string, amount decimal.Decimal) (bool, error)
}

// TransactionStore persists payout transaction records and their transitions.
type TransactionStore interface {
	Insert(ctx context.Context, tx *Transaction) error
	GetByID(ctx context.Context, transactionID string) (*Transaction, error)

	// ListByUser returns the newest transactions first, optionally filtered by
	// status. limit is clamped to a store-defined maximum.
	ListByUser(ctx context.Context, userID string, status TransactionStatus, limit int64) ([]*Transaction, error)

	// MarkProcessing transitions initiated -> processing. Idempotent when the
	// record is already processing; ErrInvalidTransition otherwise.
	MarkProcessing(ctx context.Context, transactionID string) error

	// MarkCompleted transitions processing -> completed, recording the final
	// balance and processing duration.
	MarkCompleted(ctx context.Context, transactionID string, balanceAfter decimal.Decimal) error

	// MarkFailed transitions a non-terminal record to failed with error details.
	MarkFailed(ctx context.Context, transactionID, code, message string) error
}

// UserStore reads and reconciles durable user accounts.
type UserStore interface {
	GetByID(ctx context.Context, userID string) (*User, error)

	// ApplyPayout writes the post-settlement durable balance and bumps the
	// payout aggregates in a single document update.
	ApplyPayout(ctx context.Context, userID string, amount, newBalance decimal.Decimal) error
}

// AuditLog appends lifecycle entries. Implementations must never let an audit
// failure abort the operation being audited.
type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Publisher enqueues settlement work items durably.
type Publisher interface {
	// Publish sends the envelope with the transaction id as the broker message
	// id. Backpressure and broker failures surface as QUEUE_ERROR.
	Publish(ctx context.Context, msg *PayoutMessage) error
}

// EventBridge fans payout status events out to whichever gateway instance owns
// the user's live session.
type EventBridge interface {
	Emit(ctx context.Context, event *StatusEvent) error
}
