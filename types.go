package payout

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is an ISO-4217 currency code supported by the pipeline.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
	CurrencyINR Currency = "INR"
)

// Valid reports whether the currency is in the supported set.
func (c Currency) Valid() bool {
	switch c {
	case CurrencyUSD, CurrencyEUR, CurrencyGBP, CurrencyINR:
		return true
	}
	return false
}

// UserStatus is the lifecycle state of a user account.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserClosed    UserStatus = "closed"
)

// TransactionStatus is the lifecycle state of a payout transaction.
// Transitions only move forward: initiated -> processing -> completed,
// with failed reachable from initiated or processing. rolled_back is
// reserved for operator intervention.
type TransactionStatus string

const (
	StatusInitiated  TransactionStatus = "initiated"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Terminal reports whether no further transition may leave this status.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}

// TransactionType distinguishes payout debits from operator adjustments.
type TransactionType string

const (
	TypePayout     TransactionType = "payout"
	TypeRefund     TransactionType = "refund"
	TypeAdjustment TransactionType = "adjustment"
)

// User is the durable account record. Balance is authoritative at rest; the
// cached pending balance leads it while payouts are in flight.
type User struct {
	UserID            string          `bson:"user_id" json:"user_id"`
	Name              string          `bson:"name" json:"name"`
	Email             string          `bson:"email" json:"email"`
	Balance           decimal.Decimal `bson:"balance" json:"balance"`
	Currency          Currency        `bson:"currency" json:"currency"`
	Status            UserStatus      `bson:"status" json:"status"`
	TotalPayouts      int64           `bson:"total_payouts" json:"total_payouts"`
	TotalPayoutAmount decimal.Decimal `bson:"total_payout_amount" json:"total_payout_amount"`
	LastPayoutAt      *time.Time      `bson:"last_payout_at,omitempty" json:"last_payout_at,omitempty"`
	CreatedAt         time.Time       `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `bson:"updated_at" json:"updated_at"`
}

// RequestMetadata captures where an intake request came from.
type RequestMetadata struct {
	IP          string `bson:"ip,omitempty" json:"ip,omitempty"`
	UserAgent   string `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
	Source      string `bson:"source,omitempty" json:"source,omitempty"`
	Description string `bson:"description,omitempty" json:"description,omitempty"`
}

// Transaction is the durable payout record. Created by the gateway in the
// initiated state and advanced only by the worker; never deleted.
type Transaction struct {
	TransactionID string            `bson:"transaction_id" json:"transaction_id"`
	UserID        string            `bson:"user_id" json:"user_id"`
	Amount        decimal.Decimal   `bson:"amount" json:"amount"`
	Currency      Currency          `bson:"currency" json:"currency"`
	Status        TransactionStatus `bson:"status" json:"status"`
	Type          TransactionType   `bson:"type" json:"type"`
	BalanceBefore decimal.Decimal   `bson:"balance_before" json:"balance_before"`
	BalanceAfter  decimal.Decimal   `bson:"balance_after" json:"balance_after"`
	Metadata      RequestMetadata   `bson:"metadata" json:"metadata"`
	LockAcquired  bool              `bson:"lock_acquired" json:"-"`

	ErrorCode    string `bson:"error_code,omitempty" json:"error_code,omitempty"`
	ErrorMessage string `bson:"error_message,omitempty" json:"error_message,omitempty"`

	CreatedAt            time.Time  `bson:"created_at" json:"created_at"`
	ProcessingAt         *time.Time `bson:"processing_at,omitempty" json:"processing_at,omitempty"`
	CompletedAt          *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	FailedAt             *time.Time `bson:"failed_at,omitempty" json:"failed_at,omitempty"`
	ProcessingDurationMS int64      `bson:"processing_duration_ms,omitempty" json:"processing_duration_ms,omitempty"`
}

// Audit actions recorded against the append-only audit log.
const (
	AuditPayoutInitiated  = "PAYOUT_INITIATED"
	AuditPayoutProcessing = "PAYOUT_PROCESSING"
	AuditPayoutCompleted  = "PAYOUT_COMPLETED"
	AuditPayoutFailed     = "PAYOUT_FAILED"
	AuditLockAcquired     = "LOCK_ACQUIRED"
	AuditLockReleased     = "LOCK_RELEASED"
	AuditBalanceDeducted  = "BALANCE_DEDUCTED"
	AuditBalanceRestored  = "BALANCE_RESTORED"
	AuditMessagePublished = "MESSAGE_PUBLISHED"
	AuditMessageConsumed  = "MESSAGE_CONSUMED"
	AuditMessageAcked     = "MESSAGE_ACKED"
	AuditMessageNacked    = "MESSAGE_NACKED"
)

// AuditEntry is one append-only audit log record.
type AuditEntry struct {
	TransactionID string    `bson:"transaction_id" json:"transaction_id"`
	UserID        string    `bson:"user_id" json:"user_id"`
	Action        string    `bson:"action" json:"action"`
	Details       string    `bson:"details,omitempty" json:"details,omitempty"`
	Timestamp     time.Time `bson:"timestamp" json:"timestamp"`
}

// PayoutMessage is the settlement work item carried over the broker. The
// broker-level message id is the transaction id so duplicate deliveries are
// detectable by the worker.
type PayoutMessage struct {
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      Currency        `json:"currency"`
	Metadata      RequestMetadata `json:"metadata"`
	Timestamp     time.Time       `json:"timestamp"`

	// LockToken is the fencing token of the per-user lock the gateway hands
	// off with the work item. Settlement releases the lock with it; an expired
	// and re-acquired lock is left alone.
	LockToken string `json:"lock_token"`
}

// Event names delivered to connected clients, in per-transaction order.
const (
	EventPayoutInitiated  = "PAYOUT_INITIATED"
	EventPayoutProcessing = "PAYOUT_PROCESSING"
	EventPayoutCompleted  = "PAYOUT_COMPLETED"
	EventPayoutFailed     = "PAYOUT_FAILED"
)

// StatusEvent is the envelope relayed over the cache pub/sub channel to
// whichever gateway instance owns the user's live session.
type StatusEvent struct {
	UserID    string                 `json:"user_id"`
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewTransactionID generates a time-prefixed globally unique transaction id,
// e.g. TXN_KXT2M9QD_3F62A1B04C9D8E7F3F62A1B04C9D8E7F. The random tail is 128
// bits, so uniqueness holds under any realistic clock skew.
func NewTransactionID() string {
	var tail [16]byte
	if _, err := rand.Read(tail[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("payout: rand.Read: %v", err))
	}
	ms := time.Now().UnixMilli()
	return strings.ToUpper(fmt.Sprintf("TXN_%s_%s", strconv.FormatInt(ms, 36), hex.EncodeToString(tail[:])))
}

// NewLockToken generates a fencing token for lock acquisition: 128 bits of
// cryptographic randomness, hex encoded. Only the matching token may release
// or extend the lock it was installed with.
func NewLockToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("payout: rand.Read: %v", err))
	}
	return hex.EncodeToString(b[:])
}
