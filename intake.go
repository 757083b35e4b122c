package payout

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IntakeConfig bounds admission.
type IntakeConfig struct {
	LockTTL        time.Duration
	LockRetries    int
	LockRetryDelay time.Duration
	MinAmount      decimal.Decimal
	MaxAmount      decimal.Decimal
}

// IntakeRequest is one validated-on-entry payout initiation.
type IntakeRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Currency    Currency
	Description string
	Metadata    RequestMetadata
}

// IntakeResult is returned to the client with HTTP 202.
type IntakeResult struct {
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      Currency        `json:"currency"`
}

// IntakeService orchestrates the gateway half of the payout protocol:
// lock, balance check, durable record, enqueue, notify. The per-user lock
// deliberately survives a successful initiation; it is handed to the worker
// through the queue and released at settlement, which is what closes the
// double-spend window between admission and deduction.
type IntakeService struct {
	locker  Locker
	users   UserStore
	balance BalanceCache
	txs     TransactionStore
	pub     Publisher
	bridge  EventBridge
	audit   AuditLog
	cfg     IntakeConfig
	log     *zap.Logger
}

// NewIntakeService wires the gateway intake protocol.
func NewIntakeService(locker Locker, users UserStore, balance BalanceCache, txs TransactionStore,
	pub Publisher, bridge EventBridge, audit AuditLog, cfg IntakeConfig, log *zap.Logger) *IntakeService {
	return &IntakeService{
		locker:  locker,
		users:   users,
		balance: balance,
		txs:     txs,
		pub:     pub,
		bridge:  bridge,
		audit:   audit,
		cfg:     cfg,
		log:     log.Named("intake"),
	}
}

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// validate enforces amount precision, sign, and bounds plus currency and user
// id shape before any collaborator is touched.
func (s *IntakeService) validate(req *IntakeRequest) error {
	if !userIDPattern.MatchString(req.UserID) {
		return NewPayoutError(ErrCodeValidation, "invalid user_id", nil)
	}
	if req.Currency == "" {
		req.Currency = CurrencyUSD
	}
	if !req.Currency.Valid() {
		return NewPayoutError(ErrCodeValidation, "unsupported currency",
			map[string]interface{}{"currency": req.Currency})
	}
	if req.Amount.Exponent() < -2 {
		return NewPayoutError(ErrCodeValidation, "amount precision exceeds two decimal places",
			map[string]interface{}{"amount": req.Amount.String()})
	}
	if !req.Amount.IsPositive() || req.Amount.LessThan(s.cfg.MinAmount) {
		return NewPayoutError(ErrCodeValidation,
			fmt.Sprintf("amount must be at least %s", s.cfg.MinAmount.StringFixed(2)), nil)
	}
	if req.Amount.GreaterThan(s.cfg.MaxAmount) {
		return NewPayoutError(ErrCodeValidation,
			fmt.Sprintf("amount exceeds maximum of %s", s.cfg.MaxAmount.StringFixed(2)), nil)
	}
	return nil
}

// InitiatePayout runs the intake protocol. On every failure path after lock
// acquisition the lock is released before the error is returned; on success
// the lock stays held for the worker.
func (s *IntakeService) InitiatePayout(ctx context.Context, req *IntakeRequest) (*IntakeResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	transactionID := NewTransactionID()
	log := s.log.With(zap.String("transaction_id", transactionID), zap.String("user_id", req.UserID))

	token, err := s.locker.AcquireWithRetry(ctx, req.UserID, s.cfg.LockTTL, s.cfg.LockRetries, s.cfg.LockRetryDelay)
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			return nil, NewPayoutError(ErrCodeConcurrentRequest,
				"another payout for this user is in flight", nil)
		}
		return nil, err
	}
	s.audit.Record(ctx, AuditEntry{
		TransactionID: transactionID, UserID: req.UserID, Action: AuditLockAcquired,
	})

	result, err := s.admit(ctx, req, transactionID, token, log)
	if err != nil {
		s.releaseLock(ctx, req.UserID, token, transactionID)
		return nil, err
	}
	return result, nil
}

// admit runs the post-lock half of the protocol. The caller owns lock release
// on error; on success the lock is the worker's, carried in the envelope.
func (s *IntakeService) admit(ctx context.Context, req *IntakeRequest, transactionID, token string, log *zap.Logger) (*IntakeResult, error) {
	user, err := s.users.GetByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status != UserActive {
		return nil, NewPayoutError(ErrCodeUserNotActive,
			fmt.Sprintf("user is %s", user.Status), nil)
	}

	balanceBefore, err := s.balance.Get(ctx, req.UserID)
	if errors.Is(err, ErrBalanceMissing) {
		// Cold cache: rehydrate from the durable balance.
		if err := s.balance.Set(ctx, req.UserID, user.Balance); err != nil {
			return nil, err
		}
		balanceBefore = user.Balance
		log.Debug("balance cache rehydrated", zap.String("balance", balanceBefore.StringFixed(2)))
	} else if err != nil {
		return nil, err
	}

	// Advisory only. The worker's atomic deduct is the real check; this keeps
	// admission fast and reversible.
	sufficient, err := s.balance.HasSufficient(ctx, req.UserID, req.Amount)
	if err != nil {
		return nil, err
	}
	if !sufficient {
		return nil, NewPayoutError(ErrCodeInsufficientBalance, "insufficient balance",
			map[string]interface{}{
				"balance":   balanceBefore.StringFixed(2),
				"requested": req.Amount.StringFixed(2),
			})
	}

	now := time.Now().UTC()
	meta := req.Metadata
	meta.Description = req.Description
	tx := &Transaction{
		TransactionID: transactionID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        StatusInitiated,
		Type:          TypePayout,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceBefore.Sub(req.Amount),
		Metadata:      meta,
		LockAcquired:  true,
		CreatedAt:     now,
	}
	if err := s.txs.Insert(ctx, tx); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, AuditEntry{
		TransactionID: transactionID, UserID: req.UserID, Action: AuditPayoutInitiated,
		Details: fmt.Sprintf("amount=%s %s", req.Amount.StringFixed(2), req.Currency),
	})

	if err := s.pub.Publish(ctx, &PayoutMessage{
		TransactionID: transactionID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Metadata:      meta,
		Timestamp:     now,
		LockToken:     token,
	}); err != nil {
		if markErr := s.txs.MarkFailed(ctx, transactionID, ErrCodeQueueError, "settlement enqueue failed"); markErr != nil {
			log.Error("failed to mark transaction after publish failure", zap.Error(markErr))
		}
		return nil, err
	}
	s.audit.Record(ctx, AuditEntry{
		TransactionID: transactionID, UserID: req.UserID, Action: AuditMessagePublished,
	})

	if err := s.bridge.Emit(ctx, &StatusEvent{
		UserID: req.UserID,
		Event:  EventPayoutInitiated,
		Data: map[string]interface{}{
			"status":         string(StatusInitiated),
			"transaction_id": transactionID,
			"amount":         req.Amount.StringFixed(2),
			"currency":       string(req.Currency),
		},
		Timestamp: now,
	}); err != nil {
		// The payout is already enqueued; a lost notification is not a reason
		// to unwind it.
		log.Warn("initiated event emit failed", zap.Error(err))
	}

	log.Info("payout initiated", zap.String("amount", req.Amount.StringFixed(2)))
	return &IntakeResult{
		TransactionID: transactionID,
		Status:        string(StatusInitiated),
		Amount:        req.Amount,
		Currency:      req.Currency,
	}, nil
}

func (s *IntakeService) releaseLock(ctx context.Context, userID, token, transactionID string) {
	if err := s.locker.Release(ctx, userID, token); err != nil {
		s.log.Error("lock release failed",
			zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.audit.Record(ctx, AuditEntry{
		TransactionID: transactionID, UserID: userID, Action: AuditLockReleased,
	})
}

// GetTransaction returns a transaction by id.
func (s *IntakeService) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	return s.txs.GetByID(ctx, transactionID)
}

// GetBalance reads the pending balance, falling back to the durable user
// balance when the cache is cold.
func (s *IntakeService) GetBalance(ctx context.Context, userID string) (decimal.Decimal, Currency, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return decimal.Zero, "", err
	}
	bal, err := s.balance.Get(ctx, userID)
	if errors.Is(err, ErrBalanceMissing) {
		return user.Balance, user.Currency, nil
	}
	if err != nil {
		return decimal.Zero, "", err
	}
	return bal, user.Currency, nil
}

// History lists a user's transactions, newest first.
func (s *IntakeService) History(ctx context.Context, userID string, status TransactionStatus, limit int64) ([]*Transaction, error) {
	return s.txs.ListByUser(ctx, userID, status, limit)
}
