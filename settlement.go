package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SettlementConfig bounds a single settlement run.
type SettlementConfig struct {
	// LockTTL matches the intake lock TTL; the handed-off lock is extended to
	// it once, when a settlement begins. It is not extended again mid-settlement.
	LockTTL time.Duration
}

// SettlementService orchestrates the worker half of the payout protocol:
// re-verify, atomic deduct, persist, release the intake lock, notify. Errors
// it returns are interpreted by the consumer's requeue policy: ALREADY_PROCESSING
// dead-letters at once, TRANSACTION_NOT_FOUND goes through retry and then the
// DLQ, other non-retryable PayoutErrors ack the message, and everything else
// goes through retry and then the DLQ.
type SettlementService struct {
	locker  Locker
	users   UserStore
	balance BalanceCache
	txs     TransactionStore
	bridge  EventBridge
	audit   AuditLog
	cfg     SettlementConfig
	log     *zap.Logger
}

// NewSettlementService wires the worker settlement protocol.
func NewSettlementService(locker Locker, users UserStore, balance BalanceCache, txs TransactionStore,
	bridge EventBridge, audit AuditLog, cfg SettlementConfig, log *zap.Logger) *SettlementService {
	return &SettlementService{
		locker:  locker,
		users:   users,
		balance: balance,
		txs:     txs,
		bridge:  bridge,
		audit:   audit,
		cfg:     cfg,
		log:     log.Named("settlement"),
	}
}

// ProcessPayout settles one queue message. Duplicate deliveries are detected
// through the transaction status: completed acks silently, processing means a
// prior attempt is (or died) mid-settlement and must not deduct twice.
func (s *SettlementService) ProcessPayout(ctx context.Context, msg *PayoutMessage, redelivered bool) error {
	log := s.log.With(zap.String("transaction_id", msg.TransactionID), zap.String("user_id", msg.UserID))
	s.audit.Record(ctx, AuditEntry{
		TransactionID: msg.TransactionID, UserID: msg.UserID, Action: AuditMessageConsumed,
		Details: fmt.Sprintf("redelivered=%t", redelivered),
	})

	tx, err := s.txs.GetByID(ctx, msg.TransactionID)
	if err != nil {
		if IsCode(err, ErrCodeTransactionNotFound) {
			// Poison message pointing at nothing durable. Let the retry budget
			// run out and the DLQ keep it for triage; there is no cache state
			// to unwind.
			log.Warn("message references unknown transaction")
		}
		return err
	}

	switch tx.Status {
	case StatusCompleted:
		log.Info("duplicate delivery of completed transaction, acking")
		return nil
	case StatusProcessing:
		// A prior attempt owns (or died owning) this settlement. Deducting
		// again is the one mistake this path must never make.
		return NewPayoutError(ErrCodeAlreadyProcessing,
			"transaction is already being processed", nil)
	case StatusFailed, StatusRolledBack:
		log.Info("delivery for terminally failed transaction, acking",
			zap.String("status", string(tx.Status)))
		return nil
	}

	if err := s.txs.MarkProcessing(ctx, msg.TransactionID); err != nil {
		return err
	}
	if s.cfg.LockTTL > 0 && msg.LockToken != "" {
		// Refresh the handed-off lock so it outlives the settlement even when
		// the message sat in the queue for a while.
		if err := s.locker.Extend(ctx, msg.UserID, msg.LockToken, s.cfg.LockTTL); err != nil {
			log.Debug("lock extend skipped", zap.Error(err))
		}
	}
	s.audit.Record(ctx, AuditEntry{
		TransactionID: msg.TransactionID, UserID: msg.UserID, Action: AuditPayoutProcessing,
	})
	s.emit(ctx, msg.UserID, EventPayoutProcessing, map[string]interface{}{
		"status":         string(StatusProcessing),
		"transaction_id": msg.TransactionID,
		"amount":         msg.Amount.StringFixed(2),
		"currency":       string(msg.Currency),
	})

	newBalance, err := s.settle(ctx, msg, log)
	if err != nil {
		return err
	}

	s.emit(ctx, msg.UserID, EventPayoutCompleted, map[string]interface{}{
		"status":         string(StatusCompleted),
		"transaction_id": msg.TransactionID,
		"amount":         msg.Amount.StringFixed(2),
		"currency":       string(msg.Currency),
		"new_balance":    newBalance.StringFixed(2),
	})
	log.Info("payout completed", zap.String("new_balance", newBalance.StringFixed(2)))
	return nil
}

// settle performs deduct -> persist -> release -> audit with rollback scoped
// strictly to the post-deduct region: the cache credit only runs when the
// deduction actually happened.
func (s *SettlementService) settle(ctx context.Context, msg *PayoutMessage, log *zap.Logger) (decimal.Decimal, error) {
	newBalance, err := s.balance.Deduct(ctx, msg.UserID, msg.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			// Business failure: nothing was deducted, nothing to roll back.
			return decimal.Zero, s.failPayout(ctx, msg, ErrCodeInsufficientBalance,
				"balance insufficient at settlement")
		case errors.Is(err, ErrBalanceMissing):
			// Cache evicted between intake and settlement. Reported as
			// retriable, but the transaction is marked failed here, so a
			// redelivery observes the failed status and acks without settling.
			if markErr := s.txs.MarkFailed(ctx, msg.TransactionID, ErrCodeBalanceNotFound, "cached balance missing"); markErr != nil {
				log.Error("mark failed after missing balance", zap.Error(markErr))
			}
			s.releaseLock(ctx, msg)
			s.emitFailed(ctx, msg, ErrCodeBalanceNotFound)
			return decimal.Zero, NewPayoutError(ErrCodeBalanceNotFound, "cached balance missing", nil)
		}
		code := AsPayoutError(err).Code
		if markErr := s.txs.MarkFailed(ctx, msg.TransactionID, code, err.Error()); markErr != nil {
			log.Error("mark failed after deduct error", zap.Error(markErr))
		}
		s.releaseLock(ctx, msg)
		s.emitFailed(ctx, msg, code)
		return decimal.Zero, err
	}
	s.audit.Record(ctx, AuditEntry{
		TransactionID: msg.TransactionID, UserID: msg.UserID, Action: AuditBalanceDeducted,
		Details: fmt.Sprintf("amount=%s new_balance=%s", msg.Amount.StringFixed(2), newBalance.StringFixed(2)),
	})

	// Deduction happened; any failure from here on must credit the cache back
	// before surfacing.
	if err := s.txs.MarkCompleted(ctx, msg.TransactionID, newBalance); err != nil {
		return decimal.Zero, s.rollback(ctx, msg, err, log)
	}
	if err := s.users.ApplyPayout(ctx, msg.UserID, msg.Amount, newBalance); err != nil {
		// The transaction is already completed; the durable user balance is
		// reconciled from the cache, so this is logged for operator attention
		// rather than unwound.
		log.Error("durable balance reconcile failed after completion", zap.Error(err))
	}

	s.releaseLock(ctx, msg)
	s.audit.Record(ctx, AuditEntry{
		TransactionID: msg.TransactionID, UserID: msg.UserID, Action: AuditPayoutCompleted,
	})
	return newBalance, nil
}

// rollback credits the deducted amount back, marks the transaction failed, and
// returns the original error for the consumer's retry policy.
func (s *SettlementService) rollback(ctx context.Context, msg *PayoutMessage, cause error, log *zap.Logger) error {
	if _, err := s.balance.Add(ctx, msg.UserID, msg.Amount); err != nil {
		log.Error("compensating credit failed, cache and store diverge",
			zap.String("amount", msg.Amount.StringFixed(2)), zap.Error(err))
	} else {
		s.audit.Record(ctx, AuditEntry{
			TransactionID: msg.TransactionID, UserID: msg.UserID, Action: AuditBalanceRestored,
			Details: fmt.Sprintf("amount=%s", msg.Amount.StringFixed(2)),
		})
	}
	if err := s.txs.MarkFailed(ctx, msg.TransactionID, AsPayoutError(cause).Code, cause.Error()); err != nil {
		log.Error("mark failed during rollback", zap.Error(err))
	}
	s.releaseLock(ctx, msg)
	s.emitFailed(ctx, msg, AsPayoutError(cause).Code)
	return cause
}

// failPayout settles a business failure: mark failed, release the lock, emit,
// and return a non-retryable error so the consumer acks.
func (s *SettlementService) failPayout(ctx context.Context, msg *PayoutMessage, code, message string) error {
	if err := s.txs.MarkFailed(ctx, msg.TransactionID, code, message); err != nil {
		s.log.Error("mark failed", zap.String("transaction_id", msg.TransactionID), zap.Error(err))
	}
	s.audit.Record(ctx, AuditEntry{
		TransactionID: msg.TransactionID, UserID: msg.UserID, Action: AuditPayoutFailed,
		Details: code,
	})
	s.releaseLock(ctx, msg)
	s.emitFailed(ctx, msg, code)
	return NewPayoutError(code, message, nil)
}

// releaseLock releases the per-user lock handed over by the gateway, using
// the fencing token carried in the envelope so an expired-and-reacquired lock
// is never deleted out from under its new holder. A failed release is logged,
// not fatal; the TTL reaps it.
func (s *SettlementService) releaseLock(ctx context.Context, msg *PayoutMessage) {
	if err := s.locker.Release(ctx, msg.UserID, msg.LockToken); err != nil {
		s.log.Warn("lock release failed, ttl will reap",
			zap.String("user_id", msg.UserID), zap.Error(err))
		return
	}
	s.audit.Record(ctx, AuditEntry{
		TransactionID: msg.TransactionID, UserID: msg.UserID, Action: AuditLockReleased,
	})
}

func (s *SettlementService) emitFailed(ctx context.Context, msg *PayoutMessage, code string) {
	s.emit(ctx, msg.UserID, EventPayoutFailed, map[string]interface{}{
		"status":         string(StatusFailed),
		"transaction_id": msg.TransactionID,
		"amount":         msg.Amount.StringFixed(2),
		"currency":       string(msg.Currency),
		"error":          code,
	})
}

func (s *SettlementService) emit(ctx context.Context, userID, event string, data map[string]interface{}) {
	if err := s.bridge.Emit(ctx, &StatusEvent{
		UserID:    userID,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		s.log.Warn("event emit failed", zap.String("event", event), zap.Error(err))
	}
}
