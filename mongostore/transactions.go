// Package mongostore persists users, payout transactions, and the append-only
// audit trail in MongoDB. Status transitions are expressed as status-filtered
// single-document updates, which makes them atomic per record and idempotent
// under redelivery.
package mongostore

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
)

const (
	transactionsCollection = "transactions"
	usersCollection        = "users"
	auditCollection        = "audit_logs"

	maxHistoryLimit = 100
)

// TransactionStore implements payout.TransactionStore over a mongo database.
type TransactionStore struct {
	coll *mongo.Collection
	log  *zap.Logger
}

// NewTransactionStore creates a TransactionStore.
func NewTransactionStore(db *mongo.Database, log *zap.Logger) *TransactionStore {
	return &TransactionStore{coll: db.Collection(transactionsCollection), log: log.Named("txstore")}
}

// EnsureIndexes creates the unique transaction_id index and the query indexes.
// Safe to call on every boot.
func (s *TransactionStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "transaction_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return payout.WrapError(payout.ErrCodeDatabaseError, "transaction index bootstrap failed", err)
	}
	return nil
}

// Insert persists a freshly initiated transaction record.
func (s *TransactionStore) Insert(ctx context.Context, tx *payout.Transaction) error {
	if _, err := s.coll.InsertOne(ctx, tx); err != nil {
		return payout.WrapError(payout.ErrCodeDatabaseError, "transaction insert failed", err)
	}
	return nil
}

// GetByID loads a transaction, mapping a miss to TRANSACTION_NOT_FOUND.
func (s *TransactionStore) GetByID(ctx context.Context, transactionID string) (*payout.Transaction, error) {
	var tx payout.Transaction
	err := s.coll.FindOne(ctx, bson.M{"transaction_id": transactionID}).Decode(&tx)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, payout.NewPayoutError(payout.ErrCodeTransactionNotFound, "transaction not found",
			map[string]interface{}{"transaction_id": transactionID})
	}
	if err != nil {
		return nil, payout.WrapError(payout.ErrCodeDatabaseError, "transaction read failed", err)
	}
	return &tx, nil
}

// ListByUser returns the newest transactions first, optionally filtered by status.
func (s *TransactionStore) ListByUser(ctx context.Context, userID string, status payout.TransactionStatus, limit int64) ([]*payout.Transaction, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	filter := bson.M{"user_id": userID}
	if status != "" {
		filter["status"] = status
	}
	cur, err := s.coll.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, payout.WrapError(payout.ErrCodeDatabaseError, "transaction query failed", err)
	}
	defer cur.Close(ctx)

	txs := make([]*payout.Transaction, 0, limit)
	for cur.Next(ctx) {
		var tx payout.Transaction
		if err := cur.Decode(&tx); err != nil {
			return nil, payout.WrapError(payout.ErrCodeDatabaseError, "transaction decode failed", err)
		}
		txs = append(txs, &tx)
	}
	if err := cur.Err(); err != nil {
		return nil, payout.WrapError(payout.ErrCodeDatabaseError, "transaction cursor failed", err)
	}
	return txs, nil
}

// MarkProcessing transitions initiated -> processing. Re-marking a record that
// is already processing is treated as idempotent success so redeliveries can
// re-observe state without tripping over their own earlier write.
func (s *TransactionStore) MarkProcessing(ctx context.Context, transactionID string) error {
	now := time.Now().UTC()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"transaction_id": transactionID, "status": payout.StatusInitiated},
		bson.M{"$set": bson.M{"status": payout.StatusProcessing, "processing_at": now}})
	if err != nil {
		return payout.WrapError(payout.ErrCodeDatabaseError, "mark processing failed", err)
	}
	if res.MatchedCount == 0 {
		return s.transitionConflict(ctx, transactionID, payout.StatusProcessing)
	}
	return nil
}

// MarkCompleted transitions processing -> completed and records the final
// balance plus the settlement duration.
func (s *TransactionStore) MarkCompleted(ctx context.Context, transactionID string, balanceAfter decimal.Decimal) error {
	tx, err := s.GetByID(ctx, transactionID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var durationMS int64
	if tx.ProcessingAt != nil {
		durationMS = now.Sub(*tx.ProcessingAt).Milliseconds()
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"transaction_id": transactionID, "status": payout.StatusProcessing},
		bson.M{"$set": bson.M{
			"status":                 payout.StatusCompleted,
			"balance_after":          balanceAfter,
			"completed_at":           now,
			"processing_duration_ms": durationMS,
		}})
	if err != nil {
		return payout.WrapError(payout.ErrCodeDatabaseError, "mark completed failed", err)
	}
	if res.MatchedCount == 0 {
		return s.transitionConflict(ctx, transactionID, payout.StatusCompleted)
	}
	return nil
}

// MarkFailed transitions any non-terminal record to failed with error details.
func (s *TransactionStore) MarkFailed(ctx context.Context, transactionID, code, message string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"transaction_id": transactionID,
			"status":         bson.M{"$in": []payout.TransactionStatus{payout.StatusInitiated, payout.StatusProcessing}},
		},
		bson.M{"$set": bson.M{
			"status":        payout.StatusFailed,
			"error_code":    code,
			"error_message": message,
			"failed_at":     time.Now().UTC(),
		}})
	if err != nil {
		return payout.WrapError(payout.ErrCodeDatabaseError, "mark failed failed", err)
	}
	if res.MatchedCount == 0 {
		return s.transitionConflict(ctx, transactionID, payout.StatusFailed)
	}
	return nil
}

// transitionConflict distinguishes "already in the target state" (idempotent
// success) from a genuine state-machine violation.
func (s *TransactionStore) transitionConflict(ctx context.Context, transactionID string, target payout.TransactionStatus) error {
	tx, err := s.GetByID(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx.Status == target {
		return nil
	}
	s.log.Warn("rejected status transition",
		zap.String("transaction_id", transactionID),
		zap.String("from", string(tx.Status)),
		zap.String("to", string(target)))
	return payout.WrapError(payout.ErrCodeDatabaseError,
		"transaction already transitioned", payout.ErrInvalidTransition)
}

var _ payout.TransactionStore = (*TransactionStore)(nil)
