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

// UserStore implements payout.UserStore over a mongo database.
type UserStore struct {
	coll *mongo.Collection
	log  *zap.Logger
}

// NewUserStore creates a UserStore.
func NewUserStore(db *mongo.Database, log *zap.Logger) *UserStore {
	return &UserStore{coll: db.Collection(usersCollection), log: log.Named("userstore")}
}

// EnsureIndexes creates the unique user_id index. Safe to call on every boot.
func (s *UserStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return payout.WrapError(payout.ErrCodeDatabaseError, "user index bootstrap failed", err)
	}
	return nil
}

// GetByID loads a user, mapping a miss to USER_NOT_FOUND.
func (s *UserStore) GetByID(ctx context.Context, userID string) (*payout.User, error) {
	var u payout.User
	err := s.coll.FindOne(ctx, bson.M{"user_id": userID}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, payout.NewPayoutError(payout.ErrCodeUserNotFound, "user not found",
			map[string]interface{}{"user_id": userID})
	}
	if err != nil {
		return nil, payout.WrapError(payout.ErrCodeDatabaseError, "user read failed", err)
	}
	return &u, nil
}

// ApplyPayout reconciles the durable balance to the post-settlement value and
// bumps the payout aggregates, all in one document update.
func (s *UserStore) ApplyPayout(ctx context.Context, userID string, amount, newBalance decimal.Decimal) error {
	now := time.Now().UTC()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set": bson.M{
				"balance":        newBalance,
				"last_payout_at": now,
				"updated_at":     now,
			},
			"$inc": bson.M{
				"total_payouts":       1,
				"total_payout_amount": amount,
			},
		})
	if err != nil {
		return payout.WrapError(payout.ErrCodeDatabaseError, "user payout update failed", err)
	}
	if res.MatchedCount == 0 {
		return payout.NewPayoutError(payout.ErrCodeUserNotFound, "user not found",
			map[string]interface{}{"user_id": userID})
	}
	return nil
}

var _ payout.UserStore = (*UserStore)(nil)
