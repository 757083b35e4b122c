package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
)

// AuditLog appends lifecycle entries to the audit_logs collection. A failed
// write is logged and swallowed; auditing must never abort the operation
// being audited.
type AuditLog struct {
	coll *mongo.Collection
	log  *zap.Logger
}

// NewAuditLog creates an AuditLog.
func NewAuditLog(db *mongo.Database, log *zap.Logger) *AuditLog {
	return &AuditLog{coll: db.Collection(auditCollection), log: log.Named("audit")}
}

// Record appends one audit entry, stamping the timestamp if unset.
func (a *AuditLog) Record(ctx context.Context, entry payout.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if _, err := a.coll.InsertOne(ctx, entry); err != nil {
		a.log.Warn("audit write failed",
			zap.String("transaction_id", entry.TransactionID),
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}

var _ payout.AuditLog = (*AuditLog)(nil)
