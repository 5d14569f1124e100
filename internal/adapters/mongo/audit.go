package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// AuditLogger appends to the audit_logs collection. Entries are never updated.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	UserID    string    `bson:"user_id"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) LogEvent(ctx context.Context, action string, userID uuid.UUID, data map[string]interface{}) error {
	entry := AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		UserID:    userID.String(),
		Timestamp: time.Now().UTC(),
		Data:      bson.M(data),
	}
	_, err := a.coll.InsertOne(ctx, entry)
	if err != nil {
		a.logger.WithError(err).WithField("action", action).Error("failed to insert audit log")
		return err
	}
	return nil
}

// LogCoupon records an administrative change to a coupon.
func (a *AuditLogger) LogCoupon(ctx context.Context, action string, actor uuid.UUID, c domain.Coupon) error {
	data := map[string]interface{}{
		"coupon_id":       c.ID.String(),
		"code":            c.Code,
		"discount_type":   string(c.DiscountType),
		"discount_amount": c.DiscountAmount,
		"usage_count":     c.UsageCount,
		"is_active":       c.IsActive,
	}
	return a.LogEvent(ctx, action, actor, data)
}
