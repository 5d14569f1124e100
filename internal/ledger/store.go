// Package ledger defines the durable record store behind purchases, coupons and
// capacity. Every mutating method is a single atomic step; callers sequence the
// steps and never read-modify-write counters in memory.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/espazza-checkout/internal/domain"
)

type Purchases interface {
	InsertPurchase(ctx context.Context, p domain.Purchase) error
	GetPurchase(ctx context.Context, id uuid.UUID) (domain.Purchase, error)
	GetPurchaseByTransaction(ctx context.Context, externalTransactionID string) (domain.Purchase, error)
	AttachSession(ctx context.Context, id uuid.UUID, provider, sessionID string) error
	// TransitionPurchase moves a pending purchase to status. It returns the
	// record as it stands afterwards and whether this call made the move.
	TransitionPurchase(ctx context.Context, id uuid.UUID, status domain.PurchaseStatus, at time.Time) (domain.Purchase, bool, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Purchase, error)
}

type Coupons interface {
	InsertCoupon(ctx context.Context, c domain.Coupon) error
	GetCoupon(ctx context.Context, id uuid.UUID) (domain.Coupon, error)
	GetCouponByCode(ctx context.Context, code string) (domain.Coupon, error)
	HasCouponUsage(ctx context.Context, couponID, userID uuid.UUID) (bool, error)
	// RedeemCoupon increments usage_count and records the usage, both or neither.
	RedeemCoupon(ctx context.Context, usage domain.CouponUsage) (domain.Coupon, error)
	// DeleteUnusedCoupon removes a coupon that was never redeemed.
	DeleteUnusedCoupon(ctx context.Context, id uuid.UUID) (bool, error)
	DeactivateCoupon(ctx context.Context, id uuid.UUID) error
}

type Capacity interface {
	InsertCapacityItem(ctx context.Context, item domain.CapacityItem) error
	GetCapacityItem(ctx context.Context, id uuid.UUID) (domain.CapacityItem, error)
	DecrementCapacity(ctx context.Context, id uuid.UUID, quantity int) error
	IncrementCapacity(ctx context.Context, id uuid.UUID, quantity int) error
	InsertReservation(ctx context.Context, r domain.Reservation) error
	GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error)
	TransitionReservation(ctx context.Context, id uuid.UUID, from, to domain.ReservationStatus, at time.Time) (bool, error)
	// ReleaseReservation moves a pending reservation to released and returns its
	// units to the pool, both or neither. It reports whether this call released it.
	ReleaseReservation(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

type OutboxRecord struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	ClaimedUntil  *time.Time
	Status        string // NEW, PUBLISHED
	DedupeKey     string
}

const (
	OutboxNew       = "NEW"
	OutboxPublished = "PUBLISHED"
)

type Outbox interface {
	InsertOutbox(ctx context.Context, rec OutboxRecord) error
	// ClaimUnpublishedOutbox returns up to limit NEW records that no other
	// relay holds, and holds them for lease. A record not marked published
	// before the lease ends is handed out again.
	ClaimUnpublishedOutbox(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type Store interface {
	Purchases
	Coupons
	Capacity
	Outbox
	Ping(ctx context.Context) error
}
