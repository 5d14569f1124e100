package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ItemKind string

const (
	ItemRelease  ItemKind = "release"
	ItemTicket   ItemKind = "ticket"
	ItemProduct  ItemKind = "product"
	ItemEventFee ItemKind = "event_fee"
)

func (k ItemKind) Valid() bool {
	switch k {
	case ItemRelease, ItemTicket, ItemProduct, ItemEventFee:
		return true
	}
	return false
}

// ItemRef points at a purchasable thing, e.g. release#42.
type ItemRef struct {
	Kind ItemKind `json:"kind" bson:"kind"`
	ID   string   `json:"id" bson:"id"`
}

func (r ItemRef) String() string {
	return string(r.Kind) + "#" + r.ID
}

func (r ItemRef) Validate() error {
	if !r.Kind.Valid() {
		return Invalidf("unknown item kind %q", r.Kind)
	}
	if strings.TrimSpace(r.ID) == "" {
		return Invalidf("item id is required")
	}
	return nil
}

// ParseItemRef accepts the "kind#id" form produced by String.
func ParseItemRef(s string) (ItemRef, error) {
	kind, id, ok := strings.Cut(s, "#")
	if !ok {
		return ItemRef{}, Invalidf("malformed item ref %q", s)
	}
	ref := ItemRef{Kind: ItemKind(kind), ID: id}
	return ref, ref.Validate()
}

type PaymentMethod string

const (
	MethodCard   PaymentMethod = "card"
	MethodCoupon PaymentMethod = "coupon"
)

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchasePaid      PurchaseStatus = "paid"
	PurchaseFailed    PurchaseStatus = "failed"
	PurchaseCancelled PurchaseStatus = "cancelled"
)

func (s PurchaseStatus) Terminal() bool {
	return s == PurchasePaid || s == PurchaseFailed || s == PurchaseCancelled
}

type Purchase struct {
	ID                    uuid.UUID
	BuyerID               uuid.UUID
	Item                  ItemRef
	Quantity              int
	Amount                int64
	Currency              string
	Method                PaymentMethod
	Status                PurchaseStatus
	ExternalTransactionID string
	Provider              string
	ProviderSessionID     string
	CouponID              *uuid.UUID
	ReservationID         *uuid.UUID
	CreatedAt             time.Time
	SettledAt             *time.Time
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type Coupon struct {
	ID             uuid.UUID
	Code           string
	DiscountType   DiscountType
	DiscountAmount int64
	ExpiryDate     *time.Time
	UsageLimit     *int
	OnePerUser     bool
	UsageCount     int
	IsActive       bool
	CreatedAt      time.Time
}

func (c Coupon) Expired(now time.Time) bool {
	return c.ExpiryDate != nil && c.ExpiryDate.Before(now)
}

func (c Coupon) Exhausted() bool {
	return c.UsageLimit != nil && c.UsageCount >= *c.UsageLimit
}

type CouponUsage struct {
	CouponID   uuid.UUID
	UserID     uuid.UUID
	Item       ItemRef
	OnePerUser bool
	UsedAt     time.Time
}

type CapacityItem struct {
	ID                uuid.UUID
	ParentID          string
	CapacityTotal     int
	CapacityRemaining int
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationReleased  ReservationStatus = "released"
)

type Reservation struct {
	ID             uuid.UUID
	CapacityItemID uuid.UUID
	PurchaseID     uuid.UUID
	Quantity       int
	Status         ReservationStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NormalizeCurrency upper-cases and checks a three letter ISO code.
func NormalizeCurrency(c string) (string, error) {
	c = strings.ToUpper(strings.TrimSpace(c))
	if len(c) != 3 {
		return "", Invalidf("invalid currency %q", c)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", Invalidf("invalid currency %q", c)
		}
	}
	return c, nil
}

func (p Purchase) String() string {
	return fmt.Sprintf("purchase %s (%s, %s)", p.ID, p.Item, p.Status)
}
