// Package discount validates coupon codes and records their redemption.
package discount

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/ledger"
	"github.com/robertarktes/espazza-checkout/internal/observability"
)

// Validation is the outcome of checking a coupon for a user. A rejected coupon
// is not an error; Reason says why.
type Validation struct {
	Valid  bool
	Reason domain.Reason
	Coupon *domain.Coupon
}

// Application is the proof of a recorded redemption.
type Application struct {
	CouponID      uuid.UUID
	UserID        uuid.UUID
	Item          domain.ItemRef
	Price         int64
	AppliedAmount int64
	Total         int64
	UsedAt        time.Time
}

type Resolver struct {
	coupons ledger.Coupons
	logger  observability.Logger
	now     func() time.Time
}

func NewResolver(coupons ledger.Coupons, logger observability.Logger) *Resolver {
	return &Resolver{coupons: coupons, logger: logger, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

func (r *Resolver) Validate(ctx context.Context, code string, userID uuid.UUID, item domain.ItemRef) (Validation, error) {
	c, err := r.coupons.GetCouponByCode(ctx, code)
	if errors.Is(err, domain.ErrCouponNotFound) {
		return Validation{Reason: domain.ReasonNotFound}, nil
	}
	if err != nil {
		return Validation{}, domain.Persistence(err, "load coupon")
	}
	return r.check(ctx, c, userID)
}

func (r *Resolver) ValidateByID(ctx context.Context, couponID, userID uuid.UUID, item domain.ItemRef) (Validation, error) {
	c, err := r.coupons.GetCoupon(ctx, couponID)
	if errors.Is(err, domain.ErrCouponNotFound) {
		return Validation{Reason: domain.ReasonNotFound}, nil
	}
	if err != nil {
		return Validation{}, domain.Persistence(err, "load coupon")
	}
	return r.check(ctx, c, userID)
}

// check applies the rules in order: active, not expired, under limit, not yet
// used by this user. The first failure wins.
func (r *Resolver) check(ctx context.Context, c domain.Coupon, userID uuid.UUID) (Validation, error) {
	reject := func(reason domain.Reason) (Validation, error) {
		return Validation{Reason: reason, Coupon: &c}, nil
	}
	if !c.IsActive {
		return reject(domain.ReasonInactive)
	}
	if c.Expired(r.now()) {
		return reject(domain.ReasonExpired)
	}
	if c.Exhausted() {
		return reject(domain.ReasonLimitReached)
	}
	if c.OnePerUser {
		used, err := r.coupons.HasCouponUsage(ctx, c.ID, userID)
		if err != nil {
			return Validation{}, domain.Persistence(err, "check coupon usage")
		}
		if used {
			return reject(domain.ReasonAlreadyUsed)
		}
	}
	return Validation{Valid: true, Coupon: &c}, nil
}

// Quote prices item at price with coupon c, without recording anything.
func Quote(c domain.Coupon, price int64) (discount, total int64) {
	discount = domain.Discount(c.DiscountType, c.DiscountAmount, price)
	return discount, price - discount
}

// Apply re-validates and then records the redemption. Business rejections come
// back as conflict errors carrying the reason (see domain.ReasonOf).
func (r *Resolver) Apply(ctx context.Context, couponID, userID uuid.UUID, item domain.ItemRef, price int64) (Application, error) {
	v, err := r.ValidateByID(ctx, couponID, userID, item)
	if err != nil {
		return Application{}, err
	}
	if !v.Valid {
		observability.CouponRedemptions.WithLabelValues(string(v.Reason)).Inc()
		return Application{}, v.Reason.Err()
	}

	now := r.now().UTC()
	c, err := r.coupons.RedeemCoupon(ctx, domain.CouponUsage{
		CouponID:   couponID,
		UserID:     userID,
		Item:       item,
		OnePerUser: v.Coupon.OnePerUser,
		UsedAt:     now,
	})
	if err != nil {
		if reason := domain.ReasonOf(err); reason != domain.ReasonNone {
			observability.CouponRedemptions.WithLabelValues(string(reason)).Inc()
			return Application{}, err
		}
		return Application{}, domain.Persistence(err, "redeem coupon")
	}
	observability.CouponRedemptions.WithLabelValues("applied").Inc()

	applied, total := Quote(c, price)
	r.logger.WithFields(map[string]interface{}{
		"coupon_id":   c.ID,
		"user_id":     userID,
		"item":        item.String(),
		"usage_count": c.UsageCount,
	}).Info("coupon applied")

	return Application{
		CouponID:      c.ID,
		UserID:        userID,
		Item:          item,
		Price:         price,
		AppliedAmount: applied,
		Total:         total,
		UsedAt:        now,
	}, nil
}

// CouponSpec is the administrator's input for a new coupon.
type CouponSpec struct {
	Code           string
	DiscountType   domain.DiscountType
	DiscountAmount int64
	ExpiryDate     *time.Time
	UsageLimit     *int
	OnePerUser     bool
}

func (s CouponSpec) validate() error {
	if strings.TrimSpace(s.Code) == "" {
		return domain.Invalidf("coupon code is required")
	}
	switch s.DiscountType {
	case domain.DiscountPercentage:
		if s.DiscountAmount <= 0 || s.DiscountAmount > 100 {
			return domain.Invalidf("percentage discount must be between 1 and 100")
		}
	case domain.DiscountFixed:
		if s.DiscountAmount <= 0 {
			return domain.Invalidf("fixed discount must be positive")
		}
	default:
		return domain.Invalidf("unknown discount type %q", s.DiscountType)
	}
	if s.UsageLimit != nil && *s.UsageLimit <= 0 {
		return domain.Invalidf("usage limit must be positive")
	}
	return nil
}

func (r *Resolver) Create(ctx context.Context, spec CouponSpec) (domain.Coupon, error) {
	if err := spec.validate(); err != nil {
		return domain.Coupon{}, err
	}
	c := domain.Coupon{
		ID:             uuid.New(),
		Code:           spec.Code,
		DiscountType:   spec.DiscountType,
		DiscountAmount: spec.DiscountAmount,
		ExpiryDate:     spec.ExpiryDate,
		UsageLimit:     spec.UsageLimit,
		OnePerUser:     spec.OnePerUser,
		IsActive:       true,
		CreatedAt:      r.now().UTC(),
	}
	if err := r.coupons.InsertCoupon(ctx, c); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return domain.Coupon{}, err
		}
		return domain.Coupon{}, domain.Persistence(err, "insert coupon")
	}
	return c, nil
}

// Retire removes a coupon. A coupon that was ever redeemed is only deactivated
// so its usages keep pointing at a real row.
func (r *Resolver) Retire(ctx context.Context, couponID uuid.UUID) (deleted bool, err error) {
	deleted, err = r.coupons.DeleteUnusedCoupon(ctx, couponID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, err
		}
		return false, domain.Persistence(err, "delete coupon")
	}
	if deleted {
		return true, nil
	}
	if err := r.coupons.DeactivateCoupon(ctx, couponID); err != nil {
		return false, domain.Persistence(err, "deactivate coupon")
	}
	return false, nil
}
