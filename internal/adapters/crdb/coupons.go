package crdb

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/espazza-checkout/internal/domain"
)

const couponColumns = `id, code, discount_type, discount_amount, expiry_date, usage_limit, one_per_user, usage_count, is_active, created_at`

func scanCoupon(row rowScanner) (domain.Coupon, error) {
	var c domain.Coupon
	var discountType string
	err := row.Scan(&c.ID, &c.Code, &discountType, &c.DiscountAmount, &c.ExpiryDate, &c.UsageLimit, &c.OnePerUser, &c.UsageCount, &c.IsActive, &c.CreatedAt)
	c.DiscountType = domain.DiscountType(discountType)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Coupon{}, domain.ErrCouponNotFound
	}
	return c, err
}

func (r *Repository) InsertCoupon(ctx context.Context, c domain.Coupon) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO coupons (`+couponColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.Code, string(c.DiscountType), c.DiscountAmount, c.ExpiryDate, c.UsageLimit, c.OnePerUser, c.UsageCount, c.IsActive, c.CreatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrDuplicate, "coupon code %q", c.Code)
	}
	return err
}

func (r *Repository) GetCoupon(ctx context.Context, id uuid.UUID) (domain.Coupon, error) {
	return scanCoupon(r.pool.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, id))
}

func (r *Repository) GetCouponByCode(ctx context.Context, code string) (domain.Coupon, error) {
	return scanCoupon(r.pool.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code))
}

func (r *Repository) HasCouponUsage(ctx context.Context, couponID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2)
	`, couponID, userID).Scan(&exists)
	return exists, err
}

// RedeemCoupon bumps usage_count under its guards and inserts the usage row in
// one transaction. The partial unique index on (coupon_id, user_id) rejects a
// second one-per-user usage, which rolls the increment back with it.
func (r *Repository) RedeemCoupon(ctx context.Context, usage domain.CouponUsage) (domain.Coupon, error) {
	var redeemed domain.Coupon
	err := r.RetryTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE coupons SET usage_count = usage_count + 1
			WHERE id = $1
			  AND is_active
			  AND (expiry_date IS NULL OR expiry_date >= $2)
			  AND (usage_limit IS NULL OR usage_count < usage_limit)
		`, usage.CouponID, usage.UsedAt)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return rejectReason(ctx, tx, usage)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO coupon_usages (coupon_id, user_id, item_kind, item_id, one_per_user, used_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, usage.CouponID, usage.UserID, string(usage.Item.Kind), usage.Item.ID, usage.OnePerUser, usage.UsedAt)
		if isUniqueViolation(err) {
			return domain.ErrAlreadyUsed
		}
		if err != nil {
			return err
		}

		redeemed, err = scanCoupon(tx.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, usage.CouponID))
		return err
	})
	return redeemed, err
}

func rejectReason(ctx context.Context, tx pgx.Tx, usage domain.CouponUsage) error {
	c, err := scanCoupon(tx.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, usage.CouponID))
	if err != nil {
		return err
	}
	switch {
	case !c.IsActive:
		return domain.ErrCouponInactive
	case c.Expired(usage.UsedAt):
		return domain.ErrCouponExpired
	default:
		return domain.ErrLimitReached
	}
}

func (r *Repository) DeleteUnusedCoupon(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM coupons WHERE id = $1 AND usage_count = 0`, id)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetCoupon(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (r *Repository) DeactivateCoupon(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `UPDATE coupons SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrCouponNotFound
	}
	return nil
}
