package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/espazza-checkout/internal/domain"
)

func (r *Repository) InsertCapacityItem(ctx context.Context, item domain.CapacityItem) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO capacity_items (id, parent_id, capacity_total, capacity_remaining)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.ParentID, item.CapacityTotal, item.CapacityRemaining)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrDuplicate, "capacity item %s", item.ID)
	}
	return err
}

func (r *Repository) GetCapacityItem(ctx context.Context, id uuid.UUID) (domain.CapacityItem, error) {
	var item domain.CapacityItem
	err := r.pool.QueryRow(ctx, `
		SELECT id, parent_id, capacity_total, capacity_remaining FROM capacity_items WHERE id = $1
	`, id).Scan(&item.ID, &item.ParentID, &item.CapacityTotal, &item.CapacityRemaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CapacityItem{}, domain.ErrItemNotFound
	}
	return item, err
}

func (r *Repository) DecrementCapacity(ctx context.Context, id uuid.UUID, quantity int) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE capacity_items SET capacity_remaining = capacity_remaining - $2
		WHERE id = $1 AND capacity_remaining >= $2
	`, id, quantity)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetCapacityItem(ctx, id); err != nil {
		return err
	}
	return domain.ErrCapacityExceeded
}

func (r *Repository) IncrementCapacity(ctx context.Context, id uuid.UUID, quantity int) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE capacity_items
		SET capacity_remaining = capacity_remaining + $2,
		    capacity_total = greatest(capacity_total, capacity_remaining + $2)
		WHERE id = $1
	`, id, quantity)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

func (r *Repository) InsertReservation(ctx context.Context, res domain.Reservation) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO reservations (id, capacity_item_id, purchase_id, quantity, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, res.ID, res.CapacityItemID, res.PurchaseID, res.Quantity, string(res.Status), res.CreatedAt, res.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrDuplicate, "reservation %s", res.ID)
	}
	return err
}

func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	var res domain.Reservation
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, capacity_item_id, purchase_id, quantity, status, created_at, updated_at
		FROM reservations WHERE id = $1
	`, id).Scan(&res.ID, &res.CapacityItemID, &res.PurchaseID, &res.Quantity, &status, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
	}
	res.Status = domain.ReservationStatus(status)
	return res, err
}

func (r *Repository) TransitionReservation(ctx context.Context, id uuid.UUID, from, to domain.ReservationStatus, at time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE reservations SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at.UTC())
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetReservation(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseReservation flips a pending reservation to released and returns its
// units to the pool in one transaction.
func (r *Repository) ReleaseReservation(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	var released bool
	err := r.RetryTx(ctx, func(tx pgx.Tx) error {
		released = false
		var (
			itemID   uuid.UUID
			quantity int
		)
		err := tx.QueryRow(ctx, `
			UPDATE reservations SET status = 'released', updated_at = $2
			WHERE id = $1 AND status = 'pending'
			RETURNING capacity_item_id, quantity
		`, id, at.UTC()).Scan(&itemID, &quantity)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
			}
			return nil
		}
		if err != nil {
			return err
		}

		result, err := tx.Exec(ctx, `
			UPDATE capacity_items
			SET capacity_remaining = capacity_remaining + $2,
			    capacity_total = greatest(capacity_total, capacity_remaining + $2)
			WHERE id = $1
		`, itemID, quantity)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return domain.ErrItemNotFound
		}
		released = true
		return nil
	})
	return released, err
}
