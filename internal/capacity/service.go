// Package capacity holds and releases units of limited stock for pending
// purchases.
package capacity

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/ledger"
	"github.com/robertarktes/espazza-checkout/internal/observability"
)

type Service struct {
	store  ledger.Capacity
	logger observability.Logger
	now    func() time.Time
}

func NewService(store ledger.Capacity, logger observability.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Create registers a new capacity item with all units available.
func (s *Service) Create(ctx context.Context, parentID string, total int) (domain.CapacityItem, error) {
	if total <= 0 {
		return domain.CapacityItem{}, domain.Invalidf("capacity must be positive")
	}
	item := domain.CapacityItem{
		ID:                uuid.New(),
		ParentID:          parentID,
		CapacityTotal:     total,
		CapacityRemaining: total,
	}
	if err := s.store.InsertCapacityItem(ctx, item); err != nil {
		return domain.CapacityItem{}, domain.Persistence(err, "insert capacity item")
	}
	return item, nil
}

// Restock adds units back to an item's pool.
func (s *Service) Restock(ctx context.Context, itemID uuid.UUID, quantity int) error {
	if quantity <= 0 {
		return domain.Invalidf("restock quantity must be positive")
	}
	if err := s.store.IncrementCapacity(ctx, itemID, quantity); err != nil {
		if errors.Is(err, domain.ErrItemNotFound) {
			return err
		}
		return domain.Persistence(err, "restock")
	}
	return nil
}

// Reserve takes quantity units for purchaseID. The decrement is conditional on
// enough units remaining, so concurrent reservations never oversell.
func (s *Service) Reserve(ctx context.Context, itemID, purchaseID uuid.UUID, quantity int) (domain.Reservation, error) {
	if quantity <= 0 {
		return domain.Reservation{}, domain.Invalidf("quantity must be positive")
	}
	if err := s.store.DecrementCapacity(ctx, itemID, quantity); err != nil {
		switch {
		case errors.Is(err, domain.ErrCapacityExceeded):
			observability.CapacityRejections.Inc()
			return domain.Reservation{}, err
		case errors.Is(err, domain.ErrItemNotFound):
			return domain.Reservation{}, err
		}
		return domain.Reservation{}, domain.Persistence(err, "decrement capacity")
	}

	res := domain.NewReservation(itemID, purchaseID, quantity, s.now())
	if err := s.store.InsertReservation(ctx, res); err != nil {
		if cerr := s.store.IncrementCapacity(ctx, itemID, quantity); cerr != nil {
			s.logger.WithError(cerr).WithFields(map[string]interface{}{
				"alert":            "reconciliation",
				"capacity_item_id": itemID,
				"quantity":         quantity,
			}).Error("failed to return units after reservation insert failed")
			observability.ReconciliationAlerts.WithLabelValues("capacity_leak").Inc()
		}
		return domain.Reservation{}, domain.Persistence(err, "insert reservation")
	}
	return res, nil
}

// Confirm marks a reservation as permanently consumed. Confirming twice is a
// no-op.
func (s *Service) Confirm(ctx context.Context, reservationID uuid.UUID) error {
	_, err := s.store.TransitionReservation(ctx, reservationID, domain.ReservationPending, domain.ReservationConfirmed, s.now())
	if err != nil {
		return domain.Persistence(err, "confirm reservation")
	}
	return nil
}

// Release returns a pending reservation's units. It reports whether this call
// did the release; the status change and the restock commit together, so a
// failed release leaves the reservation pending for a later retry.
func (s *Service) Release(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	ok, err := s.store.ReleaseReservation(ctx, reservationID, s.now())
	if err != nil {
		return false, domain.Persistence(err, "release reservation")
	}
	return ok, nil
}

func (s *Service) Get(ctx context.Context, itemID uuid.UUID) (domain.CapacityItem, error) {
	item, err := s.store.GetCapacityItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, domain.ErrItemNotFound) {
			return domain.CapacityItem{}, err
		}
		return domain.CapacityItem{}, domain.Persistence(err, "load capacity item")
	}
	return item, nil
}
