package domain

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

func NewPurchase(buyerID uuid.UUID, item ItemRef, quantity int, amount int64, currency string, method PaymentMethod, now time.Time) Purchase {
	if quantity <= 0 {
		quantity = 1
	}
	return Purchase{
		ID:                    uuid.New(),
		BuyerID:               buyerID,
		Item:                  item,
		Quantity:              quantity,
		Amount:                amount,
		Currency:              currency,
		Method:                method,
		Status:                PurchasePending,
		ExternalTransactionID: NewTransactionID(),
		CreatedAt:             now.UTC(),
	}
}

// MaxQuantity caps the units a single purchase may take.
const MaxQuantity = 100

// LineTotal prices quantity units at price, refusing quantities outside
// 1..MaxQuantity and totals that do not fit in an int64.
func LineTotal(price int64, quantity int) (int64, error) {
	if quantity <= 0 || quantity > MaxQuantity {
		return 0, errors.Wrapf(ErrInvalidAmount, "quantity %d outside 1..%d", quantity, MaxQuantity)
	}
	if price < 0 {
		return 0, errors.Wrapf(ErrInvalidAmount, "negative price %d", price)
	}
	if price > 0 && int64(quantity) > math.MaxInt64/price {
		return 0, errors.Wrapf(ErrInvalidAmount, "%d x %d overflows", quantity, price)
	}
	return price * int64(quantity), nil
}

// NewTransactionID returns the idempotency key handed to payment providers.
func NewTransactionID() string {
	return "esp_" + uuid.NewString()
}

// CanTransition reports whether status may move to next. Only pending has exits.
func CanTransition(from, to PurchaseStatus) error {
	if from != PurchasePending || !to.Terminal() {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

func NewReservation(capacityItemID, purchaseID uuid.UUID, quantity int, now time.Time) Reservation {
	return Reservation{
		ID:             uuid.New(),
		CapacityItemID: capacityItemID,
		PurchaseID:     purchaseID,
		Quantity:       quantity,
		Status:         ReservationPending,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}
