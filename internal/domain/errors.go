package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Categories. Every error returned by the service is marked with one of these.
var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrUpstream             = errors.New("upstream error")
	ErrPersistence          = errors.New("persistence error")
	ErrSerializationFailure = errors.New("serialization failure")
)

var (
	ErrUnknownTransaction = errors.Wrap(ErrNotFound, "unknown transaction")
	ErrPurchaseNotFound   = errors.Wrap(ErrNotFound, "purchase not found")
	ErrCouponNotFound     = errors.Wrap(ErrNotFound, "coupon not found")
	ErrItemNotFound       = errors.Wrap(ErrNotFound, "item not found")

	ErrAlreadyUsed      = errors.Wrap(ErrConflict, "coupon already used")
	ErrLimitReached     = errors.Wrap(ErrConflict, "coupon usage limit reached")
	ErrCouponInactive   = errors.Wrap(ErrConflict, "coupon inactive")
	ErrCouponExpired    = errors.Wrap(ErrConflict, "coupon expired")
	ErrCapacityExceeded = errors.Wrap(ErrConflict, "capacity exceeded")
	ErrNotPending       = errors.Wrap(ErrConflict, "purchase is not pending")
	ErrDuplicate        = errors.Wrap(ErrConflict, "duplicate record")

	ErrInvalidSignature = errors.Wrap(ErrValidation, "invalid callback signature")
	ErrInvalidAmount    = errors.Wrap(ErrValidation, "invalid amount")
)

// Invalidf builds a user-correctable validation error.
func Invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

// Upstream marks err as a retryable provider failure.
func Upstream(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrUpstream)
}

// Persistence marks err as a ledger write/read failure.
func Persistence(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrPersistence)
}

type Reason string

const (
	ReasonNone         Reason = ""
	ReasonNotFound     Reason = "not_found"
	ReasonInactive     Reason = "inactive"
	ReasonExpired      Reason = "expired"
	ReasonLimitReached Reason = "limit_reached"
	ReasonAlreadyUsed  Reason = "already_used"
)

var reasonErrors = map[Reason]error{
	ReasonNotFound:     ErrCouponNotFound,
	ReasonInactive:     ErrCouponInactive,
	ReasonExpired:      ErrCouponExpired,
	ReasonLimitReached: ErrLimitReached,
	ReasonAlreadyUsed:  ErrAlreadyUsed,
}

// Err returns the error matching a coupon rejection reason.
func (r Reason) Err() error {
	if err, ok := reasonErrors[r]; ok {
		return err
	}
	return nil
}

// ReasonOf maps a coupon error back to its reason string.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	for reason, ref := range reasonErrors {
		if errors.Is(err, ref) {
			return reason
		}
	}
	return ReasonNone
}

// TransitionError reports an attempted move out of a terminal state.
type TransitionError struct {
	From PurchaseStatus
	To   PurchaseStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
