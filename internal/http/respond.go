package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/observability"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// couponMessage is what a buyer sees for a rejected coupon. Unknown and
// retired codes read the same so codes cannot be probed.
func couponMessage(r domain.Reason) string {
	switch r {
	case domain.ReasonExpired:
		return "This coupon has expired"
	case domain.ReasonLimitReached:
		return "This coupon has reached its usage limit"
	case domain.ReasonAlreadyUsed:
		return "You have already used this coupon"
	case domain.ReasonNone:
		return "Coupon is valid"
	default:
		return "Invalid coupon code"
	}
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, strings.TrimSuffix(err.Error(), ": "+domain.ErrValidation.Error())
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, domain.ErrSerializationFailure):
		return http.StatusConflict, "conflict, try again"
	case errors.Is(err, domain.ErrCapacityExceeded):
		return http.StatusConflict, "sold out"
	case errors.Is(err, domain.ErrNotPending):
		return http.StatusConflict, "purchase is not pending"
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict, "already exists"
	case errors.Is(err, domain.ErrConflict):
		if reason := domain.ReasonOf(err); reason != domain.ReasonNone {
			return http.StatusConflict, couponMessage(reason)
		}
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrUpstream):
		return http.StatusBadGateway, "payment provider unavailable, please try again"
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusServiceUnavailable, "temporarily unavailable, please try again"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger observability.Logger, err error) {
	status, msg := statusFor(err)
	log := loggerFrom(r.Context(), logger).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Debug("request rejected")
	}
	writeJSON(w, status, errorBody{Error: msg})
}
