// Package payment is the boundary to external card and wallet processors.
package payment

import (
	"context"
	"net/http"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusIgnored marks verified events that carry no settlement, e.g. refunds
	// or order-approved notices.
	StatusIgnored Status = "ignored"
)

type SessionRequest struct {
	Amount      int64
	Currency    string
	Reference   string
	Description string
	SuccessURL  string
	CancelURL   string
}

type Session struct {
	RedirectURL       string
	ProviderSessionID string
}

type Callback struct {
	ExternalTransactionID string
	Status                Status
	EventID               string
	Verified              bool
}

type Provider interface {
	Name() string
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (Session, error)
	// VerifyCallback authenticates a raw callback and parses it. It returns
	// domain.ErrInvalidSignature for anything it cannot authenticate.
	VerifyCallback(ctx context.Context, payload []byte, headers http.Header) (Callback, error)
}

// Capturer is implemented by providers that need an explicit capture once the
// buyer returns from the approval page.
type Capturer interface {
	Capture(ctx context.Context, providerSessionID string) (Callback, error)
}
