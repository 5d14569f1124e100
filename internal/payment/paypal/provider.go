package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/payment"
	"github.com/shopspring/decimal"
)

const Name = "paypal"

func (c *Client) Name() string { return Name }

// CreateCheckoutSession creates a CAPTURE order and returns its approve link.
// The purchase reference travels as both reference_id and custom_id so that
// capture responses and capture webhooks can be matched.
func (c *Client) CreateCheckoutSession(ctx context.Context, req payment.SessionRequest) (payment.Session, error) {
	in := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: req.Reference,
			CustomID:    req.Reference,
			Description: req.Description,
			Amount: &amount{
				CurrencyCode: strings.ToUpper(req.Currency),
				Value:        decimal.New(req.Amount, -2).StringFixed(2),
			},
		}},
		ApplicationContext: applicationContext{
			ReturnURL:  req.SuccessURL,
			CancelURL:  req.CancelURL,
			UserAction: "PAY_NOW",
		},
	}
	var out orderResponse
	if err := c.postJSON(ctx, "/v2/checkout/orders", in, &out); err != nil {
		return payment.Session{}, err
	}
	approve := approveURL(out.Links)
	if approve == "" {
		return payment.Session{}, errors.Newf("paypal order %s has no approve link", out.ID)
	}
	return payment.Session{RedirectURL: approve, ProviderSessionID: out.ID}, nil
}

func approveURL(links []link) string {
	for _, l := range links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

// Capture captures an approved order. A declined capture is reported as a
// failed callback rather than an error.
func (c *Client) Capture(ctx context.Context, orderID string) (payment.Callback, error) {
	var out orderResponse
	if err := c.postJSON(ctx, "/v2/checkout/orders/"+orderID+"/capture", nil, &out); err != nil {
		return payment.Callback{}, err
	}
	cb := payment.Callback{EventID: "capture:" + out.ID, Verified: true}
	var capStatus string
	if len(out.PurchaseUnits) > 0 {
		pu := out.PurchaseUnits[0]
		cb.ExternalTransactionID = pu.ReferenceID
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			capStatus = pu.Payments.Captures[0].Status
			if cb.ExternalTransactionID == "" {
				cb.ExternalTransactionID = pu.Payments.Captures[0].CustomID
			}
		}
	}
	if cb.ExternalTransactionID == "" {
		return payment.Callback{}, errors.Newf("paypal capture %s carries no reference", orderID)
	}
	cb.Status = captureStatus(out.Status, capStatus)
	return cb, nil
}

func captureStatus(orderStatus, captureStatus string) payment.Status {
	switch {
	case captureStatus == "COMPLETED":
		return payment.StatusSucceeded
	case captureStatus == "DECLINED" || captureStatus == "FAILED":
		return payment.StatusFailed
	case captureStatus == "" && orderStatus == "COMPLETED":
		return payment.StatusSucceeded
	default:
		return payment.StatusIgnored
	}
}

// VerifyCallback asks PayPal to verify the transmission signature and maps
// capture events onto settlement statuses.
func (c *Client) VerifyCallback(ctx context.Context, payload []byte, headers http.Header) (payment.Callback, error) {
	req := verifyRequest{
		AuthAlgo:         headers.Get("PAYPAL-AUTH-ALGO"),
		CertURL:          headers.Get("PAYPAL-CERT-URL"),
		TransmissionID:   headers.Get("PAYPAL-TRANSMISSION-ID"),
		TransmissionSig:  headers.Get("PAYPAL-TRANSMISSION-SIG"),
		TransmissionTime: headers.Get("PAYPAL-TRANSMISSION-TIME"),
		WebhookID:        c.webhookID,
		WebhookEvent:     json.RawMessage(payload),
	}
	if req.TransmissionID == "" || req.TransmissionSig == "" {
		return payment.Callback{}, errors.Wrap(domain.ErrInvalidSignature, "missing transmission headers")
	}
	if !json.Valid(payload) {
		return payment.Callback{}, domain.ErrInvalidSignature
	}

	var vr verifyResponse
	if err := c.postJSON(ctx, "/v1/notifications/verify-webhook-signature", req, &vr); err != nil {
		return payment.Callback{}, domain.Upstream(err, "paypal verify webhook")
	}
	if vr.VerificationStatus != "SUCCESS" {
		return payment.Callback{}, domain.ErrInvalidSignature
	}

	var ev webhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return payment.Callback{}, domain.Invalidf("malformed paypal event: %v", err)
	}
	cb := payment.Callback{
		ExternalTransactionID: ev.Resource.CustomID,
		EventID:               ev.ID,
		Verified:              true,
	}
	switch ev.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		cb.Status = payment.StatusSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		cb.Status = payment.StatusFailed
	default:
		cb.Status = payment.StatusIgnored
		return cb, nil
	}
	if cb.ExternalTransactionID == "" {
		return payment.Callback{}, domain.Invalidf("paypal event %s has no custom_id", ev.ID)
	}
	return cb, nil
}
