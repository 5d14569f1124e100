package lifecycle_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/lifecycle"
	"github.com/robertarktes/espazza-checkout/internal/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkoutWithCapture(t *testing.T, h *harness) lifecycle.CheckoutResult {
	t.Helper()
	res, err := h.manager.Checkout(context.Background(), lifecycle.CheckoutRequest{
		BuyerID:  buyerOne,
		Item:     release,
		Provider: "capture",
	})
	require.NoError(t, err)
	return res
}

func TestCheckout_CaptureProviderReturnsThroughAPI(t *testing.T) {
	h := newHarness(t, nil)
	res := checkoutWithCapture(t, h)

	h.capturer.mu.Lock()
	req := h.capturer.requests[0]
	h.capturer.mu.Unlock()
	assert.Equal(t, "https://espazza.test/v1/payments/capture/return?purchase="+res.Purchase.ID.String(), req.SuccessURL)
	assert.Equal(t, "https://espazza.test/checkout/cancel?purchase="+res.Purchase.ID.String(), req.CancelURL)
	assert.Equal(t, "https://espazza.test/checkout/success?purchase="+res.Purchase.ID.String(), h.manager.ResultPage(res.Purchase))
}

func TestCompleteReturn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	res := checkoutWithCapture(t, h)
	session := "sess_" + res.Purchase.ExternalTransactionID

	first, err := h.manager.CompleteReturn(ctx, "capture", session)
	require.NoError(t, err)
	assert.True(t, first.Transitioned)
	assert.Equal(t, domain.PurchasePaid, first.Purchase.Status)

	// A reload of the return page must not settle twice.
	again, err := h.manager.CompleteReturn(ctx, "capture", session)
	require.NoError(t, err)
	assert.False(t, again.Transitioned)
	assert.Equal(t, 1, h.notifier.count())
}

func TestCompleteReturn_PendingCaptureLeavesPurchasePending(t *testing.T) {
	h := newHarness(t, nil)
	h.capturer.outcome = payment.StatusIgnored
	res := checkoutWithCapture(t, h)

	out, err := h.manager.CompleteReturn(context.Background(), "capture", "sess_"+res.Purchase.ExternalTransactionID)
	require.NoError(t, err)
	assert.False(t, out.Transitioned)
	assert.Equal(t, domain.PurchasePending, out.Purchase.Status)
}

func TestCompleteReturn_Rejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.manager.CompleteReturn(ctx, "fake", "sess_x")
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = h.manager.CompleteReturn(ctx, "capture", "")
	assert.True(t, errors.Is(err, domain.ErrValidation))

	h.capturer.err = errors.New("paypal down")
	_, err = h.manager.CompleteReturn(ctx, "capture", "sess_x")
	assert.True(t, errors.Is(err, domain.ErrUpstream))
}
