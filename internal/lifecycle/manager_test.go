package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/ledger"
	"github.com/robertarktes/espazza-checkout/internal/lifecycle"
	"github.com/robertarktes/espazza-checkout/internal/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkoutTicket(t *testing.T, h *harness) lifecycle.CheckoutResult {
	t.Helper()
	res, err := h.manager.Checkout(context.Background(), lifecycle.CheckoutRequest{
		BuyerID:  buyerOne,
		Item:     ticket,
		Amount:   2000,
		Currency: "ZAR",
	})
	require.NoError(t, err)
	return res
}

func TestCheckout_OpensProviderSession(t *testing.T) {
	h := newHarness(t, nil)

	res := checkoutTicket(t, h)

	assert.Equal(t, domain.PurchasePending, res.Purchase.Status)
	assert.Equal(t, domain.MethodCard, res.Purchase.Method)
	assert.Equal(t, int64(2000), res.Purchase.Amount)
	assert.Equal(t, "https://pay.example/"+res.Purchase.ExternalTransactionID, res.RedirectURL)
	assert.Equal(t, 2, h.remaining(t))

	stored, err := h.store.GetPurchase(context.Background(), res.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, "fake", stored.Provider)
	assert.Equal(t, "sess_"+stored.ExternalTransactionID, stored.ProviderSessionID)
	require.NotNil(t, stored.ReservationID)
}

func TestSettleByCallback_TwiceSettlesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	started := checkoutTicket(t, h)
	tx := started.Purchase.ExternalTransactionID

	first, err := h.manager.SettleByCallback(ctx, tx, payment.StatusSucceeded)
	require.NoError(t, err)
	second, err := h.manager.SettleByCallback(ctx, tx, payment.StatusSucceeded)
	require.NoError(t, err)

	assert.True(t, first.Transitioned)
	assert.False(t, second.Transitioned)
	assert.Equal(t, domain.PurchasePaid, first.Purchase.Status)
	assert.Equal(t, domain.PurchasePaid, second.Purchase.Status)
	assert.Equal(t, 2, h.remaining(t))
	assert.Equal(t, 1, h.notifier.count())

	res, err := h.store.GetReservation(ctx, *started.Purchase.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationConfirmed, res.Status)
}

func TestSettleByCallback_ConcurrentRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	tx := checkoutTicket(t, h).Purchase.ExternalTransactionID

	const calls = 16
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
	)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.manager.SettleByCallback(ctx, tx, payment.StatusSucceeded)
			if err != nil || res.Purchase.Status != domain.PurchasePaid {
				t.Errorf("unexpected settle result %v %v", res.Purchase.Status, err)
				return
			}
			if res.Transitioned {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, transitions)
	assert.Equal(t, 1, h.notifier.count())
	assert.Equal(t, 2, h.remaining(t))
}

func TestSettleByCallback_UnknownTransaction(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.manager.SettleByCallback(context.Background(), "esp_missing", payment.StatusSucceeded)
	assert.True(t, errors.Is(err, domain.ErrUnknownTransaction))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSettleByCallback_FailureReleasesCapacity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	tx := checkoutTicket(t, h).Purchase.ExternalTransactionID

	res, err := h.manager.SettleByCallback(ctx, tx, payment.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseFailed, res.Purchase.Status)
	assert.Equal(t, 3, h.remaining(t))

	_, err = h.manager.SettleByCallback(ctx, tx, payment.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 3, h.remaining(t))
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	started := checkoutTicket(t, h)
	tx := started.Purchase.ExternalTransactionID

	_, err := h.manager.SettleByCallback(ctx, tx, payment.StatusSucceeded)
	require.NoError(t, err)

	res, err := h.manager.SettleByCallback(ctx, tx, payment.StatusFailed)
	require.NoError(t, err)
	assert.False(t, res.Transitioned)
	assert.Equal(t, domain.PurchasePaid, res.Purchase.Status)

	res, err = h.manager.Cancel(ctx, started.Purchase.ID)
	assert.True(t, errors.Is(err, domain.ErrNotPending))
	assert.Equal(t, domain.PurchasePaid, res.Purchase.Status)

	got, err := h.manager.Get(ctx, started.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PurchasePaid, got.Status)
	assert.Equal(t, 2, h.remaining(t))
}

func TestCancel_ReleasesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	started := checkoutTicket(t, h)

	res, err := h.manager.Cancel(ctx, started.Purchase.ID)
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, domain.PurchaseCancelled, res.Purchase.Status)
	assert.Equal(t, 3, h.remaining(t))

	_, err = h.manager.Cancel(ctx, started.Purchase.ID)
	assert.True(t, errors.Is(err, domain.ErrNotPending))
	assert.Equal(t, 3, h.remaining(t))
}

func TestSuccessAfterCancelRaisesAlert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	started := checkoutTicket(t, h)
	_, err := h.manager.Cancel(ctx, started.Purchase.ID)
	require.NoError(t, err)

	res, err := h.manager.SettleByCallback(ctx, started.Purchase.ExternalTransactionID, payment.StatusSucceeded)
	require.NoError(t, err)
	assert.False(t, res.Transitioned)
	assert.Equal(t, domain.PurchaseCancelled, res.Purchase.Status)

	alerts := h.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "paid_after_cancelled", alerts[0].Data["kind"])
}

func TestNotificationFailureKeepsSettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.notifier.err = errors.New("smtp down")
	tx := checkoutTicket(t, h).Purchase.ExternalTransactionID

	res, err := h.manager.SettleByCallback(ctx, tx, payment.StatusSucceeded)
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, domain.PurchasePaid, res.Purchase.Status)

	stored, err := h.store.GetPurchaseByTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, domain.PurchasePaid, stored.Status)
}

func TestLedgerOutageAfterPaymentRaisesAlert(t *testing.T) {
	ctx := context.Background()
	broken := &brokenTransitions{}
	h := newHarness(t, func(p ledger.Purchases) ledger.Purchases {
		broken.Purchases = p
		return broken
	})
	h.manager.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	})
	tx := checkoutTicket(t, h).Purchase.ExternalTransactionID

	_, err := h.manager.SettleByCallback(ctx, tx, payment.StatusSucceeded)
	assert.True(t, errors.Is(err, domain.ErrPersistence))
	assert.Equal(t, 3, broken.attempts)
	assert.Equal(t, 0, h.notifier.count())

	alerts := h.alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "ledger_write_failed", alerts[0].Data["kind"])
}

func TestCheckout_ProviderDownCancelsPurchase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.provider.err = errors.New("503 from gateway")

	_, err := h.manager.Checkout(ctx, lifecycle.CheckoutRequest{BuyerID: buyerOne, Item: ticket})
	assert.True(t, errors.Is(err, domain.ErrUpstream))
	assert.Equal(t, 3, h.remaining(t))

	p, err := h.store.GetPurchaseByTransaction(ctx, h.provider.lastReference())
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseCancelled, p.Status)
}

func TestCheckout_AmountMismatch(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.manager.Checkout(context.Background(), lifecycle.CheckoutRequest{BuyerID: buyerOne, Item: ticket, Amount: 1})
	assert.True(t, errors.Is(err, domain.ErrInvalidAmount))
	assert.Equal(t, 3, h.remaining(t))
}

func TestCheckout_RejectsQuantityThatOverflowsPrice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	for _, qty := range []int{1<<62 + 1, domain.MaxQuantity + 1} {
		_, err := h.manager.Checkout(ctx, lifecycle.CheckoutRequest{BuyerID: buyerOne, Item: freebie, Quantity: qty})
		assert.True(t, errors.Is(err, domain.ErrInvalidAmount), "quantity %d: %v", qty, err)
	}
	stale, err := h.store.ListStalePending(ctx, h.clock.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale, "no purchase was recorded")

	res, err := h.manager.Checkout(ctx, lifecycle.CheckoutRequest{BuyerID: buyerOne, Item: freebie, Quantity: domain.MaxQuantity})
	require.NoError(t, err)
	assert.Equal(t, int64(500*domain.MaxQuantity), res.Purchase.Amount)
	assert.Equal(t, domain.MaxQuantity, res.Purchase.Quantity)
}

func TestCheckout_SoldOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		checkoutTicket(t, h)
	}

	_, err := h.manager.Checkout(ctx, lifecycle.CheckoutRequest{BuyerID: buyerOne, Item: ticket})
	assert.True(t, errors.Is(err, domain.ErrCapacityExceeded))
	assert.Equal(t, 0, h.remaining(t))
}

func TestCheckout_PartialCouponChargesRemainder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.coupon(t, "SAVE20", domain.DiscountPercentage, 20, false)

	res, err := h.manager.Checkout(ctx, lifecycle.CheckoutRequest{BuyerID: buyerOne, Item: release, CouponCode: "SAVE20"})
	require.NoError(t, err)
	assert.Equal(t, int64(8000), res.Purchase.Amount)
	assert.Equal(t, int64(2000), res.Discount)
	assert.Equal(t, domain.MethodCard, res.Purchase.Method)
	assert.NotEmpty(t, res.RedirectURL)
	assert.Len(t, h.store.Usages(), 1)
}

func TestCheckout_FullCouponSettlesImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.coupon(t, "FREE", domain.DiscountFixed, 5000, false)

	res, err := h.manager.Checkout(ctx, lifecycle.CheckoutRequest{BuyerID: buyerOne, Item: ticket, CouponCode: "FREE"})
	require.NoError(t, err)
	assert.Equal(t, domain.PurchasePaid, res.Purchase.Status)
	assert.Equal(t, domain.MethodCoupon, res.Purchase.Method)
	assert.Equal(t, int64(0), res.Purchase.Amount)
	assert.Empty(t, res.RedirectURL)
	assert.Empty(t, h.provider.lastReference())
	assert.Equal(t, 2, h.remaining(t))
	assert.Equal(t, 1, h.notifier.count())
}

func TestCheckout_RejectedCoupon(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.manager.Checkout(context.Background(), lifecycle.CheckoutRequest{BuyerID: buyerOne, Item: release, CouponCode: "NOPE"})
	assert.True(t, errors.Is(err, domain.ErrCouponNotFound))
}

func TestRedeem_OncePerUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	c := h.coupon(t, "FREEALBUM", domain.DiscountPercentage, 100, true)

	res, err := h.manager.Redeem(ctx, lifecycle.RedeemRequest{BuyerID: buyerOne, CouponID: c.ID, Item: release})
	require.NoError(t, err)
	assert.Equal(t, domain.PurchasePaid, res.Purchase.Status)
	assert.Equal(t, domain.MethodCoupon, res.Purchase.Method)
	assert.Equal(t, int64(10000), res.Application.AppliedAmount)

	_, err = h.manager.Redeem(ctx, lifecycle.RedeemRequest{BuyerID: buyerOne, CouponID: c.ID, Item: release})
	assert.True(t, errors.Is(err, domain.ErrAlreadyUsed))

	stored, err := h.store.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UsageCount)
}

func TestRedeem_ConcurrentSameUser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	c := h.coupon(t, "FREEALBUM", domain.DiscountPercentage, 100, true)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.manager.Redeem(ctx, lifecycle.RedeemRequest{BuyerID: buyerOne, CouponID: c.ID, Item: release})
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrAlreadyUsed), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, h.store.Usages(), 1)
}

func TestRedeem_CouponMustCoverPrice(t *testing.T) {
	h := newHarness(t, nil)
	c := h.coupon(t, "TENOFF", domain.DiscountFixed, 1000, false)

	_, err := h.manager.Redeem(context.Background(), lifecycle.RedeemRequest{BuyerID: buyerOne, CouponID: c.ID, Item: release})
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Empty(t, h.store.Usages())
}

func TestSweepAbandoned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	start := h.clock
	old := checkoutTicket(t, h)
	h.clock = start.Add(20 * time.Minute)
	fresh := checkoutTicket(t, h)
	settled := checkoutTicket(t, h)
	_, err := h.manager.SettleByCallback(ctx, settled.Purchase.ExternalTransactionID, payment.StatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, 0, h.remaining(t))

	swept, err := h.manager.SweepAbandoned(ctx, start.Add(35*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
	assert.Equal(t, 1, h.remaining(t))

	got, err := h.manager.Get(ctx, old.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PurchaseCancelled, got.Status)
	got, err = h.manager.Get(ctx, fresh.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PurchasePending, got.Status)

	swept, err = h.manager.SweepAbandoned(ctx, start.Add(35*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
	assert.Equal(t, 1, h.remaining(t))
}
