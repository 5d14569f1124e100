package lifecycle

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/espazza-checkout/internal/discount"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/payment"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type CheckoutRequest struct {
	BuyerID  uuid.UUID
	Item     domain.ItemRef
	Quantity int
	// Amount is the list price the buyer saw. Zero accepts the catalog price.
	Amount     int64
	Currency   string
	CouponCode string
	Provider   string
}

type CheckoutResult struct {
	Purchase    domain.Purchase
	RedirectURL string
	Discount    int64
}

// Checkout prices the item, applies an optional coupon and either settles at
// once (fully discounted) or opens a provider session for the buyer to pay.
func (m *Manager) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Checkout")
	defer span.End()

	if req.Quantity <= 0 {
		req.Quantity = 1
	}
	item, err := m.lookup(ctx, req.Item)
	if err != nil {
		return CheckoutResult{}, err
	}
	price, err := domain.LineTotal(item.Price, req.Quantity)
	if err != nil {
		return CheckoutResult{}, err
	}
	if req.Amount != 0 && req.Amount != price {
		return CheckoutResult{}, errors.Wrapf(domain.ErrInvalidAmount, "amount %d does not match price %d", req.Amount, price)
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, item.Currency) {
		return CheckoutResult{}, domain.Invalidf("currency %q does not match %q", req.Currency, item.Currency)
	}

	var (
		coupon *domain.Coupon
		off    int64
		total  = price
	)
	if req.CouponCode != "" {
		v, err := m.coupons.Validate(ctx, req.CouponCode, req.BuyerID, req.Item)
		if err != nil {
			return CheckoutResult{}, err
		}
		if !v.Valid {
			return CheckoutResult{}, v.Reason.Err()
		}
		coupon = v.Coupon
		off, total = discount.Quote(*coupon, price)
	}

	method := domain.MethodCard
	if coupon != nil && total == 0 {
		method = domain.MethodCoupon
	}
	var provider payment.Provider
	if method == domain.MethodCard {
		if provider, err = m.providers.Get(req.Provider); err != nil {
			return CheckoutResult{}, err
		}
	}

	start := StartRequest{
		BuyerID:        req.BuyerID,
		Item:           req.Item,
		Quantity:       req.Quantity,
		Amount:         total,
		Currency:       item.Currency,
		Method:         method,
		CapacityItemID: item.CapacityItemID,
	}
	if coupon != nil {
		start.CouponID = &coupon.ID
	}
	p, err := m.Start(ctx, start)
	if err != nil {
		return CheckoutResult{}, err
	}
	span.SetAttributes(attribute.String("purchase.id", p.ID.String()))

	if coupon != nil {
		app, err := m.coupons.Apply(ctx, coupon.ID, req.BuyerID, req.Item, price)
		if err != nil {
			m.abandon(ctx, p, "coupon apply failed")
			return CheckoutResult{}, err
		}
		if method == domain.MethodCoupon {
			res, err := m.SettleByCoupon(ctx, p.ID, app)
			if err != nil {
				return CheckoutResult{}, err
			}
			return CheckoutResult{Purchase: res.Purchase, Discount: app.AppliedAmount}, nil
		}
	}

	session, err := provider.CreateCheckoutSession(ctx, payment.SessionRequest{
		Amount:      total,
		Currency:    p.Currency,
		Reference:   p.ExternalTransactionID,
		Description: item.Title,
		SuccessURL:  m.successURL(provider, p),
		CancelURL:   m.returnURL("cancel", p),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create checkout session")
		m.abandon(ctx, p, "checkout session failed")
		return CheckoutResult{}, domain.Upstream(err, provider.Name()+" checkout session")
	}
	if err := m.purchases.AttachSession(ctx, p.ID, provider.Name(), session.ProviderSessionID); err != nil {
		// Callbacks are matched on the transaction id, so the purchase stays usable.
		m.logger.WithError(err).WithField("purchase_id", p.ID).Warn("failed to record provider session")
	} else {
		p.Provider = provider.Name()
		p.ProviderSessionID = session.ProviderSessionID
	}

	return CheckoutResult{Purchase: p, RedirectURL: session.RedirectURL, Discount: off}, nil
}

type RedeemRequest struct {
	BuyerID  uuid.UUID
	CouponID uuid.UUID
	Item     domain.ItemRef
}

type RedeemResult struct {
	Purchase    domain.Purchase
	Application discount.Application
}

// Redeem claims an item outright with a coupon that covers its full price.
func (m *Manager) Redeem(ctx context.Context, req RedeemRequest) (RedeemResult, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Redeem")
	defer span.End()

	item, err := m.lookup(ctx, req.Item)
	if err != nil {
		return RedeemResult{}, err
	}
	v, err := m.coupons.ValidateByID(ctx, req.CouponID, req.BuyerID, req.Item)
	if err != nil {
		return RedeemResult{}, err
	}
	if !v.Valid {
		return RedeemResult{}, v.Reason.Err()
	}
	if _, total := discount.Quote(*v.Coupon, item.Price); total != 0 {
		return RedeemResult{}, domain.Invalidf("coupon does not cover the price of %s", req.Item)
	}

	p, err := m.Start(ctx, StartRequest{
		BuyerID:        req.BuyerID,
		Item:           req.Item,
		Quantity:       1,
		Amount:         0,
		Currency:       item.Currency,
		Method:         domain.MethodCoupon,
		CouponID:       &req.CouponID,
		CapacityItemID: item.CapacityItemID,
	})
	if err != nil {
		return RedeemResult{}, err
	}

	app, err := m.coupons.Apply(ctx, req.CouponID, req.BuyerID, req.Item, item.Price)
	if err != nil {
		m.abandon(ctx, p, "coupon apply failed")
		return RedeemResult{}, err
	}
	res, err := m.SettleByCoupon(ctx, p.ID, app)
	if err != nil {
		return RedeemResult{}, err
	}
	return RedeemResult{Purchase: res.Purchase, Application: app}, nil
}

func (m *Manager) lookup(ctx context.Context, ref domain.ItemRef) (domain.CatalogItem, error) {
	if err := ref.Validate(); err != nil {
		return domain.CatalogItem{}, err
	}
	item, err := m.catalog.Lookup(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.CatalogItem{}, err
		}
		return domain.CatalogItem{}, domain.Persistence(err, "catalog lookup")
	}
	return item, nil
}

// abandon cancels a purchase whose checkout could not proceed.
func (m *Manager) abandon(ctx context.Context, p domain.Purchase, reason string) {
	if _, err := m.Cancel(ctx, p.ID); err != nil && !errors.Is(err, domain.ErrNotPending) {
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"purchase_id": p.ID,
			"reason":      reason,
		}).Error("failed to cancel abandoned purchase")
	}
}

func (m *Manager) returnURL(outcome string, p domain.Purchase) string {
	base := strings.TrimRight(m.opts.PublicBaseURL, "/")
	return base + "/checkout/" + outcome + "?purchase=" + p.ID.String()
}

// successURL sends buyers of capture-on-return providers back through the API
// so the payment can be captured before they land on the success page.
func (m *Manager) successURL(provider payment.Provider, p domain.Purchase) string {
	if _, ok := provider.(payment.Capturer); !ok {
		return m.returnURL("success", p)
	}
	base := strings.TrimRight(m.opts.PublicBaseURL, "/")
	return base + "/v1/payments/" + provider.Name() + "/return?purchase=" + p.ID.String()
}

// ResultPage is where the buyer lands after a completed return.
func (m *Manager) ResultPage(p domain.Purchase) string {
	if p.Status == domain.PurchaseFailed || p.Status == domain.PurchaseCancelled {
		return m.returnURL("cancel", p)
	}
	return m.returnURL("success", p)
}

// CompleteReturn captures an approved provider session when the buyer comes
// back from the approval page and settles the purchase with the outcome. A
// capture that is still processing leaves the purchase pending for the
// provider's callback.
func (m *Manager) CompleteReturn(ctx context.Context, providerName, sessionID string) (SettleResult, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.CompleteReturn")
	defer span.End()

	provider, err := m.providers.Get(providerName)
	if err != nil {
		return SettleResult{}, err
	}
	capturer, ok := provider.(payment.Capturer)
	if !ok {
		return SettleResult{}, domain.Invalidf("provider %s does not capture on return", provider.Name())
	}
	if strings.TrimSpace(sessionID) == "" {
		return SettleResult{}, domain.Invalidf("missing provider session")
	}

	cb, err := capturer.Capture(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture")
		return SettleResult{}, domain.Upstream(err, provider.Name()+" capture")
	}
	if cb.Status == payment.StatusIgnored {
		p, err := m.purchases.GetPurchaseByTransaction(ctx, cb.ExternalTransactionID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return SettleResult{}, err
			}
			return SettleResult{}, domain.Persistence(err, "load purchase by transaction")
		}
		return SettleResult{Purchase: p}, nil
	}
	return m.SettleByCallback(ctx, cb.ExternalTransactionID, cb.Status)
}
