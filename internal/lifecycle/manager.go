// Package lifecycle drives a purchase from pending to exactly one terminal
// state and sequences the coupon, capacity and notification steps around it.
package lifecycle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/espazza-checkout/internal/capacity"
	"github.com/robertarktes/espazza-checkout/internal/discount"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/ledger"
	"github.com/robertarktes/espazza-checkout/internal/observability"
	"github.com/robertarktes/espazza-checkout/internal/payment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Catalog prices items at checkout time.
type Catalog interface {
	Lookup(ctx context.Context, item domain.ItemRef) (domain.CatalogItem, error)
}

// Notifier receives settled purchases. Its failures are logged, never
// propagated.
type Notifier interface {
	Dispatch(ctx context.Context, n domain.Notification) error
}

type Options struct {
	PendingTTL    time.Duration
	SweepBatch    int
	PublicBaseURL string
}

type Manager struct {
	purchases ledger.Purchases
	coupons   *discount.Resolver
	capacity  *capacity.Service
	providers *payment.Registry
	catalog   Catalog
	notifier  Notifier
	logger    observability.Logger
	opts      Options
	tracer    trace.Tracer
	now       func() time.Time
	backOff   func() backoff.BackOff
}

func NewManager(
	purchases ledger.Purchases,
	coupons *discount.Resolver,
	capacity *capacity.Service,
	providers *payment.Registry,
	catalog Catalog,
	notifier Notifier,
	logger observability.Logger,
	opts Options,
) *Manager {
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 30 * time.Minute
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	return &Manager{
		purchases: purchases,
		coupons:   coupons,
		capacity:  capacity,
		providers: providers,
		catalog:   catalog,
		notifier:  notifier,
		logger:    logger,
		opts:      opts,
		tracer:    otel.Tracer("lifecycle"),
		now:       time.Now,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return backoff.WithMaxRetries(b, 5)
		},
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithBackOff replaces the retry policy used for post-payment ledger writes.
func (m *Manager) WithBackOff(fn func() backoff.BackOff) *Manager {
	m.backOff = fn
	return m
}

type StartRequest struct {
	BuyerID        uuid.UUID
	Item           domain.ItemRef
	Quantity       int
	Amount         int64
	Currency       string
	Method         domain.PaymentMethod
	CouponID       *uuid.UUID
	CapacityItemID *uuid.UUID
}

type SettleResult struct {
	Purchase     domain.Purchase
	Transitioned bool
}

// Start records a pending purchase. When the item draws from a capacity pool
// the units are held first and given back if the purchase cannot be written.
func (m *Manager) Start(ctx context.Context, req StartRequest) (domain.Purchase, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Start")
	defer span.End()

	if err := req.Item.Validate(); err != nil {
		return domain.Purchase{}, err
	}
	if req.BuyerID == uuid.Nil {
		return domain.Purchase{}, domain.Invalidf("buyer is required")
	}
	if req.Quantity > domain.MaxQuantity {
		return domain.Purchase{}, errors.Wrapf(domain.ErrInvalidAmount, "quantity %d above %d", req.Quantity, domain.MaxQuantity)
	}
	currency, err := domain.NormalizeCurrency(req.Currency)
	if err != nil {
		return domain.Purchase{}, err
	}
	switch req.Method {
	case domain.MethodCard:
		if req.Amount <= 0 {
			return domain.Purchase{}, errors.Wrap(domain.ErrInvalidAmount, "card purchases need a positive amount")
		}
	case domain.MethodCoupon:
		if req.Amount < 0 {
			return domain.Purchase{}, domain.ErrInvalidAmount
		}
	default:
		return domain.Purchase{}, domain.Invalidf("unknown payment method %q", req.Method)
	}

	p := domain.NewPurchase(req.BuyerID, req.Item, req.Quantity, req.Amount, currency, req.Method, m.now())
	p.CouponID = req.CouponID
	span.SetAttributes(
		attribute.String("purchase.id", p.ID.String()),
		attribute.String("purchase.method", string(p.Method)),
	)

	if req.CapacityItemID != nil {
		res, err := m.capacity.Reserve(ctx, *req.CapacityItemID, p.ID, p.Quantity)
		if err != nil {
			return domain.Purchase{}, err
		}
		p.ReservationID = &res.ID
	}

	if err := m.purchases.InsertPurchase(ctx, p); err != nil {
		if p.ReservationID != nil {
			if _, rerr := m.capacity.Release(ctx, *p.ReservationID); rerr != nil {
				m.alert(p, "capacity_leak").WithError(rerr).Error("failed to release hold for unwritten purchase")
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert purchase")
		return domain.Purchase{}, domain.Persistence(err, "insert purchase")
	}

	m.logger.WithFields(map[string]interface{}{
		"purchase_id":    p.ID,
		"transaction_id": p.ExternalTransactionID,
		"item":           p.Item.String(),
		"amount":         p.Amount,
		"method":         p.Method,
	}).Info("purchase started")
	return p, nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (domain.Purchase, error) {
	p, err := m.purchases.GetPurchase(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Purchase{}, err
		}
		return domain.Purchase{}, domain.Persistence(err, "load purchase")
	}
	return p, nil
}

// SettleByCallback applies a verified provider outcome. Repeated callbacks for
// a settled purchase return the recorded state and change nothing.
func (m *Manager) SettleByCallback(ctx context.Context, externalTransactionID string, status payment.Status) (SettleResult, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.SettleByCallback",
		trace.WithAttributes(attribute.String("purchase.transaction_id", externalTransactionID)))
	defer span.End()

	var target domain.PurchaseStatus
	switch status {
	case payment.StatusSucceeded:
		target = domain.PurchasePaid
	case payment.StatusFailed:
		target = domain.PurchaseFailed
	default:
		return SettleResult{}, domain.Invalidf("callback status %q does not settle", status)
	}

	p, err := m.purchases.GetPurchaseByTransaction(ctx, externalTransactionID)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownTransaction) {
			m.logger.WithField("transaction_id", externalTransactionID).Warn("callback for unknown transaction")
			return SettleResult{}, err
		}
		span.RecordError(err)
		return SettleResult{}, domain.Persistence(err, "load purchase by transaction")
	}
	if p.Status.Terminal() {
		return m.duplicate(p, target), nil
	}
	return m.transition(ctx, p, target)
}

// SettleByCoupon marks a coupon purchase paid once its coupon was applied.
func (m *Manager) SettleByCoupon(ctx context.Context, purchaseID uuid.UUID, app discount.Application) (SettleResult, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.SettleByCoupon",
		trace.WithAttributes(attribute.String("purchase.id", purchaseID.String())))
	defer span.End()

	p, err := m.Get(ctx, purchaseID)
	if err != nil {
		return SettleResult{}, err
	}
	if p.Method != domain.MethodCoupon {
		return SettleResult{}, domain.Invalidf("purchase %s is not a coupon purchase", p.ID)
	}
	if p.CouponID != nil && *p.CouponID != app.CouponID {
		return SettleResult{}, domain.Invalidf("coupon does not belong to purchase %s", p.ID)
	}
	if p.Status.Terminal() {
		return m.duplicate(p, domain.PurchasePaid), nil
	}
	return m.transition(ctx, p, domain.PurchasePaid)
}

// Cancel abandons a pending purchase and frees its held units. For a settled
// purchase it returns the recorded state with ErrNotPending.
func (m *Manager) Cancel(ctx context.Context, purchaseID uuid.UUID) (SettleResult, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.Cancel",
		trace.WithAttributes(attribute.String("purchase.id", purchaseID.String())))
	defer span.End()

	p, err := m.Get(ctx, purchaseID)
	if err != nil {
		return SettleResult{}, err
	}
	if p.Status.Terminal() {
		return SettleResult{Purchase: p}, domain.ErrNotPending
	}
	res, err := m.transition(ctx, p, domain.PurchaseCancelled)
	if err != nil {
		return res, err
	}
	if !res.Transitioned {
		return res, domain.ErrNotPending
	}
	return res, nil
}

// transition performs the compare-and-swap out of pending. Side effects run
// only when this call won the swap.
func (m *Manager) transition(ctx context.Context, p domain.Purchase, to domain.PurchaseStatus) (SettleResult, error) {
	if err := domain.CanTransition(p.Status, to); err != nil {
		return SettleResult{Purchase: p}, errors.Mark(err, domain.ErrNotPending)
	}
	var (
		out domain.Purchase
		ok  bool
	)
	write := func() error {
		var err error
		out, ok, err = m.purchases.TransitionPurchase(ctx, p.ID, to, m.now())
		if errors.Is(err, domain.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}

	var err error
	if to == domain.PurchasePaid {
		err = backoff.Retry(write, backoff.WithContext(m.backOff(), ctx))
	} else {
		err = write()
	}
	if err != nil {
		if to == domain.PurchasePaid {
			m.alert(p, "ledger_write_failed").WithError(err).Error("payment confirmed but purchase could not be marked paid")
		}
		return SettleResult{Purchase: p}, domain.Persistence(err, "transition purchase")
	}
	if !ok {
		return m.duplicate(out, to), nil
	}

	observability.SettlementsTotal.WithLabelValues(string(out.Method), string(out.Status)).Inc()
	m.logger.WithFields(map[string]interface{}{
		"purchase_id":    out.ID,
		"transaction_id": out.ExternalTransactionID,
		"status":         out.Status,
	}).Info("purchase settled")

	m.applyCapacity(ctx, out)
	m.notify(ctx, out)
	return SettleResult{Purchase: out, Transitioned: true}, nil
}

// duplicate answers a settle request for an already terminal purchase. A
// success report against a cancelled or failed purchase means money may have
// been collected for nothing, so it is flagged for reconciliation.
func (m *Manager) duplicate(p domain.Purchase, requested domain.PurchaseStatus) SettleResult {
	observability.DuplicateCallbacks.Inc()
	if requested == domain.PurchasePaid && p.Status != domain.PurchasePaid {
		m.alert(p, "paid_after_"+string(p.Status)).Error("payment succeeded for a purchase that is no longer payable")
	} else {
		m.logger.WithFields(map[string]interface{}{
			"purchase_id": p.ID,
			"status":      p.Status,
			"requested":   requested,
		}).Debug("duplicate settlement ignored")
	}
	return SettleResult{Purchase: p}
}

func (m *Manager) applyCapacity(ctx context.Context, p domain.Purchase) {
	if p.ReservationID == nil {
		return
	}
	var err error
	switch p.Status {
	case domain.PurchasePaid:
		err = m.capacity.Confirm(ctx, *p.ReservationID)
	case domain.PurchaseFailed, domain.PurchaseCancelled:
		_, err = m.capacity.Release(ctx, *p.ReservationID)
	}
	if err != nil {
		m.alert(p, "capacity").WithError(err).Error("capacity side effect failed")
	}
}

func (m *Manager) notify(ctx context.Context, p domain.Purchase) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Dispatch(ctx, domain.NotificationFor(p, m.now())); err != nil {
		m.logger.WithError(err).WithField("purchase_id", p.ID).Warn("notification dispatch failed")
	}
}

func (m *Manager) alert(p domain.Purchase, kind string) observability.Logger {
	observability.ReconciliationAlerts.WithLabelValues(kind).Inc()
	return m.logger.WithFields(map[string]interface{}{
		"alert":          "reconciliation",
		"kind":           kind,
		"purchase_id":    p.ID,
		"transaction_id": p.ExternalTransactionID,
		"status":         p.Status,
	})
}
