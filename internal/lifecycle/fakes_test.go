package lifecycle_test

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/espazza-checkout/internal/capacity"
	"github.com/robertarktes/espazza-checkout/internal/discount"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/ledger"
	"github.com/robertarktes/espazza-checkout/internal/lifecycle"
	"github.com/robertarktes/espazza-checkout/internal/observability"
	"github.com/robertarktes/espazza-checkout/internal/payment"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type fakeCatalog map[string]domain.CatalogItem

func (c fakeCatalog) Lookup(ctx context.Context, item domain.ItemRef) (domain.CatalogItem, error) {
	it, ok := c[item.String()]
	if !ok {
		return domain.CatalogItem{}, domain.ErrItemNotFound
	}
	return it, nil
}

type fakeProvider struct {
	mu       sync.Mutex
	err      error
	requests []payment.SessionRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CreateCheckoutSession(ctx context.Context, req payment.SessionRequest) (payment.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return payment.Session{}, p.err
	}
	return payment.Session{
		RedirectURL:       "https://pay.example/" + req.Reference,
		ProviderSessionID: "sess_" + req.Reference,
	}, nil
}

func (p *fakeProvider) VerifyCallback(ctx context.Context, payload []byte, headers http.Header) (payment.Callback, error) {
	return payment.Callback{}, domain.ErrInvalidSignature
}

func (p *fakeProvider) lastReference() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return ""
	}
	return p.requests[len(p.requests)-1].Reference
}

// capturingProvider settles on the buyer's return, like PayPal.
type capturingProvider struct {
	fakeProvider
	outcome  payment.Status
	captures int
}

func (p *capturingProvider) Name() string { return "capture" }

func (p *capturingProvider) Capture(ctx context.Context, sessionID string) (payment.Callback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captures++
	if p.err != nil {
		return payment.Callback{}, p.err
	}
	return payment.Callback{
		ExternalTransactionID: strings.TrimPrefix(sessionID, "sess_"),
		Status:                p.outcome,
		Verified:              true,
	}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	err  error
	sent []domain.Notification
}

func (n *recordingNotifier) Dispatch(ctx context.Context, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// brokenTransitions fails every status change, standing in for a ledger outage.
type brokenTransitions struct {
	ledger.Purchases
	mu       sync.Mutex
	attempts int
}

func (b *brokenTransitions) TransitionPurchase(ctx context.Context, id uuid.UUID, status domain.PurchaseStatus, at time.Time) (domain.Purchase, bool, error) {
	b.mu.Lock()
	b.attempts++
	b.mu.Unlock()
	return domain.Purchase{}, false, errors.New("connection reset")
}

var (
	ticket   = domain.ItemRef{Kind: domain.ItemTicket, ID: "gig-1"}
	release  = domain.ItemRef{Kind: domain.ItemRelease, ID: "album-9"}
	freebie  = domain.ItemRef{Kind: domain.ItemProduct, ID: "sticker"}
	buyerOne = uuid.MustParse("7b0c8a60-3f0e-4a52-9d77-2d0c1f0b8e11")
)

type harness struct {
	manager  *lifecycle.Manager
	store    *ledger.Memory
	capacity *capacity.Service
	coupons  *discount.Resolver
	provider *fakeProvider
	capturer *capturingProvider
	notifier *recordingNotifier
	hook     *logtest.Hook
	seatPool uuid.UUID
	clock    time.Time
}

func newHarness(t *testing.T, purchases func(ledger.Purchases) ledger.Purchases) *harness {
	t.Helper()
	ctx := context.Background()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	logger := observability.NewLoggerFrom(log)

	store := ledger.NewMemory()
	caps := capacity.NewService(store, logger)
	pool, err := caps.Create(ctx, "gig-1", 3)
	require.NoError(t, err)

	coupons := discount.NewResolver(store, logger)
	provider := &fakeProvider{}
	capturer := &capturingProvider{outcome: payment.StatusSucceeded}
	notifier := &recordingNotifier{}
	catalog := fakeCatalog{
		ticket.String():  {Item: ticket, Title: "Gig", Price: 2000, Currency: "ZAR", CapacityItemID: &pool.ID},
		release.String(): {Item: release, Title: "Album", Price: 10000, Currency: "ZAR"},
		freebie.String(): {Item: freebie, Title: "Sticker", Price: 500, Currency: "ZAR"},
	}

	var ps ledger.Purchases = store
	if purchases != nil {
		ps = purchases(store)
	}
	h := &harness{
		store:    store,
		capacity: caps,
		coupons:  coupons,
		provider: provider,
		capturer: capturer,
		notifier: notifier,
		hook:     hook,
		seatPool: pool.ID,
		clock:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.manager = lifecycle.NewManager(ps, coupons, caps, payment.NewRegistry(provider, capturer), catalog, notifier, logger,
		lifecycle.Options{PendingTTL: 30 * time.Minute, SweepBatch: 10, PublicBaseURL: "https://espazza.test"}).
		WithClock(func() time.Time { return h.clock })
	return h
}

func (h *harness) remaining(t *testing.T) int {
	t.Helper()
	item, err := h.capacity.Get(context.Background(), h.seatPool)
	require.NoError(t, err)
	return item.CapacityRemaining
}

func (h *harness) coupon(t *testing.T, code string, typ domain.DiscountType, amount int64, onePerUser bool) domain.Coupon {
	t.Helper()
	c, err := h.coupons.Create(context.Background(), discount.CouponSpec{
		Code:           code,
		DiscountType:   typ,
		DiscountAmount: amount,
		OnePerUser:     onePerUser,
	})
	require.NoError(t, err)
	return c
}

func (h *harness) alerts() []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range h.hook.AllEntries() {
		if e.Data["alert"] == "reconciliation" {
			out = append(out, e)
		}
	}
	return out
}
