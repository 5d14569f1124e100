package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/espazza-checkout/internal/domain"
)

type usageKey struct {
	coupon uuid.UUID
	user   uuid.UUID
}

// Memory is a Store held in process memory. One mutex serializes every call,
// which gives each method the same single-step atomicity the database provides.
type Memory struct {
	mu           sync.Mutex
	purchases    map[uuid.UUID]domain.Purchase
	byTx         map[string]uuid.UUID
	coupons      map[uuid.UUID]domain.Coupon
	byCode       map[string]uuid.UUID
	usages       []domain.CouponUsage
	exclusive    map[usageKey]struct{}
	items        map[uuid.UUID]domain.CapacityItem
	reservations map[uuid.UUID]domain.Reservation
	outbox       []OutboxRecord
	now          func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		purchases:    make(map[uuid.UUID]domain.Purchase),
		byTx:         make(map[string]uuid.UUID),
		coupons:      make(map[uuid.UUID]domain.Coupon),
		byCode:       make(map[string]uuid.UUID),
		exclusive:    make(map[usageKey]struct{}),
		items:        make(map[uuid.UUID]domain.CapacityItem),
		reservations: make(map[uuid.UUID]domain.Reservation),
		now:          time.Now,
	}
}

// WithClock replaces the clock used for outbox claim leases.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

var _ Store = (*Memory)(nil)

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) InsertPurchase(ctx context.Context, p domain.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.purchases[p.ID]; ok {
		return errors.Wrapf(domain.ErrDuplicate, "purchase %s", p.ID)
	}
	if _, ok := m.byTx[p.ExternalTransactionID]; ok {
		return errors.Wrapf(domain.ErrDuplicate, "transaction %s", p.ExternalTransactionID)
	}
	m.purchases[p.ID] = p
	m.byTx[p.ExternalTransactionID] = p.ID
	return nil
}

func (m *Memory) GetPurchase(ctx context.Context, id uuid.UUID) (domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return domain.Purchase{}, domain.ErrPurchaseNotFound
	}
	return p, nil
}

func (m *Memory) GetPurchaseByTransaction(ctx context.Context, externalTransactionID string) (domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTx[externalTransactionID]
	if !ok {
		return domain.Purchase{}, domain.ErrUnknownTransaction
	}
	return m.purchases[id], nil
}

func (m *Memory) AttachSession(ctx context.Context, id uuid.UUID, provider, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return domain.ErrPurchaseNotFound
	}
	p.Provider = provider
	p.ProviderSessionID = sessionID
	m.purchases[id] = p
	return nil
}

func (m *Memory) TransitionPurchase(ctx context.Context, id uuid.UUID, status domain.PurchaseStatus, at time.Time) (domain.Purchase, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return domain.Purchase{}, false, domain.ErrPurchaseNotFound
	}
	if p.Status != domain.PurchasePending {
		return p, false, nil
	}
	settled := at.UTC()
	p.Status = status
	p.SettledAt = &settled
	m.purchases[id] = p
	return p, true, nil
}

func (m *Memory) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Purchase
	for _, p := range m.purchases {
		if p.Status == domain.PurchasePending && p.CreatedAt.Before(createdBefore) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertCoupon(ctx context.Context, c domain.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byCode[c.Code]; ok {
		return errors.Wrapf(domain.ErrDuplicate, "coupon code %q", c.Code)
	}
	m.coupons[c.ID] = c
	m.byCode[c.Code] = c.ID
	return nil
}

func (m *Memory) GetCoupon(ctx context.Context, id uuid.UUID) (domain.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[id]
	if !ok {
		return domain.Coupon{}, domain.ErrCouponNotFound
	}
	return c, nil
}

func (m *Memory) GetCouponByCode(ctx context.Context, code string) (domain.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCode[code]
	if !ok {
		return domain.Coupon{}, domain.ErrCouponNotFound
	}
	return m.coupons[id], nil
}

func (m *Memory) HasCouponUsage(ctx context.Context, couponID, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.usages {
		if u.CouponID == couponID && u.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) RedeemCoupon(ctx context.Context, usage domain.CouponUsage) (domain.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[usage.CouponID]
	switch {
	case !ok:
		return domain.Coupon{}, domain.ErrCouponNotFound
	case !c.IsActive:
		return c, domain.ErrCouponInactive
	case c.Expired(usage.UsedAt):
		return c, domain.ErrCouponExpired
	case c.Exhausted():
		return c, domain.ErrLimitReached
	}
	key := usageKey{coupon: usage.CouponID, user: usage.UserID}
	if usage.OnePerUser {
		if _, taken := m.exclusive[key]; taken {
			return c, domain.ErrAlreadyUsed
		}
		m.exclusive[key] = struct{}{}
	}
	c.UsageCount++
	m.coupons[c.ID] = c
	m.usages = append(m.usages, usage)
	return c, nil
}

func (m *Memory) DeleteUnusedCoupon(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[id]
	if !ok {
		return false, domain.ErrCouponNotFound
	}
	if c.UsageCount > 0 {
		return false, nil
	}
	delete(m.coupons, id)
	delete(m.byCode, c.Code)
	return true, nil
}

func (m *Memory) DeactivateCoupon(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[id]
	if !ok {
		return domain.ErrCouponNotFound
	}
	c.IsActive = false
	m.coupons[id] = c
	return nil
}

// Usages returns a copy of the recorded coupon usages.
func (m *Memory) Usages() []domain.CouponUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.CouponUsage(nil), m.usages...)
}

func (m *Memory) InsertCapacityItem(ctx context.Context, item domain.CapacityItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return errors.Wrapf(domain.ErrDuplicate, "capacity item %s", item.ID)
	}
	m.items[item.ID] = item
	return nil
}

func (m *Memory) GetCapacityItem(ctx context.Context, id uuid.UUID) (domain.CapacityItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.CapacityItem{}, domain.ErrItemNotFound
	}
	return item, nil
}

func (m *Memory) DecrementCapacity(ctx context.Context, id uuid.UUID, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.ErrItemNotFound
	}
	if item.CapacityRemaining < quantity {
		return domain.ErrCapacityExceeded
	}
	item.CapacityRemaining -= quantity
	m.items[id] = item
	return nil
}

func (m *Memory) IncrementCapacity(ctx context.Context, id uuid.UUID, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.ErrItemNotFound
	}
	item.CapacityRemaining += quantity
	if item.CapacityRemaining > item.CapacityTotal {
		item.CapacityTotal = item.CapacityRemaining
	}
	m.items[id] = item
	return nil
}

func (m *Memory) InsertReservation(ctx context.Context, r domain.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[r.ID]; ok {
		return errors.Wrapf(domain.ErrDuplicate, "reservation %s", r.ID)
	}
	m.reservations[r.ID] = r
	return nil
}

func (m *Memory) GetReservation(ctx context.Context, id uuid.UUID) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return domain.Reservation{}, errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
	}
	return r, nil
}

func (m *Memory) TransitionReservation(ctx context.Context, id uuid.UUID, from, to domain.ReservationStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return false, errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = at.UTC()
	m.reservations[id] = r
	return true, nil
}

func (m *Memory) ReleaseReservation(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return false, errors.Wrapf(domain.ErrNotFound, "reservation %s", id)
	}
	if r.Status != domain.ReservationPending {
		return false, nil
	}
	item, ok := m.items[r.CapacityItemID]
	if !ok {
		return false, domain.ErrItemNotFound
	}
	item.CapacityRemaining += r.Quantity
	if item.CapacityRemaining > item.CapacityTotal {
		item.CapacityTotal = item.CapacityRemaining
	}
	r.Status = domain.ReservationReleased
	r.UpdatedAt = at.UTC()
	m.items[item.ID] = item
	m.reservations[id] = r
	return true, nil
}

func (m *Memory) InsertOutbox(ctx context.Context, rec OutboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.outbox {
		if existing.DedupeKey == rec.DedupeKey {
			return errors.Wrapf(domain.ErrDuplicate, "outbox dedupe key %s", rec.DedupeKey)
		}
	}
	if rec.Status == "" {
		rec.Status = OutboxNew
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.outbox = append(m.outbox, rec)
	return nil
}

func (m *Memory) ClaimUnpublishedOutbox(ctx context.Context, limit int, lease time.Duration) ([]OutboxRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	until := now.Add(lease)
	var out []OutboxRecord
	for i := range m.outbox {
		rec := &m.outbox[i]
		if rec.Status != OutboxNew || (rec.ClaimedUntil != nil && rec.ClaimedUntil.After(now)) {
			continue
		}
		claimed := until
		rec.ClaimedUntil = &claimed
		out = append(out, *rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].ID == id {
			at := publishedAt.UTC()
			m.outbox[i].Status = OutboxPublished
			m.outbox[i].PublishedAt = &at
			return nil
		}
	}
	return errors.Wrapf(domain.ErrNotFound, "outbox record %s", id)
}
