package crdb_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/espazza-checkout/internal/adapters/crdb"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	startOnce sync.Once
	sharedDSN string
	startErr  error
)

// newRepo starts one single-node CockroachDB for the package and returns a
// migrated repository on it.
func newRepo(t *testing.T) *crdb.Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()
	startOnce.Do(func() {
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "cockroachdb/cockroach:v24.1.1",
				Cmd:          []string{"start-single-node", "--insecure"},
				ExposedPorts: []string{"26257/tcp", "8080/tcp"},
				WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080/tcp").WithStartupTimeout(2 * time.Minute),
			},
			Started: true,
		})
		if err != nil {
			startErr = err
			return
		}
		host, err := c.Host(ctx)
		if err != nil {
			startErr = err
			return
		}
		port, err := c.MappedPort(ctx, "26257/tcp")
		if err != nil {
			startErr = err
			return
		}
		sharedDSN = fmt.Sprintf("postgresql://root@%s:%s/defaultdb?sslmode=disable", host, port.Port())
	})
	if startErr != nil {
		t.Fatalf("start cockroach: %v", startErr)
	}

	pool, err := pgxpool.New(ctx, sharedDSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, crdb.Migrate(ctx, pool))
	return crdb.NewRepository(pool)
}

var _ ledger.Store = (*crdb.Repository)(nil)

func newPurchase() domain.Purchase {
	return domain.NewPurchase(uuid.New(), domain.ItemRef{Kind: domain.ItemRelease, ID: "album-9"},
		1, 10000, "ZAR", domain.MethodCard, time.Now())
}

func TestRepository_PurchaseLookups(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	p := newPurchase()

	require.NoError(t, repo.InsertPurchase(ctx, p))
	err := repo.InsertPurchase(ctx, p)
	assert.True(t, errors.Is(err, domain.ErrDuplicate), "got %v", err)

	got, err := repo.GetPurchaseByTransaction(ctx, p.ExternalTransactionID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, domain.PurchasePending, got.Status)
	assert.Equal(t, p.Item, got.Item)

	_, err = repo.GetPurchaseByTransaction(ctx, "esp_missing")
	assert.True(t, errors.Is(err, domain.ErrUnknownTransaction))
	_, err = repo.GetPurchase(ctx, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	require.NoError(t, repo.AttachSession(ctx, p.ID, "yoco", "ch_1"))
	got, err = repo.GetPurchase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "yoco", got.Provider)
	assert.Equal(t, "ch_1", got.ProviderSessionID)
}

func TestRepository_TransitionIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	p := newPurchase()
	require.NoError(t, repo.InsertPurchase(ctx, p))

	const callers = 10
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, ok, err := repo.TransitionPurchase(ctx, p.ID, domain.PurchasePaid, time.Now())
			assert.NoError(t, err)
			assert.Equal(t, domain.PurchasePaid, out.Status)
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)

	out, ok, err := repo.TransitionPurchase(ctx, p.ID, domain.PurchaseCancelled, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.PurchasePaid, out.Status)
	assert.NotNil(t, out.SettledAt)
}

func TestRepository_ListStalePending(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	stale := newPurchase()
	stale.CreatedAt = time.Now().Add(-2 * time.Hour).UTC()
	fresh := newPurchase()
	require.NoError(t, repo.InsertPurchase(ctx, stale))
	require.NoError(t, repo.InsertPurchase(ctx, fresh))

	list, err := repo.ListStalePending(ctx, time.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	ids := map[uuid.UUID]bool{}
	for _, p := range list {
		ids[p.ID] = true
	}
	assert.True(t, ids[stale.ID])
	assert.False(t, ids[fresh.ID])
}

func TestRepository_RedeemCouponRace(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	limit := 1
	c := domain.Coupon{
		ID: uuid.New(), Code: "ONE-" + uuid.NewString()[:8], DiscountType: domain.DiscountPercentage,
		DiscountAmount: 100, UsageLimit: &limit, IsActive: true, CreatedAt: time.Now(),
	}
	require.NoError(t, repo.InsertCoupon(ctx, c))

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		redeemed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.RedeemCoupon(ctx, domain.CouponUsage{
				CouponID: c.ID, UserID: uuid.New(),
				Item:   domain.ItemRef{Kind: domain.ItemRelease, ID: "album-9"},
				UsedAt: time.Now(),
			})
			if err == nil {
				mu.Lock()
				redeemed++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, domain.ErrLimitReached) || errors.Is(err, domain.ErrSerializationFailure), "got %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, redeemed)
	got, err := repo.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)

	deleted, err := repo.DeleteUnusedCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
	require.NoError(t, repo.DeactivateCoupon(ctx, c.ID))
}

func TestRepository_OnePerUser(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	c := domain.Coupon{
		ID: uuid.New(), Code: "ONCE-" + uuid.NewString()[:8], DiscountType: domain.DiscountFixed,
		DiscountAmount: 500, OnePerUser: true, IsActive: true, CreatedAt: time.Now(),
	}
	require.NoError(t, repo.InsertCoupon(ctx, c))
	usage := domain.CouponUsage{
		CouponID: c.ID, UserID: uuid.New(), OnePerUser: true,
		Item:   domain.ItemRef{Kind: domain.ItemTicket, ID: "gig-1"},
		UsedAt: time.Now(),
	}

	_, err := repo.RedeemCoupon(ctx, usage)
	require.NoError(t, err)
	_, err = repo.RedeemCoupon(ctx, usage)
	assert.True(t, errors.Is(err, domain.ErrAlreadyUsed), "got %v", err)

	got, err := repo.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount, "the rejected usage rolled back its increment")
	used, err := repo.HasCouponUsage(ctx, c.ID, usage.UserID)
	require.NoError(t, err)
	assert.True(t, used)
}

func TestRepository_CapacityNeverOversells(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	item := domain.CapacityItem{ID: uuid.New(), ParentID: "gig-1", CapacityTotal: 3, CapacityRemaining: 3}
	require.NoError(t, repo.InsertCapacityItem(ctx, item))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.DecrementCapacity(ctx, item.ID, 1)
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, domain.ErrCapacityExceeded), "got %v", err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)

	got, err := repo.GetCapacityItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CapacityRemaining)

	res := domain.NewReservation(item.ID, uuid.New(), 1, time.Now())
	require.NoError(t, repo.InsertReservation(ctx, res))
	moved, err := repo.TransitionReservation(ctx, res.ID, domain.ReservationPending, domain.ReservationConfirmed, time.Now())
	require.NoError(t, err)
	assert.True(t, moved)
	moved, err = repo.TransitionReservation(ctx, res.ID, domain.ReservationPending, domain.ReservationConfirmed, time.Now())
	require.NoError(t, err)
	assert.False(t, moved)
}

func TestRepository_ReleaseReservationRestoresOnce(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	item := domain.CapacityItem{ID: uuid.New(), ParentID: "gig-2", CapacityTotal: 2, CapacityRemaining: 2}
	require.NoError(t, repo.InsertCapacityItem(ctx, item))
	require.NoError(t, repo.DecrementCapacity(ctx, item.ID, 2))
	res := domain.NewReservation(item.ID, uuid.New(), 2, time.Now())
	require.NoError(t, repo.InsertReservation(ctx, res))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.ReleaseReservation(ctx, res.ID, time.Now())
			if err != nil {
				assert.True(t, errors.Is(err, domain.ErrSerializationFailure), "got %v", err)
				return
			}
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)

	got, err := repo.GetCapacityItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CapacityRemaining)
	stored, err := repo.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationReleased, stored.Status)

	_, err = repo.ReleaseReservation(ctx, uuid.New(), time.Now())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestRepository_Outbox(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	rec := ledger.OutboxRecord{
		ID: uuid.New(), AggregateType: "purchase", AggregateID: uuid.New(),
		EventType: "purchase.paid", Payload: []byte(`{"kind":"purchase.paid"}`),
		CreatedAt: time.Now(), Status: ledger.OutboxNew, DedupeKey: uuid.NewString() + ":purchase.paid",
	}
	require.NoError(t, repo.InsertOutbox(ctx, rec))
	dup := rec
	dup.ID = uuid.New()
	assert.True(t, errors.Is(repo.InsertOutbox(ctx, dup), domain.ErrDuplicate))

	first, err := repo.ClaimUnpublishedOutbox(ctx, 1000, time.Minute)
	require.NoError(t, err)
	found := false
	for _, r := range first {
		found = found || r.ID == rec.ID
	}
	assert.True(t, found)

	second, err := repo.ClaimUnpublishedOutbox(ctx, 1000, time.Minute)
	require.NoError(t, err)
	for _, r := range second {
		assert.NotEqual(t, rec.ID, r.ID, "claimed rows stay with the first relay")
	}

	require.NoError(t, repo.MarkPublished(ctx, rec.ID, time.Now()))
}
