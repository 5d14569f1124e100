package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/espazza-checkout/internal/adapters/crdb"
	redisadapter "github.com/robertarktes/espazza-checkout/internal/adapters/redis"
	"github.com/robertarktes/espazza-checkout/internal/capacity"
	"github.com/robertarktes/espazza-checkout/internal/config"
	"github.com/robertarktes/espazza-checkout/internal/discount"
	"github.com/robertarktes/espazza-checkout/internal/lifecycle"
	"github.com/robertarktes/espazza-checkout/internal/notify"
	"github.com/robertarktes/espazza-checkout/internal/observability"
	"github.com/robertarktes/espazza-checkout/internal/payment"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "espazza-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()
	observability.InitMetrics()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := redisadapter.NewCache(redisClient)

	// Sweeping only cancels, so no catalog or payment provider is needed.
	manager := lifecycle.NewManager(repo,
		discount.NewResolver(repo, logger),
		capacity.NewService(repo, logger),
		payment.NewRegistry(),
		nil,
		notify.NewOutbox(repo),
		logger,
		lifecycle.Options{PendingTTL: cfg.PendingTTL, SweepBatch: cfg.SweepBatch},
	)

	worker := NewExpiryWorker(manager, redisCache, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, cfg.SweepInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

type Sweeper interface {
	SweepAbandoned(ctx context.Context, now time.Time) (int, error)
}

type Locker interface {
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error
}

// ExpiryWorker cancels abandoned checkouts. Replicas take turns through a
// Redis lock so one sweep runs at a time.
type ExpiryWorker struct {
	sweeper Sweeper
	locks   Locker
	owner   string
	logger  observability.Logger
}

func NewExpiryWorker(sweeper Sweeper, locks Locker, logger observability.Logger) *ExpiryWorker {
	return &ExpiryWorker{sweeper: sweeper, locks: locks, owner: uuid.NewString(), logger: logger}
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.sweepOnce(ctx, now, interval)
		}
	}
}

func (w *ExpiryWorker) sweepOnce(ctx context.Context, now time.Time, lease time.Duration) {
	ok, err := w.locks.AcquireLock(ctx, "expiry-sweep", w.owner, lease)
	if err != nil {
		w.logger.WithError(err).Warn("failed to acquire sweep lock")
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := w.locks.ReleaseLock(context.WithoutCancel(ctx), "expiry-sweep", w.owner); err != nil {
			w.logger.WithError(err).Warn("failed to release sweep lock")
		}
	}()

	n, err := w.sweeper.SweepAbandoned(ctx, now)
	if err != nil {
		w.logger.WithError(err).WithField("cancelled", n).Error("sweep finished with errors")
		return
	}
	if n > 0 {
		w.logger.WithField("cancelled", n).Info("abandoned checkouts cancelled")
	}
}
