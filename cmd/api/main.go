package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/espazza-checkout/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/espazza-checkout/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/espazza-checkout/internal/adapters/redis"
	"github.com/robertarktes/espazza-checkout/internal/auth"
	"github.com/robertarktes/espazza-checkout/internal/capacity"
	"github.com/robertarktes/espazza-checkout/internal/config"
	"github.com/robertarktes/espazza-checkout/internal/discount"
	httphandler "github.com/robertarktes/espazza-checkout/internal/http"
	"github.com/robertarktes/espazza-checkout/internal/idempotency"
	"github.com/robertarktes/espazza-checkout/internal/lifecycle"
	"github.com/robertarktes/espazza-checkout/internal/notify"
	"github.com/robertarktes/espazza-checkout/internal/observability"
	"github.com/robertarktes/espazza-checkout/internal/payment"
	"github.com/robertarktes/espazza-checkout/internal/payment/paypal"
	"github.com/robertarktes/espazza-checkout/internal/payment/yoco"
	"github.com/robertarktes/espazza-checkout/internal/rateLimit"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "espazza-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()
	observability.InitMetrics()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	if err := crdb.Migrate(context.Background(), pool); err != nil {
		log.Fatalf("failed to migrate crdb: %v", err)
	}
	store := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database(cfg.MongoDatabase)
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := redisadapter.NewCache(redisClient)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL)
	rl := rateLimit.NewRateLimiter(redisCache)

	var providers []payment.Provider
	if cfg.YocoEnabled() {
		card, err := yoco.NewClient(cfg.Yoco)
		if err != nil {
			log.Fatalf("failed to configure yoco: %v", err)
		}
		providers = append(providers, card)
	}
	if cfg.PayPalEnabled() {
		providers = append(providers, paypal.NewClient(cfg.PayPal))
	}
	registry := payment.NewRegistry(providers...)
	logger.WithField("providers", registry.Names()).Info("payment providers configured")

	coupons := discount.NewResolver(store, logger)
	caps := capacity.NewService(store, logger)
	notifier := notify.Fanout{notify.NewOutbox(store), notify.NewAudit(audit)}
	manager := lifecycle.NewManager(store, coupons, caps, registry, catalog, notifier, logger, lifecycle.Options{
		PendingTTL:    cfg.PendingTTL,
		SweepBatch:    cfg.SweepBatch,
		PublicBaseURL: cfg.PublicBaseURL,
	})

	handlers := httphandler.NewHandlers(httphandler.Deps{
		Manager:   manager,
		Coupons:   coupons,
		Capacity:  caps,
		Providers: registry,
		Catalog:   catalog,
		Audit:     audit,
		Logger:    logger,
		Checks: []httphandler.ReadinessCheck{
			{Name: "crdb", Check: store.Ping},
			{Name: "redis", Check: redisCache.Ping},
			{Name: "mongo", Check: func(ctx context.Context) error {
				return mongoClient.Ping(ctx, readpref.Primary())
			}},
		},
	})

	r := httphandler.SetupRouter(handlers, logger, httphandler.RouterConfig{
		Verifier:    auth.NewVerifier(cfg.JWTSecret),
		RateLimiter: rl,
		Limits: httphandler.RateLimits{
			PerUser: cfg.RateLimitPerMinute,
			PerIP:   cfg.RateLimitPerMinute * 10,
			Period:  time.Minute,
		},
		Idempotency: idemp,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
