package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	mongoadapter "github.com/robertarktes/espazza-checkout/internal/adapters/mongo"
	"github.com/robertarktes/espazza-checkout/internal/adapters/rabbit"
	"github.com/robertarktes/espazza-checkout/internal/config"
	"github.com/robertarktes/espazza-checkout/internal/domain"
	"github.com/robertarktes/espazza-checkout/internal/mailer"
	"github.com/robertarktes/espazza-checkout/internal/observability"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "espazza-notifier")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	catalog := mongoadapter.NewCatalogRepository(mongoClient.Database(cfg.MongoDatabase), logger)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, rabbit.NotificationsQueue, []string{string(domain.NotifyPurchasePaid)}, logger)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	handler := mailer.NewHandler(catalog, mailer.NewSMTP(cfg.SMTP), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := consumer.Run(ctx, func(ctx context.Context, d amqp.Delivery) error {
			return handler.Handle(ctx, d.Body)
		})
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("notification consumer stopped")
			cancel()
		}
	}()
	logger.Info("Notifier started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("Shutdown notifier")
}
