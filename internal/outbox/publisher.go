package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/espazza-checkout/internal/ledger"
	"github.com/robertarktes/espazza-checkout/internal/observability"
)

// Broker is the publishing side of the message bus.
type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	store     ledger.Outbox
	broker    Broker
	logger    observability.Logger
	batchSize int
	retries   uint64
	lease     time.Duration
}

func NewPublisher(store ledger.Outbox, broker Broker, logger observability.Logger) *Publisher {
	return &Publisher{store: store, broker: broker, logger: logger, batchSize: 50, retries: 3, lease: time.Minute}
}

// WithRetries sets how many times a record is re-published before it is left
// for the next flush.
func (p *Publisher) WithRetries(n uint64) *Publisher {
	p.retries = n
	return p
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Flush(ctx); err != nil {
				p.logger.WithError(err).Error("outbox flush failed")
			}
		}
	}
}

// WithLease sets how long a claimed batch is kept from other relays.
func (p *Publisher) WithLease(d time.Duration) *Publisher {
	p.lease = d
	return p
}

// Flush claims one batch of NEW records and marks each published. A record
// that cannot be published stays NEW and is claimed again once its lease ends.
func (p *Publisher) Flush(ctx context.Context) (int, error) {
	records, err := p.store.ClaimUnpublishedOutbox(ctx, p.batchSize, p.lease)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, rec := range records {
		observability.OutboxLag.Set(time.Since(rec.CreatedAt).Seconds())
		msg := amqp.Publishing{
			MessageId:    rec.DedupeKey,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    rec.CreatedAt,
			Type:         rec.EventType,
			Body:         rec.Payload,
		}
		attempt := 0
		err := backoff.Retry(func() error {
			if attempt > 0 {
				observability.RabbitPublishRetries.Inc()
			}
			attempt++
			return p.broker.Publish(ctx, rec.EventType, msg)
		}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.retries), ctx))
		if err != nil {
			p.logger.WithError(err).WithField("outbox_id", rec.ID).Warn("failed to publish outbox record")
			continue
		}
		if err := p.store.MarkPublished(ctx, rec.ID, time.Now().UTC()); err != nil {
			p.logger.WithError(err).WithField("outbox_id", rec.ID).Error("failed to mark outbox record published")
			continue
		}
		published++
	}
	if len(records) == 0 {
		observability.OutboxLag.Set(0)
	}
	return published, nil
}
