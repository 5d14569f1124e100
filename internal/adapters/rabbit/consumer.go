package rabbit

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/espazza-checkout/internal/observability"
	"go.opentelemetry.io/otel"
)

const NotificationsQueue = "espazza.notifications"

type Consumer struct {
	ch     *amqp.Channel
	queue  string
	logger observability.Logger
}

// NewConsumer declares queue and binds it to the events exchange for each
// routing pattern.
func NewConsumer(conn *amqp.Connection, queue string, patterns []string, logger observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, err
	}
	for _, pattern := range patterns {
		if err := ch.QueueBind(queue, pattern, EventsExchange, false, nil); err != nil {
			return nil, err
		}
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return nil, err
	}
	return &Consumer{ch: ch, queue: queue, logger: logger}, nil
}

func (c *Consumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	return c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
}

// Run hands each delivery to handle until ctx ends. A handler error requeues
// the message once; a redelivered message that fails again is dropped.
func (c *Consumer) Run(ctx context.Context, handle func(ctx context.Context, d amqp.Delivery) error) error {
	deliveries, err := c.Consume(ctx)
	if err != nil {
		return err
	}
	tracer := otel.Tracer("rabbit")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			msgCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
			msgCtx, span := tracer.Start(msgCtx, "consume "+d.RoutingKey)
			if err := handle(msgCtx, d); err != nil {
				span.RecordError(err)
				c.logger.WithError(err).WithFields(map[string]interface{}{
					"routing_key": d.RoutingKey,
					"message_id":  d.MessageId,
					"redelivered": d.Redelivered,
				}).Error("failed to handle message")
				_ = d.Nack(false, !d.Redelivered)
			} else {
				_ = d.Ack(false)
			}
			span.End()
		}
	}
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
