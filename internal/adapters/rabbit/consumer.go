package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

type Consumer struct {
	ch    *amqp.Channel
	queue string
	log   observability.Logger
}

// NewConsumer declares a durable queue bound to exchange for each routing key pattern.
func NewConsumer(conn *amqp.Connection, exchange, queue string, keys []string, log observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := declareExchange(ch, exchange); err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare queue %s", queue)
	}
	for _, key := range keys {
		if err := ch.QueueBind(queue, key, exchange, false, nil); err != nil {
			return nil, errors.Wrapf(err, "bind %s to %s", queue, key)
		}
	}
	if err := ch.Qos(32, 0, false); err != nil {
		return nil, errors.Wrap(err, "set qos")
	}
	return &Consumer{ch: ch, queue: queue, log: log}, nil
}

func (c *Consumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	return c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
}

// Run hands every delivery to handle until ctx ends. Handled deliveries are
// acked; failures are requeued once and dropped on the second failure.
func (c *Consumer) Run(ctx context.Context, handle func(context.Context, amqp.Delivery) error) error {
	deliveries, err := c.Consume(ctx)
	if err != nil {
		return errors.Wrapf(err, "consume %s", c.queue)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.Newf("queue %s closed", c.queue)
			}
			if err := handle(ctx, d); err != nil {
				c.log.WithError(err).WithFields(map[string]interface{}{
					"message_id":  d.MessageId,
					"routing_key": d.RoutingKey,
				}).Warn("delivery failed")
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
