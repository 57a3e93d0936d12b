// Package outbox relays committed outbox records to the message broker.
package outbox

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

// Relay hands unpublished records to publish and marks the ones that succeed.
type Relay interface {
	RelayOutbox(ctx context.Context, limit int, publish func(context.Context, domain.OutboxRecord) error) (int, error)
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	relay    Relay
	broker   Broker
	log      observability.Logger
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewPublisher(relay Relay, broker Broker, log observability.Logger, interval time.Duration, batch int) *Publisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Publisher{relay: relay, broker: broker, log: log, interval: interval, batch: batch, now: time.Now}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Drain(ctx); err != nil && ctx.Err() == nil {
				p.log.WithError(err).Warn("outbox relay stopped early")
			}
		}
	}
}

// Drain relays full batches until the outbox is empty or a publish fails.
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.relay.RelayOutbox(ctx, p.batch, p.publish)
		total += n
		if err != nil {
			return total, err
		}
		if n < p.batch {
			if n == 0 {
				observability.OutboxLag.Set(0)
			}
			return total, nil
		}
	}
}

func (p *Publisher) publish(ctx context.Context, rec domain.OutboxRecord) error {
	observability.OutboxLag.Set(p.now().Sub(rec.CreatedAt).Seconds())
	msg := amqp.Publishing{
		MessageId:    rec.DedupeKey,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    rec.CreatedAt,
		Type:         rec.EventType,
		Headers: amqp.Table{
			"aggregate_type": rec.AggregateType,
			"aggregate_id":   rec.AggregateID.String(),
		},
		Body: rec.Payload,
	}
	if err := p.broker.Publish(ctx, rec.EventType, msg); err != nil {
		return err
	}
	p.log.WithFields(map[string]interface{}{
		"event_type": rec.EventType,
		"dedupe_key": rec.DedupeKey,
	}).Debug("outbox record published")
	return nil
}
