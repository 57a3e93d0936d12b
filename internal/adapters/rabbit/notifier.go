package rabbit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/robertarktes/ticket-resale-settlement/internal/notify"
)

const (
	KeyNotifyPurchase = "notify.purchase"
	KeyNotifySale     = "notify.sale"
)

type publisher interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

// Notifier hands notification requests to the mail service over the broker.
type Notifier struct {
	pub publisher
}

func NewNotifier(pub publisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) NotifyPurchase(ctx context.Context, msg notify.Purchase) error {
	return n.send(ctx, KeyNotifyPurchase, msg)
}

func (n *Notifier) NotifySale(ctx context.Context, msg notify.Sale) error {
	return n.send(ctx, KeyNotifySale, msg)
}

func (n *Notifier) send(ctx context.Context, key string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return n.pub.Publish(ctx, key, amqp.Publishing{
		MessageId:    uuid.NewString(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         key,
		Body:         body,
	})
}
