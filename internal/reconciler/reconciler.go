// Package reconciler turns verified payment gateway webhooks into transaction
// state changes. Delivery is at-least-once and unordered; the lifecycle
// no-op rules make every event safe to replay.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/gateway"
	"github.com/robertarktes/ticket-resale-settlement/internal/notify"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

const releaseTimeout = 2 * time.Second

type Outcome string

const (
	Processed Outcome = "processed"
	Ignored   Outcome = "ignored"
	Duplicate Outcome = "duplicate"
)

// Transactions is the slice of the lifecycle manager the reconciler drives.
type Transactions interface {
	Complete(ctx context.Context, transactionID uuid.UUID, paymentIntentID string) (*domain.Transaction, bool, error)
	Expire(ctx context.Context, transactionID uuid.UUID) (bool, error)
}

// DeliveryGuard remembers gateway event ids already handled. CheckAndMark
// reports true when the id was seen before. It only saves work; correctness
// rests on the lifecycle no-op rules.
type DeliveryGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

type Reconciler struct {
	gw            gateway.Gateway
	txns          Transactions
	repo          domain.Repository
	catalog       domain.Catalog
	notifier      notify.Notifier
	guard         DeliveryGuard
	log           observability.Logger
	notifyTimeout time.Duration
	now           func() time.Time
	inflight      sync.WaitGroup
}

type Deps struct {
	Gateway       gateway.Gateway
	Transactions  Transactions
	Repo          domain.Repository
	Catalog       domain.Catalog
	Notifier      notify.Notifier
	Guard         DeliveryGuard
	Logger        observability.Logger
	NotifyTimeout time.Duration
}

func New(d Deps) *Reconciler {
	if d.NotifyTimeout <= 0 {
		d.NotifyTimeout = 10 * time.Second
	}
	return &Reconciler{
		gw:            d.Gateway,
		txns:          d.Transactions,
		repo:          d.Repo,
		catalog:       d.Catalog,
		notifier:      d.Notifier,
		guard:         d.Guard,
		log:           d.Logger,
		notifyTimeout: d.NotifyTimeout,
		now:           time.Now,
	}
}

// HandleEvent verifies and applies one webhook delivery. An error means the
// gateway should redeliver; acknowledged no-ops return Ignored or Duplicate.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if signature == "" {
		return "", errors.Wrap(domain.ErrInvalidSignature, "missing signature")
	}
	ev, err := r.gw.ParseEvent(payload, signature)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSignature) {
			return "", err
		}
		observability.WebhookEvents.WithLabelValues("unknown", "error").Inc()
		return "", errors.Wrap(err, "parse webhook event")
	}

	ctx, span := observability.Tracer().Start(ctx, "reconciler.HandleEvent",
		trace.WithAttributes(attribute.String("gateway.event_id", ev.ID), attribute.String("gateway.event_type", string(ev.Type))))
	defer span.End()

	log := r.log.WithFields(map[string]interface{}{"event_id": ev.ID, "event_type": string(ev.Type)})

	claimed := false
	if r.guard != nil && ev.ID != "" {
		seen, err := r.guard.CheckAndMark(ctx, ev.ID)
		switch {
		case err != nil:
			log.WithError(err).Warn("webhook dedupe unavailable, processing anyway")
		case seen:
			observability.WebhookEvents.WithLabelValues(string(ev.Type), string(Duplicate)).Inc()
			log.Debug("duplicate webhook delivery")
			return Duplicate, nil
		default:
			claimed = true
		}
	}

	handled := false
	if claimed {
		// Released on any failure, panics and a cancelled request included.
		defer func() {
			if !handled {
				r.release(ctx, log, ev.ID)
			}
		}()
	}

	outcome, err := r.dispatch(ctx, log, ev)
	if err != nil {
		observability.WebhookEvents.WithLabelValues(string(ev.Type), "error").Inc()
		return "", err
	}
	handled = true
	observability.WebhookEvents.WithLabelValues(string(ev.Type), string(outcome)).Inc()
	return outcome, nil
}

func (r *Reconciler) release(ctx context.Context, log observability.Logger, eventID string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := r.guard.Delete(releaseCtx, eventID); err != nil {
		log.WithError(err).Warn("release webhook dedupe key")
	}
}

func (r *Reconciler) dispatch(ctx context.Context, log observability.Logger, ev *gateway.Event) (Outcome, error) {
	switch ev.Type {
	case gateway.EventCheckoutCompleted:
		return r.completed(ctx, log, ev)
	case gateway.EventCheckoutExpired:
		return r.expired(ctx, log, ev)
	}
	log.Debug("ignoring unhandled webhook event type")
	return Ignored, nil
}

func (r *Reconciler) completed(ctx context.Context, log observability.Logger, ev *gateway.Event) (Outcome, error) {
	id, ok := transactionID(log, ev)
	if !ok {
		return Ignored, nil
	}
	log = log.WithField("transaction_id", id)

	txn, changed, err := r.txns.Complete(ctx, id, ev.PaymentIntentID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("payment completed for an unknown or superseded transaction")
		if err := r.recordOrphan(ctx, id, ev); err != nil {
			return "", err
		}
		return Ignored, nil
	case errors.Is(err, domain.ErrInvalidState):
		log.WithError(err).Warn("payment completed for a transaction that can no longer complete")
		if err := r.recordOrphan(ctx, id, ev); err != nil {
			return "", err
		}
		return Ignored, nil
	case err != nil:
		return "", errors.Wrapf(err, "complete transaction %s", id)
	}
	if !changed {
		log.Debug("transaction already completed")
		return Ignored, nil
	}

	log.Info("transaction completed")
	r.sendNotifications(ctx, *txn)
	return Processed, nil
}

func (r *Reconciler) expired(ctx context.Context, log observability.Logger, ev *gateway.Event) (Outcome, error) {
	id, ok := transactionID(log, ev)
	if !ok {
		return Ignored, nil
	}
	changed, err := r.txns.Expire(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		log.WithField("transaction_id", id).Debug("expiry for unknown transaction")
		return Ignored, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "expire transaction %s", id)
	}
	if !changed {
		return Ignored, nil
	}
	return Processed, nil
}

func transactionID(log observability.Logger, ev *gateway.Event) (uuid.UUID, bool) {
	if ev.TransactionID == "" {
		log.Warn("webhook event has no transaction id in metadata")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(ev.TransactionID)
	if err != nil {
		log.WithField("transaction_id", ev.TransactionID).Warn("webhook event has a malformed transaction id")
		return uuid.Nil, false
	}
	return id, true
}

type orphanPayload struct {
	TransactionID   uuid.UUID `json:"transaction_id"`
	EventID         string    `json:"event_id"`
	SessionID       string    `json:"session_id,omitempty"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
}

// recordOrphan leaves a trail for a captured payment that no transaction will
// account for, so it can be refunded by hand.
func (r *Reconciler) recordOrphan(ctx context.Context, id uuid.UUID, ev *gateway.Event) error {
	payload := orphanPayload{
		TransactionID:   id,
		EventID:         ev.ID,
		SessionID:       ev.SessionID,
		PaymentIntentID: ev.PaymentIntentID,
	}
	return domain.AppendOutbox(ctx, r.repo, "payment", id, domain.EventOrphanedPayment, payload, r.now())
}

// sendNotifications fires the buyer and seller messages in the background.
// Nothing it does can fail the webhook.
func (r *Reconciler) sendNotifications(ctx context.Context, txn domain.Transaction) {
	if r.notifier == nil {
		return
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.notifyTimeout)
		defer cancel()

		log := r.log.WithField("transaction_id", txn.ID)
		purchase, sale, err := r.buildNotifications(nctx, txn)
		if err != nil {
			observability.NotificationFailures.Inc()
			log.WithError(err).Warn("prepare notifications")
			return
		}

		var g errgroup.Group
		g.Go(func() error {
			if err := r.notifier.NotifyPurchase(nctx, purchase); err != nil {
				observability.NotificationFailures.Inc()
				log.WithError(err).Warn("purchase confirmation not sent")
			}
			return nil
		})
		g.Go(func() error {
			if err := r.notifier.NotifySale(nctx, sale); err != nil {
				observability.NotificationFailures.Inc()
				log.WithError(err).Warn("sale notification not sent")
			}
			return nil
		})
		_ = g.Wait()
	}()
}

func (r *Reconciler) buildNotifications(ctx context.Context, txn domain.Transaction) (notify.Purchase, notify.Sale, error) {
	buyer, err := r.repo.GetUser(ctx, txn.BuyerID)
	if err != nil {
		return notify.Purchase{}, notify.Sale{}, errors.Wrap(err, "load buyer")
	}
	seller, err := r.repo.GetUser(ctx, txn.SellerID)
	if err != nil {
		return notify.Purchase{}, notify.Sale{}, errors.Wrap(err, "load seller")
	}
	title := "your event"
	if ticket, err := r.repo.GetTicket(ctx, txn.TicketID); err == nil {
		if event, err := r.catalog.GetEvent(ctx, ticket.EventID); err == nil {
			title = event.Title
		}
	}
	purchase := notify.Purchase{
		BuyerEmail:    buyer.Email,
		BuyerName:     buyer.Name,
		EventTitle:    title,
		TicketID:      txn.TicketID.String(),
		TransactionID: txn.ID.String(),
	}
	sale := notify.Sale{
		SellerEmail: seller.Email,
		SellerName:  seller.Name,
		EventTitle:  title,
		Amount:      txn.Amount,
	}
	return purchase, sale, nil
}

// Wait blocks until background notifications have finished.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}
