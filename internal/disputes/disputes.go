// Package disputes handles buyer disputes against completed sales and the
// refunds an admin may grant for them.
package disputes

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/gateway"
	"github.com/robertarktes/ticket-resale-settlement/internal/inventory"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

const (
	aggregateDispute = "dispute"
	defaultRejection = "Dispute rejected by admin."
)

type Options struct {
	GatewayTimeout time.Duration
	// RelistRefunded returns refunded tickets to sale instead of voiding them.
	RelistRefunded bool
}

type Coordinator struct {
	repo           domain.Repository
	gw             gateway.Gateway
	log            observability.Logger
	gatewayTimeout time.Duration
	relist         bool
	now            func() time.Time
}

func NewCoordinator(repo domain.Repository, gw gateway.Gateway, log observability.Logger, opts Options) *Coordinator {
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 15 * time.Second
	}
	return &Coordinator{
		repo:           repo,
		gw:             gw,
		log:            log,
		gatewayTimeout: opts.GatewayTimeout,
		relist:         opts.RelistRefunded,
		now:            time.Now,
	}
}

type OpenInput struct {
	TransactionID uuid.UUID
	OpenerID      uuid.UUID
	Reason        domain.DisputeReason
	Description   string
}

func (c *Coordinator) Open(ctx context.Context, in OpenInput) (*domain.Dispute, error) {
	if _, err := domain.ParseDisputeReason(string(in.Reason)); err != nil {
		return nil, err
	}
	description := strings.TrimSpace(in.Description)
	if description == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "description is required")
	}

	peek, err := c.repo.GetTransaction(ctx, in.TransactionID)
	if err != nil {
		return nil, err
	}

	var dispute domain.Dispute
	err = c.repo.WithTx(ctx, func(tx domain.Repository) error {
		if _, err := tx.LockTicket(ctx, peek.TicketID); err != nil {
			return err
		}
		txn, err := tx.LockTransaction(ctx, in.TransactionID)
		if err != nil {
			return err
		}
		if txn.BuyerID != in.OpenerID {
			return errors.Wrapf(domain.ErrForbidden, "only the buyer can dispute transaction %s", txn.ID)
		}
		if txn.Status != domain.TransactionCompleted {
			return errors.Wrapf(domain.ErrInvalidState, "transaction %s is %s", txn.ID, txn.Status)
		}

		now := c.now()
		dispute = domain.Dispute{
			ID:            uuid.New(),
			TransactionID: txn.ID,
			OpenerID:      in.OpenerID,
			Reason:        in.Reason,
			Description:   description,
			Status:        domain.DisputeOpen,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertDispute(ctx, dispute); err != nil {
			return err
		}
		return domain.AppendOutbox(ctx, tx, aggregateDispute, dispute.ID, domain.EventDisputeOpened, disputeEvent(&dispute, txn), now)
	})
	if err != nil {
		return nil, err
	}
	return &dispute, nil
}

// Resolve closes an OPEN dispute. A refund is issued at the gateway before any
// local write; if the gateway fails or times out nothing changes locally and
// the call can be retried. Retries reuse the same gateway idempotency key.
func (c *Coordinator) Resolve(ctx context.Context, disputeID uuid.UUID, decision domain.Decision, adminNotes string) (*domain.Dispute, error) {
	if _, err := domain.ParseDecision(string(decision)); err != nil {
		return nil, err
	}
	dispute, err := c.repo.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status != domain.DisputeOpen {
		return nil, errors.Wrapf(domain.ErrInvalidState, "dispute %s is %s", disputeID, dispute.Status)
	}

	if decision == domain.DecisionReject {
		return c.reject(ctx, disputeID, adminNotes)
	}
	return c.refund(ctx, dispute, adminNotes)
}

func (c *Coordinator) reject(ctx context.Context, disputeID uuid.UUID, adminNotes string) (*domain.Dispute, error) {
	notes := strings.TrimSpace(adminNotes)
	if notes == "" {
		notes = defaultRejection
	}
	var result domain.Dispute
	err := c.repo.WithTx(ctx, func(tx domain.Repository) error {
		d, err := tx.LockDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status != domain.DisputeOpen {
			return errors.Wrapf(domain.ErrInvalidState, "dispute %s is %s", disputeID, d.Status)
		}
		now := c.now()
		d.Status = domain.DisputeRejected
		d.AdminNotes = notes
		d.UpdatedAt = now
		if err := tx.UpdateDispute(ctx, *d); err != nil {
			return err
		}
		result = *d
		return domain.AppendOutbox(ctx, tx, aggregateDispute, d.ID, domain.EventDisputeRejected, disputeEvent(d, nil), now)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Coordinator) refund(ctx context.Context, dispute *domain.Dispute, adminNotes string) (*domain.Dispute, error) {
	ctx, span := observability.Tracer().Start(ctx, "disputes.refund",
		trace.WithAttributes(attribute.String("dispute.id", dispute.ID.String())))
	defer span.End()

	log := c.log.WithFields(map[string]interface{}{"dispute_id": dispute.ID, "transaction_id": dispute.TransactionID})

	txn, err := c.repo.GetTransaction(ctx, dispute.TransactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status != domain.TransactionCompleted {
		return nil, errors.Wrapf(domain.ErrInvalidState, "transaction %s is %s", txn.ID, txn.Status)
	}

	paymentIntentID, err := c.resolvePaymentIntent(ctx, txn)
	if err != nil {
		observability.Refunds.WithLabelValues("unavailable").Inc()
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, c.gatewayTimeout)
	refundID, err := c.gw.CreateRefund(gctx, gateway.RefundParams{
		PaymentIntentID: paymentIntentID,
		IdempotencyKey:  "refund-" + dispute.ID.String(),
		Metadata: map[string]string{
			"transactionId": txn.ID.String(),
			"disputeId":     dispute.ID.String(),
		},
	})
	cancel()
	if err != nil {
		observability.Refunds.WithLabelValues("gateway_error").Inc()
		log.WithError(err).Warn("gateway refund failed")
		return nil, errors.Mark(errors.Wrap(err, "create refund"), domain.ErrGateway)
	}

	var result domain.Dispute
	err = c.repo.WithTx(ctx, func(tx domain.Repository) error {
		ticket, err := tx.LockTicket(ctx, txn.TicketID)
		if err != nil {
			return err
		}
		t, err := tx.LockTransaction(ctx, txn.ID)
		if err != nil {
			return err
		}
		d, err := tx.LockDispute(ctx, dispute.ID)
		if err != nil {
			return err
		}
		if d.Status == domain.DisputeResolvedRefunded && d.RefundID == refundID {
			result = *d
			return nil
		}
		if d.Status != domain.DisputeOpen || t.Status != domain.TransactionCompleted {
			return errors.Wrapf(domain.ErrInvalidState, "dispute %s changed while the refund was issued", d.ID)
		}

		now := c.now()
		d.Status = domain.DisputeResolvedRefunded
		d.RefundID = refundID
		if notes := strings.TrimSpace(adminNotes); notes != "" {
			d.AdminNotes = notes
		}
		d.UpdatedAt = now
		if err := tx.UpdateDispute(ctx, *d); err != nil {
			return err
		}

		t.Status = domain.TransactionRefunded
		t.PaymentIntentID = paymentIntentID
		t.UpdatedAt = now
		if err := tx.UpdateTransaction(ctx, *t); err != nil {
			return err
		}

		if c.relist {
			err = inventory.MarkAvailable(ctx, tx, ticket, now)
		} else {
			err = inventory.MarkVoided(ctx, tx, ticket, now)
		}
		if err != nil {
			return err
		}
		result = *d
		return domain.AppendOutbox(ctx, tx, aggregateDispute, d.ID, domain.EventDisputeRefunded, disputeEvent(d, t), now)
	})
	if err != nil {
		observability.Refunds.WithLabelValues("error").Inc()
		log.WithError(err).WithField("refund_id", refundID).Error("refund issued but local state not updated")
		return nil, err
	}
	observability.Refunds.WithLabelValues("refunded").Inc()
	log.WithField("refund_id", refundID).Info("dispute refunded")
	return &result, nil
}

func (c *Coordinator) resolvePaymentIntent(ctx context.Context, txn *domain.Transaction) (string, error) {
	if txn.PaymentIntentID != "" {
		return txn.PaymentIntentID, nil
	}
	if txn.SessionID == "" {
		return "", errors.Wrapf(domain.ErrRefundUnavailable, "transaction %s has no payment reference", txn.ID)
	}
	gctx, cancel := context.WithTimeout(ctx, c.gatewayTimeout)
	defer cancel()
	pi, err := c.gw.PaymentIntentForSession(gctx, txn.SessionID)
	if err != nil {
		return "", errors.Mark(errors.Wrap(err, "retrieve checkout session"), domain.ErrGateway)
	}
	if pi == "" {
		return "", errors.Wrapf(domain.ErrRefundUnavailable, "session %s has no payment intent", txn.SessionID)
	}
	return pi, nil
}

// Get returns a dispute to its opener or to an admin.
func (c *Coordinator) Get(ctx context.Context, disputeID, callerID uuid.UUID, admin bool) (*domain.Dispute, error) {
	d, err := c.repo.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !admin && d.OpenerID != callerID {
		return nil, errors.Wrapf(domain.ErrForbidden, "dispute %s", disputeID)
	}
	return d, nil
}

// ListOpen is the admin review queue, oldest first.
func (c *Coordinator) ListOpen(ctx context.Context) ([]domain.Dispute, error) {
	return c.repo.ListDisputesByStatus(ctx, domain.DisputeOpen)
}

type disputePayload struct {
	DisputeID     uuid.UUID `json:"dispute_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason"`
	RefundID      string    `json:"refund_id,omitempty"`
	Amount        string    `json:"amount,omitempty"`
}

func disputeEvent(d *domain.Dispute, txn *domain.Transaction) disputePayload {
	p := disputePayload{
		DisputeID:     d.ID,
		TransactionID: d.TransactionID,
		Status:        string(d.Status),
		Reason:        string(d.Reason),
		RefundID:      d.RefundID,
	}
	if txn != nil {
		p.Amount = txn.Amount.StringFixed(2)
	}
	return p
}
