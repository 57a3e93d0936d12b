// Package lifecycle drives a purchase attempt from reservation to completion
// or expiry. Every write is serialized per ticket: the ticket row is locked
// before the transaction row is read or written.
package lifecycle

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/gateway"
	"github.com/robertarktes/ticket-resale-settlement/internal/inventory"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

const aggregateTransaction = "transaction"

type Options struct {
	StaleAfter time.Duration
	AppURL     string
}

type Manager struct {
	repo       domain.Repository
	gw         gateway.Gateway
	catalog    domain.Catalog
	log        observability.Logger
	staleAfter time.Duration
	appURL     string
	now        func() time.Time
}

func NewManager(repo domain.Repository, gw gateway.Gateway, catalog domain.Catalog, log observability.Logger, opts Options) *Manager {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = domain.DefaultStaleAfter
	}
	return &Manager{
		repo:       repo,
		gw:         gw,
		catalog:    catalog,
		log:        log,
		staleAfter: opts.StaleAfter,
		appURL:     strings.TrimRight(opts.AppURL, "/"),
		now:        time.Now,
	}
}

// Reserve opens or resumes a purchase attempt on ticketID for buyerID. The
// ticket stays AVAILABLE until payment completes.
func (m *Manager) Reserve(ctx context.Context, ticketID, buyerID uuid.UUID) (*domain.Transaction, error) {
	var (
		result     domain.Transaction
		superseded string
		outcome    string
	)
	err := m.repo.WithTx(ctx, func(tx domain.Repository) error {
		superseded = ""
		ticket, err := tx.LockTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if ticket.Status != domain.TicketAvailable {
			return errors.Wrapf(domain.ErrInvalidState, "ticket %s is %s", ticketID, ticket.Status)
		}
		if ticket.SellerID == buyerID {
			return errors.Wrap(domain.ErrForbidden, "sellers cannot buy their own ticket")
		}

		now := m.now()
		existing, err := tx.GetTransactionByTicket(ctx, ticketID)
		if errors.Is(err, domain.ErrNotFound) {
			result = domain.NewTransaction(*ticket, buyerID, now)
			outcome = "created"
			return tx.InsertTransaction(ctx, result)
		}
		if err != nil {
			return err
		}

		switch existing.Status {
		case domain.TransactionCompleted:
			return errors.Wrapf(domain.ErrAlreadySold, "ticket %s", ticketID)
		case domain.TransactionPending:
			if existing.BuyerID == buyerID {
				existing.UpdatedAt = now
				result = *existing
				outcome = "resumed"
				return tx.UpdateTransaction(ctx, *existing)
			}
			if !existing.IsStale(now, m.staleAfter) {
				return errors.Wrapf(domain.ErrConflict, "ticket %s is reserved by another buyer", ticketID)
			}
		}

		// FAILED, stale PENDING, or REFUNDED on a relisted ticket: the old
		// attempt is superseded under a fresh id so that a late gateway event
		// for it cannot land on this buyer's attempt.
		result = domain.NewTransaction(*ticket, buyerID, now)
		superseded = existing.SessionID
		outcome = "superseded"
		return tx.ReplaceTransaction(ctx, existing.ID, result)
	})
	if err != nil {
		observability.Reservations.WithLabelValues(reserveOutcome(err)).Inc()
		return nil, err
	}
	observability.Reservations.WithLabelValues(outcome).Inc()

	if superseded != "" {
		if err := m.gw.ExpireCheckoutSession(ctx, superseded); err != nil {
			m.log.WithError(err).WithField("session_id", superseded).Warn("expire superseded checkout session")
		}
	}
	return &result, nil
}

func reserveOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrAlreadySold):
		return "already_sold"
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrNotFound):
		return "rejected"
	}
	return "error"
}

// StartCheckout opens a gateway checkout session for a PENDING transaction
// and records the session id on it. A previous session for the same attempt is
// expired once the new one is stored.
func (m *Manager) StartCheckout(ctx context.Context, transactionID, buyerID uuid.UUID) (*gateway.CheckoutSession, error) {
	txn, err := m.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.BuyerID != buyerID {
		return nil, errors.Wrapf(domain.ErrForbidden, "transaction %s belongs to another buyer", transactionID)
	}
	if txn.Status != domain.TransactionPending {
		return nil, errors.Wrapf(domain.ErrInvalidState, "transaction %s is %s", transactionID, txn.Status)
	}
	ticket, err := m.repo.GetTicket(ctx, txn.TicketID)
	if err != nil {
		return nil, err
	}

	params := gateway.CheckoutParams{
		TransactionID: txn.ID.String(),
		Amount:        txn.Amount,
		Title:         m.eventTitle(ctx, ticket.EventID),
		Description:   seatDescription(ticket.Seat),
		SuccessURL:    m.appURL + "/purchase/" + txn.ID.String() + "/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     m.appURL + "/purchase/" + txn.ID.String(),
	}
	if buyer, err := m.repo.GetUser(ctx, buyerID); err == nil {
		params.BuyerEmail = buyer.Email
	}

	session, err := m.gw.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "create checkout session"), domain.ErrGateway)
	}

	var previous string
	err = m.repo.WithTx(ctx, func(tx domain.Repository) error {
		if _, err := tx.LockTicket(ctx, txn.TicketID); err != nil {
			return err
		}
		current, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if current.Status != domain.TransactionPending || current.BuyerID != buyerID {
			return errors.Wrapf(domain.ErrConflict, "transaction %s changed during checkout", transactionID)
		}
		previous = current.SessionID
		current.SessionID = session.ID
		current.UpdatedAt = m.now()
		return tx.UpdateTransaction(ctx, *current)
	})
	if err != nil {
		m.expireSession(ctx, session.ID)
		return nil, err
	}
	if previous != "" && previous != session.ID {
		m.expireSession(ctx, previous)
	}
	return session, nil
}

func (m *Manager) expireSession(ctx context.Context, sessionID string) {
	if err := m.gw.ExpireCheckoutSession(ctx, sessionID); err != nil {
		m.log.WithError(err).WithField("session_id", sessionID).Warn("expire checkout session")
	}
}

func (m *Manager) eventTitle(ctx context.Context, eventID uuid.UUID) string {
	event, err := m.catalog.GetEvent(ctx, eventID)
	if err != nil {
		m.log.WithError(err).WithField("event_id", eventID).Warn("catalog lookup failed")
		return "Ticket"
	}
	return event.Title
}

func seatDescription(s domain.SeatInfo) string {
	var parts []string
	if s.Section != "" {
		parts = append(parts, "Section "+s.Section)
	}
	if s.Row != "" {
		parts = append(parts, "Row "+s.Row)
	}
	if s.Seat != "" {
		parts = append(parts, "Seat "+s.Seat)
	}
	if len(parts) == 0 {
		return "Ticket"
	}
	return strings.Join(parts, " / ")
}

// Complete records a successful payment. It reports whether this call changed
// state; replays of an already COMPLETED transaction return false and no error.
// A FAILED transaction can still complete: a captured payment outranks expiry.
func (m *Manager) Complete(ctx context.Context, transactionID uuid.UUID, paymentIntentID string) (*domain.Transaction, bool, error) {
	var (
		result  domain.Transaction
		changed bool
	)
	err := m.withTicketLock(ctx, transactionID, func(tx domain.Repository, ticket *domain.Ticket, txn *domain.Transaction) error {
		changed = false
		switch txn.Status {
		case domain.TransactionCompleted:
			result = *txn
			return nil
		case domain.TransactionRefunded:
			return errors.Wrapf(domain.ErrInvalidState, "transaction %s was refunded", transactionID)
		}

		now := m.now()
		if err := inventory.MarkSold(ctx, tx, ticket, now); err != nil {
			return err
		}
		txn.Status = domain.TransactionCompleted
		if paymentIntentID != "" {
			txn.PaymentIntentID = paymentIntentID
		}
		txn.UpdatedAt = now
		if err := tx.UpdateTransaction(ctx, *txn); err != nil {
			return err
		}
		if err := domain.AppendOutbox(ctx, tx, aggregateTransaction, txn.ID, domain.EventTransactionCompleted, transactionEvent(txn), now); err != nil {
			return err
		}
		result = *txn
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, changed, nil
}

// Expire moves a PENDING transaction to FAILED and is a no-op for any other
// status. The ticket is not touched: reservation never took it off sale.
func (m *Manager) Expire(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	return m.expire(ctx, transactionID, false)
}

func (m *Manager) expire(ctx context.Context, transactionID uuid.UUID, onlyStale bool) (bool, error) {
	var changed bool
	err := m.withTicketLock(ctx, transactionID, func(tx domain.Repository, _ *domain.Ticket, txn *domain.Transaction) error {
		changed = false
		now := m.now()
		if txn.Status != domain.TransactionPending {
			return nil
		}
		if onlyStale && !txn.IsStale(now, m.staleAfter) {
			return nil
		}
		txn.Status = domain.TransactionFailed
		txn.UpdatedAt = now
		if err := tx.UpdateTransaction(ctx, *txn); err != nil {
			return err
		}
		changed = true
		return domain.AppendOutbox(ctx, tx, aggregateTransaction, txn.ID, domain.EventTransactionExpired, transactionEvent(txn), now)
	})
	return changed, err
}

// SweepStale expires up to limit PENDING transactions idle past the staleness
// threshold and returns how many it expired. Reserve already takes over stale
// attempts on its own, so the sweep only keeps statuses honest.
func (m *Manager) SweepStale(ctx context.Context, limit int) (int, error) {
	stale, err := m.repo.ListStalePending(ctx, m.now().Add(-m.staleAfter), limit)
	if err != nil {
		return 0, errors.Wrap(err, "list stale transactions")
	}
	expired := 0
	for _, txn := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		changed, err := m.expire(ctx, txn.ID, true)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, errors.Wrapf(err, "expire transaction %s", txn.ID)
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// withTicketLock locks the ticket and then the transaction, matching the lock
// order used by Reserve.
func (m *Manager) withTicketLock(ctx context.Context, transactionID uuid.UUID, fn func(tx domain.Repository, ticket *domain.Ticket, txn *domain.Transaction) error) error {
	peek, err := m.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	return m.repo.WithTx(ctx, func(tx domain.Repository) error {
		ticket, err := tx.LockTicket(ctx, peek.TicketID)
		if err != nil {
			return err
		}
		txn, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		return fn(tx, ticket, txn)
	})
}

func (m *Manager) Get(ctx context.Context, transactionID, callerID uuid.UUID) (*domain.Transaction, error) {
	txn, err := m.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !txn.IsParty(callerID) {
		return nil, errors.Wrapf(domain.ErrForbidden, "transaction %s", transactionID)
	}
	return txn, nil
}

type Role string

const (
	RoleAny    Role = ""
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAny, RoleBuyer, RoleSeller:
		return r, nil
	}
	return "", errors.Wrapf(domain.ErrInvalidArgument, "unknown role filter %q", s)
}

// ListForUser returns the user's purchases, sales, or both, newest first.
func (m *Manager) ListForUser(ctx context.Context, userID uuid.UUID, role Role) ([]domain.Transaction, error) {
	var out []domain.Transaction
	if role == RoleAny || role == RoleBuyer {
		bought, err := m.repo.ListTransactionsByBuyer(ctx, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, bought...)
	}
	if role == RoleAny || role == RoleSeller {
		sold, err := m.repo.ListTransactionsBySeller(ctx, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, sold...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type transactionPayload struct {
	TransactionID   uuid.UUID `json:"transaction_id"`
	TicketID        uuid.UUID `json:"ticket_id"`
	BuyerID         uuid.UUID `json:"buyer_id"`
	SellerID        uuid.UUID `json:"seller_id"`
	Amount          string    `json:"amount"`
	Status          string    `json:"status"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
}

func transactionEvent(t *domain.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:   t.ID,
		TicketID:        t.TicketID,
		BuyerID:         t.BuyerID,
		SellerID:        t.SellerID,
		Amount:          t.Amount.StringFixed(2),
		Status:          string(t.Status),
		PaymentIntentID: t.PaymentIntentID,
	}
}
