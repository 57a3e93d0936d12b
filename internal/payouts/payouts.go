// Package payouts lets sellers withdraw their derived balance.
package payouts

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/ledger"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

const aggregatePayout = "payout"

type Manager struct {
	repo domain.Repository
	log  observability.Logger
	now  func() time.Time
}

func NewManager(repo domain.Repository, log observability.Logger) *Manager {
	return &Manager{repo: repo, log: log, now: time.Now}
}

// RequestPayout withdraws the user's whole available balance to destination.
// The balance read and the payout insert happen under the user's account lock,
// so two concurrent requests cannot both spend the same balance.
func (m *Manager) RequestPayout(ctx context.Context, userID uuid.UUID, destination string) (*domain.Payout, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "destination is required")
	}

	var payout domain.Payout
	err := m.repo.WithTx(ctx, func(tx domain.Repository) error {
		if err := tx.LockPayoutAccount(ctx, userID); err != nil {
			return err
		}
		sales, err := tx.ListTransactionsBySeller(ctx, userID)
		if err != nil {
			return err
		}
		history, err := tx.ListPayoutsByUser(ctx, userID)
		if err != nil {
			return err
		}
		balance := ledger.Compute(userID, sales, history)
		if !ledger.CanWithdraw(balance) {
			return errors.Wrapf(domain.ErrInsufficientBalance, "available balance is %s", balance.AvailableBalance.StringFixed(2))
		}

		now := m.now()
		payout = domain.Payout{
			ID:          uuid.New(),
			UserID:      userID,
			Amount:      balance.AvailableBalance,
			Destination: destination,
			Status:      domain.PayoutPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertPayout(ctx, payout); err != nil {
			return err
		}
		return domain.AppendOutbox(ctx, tx, aggregatePayout, payout.ID, domain.EventPayoutRequested, payoutEvent(&payout), now)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			observability.PayoutRequests.WithLabelValues("insufficient_balance").Inc()
		} else {
			observability.PayoutRequests.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	observability.PayoutRequests.WithLabelValues("requested").Inc()
	m.log.WithFields(map[string]interface{}{"payout_id": payout.ID, "user_id": userID}).Info("payout requested")
	return &payout, nil
}

func (m *Manager) Balance(ctx context.Context, userID uuid.UUID) (domain.Balance, error) {
	var (
		sales   []domain.Transaction
		history []domain.Payout
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sales, err = m.repo.ListTransactionsBySeller(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = m.repo.ListPayoutsByUser(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Balance{}, errors.Wrap(err, "load balance history")
	}
	return ledger.Compute(userID, sales, history), nil
}

func (m *Manager) ListPayouts(ctx context.Context, userID uuid.UUID) ([]domain.Payout, error) {
	return m.repo.ListPayoutsByUser(ctx, userID)
}

// UpdateStatus moves a payout along PENDING, PROCESSING, PAID, or to FAILED or
// REJECTED before it is paid. FAILED and REJECTED payouts stop counting
// against the balance.
func (m *Manager) UpdateStatus(ctx context.Context, payoutID uuid.UUID, next domain.PayoutStatus) (*domain.Payout, error) {
	if _, err := domain.ParsePayoutStatus(string(next)); err != nil {
		return nil, err
	}
	var result domain.Payout
	err := m.repo.WithTx(ctx, func(tx domain.Repository) error {
		peek, err := tx.GetPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if err := tx.LockPayoutAccount(ctx, peek.UserID); err != nil {
			return err
		}
		p, err := tx.LockPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if !p.Status.CanTransitionTo(next) {
			return errors.Wrapf(domain.ErrInvalidState, "payout %s cannot move from %s to %s", p.ID, p.Status, next)
		}
		now := m.now()
		p.Status = next
		p.UpdatedAt = now
		if err := tx.UpdatePayout(ctx, *p); err != nil {
			return err
		}
		result = *p
		return domain.AppendOutbox(ctx, tx, aggregatePayout, p.ID, domain.EventPayoutStatusChanged, payoutEvent(p), now)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type payoutPayload struct {
	PayoutID uuid.UUID `json:"payout_id"`
	UserID   uuid.UUID `json:"user_id"`
	Amount   string    `json:"amount"`
	Status   string    `json:"status"`
}

func payoutEvent(p *domain.Payout) payoutPayload {
	return payoutPayload{
		PayoutID: p.ID,
		UserID:   p.UserID,
		Amount:   p.Amount.StringFixed(2),
		Status:   string(p.Status),
	}
}
