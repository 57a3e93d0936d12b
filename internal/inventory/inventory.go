// Package inventory owns ticket availability. It is the only place that flips
// a ticket's status; the Mark* helpers run on the caller's storage
// transaction so the flip commits together with the caller's own writes.
package inventory

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
)

type Service struct {
	repo    domain.Repository
	catalog domain.Catalog
	now     func() time.Time
}

func NewService(repo domain.Repository, catalog domain.Catalog) *Service {
	return &Service{repo: repo, catalog: catalog, now: time.Now}
}

type ListInput struct {
	SellerID uuid.UUID
	EventID  uuid.UUID
	Price    decimal.Decimal
	Seat     domain.SeatInfo
}

// EditInput carries optional field updates; nil leaves the field unchanged.
type EditInput struct {
	Price   *decimal.Decimal
	Section *string
	Row     *string
	Seat    *string
}

func (s *Service) ListTicket(ctx context.Context, in ListInput) (*domain.Ticket, error) {
	if in.SellerID == uuid.Nil || in.EventID == uuid.Nil {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "seller and event are required")
	}
	if !in.Price.IsPositive() {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "price must be positive")
	}
	if _, err := s.catalog.GetEvent(ctx, in.EventID); err != nil {
		return nil, err
	}

	now := s.now()
	ticket := domain.Ticket{
		ID:        uuid.New(),
		EventID:   in.EventID,
		SellerID:  in.SellerID,
		Price:     in.Price,
		Seat:      trimSeat(in.Seat),
		Status:    domain.TicketAvailable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateTicket(ctx, ticket); err != nil {
		return nil, errors.Wrap(err, "create ticket")
	}
	return &ticket, nil
}

func (s *Service) EditTicket(ctx context.Context, ticketID, callerID uuid.UUID, in EditInput) (*domain.Ticket, error) {
	if in.Price != nil && !in.Price.IsPositive() {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "price must be positive")
	}

	var updated domain.Ticket
	err := s.repo.WithTx(ctx, func(tx domain.Repository) error {
		ticket, err := tx.LockTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if err := editable(ticket, callerID); err != nil {
			return err
		}
		if in.Price != nil {
			ticket.Price = *in.Price
		}
		if in.Section != nil {
			ticket.Seat.Section = strings.TrimSpace(*in.Section)
		}
		if in.Row != nil {
			ticket.Seat.Row = strings.TrimSpace(*in.Row)
		}
		if in.Seat != nil {
			ticket.Seat.Seat = strings.TrimSpace(*in.Seat)
		}
		ticket.UpdatedAt = s.now()
		updated = *ticket
		return tx.UpdateTicket(ctx, *ticket)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// RemoveTicket deletes an AVAILABLE ticket that no live or historical sale
// references. A FAILED purchase attempt is not history and goes with it.
func (s *Service) RemoveTicket(ctx context.Context, ticketID, callerID uuid.UUID) error {
	return s.repo.WithTx(ctx, func(tx domain.Repository) error {
		ticket, err := tx.LockTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		if err := editable(ticket, callerID); err != nil {
			return err
		}

		txn, err := tx.GetTransactionByTicket(ctx, ticketID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return err
		case txn.Status == domain.TransactionFailed:
			if err := tx.DeleteTransaction(ctx, txn.ID); err != nil {
				return err
			}
		default:
			return errors.Wrapf(domain.ErrConflict, "ticket %s is referenced by a %s transaction", ticketID, txn.Status)
		}
		return tx.DeleteTicket(ctx, ticketID)
	})
}

func (s *Service) Get(ctx context.Context, ticketID uuid.UUID) (*domain.Ticket, error) {
	return s.repo.GetTicket(ctx, ticketID)
}

func (s *Service) ListAvailable(ctx context.Context, eventID uuid.UUID) ([]domain.Ticket, error) {
	return s.repo.ListAvailableTickets(ctx, eventID)
}

func editable(ticket *domain.Ticket, callerID uuid.UUID) error {
	if ticket.SellerID != callerID {
		return errors.Wrapf(domain.ErrConflict, "ticket %s belongs to another seller", ticket.ID)
	}
	if ticket.Status != domain.TicketAvailable {
		return errors.Wrapf(domain.ErrConflict, "ticket %s is %s", ticket.ID, ticket.Status)
	}
	return nil
}

func trimSeat(s domain.SeatInfo) domain.SeatInfo {
	return domain.SeatInfo{
		Section: strings.TrimSpace(s.Section),
		Row:     strings.TrimSpace(s.Row),
		Seat:    strings.TrimSpace(s.Seat),
	}
}

// MarkSold flips an AVAILABLE ticket to SOLD inside tx.
func MarkSold(ctx context.Context, tx domain.Repository, ticket *domain.Ticket, now time.Time) error {
	if ticket.Status != domain.TicketAvailable {
		return errors.Wrapf(domain.ErrInvalidState, "ticket %s is %s, cannot sell", ticket.ID, ticket.Status)
	}
	return setStatus(ctx, tx, ticket, domain.TicketSold, now)
}

// MarkAvailable returns a SOLD ticket to inventory inside tx.
func MarkAvailable(ctx context.Context, tx domain.Repository, ticket *domain.Ticket, now time.Time) error {
	if ticket.Status != domain.TicketSold {
		return errors.Wrapf(domain.ErrInvalidState, "ticket %s is %s, cannot relist", ticket.ID, ticket.Status)
	}
	return setStatus(ctx, tx, ticket, domain.TicketAvailable, now)
}

// MarkVoided retires a SOLD ticket whose sale was reversed.
func MarkVoided(ctx context.Context, tx domain.Repository, ticket *domain.Ticket, now time.Time) error {
	if ticket.Status != domain.TicketSold {
		return errors.Wrapf(domain.ErrInvalidState, "ticket %s is %s, cannot void", ticket.ID, ticket.Status)
	}
	return setStatus(ctx, tx, ticket, domain.TicketVoided, now)
}

func setStatus(ctx context.Context, tx domain.Repository, ticket *domain.Ticket, status domain.TicketStatus, now time.Time) error {
	ticket.Status = status
	ticket.UpdatedAt = now
	if err := tx.UpdateTicket(ctx, *ticket); err != nil {
		return errors.Wrapf(err, "set ticket %s %s", ticket.ID, status)
	}
	return nil
}
