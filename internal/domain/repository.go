package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the storage port shared by the settlement components. A
// repository returned to a WithTx callback is bound to one storage transaction;
// every write made through it commits or rolls back together. Lock* methods take
// a row lock held until that transaction ends. Locks are always taken in the
// order ticket, transaction, dispute to avoid deadlocks.
type Repository interface {
	WithTx(ctx context.Context, fn func(tx Repository) error) error

	GetUser(ctx context.Context, id uuid.UUID) (*User, error)

	CreateTicket(ctx context.Context, ticket Ticket) error
	GetTicket(ctx context.Context, id uuid.UUID) (*Ticket, error)
	LockTicket(ctx context.Context, id uuid.UUID) (*Ticket, error)
	UpdateTicket(ctx context.Context, ticket Ticket) error
	// DeleteTicket fails with ErrConflict when the ticket has sale history.
	DeleteTicket(ctx context.Context, id uuid.UUID) error
	// ListAvailableTickets returns AVAILABLE tickets cheapest first; uuid.Nil means every event.
	ListAvailableTickets(ctx context.Context, eventID uuid.UUID) ([]Ticket, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	LockTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetTransactionByTicket(ctx context.Context, ticketID uuid.UUID) (*Transaction, error)
	InsertTransaction(ctx context.Context, txn Transaction) error
	// ReplaceTransaction supersedes the row stored under previousID. The
	// replacement may carry a new identifier; the ticket reference is kept.
	// A superseded REFUNDED row survives as sale history in the List* results
	// but is no longer reachable by id or ticket.
	ReplaceTransaction(ctx context.Context, previousID uuid.UUID, txn Transaction) error
	UpdateTransaction(ctx context.Context, txn Transaction) error
	DeleteTransaction(ctx context.Context, id uuid.UUID) error
	ListTransactionsByBuyer(ctx context.Context, buyerID uuid.UUID) ([]Transaction, error)
	ListTransactionsBySeller(ctx context.Context, sellerID uuid.UUID) ([]Transaction, error)
	ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]Transaction, error)

	// InsertDispute fails with ErrConflict when the transaction already has one.
	InsertDispute(ctx context.Context, dispute Dispute) error
	GetDispute(ctx context.Context, id uuid.UUID) (*Dispute, error)
	LockDispute(ctx context.Context, id uuid.UUID) (*Dispute, error)
	UpdateDispute(ctx context.Context, dispute Dispute) error
	ListDisputesByStatus(ctx context.Context, status DisputeStatus) ([]Dispute, error)

	// LockPayoutAccount serializes balance reads and payout inserts per user.
	LockPayoutAccount(ctx context.Context, userID uuid.UUID) error
	InsertPayout(ctx context.Context, payout Payout) error
	GetPayout(ctx context.Context, id uuid.UUID) (*Payout, error)
	LockPayout(ctx context.Context, id uuid.UUID) (*Payout, error)
	UpdatePayout(ctx context.Context, payout Payout) error
	ListPayoutsByUser(ctx context.Context, userID uuid.UUID) ([]Payout, error)

	InsertOutbox(ctx context.Context, record OutboxRecord) error
}
