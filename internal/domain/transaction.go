package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultStaleAfter is how long a PENDING transaction may sit untouched before
// another buyer can take the ticket over.
const DefaultStaleAfter = 30 * time.Minute

// NewTransaction starts a PENDING purchase attempt priced at the ticket's current price.
func NewTransaction(ticket Ticket, buyerID uuid.UUID, now time.Time) Transaction {
	return Transaction{
		ID:        uuid.New(),
		TicketID:  ticket.ID,
		BuyerID:   buyerID,
		SellerID:  ticket.SellerID,
		Amount:    ticket.Price,
		Status:    TransactionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (t Transaction) IsStale(now time.Time, staleAfter time.Duration) bool {
	return t.Status == TransactionPending && now.Sub(t.UpdatedAt) >= staleAfter
}

func (t Transaction) IsParty(userID uuid.UUID) bool {
	return t.BuyerID == userID || t.SellerID == userID
}
