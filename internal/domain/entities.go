package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type User struct {
	ID    uuid.UUID
	Email string
	Name  string
	Role  Role
}

type SeatInfo struct {
	Section string
	Row     string
	Seat    string
}

type Ticket struct {
	ID        uuid.UUID
	EventID   uuid.UUID
	SellerID  uuid.UUID
	Price     decimal.Decimal
	Seat      SeatInfo
	Status    TicketStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Transaction struct {
	ID              uuid.UUID
	TicketID        uuid.UUID
	BuyerID         uuid.UUID
	SellerID        uuid.UUID
	Amount          decimal.Decimal
	Status          TransactionStatus
	SessionID       string
	PaymentIntentID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Dispute struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	OpenerID      uuid.UUID
	Reason        DisputeReason
	Description   string
	Status        DisputeStatus
	AdminNotes    string
	RefundID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Payout struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Amount      decimal.Decimal
	Destination string
	Status      PayoutStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Balance is derived from transaction and payout history and never stored.
type Balance struct {
	TotalSales       decimal.Decimal `json:"totalSales"`
	TotalPayouts     decimal.Decimal `json:"totalPayouts"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

type OutboxRecord struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string // NEW, PUBLISHED
	DedupeKey     string
}
