// Package gateway is the boundary to the external payment processor.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.session.completed"
	EventCheckoutExpired   EventType = "checkout.session.expired"
)

// MetadataTransactionID is the checkout metadata key correlating a session to a transaction.
const MetadataTransactionID = "transactionId"

type CheckoutParams struct {
	TransactionID string
	Amount        decimal.Decimal
	Title         string
	Description   string
	BuyerEmail    string
	SuccessURL    string
	CancelURL     string
}

type CheckoutSession struct {
	ID  string
	URL string
}

type RefundParams struct {
	PaymentIntentID string
	IdempotencyKey  string
	Metadata        map[string]string
}

// Event is a verified webhook notification reduced to what reconciliation needs.
type Event struct {
	ID              string
	Type            EventType
	TransactionID   string
	SessionID       string
	PaymentIntentID string
}

type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
	// PaymentIntentForSession returns "" when the session has no payment intent yet.
	PaymentIntentForSession(ctx context.Context, sessionID string) (string, error)
	CreateRefund(ctx context.Context, params RefundParams) (refundID string, err error)
	// ParseEvent verifies the signature and decodes the payload. Verification
	// failures are reported as domain.ErrInvalidSignature.
	ParseEvent(payload []byte, signature string) (*Event, error)
}
