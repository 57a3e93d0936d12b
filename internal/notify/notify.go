// Package notify is the boundary to the external notification service.
// Delivery is fire-and-forget: callers log failures and move on.
package notify

import (
	"context"

	"github.com/shopspring/decimal"
)

type Purchase struct {
	BuyerEmail    string `json:"buyer_email"`
	BuyerName     string `json:"buyer_name"`
	EventTitle    string `json:"event_title"`
	TicketID      string `json:"ticket_id"`
	TransactionID string `json:"transaction_id"`
}

type Sale struct {
	SellerEmail string          `json:"seller_email"`
	SellerName  string          `json:"seller_name"`
	EventTitle  string          `json:"event_title"`
	Amount      decimal.Decimal `json:"amount"`
}

type Notifier interface {
	NotifyPurchase(ctx context.Context, msg Purchase) error
	NotifySale(ctx context.Context, msg Sale) error
}
