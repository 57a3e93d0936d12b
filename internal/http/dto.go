package http

import (
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

// decodeJSON rejects unknown fields and runs struct validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer func() { _, _ = io.Copy(io.Discard, body) }()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid request body"), domain.ErrInvalidArgument)
	}
	if err := validate.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" "+fe.Tag())
			}
			return errors.Wrapf(domain.ErrInvalidArgument, "validation failed: %s", strings.Join(fields, ", "))
		}
		return errors.Mark(errors.Wrap(err, "validation failed"), domain.ErrInvalidArgument)
	}
	return nil
}

func parseUUID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, errors.Wrapf(domain.ErrInvalidArgument, "%s must be a uuid", field)
	}
	return id, nil
}

func parsePrice(raw string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(domain.ErrInvalidArgument, "price %q is not a decimal", raw)
	}
	return price, nil
}

type createTicketRequest struct {
	EventID string `json:"event_id" validate:"required,uuid"`
	Price   string `json:"price" validate:"required"`
	Section string `json:"section" validate:"max=64"`
	Row     string `json:"row" validate:"max=64"`
	Seat    string `json:"seat" validate:"max=64"`
}

type editTicketRequest struct {
	Price   *string `json:"price"`
	Section *string `json:"section" validate:"omitempty,max=64"`
	Row     *string `json:"row" validate:"omitempty,max=64"`
	Seat    *string `json:"seat" validate:"omitempty,max=64"`
}

type openDisputeRequest struct {
	TransactionID string `json:"transaction_id" validate:"required,uuid"`
	Reason        string `json:"reason" validate:"required"`
	Description   string `json:"description" validate:"required,max=2000"`
}

type resolveDisputeRequest struct {
	Decision   string `json:"decision" validate:"required"`
	AdminNotes string `json:"admin_notes" validate:"max=2000"`
}

type payoutRequest struct {
	DestinationAddress string `json:"destination_address" validate:"required,max=256"`
}

type payoutStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type ticketResponse struct {
	ID        uuid.UUID       `json:"id"`
	EventID   uuid.UUID       `json:"event_id"`
	SellerID  uuid.UUID       `json:"seller_id"`
	Price     decimal.Decimal `json:"price"`
	Section   string          `json:"section,omitempty"`
	Row       string          `json:"row,omitempty"`
	Seat      string          `json:"seat,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toTicket(t domain.Ticket) ticketResponse {
	return ticketResponse{
		ID:        t.ID,
		EventID:   t.EventID,
		SellerID:  t.SellerID,
		Price:     t.Price,
		Section:   t.Seat.Section,
		Row:       t.Seat.Row,
		Seat:      t.Seat.Seat,
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

type transactionResponse struct {
	ID              uuid.UUID       `json:"id"`
	TicketID        uuid.UUID       `json:"ticket_id"`
	BuyerID         uuid.UUID       `json:"buyer_id"`
	SellerID        uuid.UUID       `json:"seller_id"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func toTransaction(t domain.Transaction) transactionResponse {
	return transactionResponse{
		ID:              t.ID,
		TicketID:        t.TicketID,
		BuyerID:         t.BuyerID,
		SellerID:        t.SellerID,
		Amount:          t.Amount,
		Status:          string(t.Status),
		PaymentIntentID: t.PaymentIntentID,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

type disputeResponse struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	OpenerID      uuid.UUID `json:"opener_id"`
	Reason        string    `json:"reason"`
	Description   string    `json:"description"`
	Status        string    `json:"status"`
	AdminNotes    string    `json:"admin_notes,omitempty"`
	RefundID      string    `json:"refund_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toDispute(d domain.Dispute) disputeResponse {
	return disputeResponse{
		ID:            d.ID,
		TransactionID: d.TransactionID,
		OpenerID:      d.OpenerID,
		Reason:        string(d.Reason),
		Description:   d.Description,
		Status:        string(d.Status),
		AdminNotes:    d.AdminNotes,
		RefundID:      d.RefundID,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type payoutResponse struct {
	ID                 uuid.UUID       `json:"id"`
	Amount             decimal.Decimal `json:"amount"`
	DestinationAddress string          `json:"destination_address"`
	Status             string          `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func toPayout(p domain.Payout) payoutResponse {
	return payoutResponse{
		ID:                 p.ID,
		Amount:             p.Amount,
		DestinationAddress: p.Destination,
		Status:             string(p.Status),
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}
