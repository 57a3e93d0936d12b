package stripe

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/refund"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/gateway"
	"github.com/robertarktes/ticket-resale-settlement/internal/ledger"
)

const (
	minSessionTTL = 30 * time.Minute
	maxSessionTTL = 24 * time.Hour
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	SessionTTL    time.Duration
}

// Gateway implements gateway.Gateway on top of the Stripe API.
type Gateway struct {
	webhookSecret string
	currency      string
	sessionTTL    time.Duration
	now           func() time.Time
}

func NewGateway(cfg Config) (*Gateway, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, errors.New("stripe secret key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "brl"
	}
	ttl := cfg.SessionTTL
	if ttl < minSessionTTL {
		ttl = minSessionTTL
	}
	if ttl > maxSessionTTL {
		ttl = maxSessionTTL
	}

	stripe.Key = key

	return &Gateway{
		webhookSecret: secret,
		currency:      currency,
		sessionTTL:    ttl,
		now:           time.Now,
	}, nil
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, p gateway.CheckoutParams) (*gateway.CheckoutSession, error) {
	product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripe.String(p.Title),
	}
	if p.Description != "" {
		product.Description = stripe.String(p.Description)
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripe.String(g.currency),
					UnitAmount:  stripe.Int64(ledger.ToMinorUnits(p.Amount)),
					ProductData: product,
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		ExpiresAt:  stripe.Int64(g.now().Add(g.sessionTTL).Unix()),
	}
	if p.BuyerEmail != "" {
		params.CustomerEmail = stripe.String(p.BuyerEmail)
	}
	params.AddMetadata(gateway.MetadataTransactionID, p.TransactionID)
	params.Context = ctx

	s, err := session.New(params)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout session")
	}
	return &gateway.CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (g *Gateway) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := session.Expire(sessionID, params); err != nil {
		return errors.Wrapf(err, "expire checkout session %s", sessionID)
	}
	return nil
}

func (g *Gateway) PaymentIntentForSession(ctx context.Context, sessionID string) (string, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := session.Get(sessionID, params)
	if err != nil {
		return "", errors.Wrapf(err, "get checkout session %s", sessionID)
	}
	if s.PaymentIntent == nil {
		return "", nil
	}
	return s.PaymentIntent.ID, nil
}

func (g *Gateway) CreateRefund(ctx context.Context, p gateway.RefundParams) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(p.PaymentIntentID),
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	params.Context = ctx

	r, err := refund.New(params)
	if err != nil {
		return "", errors.Wrapf(err, "refund payment intent %s", p.PaymentIntentID)
	}
	return r.ID, nil
}

func (g *Gateway) ParseEvent(payload []byte, signature string) (*gateway.Event, error) {
	if signature == "" {
		return nil, errors.Wrap(domain.ErrInvalidSignature, "stripe signature missing")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "verify signature"), domain.ErrInvalidSignature)
	}

	out := &gateway.Event{ID: event.ID, Type: gateway.EventType(event.Type)}
	switch out.Type {
	case gateway.EventCheckoutCompleted, gateway.EventCheckoutExpired:
	default:
		return out, nil
	}
	if event.Data == nil {
		return out, nil
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return nil, errors.Wrapf(err, "decode %s payload", event.Type)
	}
	out.SessionID = s.ID
	out.TransactionID = s.Metadata[gateway.MetadataTransactionID]
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	return out, nil
}
