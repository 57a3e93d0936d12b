// Package fakes holds in-memory stand-ins for the external collaborators.
package fakes

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/gateway"
	"github.com/robertarktes/ticket-resale-settlement/internal/notify"
)

// ValidSignature is the only signature Gateway.ParseEvent accepts.
const ValidSignature = "t=1,v1=valid"

type Gateway struct {
	mu sync.Mutex

	CheckoutErr     error
	RefundErr       error
	LookupErr       error
	SessionIntents  map[string]string
	Checkouts       []gateway.CheckoutParams
	Refunds         []gateway.RefundParams
	ExpiredSessions []string
	// BlockRefund, when set, makes CreateRefund wait for ctx cancellation.
	BlockRefund bool
}

var _ gateway.Gateway = (*Gateway)(nil)

func NewGateway() *Gateway {
	return &Gateway{SessionIntents: map[string]string{}}
}

func (g *Gateway) CreateCheckoutSession(_ context.Context, p gateway.CheckoutParams) (*gateway.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CheckoutErr != nil {
		return nil, g.CheckoutErr
	}
	g.Checkouts = append(g.Checkouts, p)
	id := "cs_test_" + uuid.NewString()
	return &gateway.CheckoutSession{ID: id, URL: "https://checkout.example/" + id}, nil
}

func (g *Gateway) ExpireCheckoutSession(_ context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ExpiredSessions = append(g.ExpiredSessions, sessionID)
	return nil
}

func (g *Gateway) PaymentIntentForSession(_ context.Context, sessionID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.LookupErr != nil {
		return "", g.LookupErr
	}
	return g.SessionIntents[sessionID], nil
}

func (g *Gateway) CreateRefund(ctx context.Context, p gateway.RefundParams) (string, error) {
	if g.BlockRefund {
		<-ctx.Done()
		return "", ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.RefundErr != nil {
		return "", g.RefundErr
	}
	g.Refunds = append(g.Refunds, p)
	return "re_" + p.IdempotencyKey, nil
}

// ParseEvent decodes a JSON-encoded gateway.Event.
func (g *Gateway) ParseEvent(payload []byte, signature string) (*gateway.Event, error) {
	if signature != ValidSignature {
		return nil, errors.Wrap(domain.ErrInvalidSignature, "signature mismatch")
	}
	var ev gateway.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, errors.Wrap(err, "decode event payload")
	}
	return &ev, nil
}

func (g *Gateway) RefundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Refunds)
}

func EventPayload(ev gateway.Event) []byte {
	data, _ := json.Marshal(ev)
	return data
}

type Notifier struct {
	mu        sync.Mutex
	Err       error
	Purchases []notify.Purchase
	Sales     []notify.Sale
	// Sent receives one value per attempted notification.
	Sent chan struct{}
}

var _ notify.Notifier = (*Notifier)(nil)

func NewNotifier() *Notifier {
	return &Notifier{Sent: make(chan struct{}, 64)}
}

func (n *Notifier) NotifyPurchase(_ context.Context, msg notify.Purchase) error {
	n.mu.Lock()
	n.Purchases = append(n.Purchases, msg)
	err := n.Err
	n.mu.Unlock()
	n.Sent <- struct{}{}
	return err
}

func (n *Notifier) NotifySale(_ context.Context, msg notify.Sale) error {
	n.mu.Lock()
	n.Sales = append(n.Sales, msg)
	err := n.Err
	n.mu.Unlock()
	n.Sent <- struct{}{}
	return err
}

func (n *Notifier) Counts() (purchases, sales int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Purchases), len(n.Sales)
}

type Catalog struct {
	mu     sync.Mutex
	Events map[uuid.UUID]domain.Event
}

var _ domain.Catalog = (*Catalog)(nil)

func NewCatalog(events ...domain.Event) *Catalog {
	c := &Catalog{Events: map[uuid.UUID]domain.Event{}}
	for _, e := range events {
		c.Events[e.ID] = e
	}
	return c
}

func (c *Catalog) GetEvent(_ context.Context, id uuid.UUID) (*domain.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.Events[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	return &e, nil
}
