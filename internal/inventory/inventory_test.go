package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/testutil/fakes"
	"github.com/robertarktes/ticket-resale-settlement/internal/testutil/memstore"
)

func newTestService(t *testing.T) (*Service, *memstore.Store, domain.Event) {
	t.Helper()
	event := domain.Event{ID: uuid.New(), Title: "Show", Venue: "Arena", Date: time.Now().Add(48 * time.Hour)}
	store := memstore.New()
	svc := NewService(store, fakes.NewCatalog(event))
	return svc, store, event
}

func TestListTicket(t *testing.T) {
	svc, store, event := newTestService(t)
	seller := uuid.New()

	ticket, err := svc.ListTicket(context.Background(), ListInput{
		SellerID: seller,
		EventID:  event.ID,
		Price:    decimal.RequireFromString("120.00"),
		Seat:     domain.SeatInfo{Section: " A ", Row: "3", Seat: "12"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TicketAvailable, ticket.Status)
	assert.Equal(t, "A", ticket.Seat.Section)

	stored, err := store.GetTicket(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, seller, stored.SellerID)
}

func TestListTicket_Rejects(t *testing.T) {
	svc, _, event := newTestService(t)

	_, err := svc.ListTicket(context.Background(), ListInput{SellerID: uuid.New(), EventID: event.ID, Price: decimal.Zero})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = svc.ListTicket(context.Background(), ListInput{SellerID: uuid.New(), EventID: uuid.New(), Price: decimal.NewFromInt(10)})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestEditTicket(t *testing.T) {
	svc, store, event := newTestService(t)
	seller := uuid.New()
	ticket, err := svc.ListTicket(context.Background(), ListInput{SellerID: seller, EventID: event.ID, Price: decimal.NewFromInt(50)})
	require.NoError(t, err)

	price := decimal.NewFromInt(65)
	row := "7"
	updated, err := svc.EditTicket(context.Background(), ticket.ID, seller, EditInput{Price: &price, Row: &row})
	require.NoError(t, err)
	assert.True(t, updated.Price.Equal(price))
	assert.Equal(t, "7", updated.Seat.Row)

	_, err = svc.EditTicket(context.Background(), ticket.ID, uuid.New(), EditInput{Price: &price})
	assert.True(t, errors.Is(err, domain.ErrConflict))

	neg := decimal.NewFromInt(-1)
	_, err = svc.EditTicket(context.Background(), ticket.ID, seller, EditInput{Price: &neg})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = svc.EditTicket(context.Background(), uuid.New(), seller, EditInput{Price: &price})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	sold := *updated
	sold.Status = domain.TicketSold
	require.NoError(t, store.UpdateTicket(context.Background(), sold))
	_, err = svc.EditTicket(context.Background(), ticket.ID, seller, EditInput{Price: &price})
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestRemoveTicket(t *testing.T) {
	ctx := context.Background()
	svc, store, event := newTestService(t)
	seller := uuid.New()
	ticket, err := svc.ListTicket(ctx, ListInput{SellerID: seller, EventID: event.ID, Price: decimal.NewFromInt(50)})
	require.NoError(t, err)

	pending := domain.NewTransaction(*ticket, uuid.New(), time.Now())
	require.NoError(t, store.InsertTransaction(ctx, pending))

	err = svc.RemoveTicket(ctx, ticket.ID, seller)
	assert.True(t, errors.Is(err, domain.ErrConflict), "pending purchase blocks removal")

	pending.Status = domain.TransactionFailed
	require.NoError(t, store.UpdateTransaction(ctx, pending))

	assert.True(t, errors.Is(svc.RemoveTicket(ctx, ticket.ID, uuid.New()), domain.ErrConflict))
	require.NoError(t, svc.RemoveTicket(ctx, ticket.ID, seller))

	_, err = store.GetTicket(ctx, ticket.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = store.GetTransaction(ctx, pending.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "failed attempt removed with the ticket")
}

func TestListAvailable(t *testing.T) {
	ctx := context.Background()
	svc, store, event := newTestService(t)
	seller := uuid.New()
	for _, p := range []int64{90, 30, 60} {
		_, err := svc.ListTicket(ctx, ListInput{SellerID: seller, EventID: event.ID, Price: decimal.NewFromInt(p)})
		require.NoError(t, err)
	}
	other := domain.Ticket{ID: uuid.New(), EventID: uuid.New(), SellerID: seller, Price: decimal.NewFromInt(1), Status: domain.TicketAvailable}
	require.NoError(t, store.CreateTicket(ctx, other))

	tickets, err := svc.ListAvailable(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, tickets, 3)
	assert.True(t, tickets[0].Price.Equal(decimal.NewFromInt(30)))
	assert.True(t, tickets[2].Price.Equal(decimal.NewFromInt(90)))

	all, err := svc.ListAvailable(ctx, uuid.Nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMarkTransitions(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	ticket := domain.Ticket{ID: uuid.New(), SellerID: uuid.New(), Price: decimal.NewFromInt(10), Status: domain.TicketAvailable}
	require.NoError(t, store.CreateTicket(ctx, ticket))
	now := time.Now()

	assert.True(t, errors.Is(MarkVoided(ctx, store, &ticket, now), domain.ErrInvalidState))
	require.NoError(t, MarkSold(ctx, store, &ticket, now))
	assert.True(t, errors.Is(MarkSold(ctx, store, &ticket, now), domain.ErrInvalidState))
	require.NoError(t, MarkAvailable(ctx, store, &ticket, now))
	require.NoError(t, MarkSold(ctx, store, &ticket, now))
	require.NoError(t, MarkVoided(ctx, store, &ticket, now))

	stored, err := store.GetTicket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TicketVoided, stored.Status)
}
