package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/testutil/fakes"
	"github.com/robertarktes/ticket-resale-settlement/internal/testutil/memstore"
)

type harness struct {
	mgr    *Manager
	store  *memstore.Store
	gw     *fakes.Gateway
	clock  time.Time
	ticket domain.Ticket
	seller uuid.UUID
}

func newHarness(t *testing.T, price string) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		gw:     fakes.NewGateway(),
		clock:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		seller: uuid.New(),
	}
	event := domain.Event{ID: uuid.New(), Title: "Festival"}
	h.ticket = domain.Ticket{
		ID:        uuid.New(),
		EventID:   event.ID,
		SellerID:  h.seller,
		Price:     decimal.RequireFromString(price),
		Seat:      domain.SeatInfo{Section: "B", Row: "2"},
		Status:    domain.TicketAvailable,
		CreatedAt: h.clock,
		UpdatedAt: h.clock,
	}
	require.NoError(t, h.store.CreateTicket(context.Background(), h.ticket))

	h.mgr = NewManager(h.store, h.gw, fakes.NewCatalog(event), observability.NewNopLogger(), Options{
		StaleAfter: 30 * time.Minute,
		AppURL:     "https://resale.example/",
	})
	h.mgr.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func (h *harness) ticketStatus(t *testing.T) domain.TicketStatus {
	t.Helper()
	ticket, err := h.store.GetTicket(context.Background(), h.ticket.ID)
	require.NoError(t, err)
	return ticket.Status
}

func TestReserveThenComplete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "50.00")
	buyer := uuid.New()

	txn, err := h.mgr.Reserve(ctx, h.ticket.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionPending, txn.Status)
	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("50.00")))
	assert.Equal(t, domain.TicketAvailable, h.ticketStatus(t), "reservation leaves the ticket listed")

	completed, changed, err := h.mgr.Complete(ctx, txn.ID, "pi_123")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.TransactionCompleted, completed.Status)
	assert.Equal(t, "pi_123", completed.PaymentIntentID)
	assert.Equal(t, domain.TicketSold, h.ticketStatus(t))
	assert.Equal(t, []string{domain.EventTransactionCompleted}, h.store.OutboxTypes())
}

func TestReserve_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "10")

	_, err := h.mgr.Reserve(ctx, uuid.New(), uuid.New())
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = h.mgr.Reserve(ctx, h.ticket.ID, h.seller)
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	txn, err := h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	require.NoError(t, err)
	_, _, err = h.mgr.Complete(ctx, txn.ID, "")
	require.NoError(t, err)

	_, err = h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestReserve_AlreadySoldWhenCompletedRowExists(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "10")
	done := domain.NewTransaction(h.ticket, uuid.New(), h.clock)
	done.Status = domain.TransactionCompleted
	require.NoError(t, h.store.InsertTransaction(ctx, done))

	_, err := h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrAlreadySold))
}

func TestReserve_ReservedByAnotherBuyer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "80")

	_, err := h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	require.NoError(t, err)

	h.advance(29 * time.Minute)
	_, err = h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestReserve_SameBuyerResumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "80")
	buyer := uuid.New()

	first, err := h.mgr.Reserve(ctx, h.ticket.ID, buyer)
	require.NoError(t, err)

	repriced := h.ticket
	repriced.Price = decimal.NewFromInt(95)
	require.NoError(t, h.store.UpdateTicket(ctx, repriced))

	h.advance(45 * time.Minute)
	second, err := h.mgr.Reserve(ctx, h.ticket.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Amount.Equal(decimal.NewFromInt(80)), "amount is fixed at creation")
	assert.Equal(t, h.clock, second.UpdatedAt)
}

func TestReserve_StaleReservationIsTakenOver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "80")
	first, err := h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	require.NoError(t, err)

	withSession := *first
	withSession.SessionID = "cs_old"
	require.NoError(t, h.store.UpdateTransaction(ctx, withSession))

	h.advance(31 * time.Minute)
	second := uuid.New()
	txn, err := h.mgr.Reserve(ctx, h.ticket.ID, second)
	require.NoError(t, err)
	assert.Equal(t, second, txn.BuyerID)
	assert.Equal(t, domain.TransactionPending, txn.Status)
	assert.NotEqual(t, first.ID, txn.ID)
	assert.Empty(t, txn.SessionID)
	assert.Equal(t, []string{"cs_old"}, h.gw.ExpiredSessions)

	_, err = h.store.GetTransaction(ctx, first.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, _, err = h.mgr.Complete(ctx, first.ID, "pi_late")
	assert.True(t, errors.Is(err, domain.ErrNotFound), "late completion of the abandoned attempt must not land")
}

func TestReserve_FailedAttemptIsSuperseded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "80")
	first, err := h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	require.NoError(t, err)
	changed, err := h.mgr.Expire(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, changed)

	txn, err := h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionPending, txn.Status)
}

func TestReserve_ConcurrentBuyers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "80")

	const buyers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, buyers-1, conflicts)
}

func TestComplete_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "50")
	txn, err := h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	require.NoError(t, err)

	_, changed, err := h.mgr.Complete(ctx, txn.ID, "pi_1")
	require.NoError(t, err)
	assert.True(t, changed)

	again, changed, err := h.mgr.Complete(ctx, txn.ID, "pi_1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, domain.TransactionCompleted, again.Status)
	assert.Len(t, h.store.Outbox(), 1)
}

func TestComplete_RollsBackOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "50")
	txn, err := h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	require.NoError(t, err)

	h.store.FailOn("UpdateTransaction", errors.New("disk full"))
	_, _, err = h.mgr.Complete(ctx, txn.ID, "pi_1")
	require.Error(t, err)

	assert.Equal(t, domain.TicketAvailable, h.ticketStatus(t))
	stored, err := h.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionPending, stored.Status)
	assert.Empty(t, h.store.Outbox())
}

func TestComplete_Unknown(t *testing.T) {
	h := newHarness(t, "50")
	_, _, err := h.mgr.Complete(context.Background(), uuid.New(), "")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "50")
	txn, err := h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	require.NoError(t, err)

	_, _, err = h.mgr.Complete(ctx, txn.ID, "pi_1")
	require.NoError(t, err)

	changed, err := h.mgr.Expire(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, changed, "expiry after completion is a no-op")

	stored, err := h.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionCompleted, stored.Status)
	assert.Equal(t, domain.TicketSold, h.ticketStatus(t))
}

func TestCompleteAfterExpire(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "50")
	txn, err := h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	require.NoError(t, err)

	changed, err := h.mgr.Expire(ctx, txn.ID)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, domain.TicketAvailable, h.ticketStatus(t))

	_, changed, err = h.mgr.Complete(ctx, txn.ID, "pi_1")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.TicketSold, h.ticketStatus(t))
	assert.Equal(t, []string{domain.EventTransactionExpired, domain.EventTransactionCompleted}, h.store.OutboxTypes())
}

func TestSweepStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "50")
	stale, err := h.mgr.Reserve(ctx, h.ticket.ID, uuid.New())
	require.NoError(t, err)

	fresh := domain.Ticket{ID: uuid.New(), EventID: h.ticket.EventID, SellerID: h.seller, Price: decimal.NewFromInt(5), Status: domain.TicketAvailable}
	require.NoError(t, h.store.CreateTicket(ctx, fresh))

	h.advance(40 * time.Minute)
	recent, err := h.mgr.Reserve(ctx, fresh.ID, uuid.New())
	require.NoError(t, err)

	n, err := h.mgr.SweepStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.GetTransaction(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionFailed, got.Status)
	got, err = h.store.GetTransaction(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionPending, got.Status)
}

func TestStartCheckout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "50.00")
	buyer := uuid.New()
	h.store.AddUser(domain.User{ID: buyer, Email: "buyer@example.com", Role: domain.RoleUser})
	txn, err := h.mgr.Reserve(ctx, h.ticket.ID, buyer)
	require.NoError(t, err)

	session, err := h.mgr.StartCheckout(ctx, txn.ID, buyer)
	require.NoError(t, err)
	require.Len(t, h.gw.Checkouts, 1)
	params := h.gw.Checkouts[0]
	assert.Equal(t, txn.ID.String(), params.TransactionID)
	assert.True(t, params.Amount.Equal(decimal.RequireFromString("50")))
	assert.Equal(t, "Festival", params.Title)
	assert.Equal(t, "Section B / Row 2", params.Description)
	assert.Equal(t, "buyer@example.com", params.BuyerEmail)
	assert.Equal(t, "https://resale.example/purchase/"+txn.ID.String(), params.CancelURL)

	stored, err := h.store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, stored.SessionID)

	_, err = h.mgr.StartCheckout(ctx, txn.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, []string{session.ID}, h.gw.ExpiredSessions)
}

func TestStartCheckout_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "50")
	buyer := uuid.New()
	txn, err := h.mgr.Reserve(ctx, h.ticket.ID, buyer)
	require.NoError(t, err)

	_, err = h.mgr.StartCheckout(ctx, txn.ID, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	h.gw.CheckoutErr = errors.New("stripe down")
	_, err = h.mgr.StartCheckout(ctx, txn.ID, buyer)
	assert.True(t, errors.Is(err, domain.ErrGateway))

	h.gw.CheckoutErr = nil
	_, err = h.mgr.Expire(ctx, txn.ID)
	require.NoError(t, err)
	_, err = h.mgr.StartCheckout(ctx, txn.ID, buyer)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestGetAndList(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "50")
	buyer := uuid.New()
	txn, err := h.mgr.Reserve(ctx, h.ticket.ID, buyer)
	require.NoError(t, err)

	_, err = h.mgr.Get(ctx, txn.ID, buyer)
	require.NoError(t, err)
	_, err = h.mgr.Get(ctx, txn.ID, h.seller)
	require.NoError(t, err)
	_, err = h.mgr.Get(ctx, txn.ID, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	bought, err := h.mgr.ListForUser(ctx, buyer, RoleBuyer)
	require.NoError(t, err)
	assert.Len(t, bought, 1)
	sold, err := h.mgr.ListForUser(ctx, buyer, RoleSeller)
	require.NoError(t, err)
	assert.Empty(t, sold)
	all, err := h.mgr.ListForUser(ctx, h.seller, RoleAny)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = ParseRole("admin")
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}
