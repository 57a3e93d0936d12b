package payouts

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
	"github.com/robertarktes/ticket-resale-settlement/internal/testutil/memstore"
)

func seedSale(t *testing.T, store *memstore.Store, seller uuid.UUID, amount string, status domain.TransactionStatus) {
	t.Helper()
	ticket := domain.Ticket{ID: uuid.New(), SellerID: seller, Price: decimal.RequireFromString(amount), Status: domain.TicketSold}
	require.NoError(t, store.CreateTicket(context.Background(), ticket))
	txn := domain.NewTransaction(ticket, uuid.New(), time.Now())
	txn.Status = status
	require.NoError(t, store.InsertTransaction(context.Background(), txn))
}

func TestRequestPayout(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	mgr := NewManager(store, observability.NewNopLogger())
	seller := uuid.New()
	seedSale(t, store, seller, "60.00", domain.TransactionCompleted)
	seedSale(t, store, seller, "40.00", domain.TransactionCompleted)
	seedSale(t, store, seller, "999.00", domain.TransactionPending)

	payout, err := mgr.RequestPayout(ctx, seller, " pix-key-123 ")
	require.NoError(t, err)
	assert.True(t, payout.Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, "pix-key-123", payout.Destination)
	assert.Equal(t, domain.PayoutPending, payout.Status)
	assert.Equal(t, []string{domain.EventPayoutRequested}, store.OutboxTypes())

	_, err = mgr.RequestPayout(ctx, seller, "pix-key-123")
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))

	balance, err := mgr.Balance(ctx, seller)
	require.NoError(t, err)
	assert.True(t, balance.TotalSales.Equal(decimal.NewFromInt(100)))
	assert.True(t, balance.TotalPayouts.Equal(decimal.NewFromInt(100)))
	assert.True(t, balance.AvailableBalance.IsZero())
}

func TestRequestPayout_Rejections(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	mgr := NewManager(store, observability.NewNopLogger())

	_, err := mgr.RequestPayout(ctx, uuid.New(), "   ")
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = mgr.RequestPayout(ctx, uuid.New(), "pix")
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance), "no sales means no balance")
}

func TestRequestPayout_ConcurrentPerSeller(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	mgr := NewManager(store, observability.NewNopLogger())
	sellers := []uuid.UUID{uuid.New(), uuid.New()}
	for _, s := range sellers {
		seedSale(t, store, s, "100.00", domain.TransactionCompleted)
	}

	const perSeller = 8
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		created      = map[uuid.UUID]int{}
		insufficient = map[uuid.UUID]int{}
	)
	for _, s := range sellers {
		for i := 0; i < perSeller; i++ {
			wg.Add(1)
			go func(seller uuid.UUID) {
				defer wg.Done()
				_, err := mgr.RequestPayout(ctx, seller, "pix")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					created[seller]++
				case errors.Is(err, domain.ErrInsufficientBalance):
					insufficient[seller]++
				}
			}(s)
		}
	}
	wg.Wait()

	for _, s := range sellers {
		assert.Equal(t, 1, created[s])
		assert.Equal(t, perSeller-1, insufficient[s])
		payouts, err := mgr.ListPayouts(ctx, s)
		require.NoError(t, err)
		require.Len(t, payouts, 1)
		assert.True(t, payouts[0].Amount.Equal(decimal.NewFromInt(100)))
	}
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	mgr := NewManager(store, observability.NewNopLogger())
	seller := uuid.New()
	seedSale(t, store, seller, "80", domain.TransactionCompleted)

	payout, err := mgr.RequestPayout(ctx, seller, "pix")
	require.NoError(t, err)

	_, err = mgr.UpdateStatus(ctx, payout.ID, domain.PayoutPaid)
	assert.True(t, errors.Is(err, domain.ErrInvalidState), "must pass through PROCESSING")

	_, err = mgr.UpdateStatus(ctx, payout.ID, "LOST")
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	updated, err := mgr.UpdateStatus(ctx, payout.ID, domain.PayoutProcessing)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutProcessing, updated.Status)

	_, err = mgr.UpdateStatus(ctx, payout.ID, domain.PayoutFailed)
	require.NoError(t, err)

	balance, err := mgr.Balance(ctx, seller)
	require.NoError(t, err)
	assert.True(t, balance.AvailableBalance.Equal(decimal.NewFromInt(80)), "failed payout releases the balance")

	_, err = mgr.UpdateStatus(ctx, payout.ID, domain.PayoutPaid)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))

	again, err := mgr.RequestPayout(ctx, seller, "pix")
	require.NoError(t, err)
	assert.True(t, again.Amount.Equal(decimal.NewFromInt(80)))

	_, err = mgr.UpdateStatus(ctx, uuid.New(), domain.PayoutProcessing)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
