package disputes

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
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/testutil/fakes"
	"github.com/robertarktes/ticket-resale-settlement/internal/testutil/memstore"
)

type fixture struct {
	coord  *Coordinator
	store  *memstore.Store
	gw     *fakes.Gateway
	ticket domain.Ticket
	txn    domain.Transaction
}

func newFixture(t *testing.T, opts Options, status domain.TransactionStatus, paymentIntent, session string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	gw := fakes.NewGateway()
	now := time.Now()

	ticket := domain.Ticket{ID: uuid.New(), EventID: uuid.New(), SellerID: uuid.New(), Price: decimal.NewFromInt(120), Status: domain.TicketAvailable, CreatedAt: now, UpdatedAt: now}
	if status == domain.TransactionCompleted {
		ticket.Status = domain.TicketSold
	}
	require.NoError(t, store.CreateTicket(ctx, ticket))

	txn := domain.NewTransaction(ticket, uuid.New(), now)
	txn.Status = status
	txn.PaymentIntentID = paymentIntent
	txn.SessionID = session
	require.NoError(t, store.InsertTransaction(ctx, txn))

	return &fixture{
		coord:  NewCoordinator(store, gw, observability.NewNopLogger(), opts),
		store:  store,
		gw:     gw,
		ticket: ticket,
		txn:    txn,
	}
}

func (f *fixture) open(t *testing.T) *domain.Dispute {
	t.Helper()
	d, err := f.coord.Open(context.Background(), OpenInput{
		TransactionID: f.txn.ID,
		OpenerID:      f.txn.BuyerID,
		Reason:        domain.ReasonInvalidTicket,
		Description:   "barcode was already scanned",
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) statuses(t *testing.T, disputeID uuid.UUID) (domain.DisputeStatus, domain.TransactionStatus, domain.TicketStatus) {
	t.Helper()
	ctx := context.Background()
	d, err := f.store.GetDispute(ctx, disputeID)
	require.NoError(t, err)
	txn, err := f.store.GetTransaction(ctx, f.txn.ID)
	require.NoError(t, err)
	ticket, err := f.store.GetTicket(ctx, f.ticket.ID)
	require.NoError(t, err)
	return d.Status, txn.Status, ticket.Status
}

func TestOpen(t *testing.T) {
	f := newFixture(t, Options{}, domain.TransactionCompleted, "pi_1", "")
	d := f.open(t)
	assert.Equal(t, domain.DisputeOpen, d.Status)
	assert.Equal(t, []string{domain.EventDisputeOpened}, f.store.OutboxTypes())

	_, err := f.coord.Open(context.Background(), OpenInput{TransactionID: f.txn.ID, OpenerID: f.txn.BuyerID, Reason: domain.ReasonOther, Description: "again"})
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestOpen_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, domain.TransactionCompleted, "pi_1", "")

	tests := []struct {
		name string
		in   OpenInput
		want error
	}{
		{"unknown reason", OpenInput{TransactionID: f.txn.ID, OpenerID: f.txn.BuyerID, Reason: "FRAUD", Description: "x"}, domain.ErrInvalidArgument},
		{"blank description", OpenInput{TransactionID: f.txn.ID, OpenerID: f.txn.BuyerID, Reason: domain.ReasonOther, Description: "  "}, domain.ErrInvalidArgument},
		{"unknown transaction", OpenInput{TransactionID: uuid.New(), OpenerID: f.txn.BuyerID, Reason: domain.ReasonOther, Description: "x"}, domain.ErrNotFound},
		{"not the buyer", OpenInput{TransactionID: f.txn.ID, OpenerID: f.txn.SellerID, Reason: domain.ReasonOther, Description: "x"}, domain.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.Open(ctx, tt.in)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestOpen_PendingTransaction(t *testing.T) {
	f := newFixture(t, Options{}, domain.TransactionPending, "", "")
	_, err := f.coord.Open(context.Background(), OpenInput{
		TransactionID: f.txn.ID,
		OpenerID:      f.txn.BuyerID,
		Reason:        domain.ReasonNotReceived,
		Description:   "never arrived",
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestResolve_Reject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, domain.TransactionCompleted, "pi_1", "")
	d := f.open(t)

	resolved, err := f.coord.Resolve(ctx, d.ID, domain.DecisionReject, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeRejected, resolved.Status)
	assert.Equal(t, defaultRejection, resolved.AdminNotes)

	ds, ts, tk := f.statuses(t, d.ID)
	assert.Equal(t, domain.DisputeRejected, ds)
	assert.Equal(t, domain.TransactionCompleted, ts)
	assert.Equal(t, domain.TicketSold, tk)
	assert.Zero(t, f.gw.RefundCount())

	_, err = f.coord.Resolve(ctx, d.ID, domain.DecisionRefund, "")
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestResolve_Refund(t *testing.T) {
	f := newFixture(t, Options{}, domain.TransactionCompleted, "pi_1", "cs_1")
	d := f.open(t)

	resolved, err := f.coord.Resolve(context.Background(), d.ID, domain.DecisionRefund, "seller confirmed")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeResolvedRefunded, resolved.Status)
	assert.Equal(t, "re_refund-"+d.ID.String(), resolved.RefundID)
	assert.Equal(t, "seller confirmed", resolved.AdminNotes)

	require.Len(t, f.gw.Refunds, 1)
	refund := f.gw.Refunds[0]
	assert.Equal(t, "pi_1", refund.PaymentIntentID)
	assert.Equal(t, "refund-"+d.ID.String(), refund.IdempotencyKey)
	assert.Equal(t, f.txn.ID.String(), refund.Metadata["transactionId"])
	assert.Equal(t, d.ID.String(), refund.Metadata["disputeId"])

	ds, ts, tk := f.statuses(t, d.ID)
	assert.Equal(t, domain.DisputeResolvedRefunded, ds)
	assert.Equal(t, domain.TransactionRefunded, ts)
	assert.Equal(t, domain.TicketVoided, tk)
	assert.Equal(t, []string{domain.EventDisputeOpened, domain.EventDisputeRefunded}, f.store.OutboxTypes())
}

func TestResolve_RefundRelistsTicket(t *testing.T) {
	f := newFixture(t, Options{RelistRefunded: true}, domain.TransactionCompleted, "pi_1", "")
	d := f.open(t)

	_, err := f.coord.Resolve(context.Background(), d.ID, domain.DecisionRefund, "")
	require.NoError(t, err)
	_, ts, tk := f.statuses(t, d.ID)
	assert.Equal(t, domain.TransactionRefunded, ts)
	assert.Equal(t, domain.TicketAvailable, tk)
}

func TestResolve_RefundLooksUpPaymentIntent(t *testing.T) {
	f := newFixture(t, Options{}, domain.TransactionCompleted, "", "cs_9")
	f.gw.SessionIntents["cs_9"] = "pi_9"
	d := f.open(t)

	_, err := f.coord.Resolve(context.Background(), d.ID, domain.DecisionRefund, "")
	require.NoError(t, err)
	assert.Equal(t, "pi_9", f.gw.Refunds[0].PaymentIntentID)

	txn, err := f.store.GetTransaction(context.Background(), f.txn.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_9", txn.PaymentIntentID)
}

func TestResolve_RefundUnavailable(t *testing.T) {
	for name, session := range map[string]string{"no session": "", "session without intent": "cs_empty"} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Options{}, domain.TransactionCompleted, "", session)
			d := f.open(t)

			_, err := f.coord.Resolve(context.Background(), d.ID, domain.DecisionRefund, "")
			assert.True(t, errors.Is(err, domain.ErrRefundUnavailable))
			assert.Zero(t, f.gw.RefundCount())

			ds, ts, _ := f.statuses(t, d.ID)
			assert.Equal(t, domain.DisputeOpen, ds)
			assert.Equal(t, domain.TransactionCompleted, ts)
		})
	}
}

func TestResolve_GatewayFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, Options{}, domain.TransactionCompleted, "pi_1", "")
	f.gw.RefundErr = errors.New("card_declined")
	d := f.open(t)

	_, err := f.coord.Resolve(context.Background(), d.ID, domain.DecisionRefund, "")
	assert.True(t, errors.Is(err, domain.ErrGateway))

	ds, ts, tk := f.statuses(t, d.ID)
	assert.Equal(t, domain.DisputeOpen, ds)
	assert.Equal(t, domain.TransactionCompleted, ts)
	assert.Equal(t, domain.TicketSold, tk)
}

func TestResolve_GatewayTimeout(t *testing.T) {
	f := newFixture(t, Options{GatewayTimeout: 20 * time.Millisecond}, domain.TransactionCompleted, "pi_1", "")
	f.gw.BlockRefund = true
	d := f.open(t)

	start := time.Now()
	_, err := f.coord.Resolve(context.Background(), d.ID, domain.DecisionRefund, "")
	assert.True(t, errors.Is(err, domain.ErrGateway))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)

	ds, ts, _ := f.statuses(t, d.ID)
	assert.Equal(t, domain.DisputeOpen, ds)
	assert.Equal(t, domain.TransactionCompleted, ts)
}

func TestResolve_RetryAfterLocalFailureReusesIdempotencyKey(t *testing.T) {
	f := newFixture(t, Options{}, domain.TransactionCompleted, "pi_1", "")
	d := f.open(t)

	f.store.FailOn("UpdateTransaction", errors.New("connection reset"))
	_, err := f.coord.Resolve(context.Background(), d.ID, domain.DecisionRefund, "")
	require.Error(t, err)
	ds, ts, _ := f.statuses(t, d.ID)
	assert.Equal(t, domain.DisputeOpen, ds)
	assert.Equal(t, domain.TransactionCompleted, ts)

	f.store.FailOn("UpdateTransaction", nil)
	_, err = f.coord.Resolve(context.Background(), d.ID, domain.DecisionRefund, "")
	require.NoError(t, err)

	require.Len(t, f.gw.Refunds, 2)
	assert.Equal(t, f.gw.Refunds[0].IdempotencyKey, f.gw.Refunds[1].IdempotencyKey)
}

func TestResolve_InvalidDecision(t *testing.T) {
	f := newFixture(t, Options{}, domain.TransactionCompleted, "pi_1", "")
	d := f.open(t)
	_, err := f.coord.Resolve(context.Background(), d.ID, "REFUND_HALF", "")
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestGetAndListOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, domain.TransactionCompleted, "pi_1", "")
	d := f.open(t)

	_, err := f.coord.Get(ctx, d.ID, f.txn.BuyerID, false)
	require.NoError(t, err)
	_, err = f.coord.Get(ctx, d.ID, uuid.New(), true)
	require.NoError(t, err)
	_, err = f.coord.Get(ctx, d.ID, f.txn.SellerID, false)
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	open, err := f.coord.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, d.ID, open[0].ID)
}
