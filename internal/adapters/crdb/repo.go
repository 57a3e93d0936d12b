package crdb

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	uniqueViolationCode      = "23505"
	foreignKeyViolationCode  = "23503"

	maxTxAttempts = 4
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Repository implements domain.Repository on CockroachDB. The value returned
// by NewRepository runs each call on the pool; WithTx hands its callback a copy
// bound to one SERIALIZABLE transaction.
type Repository struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

var _ domain.Repository = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, q: pool}
}

// WithTx runs fn in a SERIALIZABLE transaction, retrying the whole callback
// when CockroachDB reports a serialization conflict. Callbacks must therefore
// be safe to run more than once. Nested calls join the outer transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(tx domain.Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	start := time.Now()
	defer func() { observability.DBTxDuration.Observe(time.Since(start).Seconds()) }()

	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = r.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
		observability.DBTxRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
		}
	}
	return errors.Mark(errors.Wrap(err, "serializable transaction retries exhausted"), domain.ErrSerializationFailure)
}

func (r *Repository) runTx(ctx context.Context, fn func(tx domain.Repository) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	if err := fn(&Repository{pool: r.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode
}

func translate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(domain.ErrNotFound, format, args...)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolationCode:
			return errors.Mark(errors.Wrapf(err, format, args...), domain.ErrConflict)
		case foreignKeyViolationCode:
			return errors.Mark(errors.Wrapf(err, format, args...), domain.ErrNotFound)
		}
	}
	return errors.Wrapf(err, format, args...)
}

func expectRow(tag pgconn.CommandTag, format string, args ...any) error {
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, format, args...)
	}
	return nil
}

func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var (
		u    domain.User
		role string
	)
	err := r.q.QueryRow(ctx, `
		SELECT id, email, name, role FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.Name, &role)
	if err != nil {
		return nil, translate(err, "user %s", id)
	}
	if u.Role, err = domain.ParseRole(role); err != nil {
		return nil, err
	}
	return &u, nil
}

const ticketColumns = `id, event_id, seller_id, price, section, seat_row, seat, status, created_at, updated_at`

func scanTicket(row scanner) (*domain.Ticket, error) {
	var (
		t      domain.Ticket
		status string
	)
	err := row.Scan(&t.ID, &t.EventID, &t.SellerID, &t.Price, &t.Seat.Section, &t.Seat.Row, &t.Seat.Seat, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.Status, err = domain.ParseTicketStatus(status); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) CreateTicket(ctx context.Context, t domain.Ticket) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.EventID, t.SellerID, t.Price, t.Seat.Section, t.Seat.Row, t.Seat.Seat, string(t.Status), t.CreatedAt, t.UpdatedAt)
	return translate(err, "insert ticket %s", t.ID)
}

func (r *Repository) GetTicket(ctx context.Context, id uuid.UUID) (*domain.Ticket, error) {
	t, err := scanTicket(r.q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "ticket %s", id)
	}
	return t, nil
}

func (r *Repository) LockTicket(ctx context.Context, id uuid.UUID) (*domain.Ticket, error) {
	t, err := scanTicket(r.q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, translate(err, "lock ticket %s", id)
	}
	return t, nil
}

func (r *Repository) UpdateTicket(ctx context.Context, t domain.Ticket) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE tickets
		SET price = $2, section = $3, seat_row = $4, seat = $5, status = $6, updated_at = $7
		WHERE id = $1
	`, t.ID, t.Price, t.Seat.Section, t.Seat.Row, t.Seat.Seat, string(t.Status), t.UpdatedAt)
	if err != nil {
		return translate(err, "update ticket %s", t.ID)
	}
	return expectRow(tag, "ticket %s", t.ID)
}

func (r *Repository) DeleteTicket(ctx context.Context, id uuid.UUID) error {
	_, err := r.q.Exec(ctx, `
		DELETE FROM transactions
		WHERE ticket_id = $1 AND superseded_at IS NOT NULL AND status <> 'REFUNDED'
	`, id)
	if err != nil {
		return translate(err, "purge superseded transactions of ticket %s", id)
	}
	tag, err := r.q.Exec(ctx, `DELETE FROM tickets WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolationCode {
			return errors.Wrapf(domain.ErrConflict, "ticket %s has sale history", id)
		}
		return translate(err, "delete ticket %s", id)
	}
	return expectRow(tag, "ticket %s", id)
}

func (r *Repository) ListAvailableTickets(ctx context.Context, eventID uuid.UUID) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE status = 'AVAILABLE'`
	var args []any
	if eventID != uuid.Nil {
		query += ` AND event_id = $1`
		args = append(args, eventID)
	}
	query += ` ORDER BY price ASC, created_at ASC`

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "list available tickets")
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

const transactionColumns = `id, ticket_id, buyer_id, seller_id, amount, status, session_id, payment_intent_id, created_at, updated_at`

// Superseded rows are invisible to lookups. A superseded REFUNDED row remains
// part of the buyer's and seller's history.
const (
	liveTransaction    = `superseded_at IS NULL`
	historyTransaction = `(superseded_at IS NULL OR status = 'REFUNDED')`
)

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var (
		t      domain.Transaction
		status string
	)
	err := row.Scan(&t.ID, &t.TicketID, &t.BuyerID, &t.SellerID, &t.Amount, &status, &t.SessionID, &t.PaymentIntentID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.Status, err = domain.ParseTransactionStatus(status); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, translate(err, "list transactions")
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

func (r *Repository) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE id = $1 AND `+liveTransaction, id))
	if err != nil {
		return nil, translate(err, "transaction %s", id)
	}
	return t, nil
}

func (r *Repository) LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE id = $1 AND `+liveTransaction+` FOR UPDATE`, id))
	if err != nil {
		return nil, translate(err, "lock transaction %s", id)
	}
	return t, nil
}

func (r *Repository) GetTransactionByTicket(ctx context.Context, ticketID uuid.UUID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE ticket_id = $1 AND `+liveTransaction, ticketID))
	if err != nil {
		return nil, translate(err, "transaction for ticket %s", ticketID)
	}
	return t, nil
}

func (r *Repository) insertTransaction(ctx context.Context, t domain.Transaction) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.TicketID, t.BuyerID, t.SellerID, t.Amount, string(t.Status), t.SessionID, t.PaymentIntentID, t.CreatedAt, t.UpdatedAt)
	return translate(err, "insert transaction %s", t.ID)
}

func (r *Repository) InsertTransaction(ctx context.Context, t domain.Transaction) error {
	return r.insertTransaction(ctx, t)
}

func (r *Repository) ReplaceTransaction(ctx context.Context, previousID uuid.UUID, t domain.Transaction) error {
	var (
		ticketID uuid.UUID
		status   string
	)
	err := r.q.QueryRow(ctx, `
		UPDATE transactions SET superseded_at = now()
		WHERE id = $1 AND `+liveTransaction+`
		RETURNING ticket_id, status
	`, previousID).Scan(&ticketID, &status)
	if err != nil {
		return translate(err, "supersede transaction %s", previousID)
	}
	if status != string(domain.TransactionRefunded) {
		if _, err := r.q.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, previousID); err != nil {
			return translate(err, "discard transaction %s", previousID)
		}
	}
	t.TicketID = ticketID
	return r.insertTransaction(ctx, t)
}

// UpdateTransaction never rewrites amount or parties; they are fixed at creation.
func (r *Repository) UpdateTransaction(ctx context.Context, t domain.Transaction) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE transactions
		SET status = $2, session_id = $3, payment_intent_id = $4, updated_at = $5
		WHERE id = $1 AND `+liveTransaction,
		t.ID, string(t.Status), t.SessionID, t.PaymentIntentID, t.UpdatedAt)
	if err != nil {
		return translate(err, "update transaction %s", t.ID)
	}
	return expectRow(tag, "transaction %s", t.ID)
}

func (r *Repository) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	_, err := r.q.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	return translate(err, "delete transaction %s", id)
}

func (r *Repository) ListTransactionsByBuyer(ctx context.Context, buyerID uuid.UUID) ([]domain.Transaction, error) {
	return r.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE buyer_id = $1 AND `+historyTransaction+`
		ORDER BY created_at DESC
	`, buyerID)
}

func (r *Repository) ListTransactionsBySeller(ctx context.Context, sellerID uuid.UUID) ([]domain.Transaction, error) {
	return r.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE seller_id = $1 AND `+historyTransaction+`
		ORDER BY created_at DESC
	`, sellerID)
}

func (r *Repository) ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 1000
	}
	return r.queryTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'PENDING' AND `+liveTransaction+` AND updated_at <= $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, updatedBefore, limit)
}

const disputeColumns = `id, transaction_id, opener_id, reason, description, status, admin_notes, refund_id, created_at, updated_at`

func scanDispute(row scanner) (*domain.Dispute, error) {
	var (
		d              domain.Dispute
		reason, status string
	)
	err := row.Scan(&d.ID, &d.TransactionID, &d.OpenerID, &reason, &d.Description, &status, &d.AdminNotes, &d.RefundID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if d.Reason, err = domain.ParseDisputeReason(reason); err != nil {
		return nil, err
	}
	if d.Status, err = domain.ParseDisputeStatus(status); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repository) InsertDispute(ctx context.Context, d domain.Dispute) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, d.ID, d.TransactionID, d.OpenerID, string(d.Reason), d.Description, string(d.Status), d.AdminNotes, d.RefundID, d.CreatedAt, d.UpdatedAt)
	return translate(err, "insert dispute for transaction %s", d.TransactionID)
}

func (r *Repository) GetDispute(ctx context.Context, id uuid.UUID) (*domain.Dispute, error) {
	d, err := scanDispute(r.q.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "dispute %s", id)
	}
	return d, nil
}

func (r *Repository) LockDispute(ctx context.Context, id uuid.UUID) (*domain.Dispute, error) {
	d, err := scanDispute(r.q.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, translate(err, "lock dispute %s", id)
	}
	return d, nil
}

func (r *Repository) UpdateDispute(ctx context.Context, d domain.Dispute) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE disputes SET status = $2, admin_notes = $3, refund_id = $4, updated_at = $5
		WHERE id = $1
	`, d.ID, string(d.Status), d.AdminNotes, d.RefundID, d.UpdatedAt)
	if err != nil {
		return translate(err, "update dispute %s", d.ID)
	}
	return expectRow(tag, "dispute %s", d.ID)
}

func (r *Repository) ListDisputesByStatus(ctx context.Context, status domain.DisputeStatus) ([]domain.Dispute, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE status = $1 ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, translate(err, "list %s disputes", status)
	}
	defer rows.Close()

	var disputes []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		disputes = append(disputes, *d)
	}
	return disputes, rows.Err()
}

func (r *Repository) LockPayoutAccount(ctx context.Context, userID uuid.UUID) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO payout_accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return translate(err, "open payout account %s", userID)
	}
	var locked uuid.UUID
	err = r.q.QueryRow(ctx, `
		SELECT user_id FROM payout_accounts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&locked)
	return translate(err, "lock payout account %s", userID)
}

const payoutColumns = `id, user_id, amount, destination, status, created_at, updated_at`

func scanPayout(row scanner) (*domain.Payout, error) {
	var (
		p      domain.Payout
		status string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.Amount, &p.Destination, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if p.Status, err = domain.ParsePayoutStatus(status); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) InsertPayout(ctx context.Context, p domain.Payout) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.UserID, p.Amount, p.Destination, string(p.Status), p.CreatedAt, p.UpdatedAt)
	return translate(err, "insert payout %s", p.ID)
}

func (r *Repository) GetPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	p, err := scanPayout(r.q.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "payout %s", id)
	}
	return p, nil
}

func (r *Repository) LockPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	p, err := scanPayout(r.q.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, translate(err, "lock payout %s", id)
	}
	return p, nil
}

func (r *Repository) UpdatePayout(ctx context.Context, p domain.Payout) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE payouts SET status = $2, updated_at = $3 WHERE id = $1
	`, p.ID, string(p.Status), p.UpdatedAt)
	if err != nil {
		return translate(err, "update payout %s", p.ID)
	}
	return expectRow(tag, "payout %s", p.ID)
}

func (r *Repository) ListPayoutsByUser(ctx context.Context, userID uuid.UUID) ([]domain.Payout, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+payoutColumns+` FROM payouts WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, translate(err, "list payouts of %s", userID)
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

// Ping is used by the readiness probe.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// UpsertUser provisions or refreshes the local copy of an identity. The id is
// the authoritative external identity; a different id for a known email is a
// hard conflict rather than a key rewrite.
func (r *Repository) UpsertUser(ctx context.Context, u domain.User) error {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO users (id, email, name, role) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET email = excluded.email, name = excluded.name, role = excluded.role
	`, u.ID, normalizeEmail(u.Email), u.Name, string(u.Role))
	if err != nil {
		return translate(err, "upsert user %s", u.ID)
	}
	return expectRow(tag, "user %s", u.ID)
}
