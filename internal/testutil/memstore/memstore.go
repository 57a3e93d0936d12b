// Package memstore is an in-memory domain.Repository for tests. WithTx runs the
// callback against a private copy of the data under a store-wide mutex and
// swaps the copy in only when the callback succeeds, so transactions are both
// serialized and atomic.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
)

type state struct {
	users    map[uuid.UUID]domain.User
	tickets  map[uuid.UUID]domain.Ticket
	txns     map[uuid.UUID]domain.Transaction
	archive  map[uuid.UUID]domain.Transaction
	disputes map[uuid.UUID]domain.Dispute
	payouts  map[uuid.UUID]domain.Payout
	accounts map[uuid.UUID]struct{}
	outbox   []domain.OutboxRecord
}

func newState() *state {
	return &state{
		users:    map[uuid.UUID]domain.User{},
		tickets:  map[uuid.UUID]domain.Ticket{},
		txns:     map[uuid.UUID]domain.Transaction{},
		archive:  map[uuid.UUID]domain.Transaction{},
		disputes: map[uuid.UUID]domain.Dispute{},
		payouts:  map[uuid.UUID]domain.Payout{},
		accounts: map[uuid.UUID]struct{}{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.tickets {
		c.tickets[k] = v
	}
	for k, v := range s.txns {
		c.txns[k] = v
	}
	for k, v := range s.archive {
		c.archive[k] = v
	}
	for k, v := range s.disputes {
		c.disputes[k] = v
	}
	for k, v := range s.payouts {
		c.payouts[k] = v
	}
	for k := range s.accounts {
		c.accounts[k] = struct{}{}
	}
	c.outbox = append([]domain.OutboxRecord(nil), s.outbox...)
	return c
}

type Store struct {
	mu       *sync.Mutex
	st       *state
	inTx     bool
	failures map[string]error
}

var _ domain.Repository = (*Store)(nil)

func New() *Store {
	return &Store{mu: &sync.Mutex{}, st: newState(), failures: map[string]error{}}
}

// FailOn makes every later call to the named method return err.
func (s *Store) FailOn(method string, err error) {
	s.lock()
	defer s.unlock()
	s.failures[method] = err
}

func (s *Store) lock() {
	if !s.inTx {
		s.mu.Lock()
	}
}

func (s *Store) unlock() {
	if !s.inTx {
		s.mu.Unlock()
	}
}

func (s *Store) fail(method string) error {
	return s.failures[method]
}

func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Repository) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	view := &Store{mu: s.mu, st: s.st.clone(), inTx: true, failures: s.failures}
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = view.st
	return nil
}

func (s *Store) AddUser(u domain.User) {
	s.lock()
	defer s.unlock()
	s.st.users[u.ID] = u
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*domain.User, error) {
	s.lock()
	defer s.unlock()
	u, ok := s.st.users[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "user %s", id)
	}
	return &u, nil
}

func (s *Store) CreateTicket(_ context.Context, t domain.Ticket) error {
	s.lock()
	defer s.unlock()
	if err := s.fail("CreateTicket"); err != nil {
		return err
	}
	s.st.tickets[t.ID] = t
	return nil
}

func (s *Store) GetTicket(_ context.Context, id uuid.UUID) (*domain.Ticket, error) {
	s.lock()
	defer s.unlock()
	t, ok := s.st.tickets[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "ticket %s", id)
	}
	return &t, nil
}

func (s *Store) LockTicket(ctx context.Context, id uuid.UUID) (*domain.Ticket, error) {
	return s.GetTicket(ctx, id)
}

func (s *Store) UpdateTicket(_ context.Context, t domain.Ticket) error {
	s.lock()
	defer s.unlock()
	if err := s.fail("UpdateTicket"); err != nil {
		return err
	}
	if _, ok := s.st.tickets[t.ID]; !ok {
		return errors.Wrapf(domain.ErrNotFound, "ticket %s", t.ID)
	}
	s.st.tickets[t.ID] = t
	return nil
}

func (s *Store) DeleteTicket(_ context.Context, id uuid.UUID) error {
	s.lock()
	defer s.unlock()
	if _, ok := s.st.tickets[id]; !ok {
		return errors.Wrapf(domain.ErrNotFound, "ticket %s", id)
	}
	for _, t := range s.st.archive {
		if t.TicketID == id {
			return errors.Wrapf(domain.ErrConflict, "ticket %s has sale history", id)
		}
	}
	delete(s.st.tickets, id)
	return nil
}

func (s *Store) ListAvailableTickets(_ context.Context, eventID uuid.UUID) ([]domain.Ticket, error) {
	s.lock()
	defer s.unlock()
	var out []domain.Ticket
	for _, t := range s.st.tickets {
		if t.Status != domain.TicketAvailable {
			continue
		}
		if eventID != uuid.Nil && t.EventID != eventID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out, nil
}

func (s *Store) GetTransaction(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.lock()
	defer s.unlock()
	t, ok := s.st.txns[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "transaction %s", id)
	}
	return &t, nil
}

func (s *Store) LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.GetTransaction(ctx, id)
}

func (s *Store) GetTransactionByTicket(_ context.Context, ticketID uuid.UUID) (*domain.Transaction, error) {
	s.lock()
	defer s.unlock()
	for _, t := range s.st.txns {
		if t.TicketID == ticketID {
			return &t, nil
		}
	}
	return nil, errors.Wrapf(domain.ErrNotFound, "transaction for ticket %s", ticketID)
}

func (s *Store) InsertTransaction(_ context.Context, txn domain.Transaction) error {
	s.lock()
	defer s.unlock()
	if err := s.fail("InsertTransaction"); err != nil {
		return err
	}
	for _, t := range s.st.txns {
		if t.TicketID == txn.TicketID {
			return errors.Wrapf(domain.ErrConflict, "ticket %s already has a transaction", txn.TicketID)
		}
	}
	s.st.txns[txn.ID] = txn
	return nil
}

func (s *Store) ReplaceTransaction(_ context.Context, previousID uuid.UUID, txn domain.Transaction) error {
	s.lock()
	defer s.unlock()
	if err := s.fail("ReplaceTransaction"); err != nil {
		return err
	}
	prev, ok := s.st.txns[previousID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "transaction %s", previousID)
	}
	delete(s.st.txns, previousID)
	if prev.Status == domain.TransactionRefunded {
		s.st.archive[prev.ID] = prev
	}
	txn.TicketID = prev.TicketID
	s.st.txns[txn.ID] = txn
	return nil
}

func (s *Store) UpdateTransaction(_ context.Context, txn domain.Transaction) error {
	s.lock()
	defer s.unlock()
	if err := s.fail("UpdateTransaction"); err != nil {
		return err
	}
	if _, ok := s.st.txns[txn.ID]; !ok {
		return errors.Wrapf(domain.ErrNotFound, "transaction %s", txn.ID)
	}
	s.st.txns[txn.ID] = txn
	return nil
}

func (s *Store) DeleteTransaction(_ context.Context, id uuid.UUID) error {
	s.lock()
	defer s.unlock()
	delete(s.st.txns, id)
	return nil
}

func (s *Store) listTxns(match func(domain.Transaction) bool) []domain.Transaction {
	var out []domain.Transaction
	for _, t := range s.st.txns {
		if match(t) {
			out = append(out, t)
		}
	}
	for _, t := range s.st.archive {
		if match(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Store) ListTransactionsByBuyer(_ context.Context, buyerID uuid.UUID) ([]domain.Transaction, error) {
	s.lock()
	defer s.unlock()
	return s.listTxns(func(t domain.Transaction) bool { return t.BuyerID == buyerID }), nil
}

func (s *Store) ListTransactionsBySeller(_ context.Context, sellerID uuid.UUID) ([]domain.Transaction, error) {
	s.lock()
	defer s.unlock()
	return s.listTxns(func(t domain.Transaction) bool { return t.SellerID == sellerID }), nil
}

func (s *Store) ListStalePending(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Transaction, error) {
	s.lock()
	defer s.unlock()
	out := s.listTxns(func(t domain.Transaction) bool {
		return t.Status == domain.TransactionPending && !t.UpdatedAt.After(updatedBefore)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertDispute(_ context.Context, d domain.Dispute) error {
	s.lock()
	defer s.unlock()
	for _, existing := range s.st.disputes {
		if existing.TransactionID == d.TransactionID {
			return errors.Wrapf(domain.ErrConflict, "transaction %s already disputed", d.TransactionID)
		}
	}
	s.st.disputes[d.ID] = d
	return nil
}

func (s *Store) GetDispute(_ context.Context, id uuid.UUID) (*domain.Dispute, error) {
	s.lock()
	defer s.unlock()
	d, ok := s.st.disputes[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "dispute %s", id)
	}
	return &d, nil
}

func (s *Store) LockDispute(ctx context.Context, id uuid.UUID) (*domain.Dispute, error) {
	return s.GetDispute(ctx, id)
}

func (s *Store) UpdateDispute(_ context.Context, d domain.Dispute) error {
	s.lock()
	defer s.unlock()
	if err := s.fail("UpdateDispute"); err != nil {
		return err
	}
	s.st.disputes[d.ID] = d
	return nil
}

func (s *Store) ListDisputesByStatus(_ context.Context, status domain.DisputeStatus) ([]domain.Dispute, error) {
	s.lock()
	defer s.unlock()
	var out []domain.Dispute
	for _, d := range s.st.disputes {
		if d.Status == status {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) LockPayoutAccount(_ context.Context, userID uuid.UUID) error {
	s.lock()
	defer s.unlock()
	s.st.accounts[userID] = struct{}{}
	return nil
}

func (s *Store) InsertPayout(_ context.Context, p domain.Payout) error {
	s.lock()
	defer s.unlock()
	if err := s.fail("InsertPayout"); err != nil {
		return err
	}
	s.st.payouts[p.ID] = p
	return nil
}

func (s *Store) GetPayout(_ context.Context, id uuid.UUID) (*domain.Payout, error) {
	s.lock()
	defer s.unlock()
	p, ok := s.st.payouts[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "payout %s", id)
	}
	return &p, nil
}

func (s *Store) LockPayout(ctx context.Context, id uuid.UUID) (*domain.Payout, error) {
	return s.GetPayout(ctx, id)
}

func (s *Store) UpdatePayout(_ context.Context, p domain.Payout) error {
	s.lock()
	defer s.unlock()
	s.st.payouts[p.ID] = p
	return nil
}

func (s *Store) ListPayoutsByUser(_ context.Context, userID uuid.UUID) ([]domain.Payout, error) {
	s.lock()
	defer s.unlock()
	var out []domain.Payout
	for _, p := range s.st.payouts {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) InsertOutbox(_ context.Context, rec domain.OutboxRecord) error {
	s.lock()
	defer s.unlock()
	if err := s.fail("InsertOutbox"); err != nil {
		return err
	}
	s.st.outbox = append(s.st.outbox, rec)
	return nil
}

// Outbox returns the committed outbox records in insertion order.
func (s *Store) Outbox() []domain.OutboxRecord {
	s.lock()
	defer s.unlock()
	return append([]domain.OutboxRecord(nil), s.st.outbox...)
}

// OutboxTypes lists the committed outbox event types in insertion order.
func (s *Store) OutboxTypes() []string {
	var types []string
	for _, rec := range s.Outbox() {
		types = append(types, rec.EventType)
	}
	return types
}
