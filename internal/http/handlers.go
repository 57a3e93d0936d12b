package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/robertarktes/ticket-resale-settlement/internal/disputes"
	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/inventory"
	"github.com/robertarktes/ticket-resale-settlement/internal/lifecycle"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
	"github.com/robertarktes/ticket-resale-settlement/internal/payouts"
	"github.com/robertarktes/ticket-resale-settlement/internal/reconciler"
)

// SignatureHeader carries the gateway's webhook signature.
const SignatureHeader = "Stripe-Signature"

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Services struct {
	Inventory    *inventory.Service
	Transactions *lifecycle.Manager
	Disputes     *disputes.Coordinator
	Payouts      *payouts.Manager
	Reconciler   *reconciler.Reconciler
	Readiness    map[string]ReadinessCheck
}

type Handlers struct {
	inventory  *inventory.Service
	txns       *lifecycle.Manager
	disputes   *disputes.Coordinator
	payouts    *payouts.Manager
	reconciler *reconciler.Reconciler
	readiness  map[string]ReadinessCheck
	log        observability.Logger
}

func NewHandlers(s Services, log observability.Logger) *Handlers {
	return &Handlers{
		inventory:  s.Inventory,
		txns:       s.Transactions,
		disputes:   s.Disputes,
		payouts:    s.Payouts,
		reconciler: s.Reconciler,
		readiness:  s.Readiness,
		log:        log,
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.log, err)
}

func caller(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

func (h *Handlers) CreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	eventID, err := parseUUID(req.EventID, "event_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ticket, err := h.inventory.ListTicket(r.Context(), inventory.ListInput{
		SellerID: caller(r).ID,
		EventID:  eventID,
		Price:    price,
		Seat:     domain.SeatInfo{Section: req.Section, Row: req.Row, Seat: req.Seat},
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTicket(*ticket))
}

func (h *Handlers) ListTickets(w http.ResponseWriter, r *http.Request) {
	eventID := uuid.Nil
	if raw := r.URL.Query().Get("event_id"); raw != "" {
		id, err := parseUUID(raw, "event_id")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		eventID = id
	}
	tickets, err := h.inventory.ListAvailable(r.Context(), eventID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(tickets, toTicket))
}

func (h *Handlers) EditTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, err := parseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req editTicketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in := inventory.EditInput{Section: req.Section, Row: req.Row, Seat: req.Seat}
	if req.Price != nil {
		price, err := parsePrice(*req.Price)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		in.Price = &price
	}

	ticket, err := h.inventory.EditTicket(r.Context(), ticketID, caller(r).ID, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTicket(*ticket))
}

func (h *Handlers) DeleteTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, err := parseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.inventory.RemoveTicket(r.Context(), ticketID, caller(r).ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ReserveTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, err := parseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	txn, err := h.txns.Reserve(r.Context(), ticketID, caller(r).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransaction(*txn))
}

func (h *Handlers) StartCheckout(w http.ResponseWriter, r *http.Request) {
	txnID, err := parseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	session, err := h.txns.StartCheckout(r.Context(), txnID, caller(r).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": session.ID, "session_url": session.URL})
}

func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	role, err := lifecycle.ParseRole(r.URL.Query().Get("role"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	txns, err := h.txns.ListForUser(r.Context(), caller(r).ID, role)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(txns, toTransaction))
}

func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, err := parseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	txn, err := h.txns.Get(r.Context(), txnID, caller(r).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransaction(*txn))
}

func (h *Handlers) OpenDispute(w http.ResponseWriter, r *http.Request) {
	var req openDisputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	txnID, err := parseUUID(req.TransactionID, "transaction_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	reason, err := domain.ParseDisputeReason(req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	d, err := h.disputes.Open(r.Context(), disputes.OpenInput{
		TransactionID: txnID,
		OpenerID:      caller(r).ID,
		Reason:        reason,
		Description:   req.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDispute(*d))
}

func (h *Handlers) GetDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, err := parseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p := caller(r)
	d, err := h.disputes.Get(r.Context(), disputeID, p.ID, p.IsAdmin())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDispute(*d))
}

func (h *Handlers) ListOpenDisputes(w http.ResponseWriter, r *http.Request) {
	open, err := h.disputes.ListOpen(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(open, toDispute))
}

func (h *Handlers) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, err := parseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req resolveDisputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	decision, err := domain.ParseDecision(req.Decision)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	d, err := h.disputes.Resolve(r.Context(), disputeID, decision, req.AdminNotes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDispute(*d))
}

func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.payouts.Balance(r.Context(), caller(r).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (h *Handlers) ListPayouts(w http.ResponseWriter, r *http.Request) {
	list, err := h.payouts.ListPayouts(r.Context(), caller(r).ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(list, toPayout))
}

func (h *Handlers) RequestPayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.payouts.RequestPayout(r.Context(), caller(r).ID, req.DestinationAddress)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPayout(*p))
}

func (h *Handlers) UpdatePayoutStatus(w http.ResponseWriter, r *http.Request) {
	payoutID, err := parseUUID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req payoutStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	status, err := domain.ParsePayoutStatus(req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.payouts.UpdateStatus(r.Context(), payoutID, status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayout(*p))
}

// StripeWebhook acknowledges every verified delivery unless processing failed
// in a way the gateway should retry.
func (h *Handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, errors.Mark(errors.Wrap(err, "read webhook body"), domain.ErrInvalidArgument))
		return
	}

	outcome, err := h.reconciler.HandleEvent(r.Context(), payload, r.Header.Get(SignatureHeader))
	if errors.Is(err, domain.ErrInvalidSignature) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Code: "invalid_signature", Message: "signature verification failed"}})
		return
	}
	if err != nil {
		observability.LoggerFrom(r.Context(), h.log).WithError(err).Error("webhook processing failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Code: "internal", Message: "processing failed"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome})
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for name, check := range h.readiness {
		g.Go(func() error {
			if err := check(gctx); err != nil {
				return errors.Wrapf(err, "%s not ready", name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		observability.LoggerFrom(r.Context(), h.log).WithError(err).Warn("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{Code: "not_ready", Message: err.Error()}})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}
