package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/ticket-resale-settlement/internal/domain"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

var errUnauthorized = errors.New("unauthorized")

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errorStatuses = []struct {
	target error
	status int
	code   string
}{
	{errUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domain.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{domain.ErrInvalidSignature, http.StatusBadRequest, "invalid_signature"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrAlreadySold, http.StatusConflict, "already_sold"},
	{domain.ErrConflict, http.StatusConflict, "conflict"},
	{domain.ErrSerializationFailure, http.StatusConflict, "retry"},
	{domain.ErrInvalidState, http.StatusUnprocessableEntity, "invalid_state"},
	{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{domain.ErrRefundUnavailable, http.StatusUnprocessableEntity, "refund_unavailable"},
	{domain.ErrGateway, http.StatusBadGateway, "gateway_error"},
}

func statusFor(err error) (int, string) {
	for _, s := range errorStatuses {
		if errors.Is(err, s.target) {
			return s.status, s.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, r *http.Request, fallback observability.Logger, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	log := observability.LoggerFrom(r.Context(), fallback).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	} else {
		log.Debug("request rejected")
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
