package domain

import (
	"strings"

	"github.com/cockroachdb/errors"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleUser, RoleAdmin:
		return r, nil
	}
	return "", errors.Wrapf(ErrInvalidArgument, "unknown role %q", s)
}

type TicketStatus string

const (
	TicketAvailable TicketStatus = "AVAILABLE"
	TicketSold      TicketStatus = "SOLD"
	// TicketVoided is terminal: the sale was refunded and the ticket is not relisted.
	TicketVoided TicketStatus = "VOIDED"
)

func ParseTicketStatus(s string) (TicketStatus, error) {
	switch st := TicketStatus(s); st {
	case TicketAvailable, TicketSold, TicketVoided:
		return st, nil
	}
	return "", errors.Wrapf(ErrInvalidArgument, "unknown ticket status %q", s)
}

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
	TransactionRefunded  TransactionStatus = "REFUNDED"
)

func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch st := TransactionStatus(s); st {
	case TransactionPending, TransactionCompleted, TransactionFailed, TransactionRefunded:
		return st, nil
	}
	return "", errors.Wrapf(ErrInvalidArgument, "unknown transaction status %q", s)
}

type DisputeStatus string

const (
	DisputeOpen             DisputeStatus = "OPEN"
	DisputeRejected         DisputeStatus = "REJECTED"
	DisputeResolvedRefunded DisputeStatus = "RESOLVED_REFUNDED"
)

func ParseDisputeStatus(s string) (DisputeStatus, error) {
	switch st := DisputeStatus(s); st {
	case DisputeOpen, DisputeRejected, DisputeResolvedRefunded:
		return st, nil
	}
	return "", errors.Wrapf(ErrInvalidArgument, "unknown dispute status %q", s)
}

type DisputeReason string

const (
	ReasonNotReceived    DisputeReason = "NOT_RECEIVED"
	ReasonInvalidTicket  DisputeReason = "INVALID_TICKET"
	ReasonEventCancelled DisputeReason = "EVENT_CANCELLED"
	ReasonNotAsDescribed DisputeReason = "NOT_AS_DESCRIBED"
	ReasonOther          DisputeReason = "OTHER"
)

func ParseDisputeReason(s string) (DisputeReason, error) {
	switch r := DisputeReason(s); r {
	case ReasonNotReceived, ReasonInvalidTicket, ReasonEventCancelled, ReasonNotAsDescribed, ReasonOther:
		return r, nil
	}
	return "", errors.Wrapf(ErrInvalidArgument, "unknown dispute reason %q", s)
}

type Decision string

const (
	DecisionRefund Decision = "REFUND"
	DecisionReject Decision = "REJECT"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case DecisionRefund, DecisionReject:
		return d, nil
	}
	return "", errors.Wrapf(ErrInvalidArgument, "unknown decision %q", s)
}

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutPaid       PayoutStatus = "PAID"
	PayoutFailed     PayoutStatus = "FAILED"
	PayoutRejected   PayoutStatus = "REJECTED"
)

func ParsePayoutStatus(s string) (PayoutStatus, error) {
	switch st := PayoutStatus(s); st {
	case PayoutPending, PayoutProcessing, PayoutPaid, PayoutFailed, PayoutRejected:
		return st, nil
	}
	return "", errors.Wrapf(ErrInvalidArgument, "unknown payout status %q", s)
}

// Committed reports whether the payout still counts against the available balance.
func (s PayoutStatus) Committed() bool {
	return s == PayoutPending || s == PayoutProcessing || s == PayoutPaid
}

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending:    {PayoutProcessing, PayoutFailed, PayoutRejected},
	PayoutProcessing: {PayoutPaid, PayoutFailed, PayoutRejected},
}

func (s PayoutStatus) CanTransitionTo(next PayoutStatus) bool {
	for _, allowed := range payoutTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
