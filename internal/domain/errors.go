package domain

import "github.com/cockroachdb/errors"

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrForbidden            = errors.New("forbidden")
	ErrConflict             = errors.New("conflict")
	ErrAlreadySold          = errors.New("already sold")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrRefundUnavailable    = errors.New("refund unavailable")
	ErrGateway              = errors.New("payment gateway error")
	ErrInvalidArgument      = errors.New("invalid argument")
)
