package domain

import (
	"errors"
	"fmt"
)

// Ledger rejections.
var (
	ErrNotFound             = errors.New("transfer not found")
	ErrAlreadyClaimed       = errors.New("transfer already claimed")
	ErrExpired              = errors.New("transfer expired")
	ErrCancelled            = errors.New("transfer cancelled")
	ErrNotIntendedRecipient = errors.New("transfer not intended for this recipient")
	ErrNotSender            = errors.New("only the sender may cancel a transfer")
	ErrAlreadyExists        = errors.New("transfer already exists")
)

// Validation errors. Nothing is mutated when one of these is returned.
var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrMissingField      = errors.New("missing required field")
	ErrRecipientMismatch = errors.New("intent is addressed to a different recipient")
	ErrSelfTransfer      = errors.New("sender and recipient must differ")
)

// Reason is the structured rejection code carried over the wire.
type Reason string

const (
	ReasonNotFound             Reason = "not_found"
	ReasonAlreadyClaimed       Reason = "already_claimed"
	ReasonExpired              Reason = "expired"
	ReasonCancelled            Reason = "cancelled"
	ReasonNotIntendedRecipient Reason = "not_intended_recipient"
	ReasonNotSender            Reason = "not_sender"
	ReasonAlreadyExists        Reason = "already_exists"
	ReasonInvalidRequest       Reason = "invalid_request"
	ReasonInternal             Reason = "internal"
)

var reasonErrors = map[Reason]error{
	ReasonNotFound:             ErrNotFound,
	ReasonAlreadyClaimed:       ErrAlreadyClaimed,
	ReasonExpired:              ErrExpired,
	ReasonCancelled:            ErrCancelled,
	ReasonNotIntendedRecipient: ErrNotIntendedRecipient,
	ReasonNotSender:            ErrNotSender,
	ReasonAlreadyExists:        ErrAlreadyExists,
}

// ReasonOf maps an error to its wire reason code.
func ReasonOf(err error) Reason {
	for reason, target := range reasonErrors {
		if errors.Is(err, target) {
			return reason
		}
	}
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrMissingField),
		errors.Is(err, ErrRecipientMismatch),
		errors.Is(err, ErrSelfTransfer):
		return ReasonInvalidRequest
	}
	return ReasonInternal
}

// ErrorForReason maps a wire reason code back to its sentinel. Unknown codes
// yield nil so the caller can fall back to a generic error.
func ErrorForReason(r Reason) error {
	return reasonErrors[r]
}

// ErrorForStatus returns the rejection matching a terminal status.
func ErrorForStatus(s Status) error {
	switch s {
	case StatusPending:
		return nil
	case StatusClaimed:
		return ErrAlreadyClaimed
	case StatusExpired:
		return ErrExpired
	case StatusCancelled:
		return ErrCancelled
	default:
		panic(fmt.Sprintf("domain: unknown transfer status %q", string(s)))
	}
}

// IsRejection reports whether err is an application-level ledger rejection
// as opposed to a transport failure.
func IsRejection(err error) bool {
	for _, target := range reasonErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// TransportError marks a ledger call that never produced an application
// answer: offline, DNS, timeout, or a server-side failure. It is retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ledger %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
