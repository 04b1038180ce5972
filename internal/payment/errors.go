package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a payment failure.
type Kind string

const (
	KindMalformedRequirements Kind = "malformed_requirements"
	KindSigning               Kind = "signing_error"
	KindNetwork               Kind = "network_error"
	KindTimeout               Kind = "timeout"
	KindVerificationFailed    Kind = "verification_failed"
	KindSettlementFailed      Kind = "settlement_failed"
	KindUnexpectedStatus      Kind = "unexpected_status"
	KindMalformedPayment      Kind = "malformed_payment"
)

// Error is the error type returned across the negotiator, guard and
// facilitator boundaries.
type Error struct {
	Kind   Kind
	Reason string
	// Status is the HTTP status observed, for KindUnexpectedStatus.
	Status int
	Cause  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Kind so the sentinels below work with errors.Is.
// A timeout is also a network error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindNetwork && e.Kind == KindTimeout
}

// Sentinels for errors.Is.
var (
	ErrMalformedRequirements = &Error{Kind: KindMalformedRequirements}
	ErrSigning               = &Error{Kind: KindSigning}
	ErrNetwork               = &Error{Kind: KindNetwork}
	ErrTimeout               = &Error{Kind: KindTimeout}
	ErrVerificationFailed    = &Error{Kind: KindVerificationFailed}
	ErrSettlementFailed      = &Error{Kind: KindSettlementFailed}
	ErrUnexpectedStatus      = &Error{Kind: KindUnexpectedStatus}
	ErrMalformedPayment      = &Error{Kind: KindMalformedPayment}
)

func NewError(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// KindOf returns the Kind of err, or "" if err is not a payment error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// TransportError classifies a failed network call as KindTimeout or
// KindNetwork.
func TransportError(reason string, err error) *Error {
	if IsTimeout(err) {
		return NewError(KindTimeout, reason, err)
	}
	return NewError(KindNetwork, reason, err)
}

// IsTimeout reports whether err is a deadline or net timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func errInvalidAtomic(s string) error {
	return fmt.Errorf("invalid atomic amount %q", s)
}
