// Package apperr defines the engine's error taxonomy.
//
// Validation errors are caller-correctable and leave state untouched. State
// errors mean the caller's view is stale and it should refetch. Internal
// errors are invariant violations: the operation is aborted and nothing is
// corrected behind the caller's back.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindState
	KindNotFound
	KindForbidden
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Code + ": " + e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Code + ": " + e.Msg
	case e.Err != nil:
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so detail added with With
// does not break errors.Is against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of e carrying a detail message.
func (e *Error) With(format string, args ...any) *Error {
	c := *e
	c.Msg = fmt.Sprintf(format, args...)
	return &c
}

// Wrap returns a copy of e wrapping cause.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

func newErr(kind Kind, code string) *Error { return &Error{Kind: kind, Code: code} }

var (
	ErrInvalidInput      = newErr(KindValidation, "invalid_input")
	ErrBidTooLow         = newErr(KindValidation, "bid_too_low")
	ErrBidNotOnIncrement = newErr(KindValidation, "bid_not_on_increment")
	ErrBelowStarting     = newErr(KindValidation, "below_starting")
	ErrNotQualified      = newErr(KindValidation, "not_qualified")
	ErrAlreadyQualified  = newErr(KindValidation, "already_qualified")
	ErrAlreadySubmitted  = newErr(KindValidation, "already_submitted")
	ErrInsufficientFunds = newErr(KindValidation, "insufficient_funds")
	ErrWrongAuctionType  = newErr(KindValidation, "wrong_auction_type")
	ErrSelfBid           = newErr(KindValidation, "self_bid")

	ErrNotActive          = newErr(KindState, "not_active")
	ErrNotQualifying      = newErr(KindState, "not_qualifying")
	ErrAuctionTerminal    = newErr(KindState, "auction_terminal")
	ErrBuyNowUnavailable  = newErr(KindState, "buy_now_unavailable")
	ErrOrderState         = newErr(KindState, "order_state")
	ErrInvalidTransition  = newErr(KindState, "invalid_transition")
	ErrEngineShuttingDown = newErr(KindState, "engine_shutting_down")

	ErrNotFound  = newErr(KindNotFound, "not_found")
	ErrForbidden = newErr(KindForbidden, "forbidden")

	ErrInvariant = newErr(KindInternal, "invariant_violation")
)

// Invariant reports a broken engine invariant.
func Invariant(format string, args ...any) *Error {
	return ErrInvariant.With(format, args...)
}

// KindOf classifies err. Errors outside the taxonomy are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the taxonomy code of err, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsState(err error) bool      { return KindOf(err) == KindState }
func IsInternal(err error) bool   { return err != nil && KindOf(err) == KindInternal }
