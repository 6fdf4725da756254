package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions
type Kind int

const (
	KindInternal Kind = iota
	// KindValidation is malformed input. Never retried.
	KindValidation
	// KindTransient is a provider, network or storage failure worth retrying.
	KindTransient
	// KindPermanent is an unrecoverable content or format problem.
	KindPermanent
	// KindCancellation is a user, job or client cancellation. Not a failure.
	KindCancellation
	KindNotFound
	KindInvalidState
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCancellation:
		return "cancelled"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is a classified error. Op names the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) error   { return E(KindValidation, op, err) }
func Transient(op string, err error) error    { return E(KindTransient, op, err) }
func Permanent(op string, err error) error    { return E(KindPermanent, op, err) }
func Cancellation(op string, err error) error { return E(KindCancellation, op, err) }
func NotFound(op string, err error) error     { return E(KindNotFound, op, err) }
func InvalidState(op string, err error) error { return E(KindInvalidState, op, err) }
func Conflict(op string, err error) error     { return E(KindConflict, op, err) }

// Validationf builds a validation error from a format string
func Validationf(op, format string, args ...any) error {
	return Validation(op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost classified error in the chain.
// Unclassified context cancellation counts as Cancellation and an expired
// deadline as Transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if stderrors.Is(err, context.Canceled) {
		return KindCancellation
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

func IsValidation(err error) bool   { return KindOf(err) == KindValidation }
func IsTransient(err error) bool    { return KindOf(err) == KindTransient }
func IsPermanent(err error) bool    { return KindOf(err) == KindPermanent }
func IsCancellation(err error) bool { return KindOf(err) == KindCancellation }
func IsNotFound(err error) bool     { return KindOf(err) == KindNotFound }
