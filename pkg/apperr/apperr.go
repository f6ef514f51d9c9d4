// Package apperr holds the error kinds shared by the obligation and payment
// domains. Domain packages declare coded sentinels built from these kinds so
// callers can match either the exact sentinel or the broader kind.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation_error")
	ErrNotFound               = errors.New("not_found")
	ErrInvalidStateTransition = errors.New("invalid_state_transition")
	ErrRetryLimit             = errors.New("payment_retry_limit")
	ErrGateway                = errors.New("gateway_error")
	ErrDuplicateNotification  = errors.New("duplicate_notification")
	ErrUnresolvedNotification = errors.New("unresolved_notification")

	// ErrVersionConflict signals a lost compare-and-set race. Writers retry
	// it internally; it never reaches an external caller.
	ErrVersionConflict = errors.New("version_conflict")
)

// Error is a coded error of a given kind with a human readable reason.
type Error struct {
	Kind   error
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Code
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Reason != "" {
		msg = msg + ": " + e.Reason
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Is matches another *Error carrying the same kind and code, so a sentinel
// still matches after Wrap attached a cause to a copy of it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code != "" && e.Code == t.Code && e.Kind == t.Kind
}

// Wrap returns a copy of e that carries cause.
func (e *Error) Wrap(cause error) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Err = cause
	return &cp
}

// WithReason returns a copy of e with a more specific reason.
func (e *Error) WithReason(format string, args ...any) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Reason = fmt.Sprintf(format, args...)
	return &cp
}

func Validation(code, reason string) *Error {
	return &Error{Kind: ErrValidation, Code: code, Reason: reason}
}

func NotFound(code, reason string) *Error {
	return &Error{Kind: ErrNotFound, Code: code, Reason: reason}
}

func InvalidTransition(code, reason string) *Error {
	return &Error{Kind: ErrInvalidStateTransition, Code: code, Reason: reason}
}

// Transition builds an InvalidStateTransition error for entity moving from
// one status through op.
func Transition(entity, from, op string) *Error {
	return &Error{
		Kind:   ErrInvalidStateTransition,
		Code:   "invalid_state_transition",
		Reason: fmt.Sprintf("%s cannot %s from status %s", entity, op, from),
	}
}

func RetryLimit(reason string) *Error {
	return &Error{Kind: ErrRetryLimit, Code: "payment_retry_limit", Reason: reason}
}

// Kind returns the first known kind err belongs to, or nil.
func Kind(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrNotFound,
		ErrInvalidStateTransition,
		ErrRetryLimit,
		ErrGateway,
		ErrDuplicateNotification,
		ErrUnresolvedNotification,
		ErrVersionConflict,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Code returns the code of the outermost *Error in err's chain.
func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Code
	}
	return ""
}
