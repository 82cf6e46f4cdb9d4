// Package apperr defines the typed error kinds propagated between the
// research-agent components and translated to HTTP responses at the
// outermost handler layer only.
package apperr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of error, independent of the Go type that carries
// it. Handlers switch on Kind to pick an HTTP status and client-facing
// message; nothing below the HTTP layer should format a response body.
type Kind string

const (
	KindInputInvalid       Kind = "INPUT_INVALID"
	KindAuthRequired       Kind = "AUTH_REQUIRED"
	KindAuthInvalid        Kind = "AUTH_INVALID"
	KindModelUnknown       Kind = "MODEL_UNKNOWN"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindUpstreamError      Kind = "UPSTREAM_ERROR"
	KindToolFailed         Kind = "TOOL_FAILED"
	KindToolInputRejected  Kind = "TOOL_INPUT_REJECTED"
	KindPlanParseError     Kind = "PLAN_PARSE_ERROR"
	KindPlanError          Kind = "PLAN_ERROR"
	KindTurnBudgetExceeded Kind = "TURN_BUDGET_EXCEEDED"
	KindCancelled          Kind = "CANCELLED"
	KindSoftLimitExceeded  Kind = "SOFT_LIMIT_EXCEEDED"
	KindLeakTrendDetected  Kind = "LEAK_TREND_DETECTED"
)

// Error wraps an underlying cause with a Kind and an optional operation
// label, following the errors.Is/errors.As conventions so callers can test
// for a Kind without string comparison.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, apperr.Kind(...)) style comparisons via a
// sentinel wrapper; see KindError below for that usage.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an Error of the given Kind for operation op, wrapping cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the Kind from err, walking the Unwrap chain. Returns
// ("", false) if no *Error is found anywhere in the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err's Kind (anywhere in its chain) equals kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
