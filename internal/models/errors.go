package models

import (
	"errors"
	"fmt"
)

// Kind classifies every error the broker core returns to its callers.
type Kind string

const (
	KindUnknown                  Kind = ""
	KindValidation               Kind = "validation"
	KindInvalidTransition        Kind = "invalid_transition"
	KindConcurrencyConflict      Kind = "concurrency_conflict"
	KindSettlementUnavailable    Kind = "settlement_unavailable"
	KindSettlementUnknownOutcome Kind = "settlement_unknown_outcome"
	KindLedgerInvariant          Kind = "ledger_invariant_violation"
	KindNotFound                 Kind = "not_found"
	KindForbidden                Kind = "forbidden"
)

type Error struct {
	Code Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() Kind { return e.Code }

// InvalidTransitionError reports a state machine precondition violation.
type InvalidTransitionError struct {
	JobID     string
	From      JobStatus
	Attempted string
	Detail    string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid_transition: job %s cannot %s from status %s", e.JobID, e.Attempted, e.From)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *InvalidTransitionError) ErrorKind() Kind { return KindInvalidTransition }

var (
	ErrNotFound           = &Error{Code: KindNotFound, Msg: "record not found"}
	ErrJobAlreadyAccepted = &Error{Code: KindConcurrencyConflict, Msg: "job already accepted by another provider"}
	ErrNotReversible      = &Error{Code: KindInvalidTransition, Msg: "reputation event is not reversible"}
	ErrAlreadyReversed    = &Error{Code: KindInvalidTransition, Msg: "reputation event already reversed"}
)

type kinded interface {
	ErrorKind() Kind
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func Validationf(format string, args ...interface{}) error {
	return &Error{Code: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Forbiddenf(format string, args ...interface{}) error {
	return &Error{Code: KindForbidden, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) error {
	return &Error{Code: KindNotFound, Msg: fmt.Sprintf(format, args...), Err: ErrNotFound}
}

func Conflictf(format string, args ...interface{}) error {
	return &Error{Code: KindConcurrencyConflict, Msg: fmt.Sprintf(format, args...)}
}

func InvariantViolation(msg string, err error) error {
	return &Error{Code: KindLedgerInvariant, Msg: msg, Err: err}
}

func SettlementUnavailable(msg string, err error) error {
	return &Error{Code: KindSettlementUnavailable, Msg: msg, Err: err}
}

func SettlementUnknown(msg string, err error) error {
	return &Error{Code: KindSettlementUnknownOutcome, Msg: msg, Err: err}
}
