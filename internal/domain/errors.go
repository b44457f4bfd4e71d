package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is against any *Error.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrIntegrity  = errors.New("integrity violation")
	ErrNumerical  = errors.New("numerical instability")
	ErrConflict   = errors.New("conflict")
)

// IntegrityReason narrows an integrity violation to something a caller can act on.
type IntegrityReason string

const (
	ReasonUserMissing  IntegrityReason = "user_missing"
	ReasonMovieMissing IntegrityReason = "movie_missing"
	ReasonDuplicate    IntegrityReason = "duplicate"
	ReasonGeneric      IntegrityReason = "generic"
)

// Error is the typed error returned across package boundaries.
type Error struct {
	Kind   error
	Op     string
	Reason IntegrityReason
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NotFound builds a NotFound error.
func NotFound(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Validation builds a ValidationError.
func Validation(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Integrity builds an IntegrityError with a classified reason.
func Integrity(op string, reason IntegrityReason, cause error) error {
	return &Error{Kind: ErrIntegrity, Op: op, Reason: reason, Msg: "integrity violation", Err: cause}
}

// Numerical builds a NumericalError.
func Numerical(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrNumerical, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Conflict builds a Conflict error.
func Conflict(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// IntegrityReasonOf returns the classified reason if err is an IntegrityError.
func IntegrityReasonOf(err error) (IntegrityReason, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == ErrIntegrity {
		return e.Reason, true
	}
	return "", false
}
