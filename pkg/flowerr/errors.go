// Package flowerr defines the error taxonomy shared by the stores, the
// connections and the processing session.
//
// Errors carry a Code describing how the caller should react:
//
//	TransientIO           storage temporarily unavailable; the scheduler may retry
//	RepositoryIO          the metadata log rejected a write; the commit failed
//	RepositoryCorruption  a persisted entry could not be decoded during replay
//	ContractViolation     the caller misused the session API
//	ClaimNotFound         content bytes for a claim are gone
//	NotFound              no record with the requested id
//	SessionClosed         the session was already committed or rolled back
//	InvalidArgument       malformed input to a store operation
//
// Matching is by code, so errors.Is(err, flowerr.ErrContractViolation) is
// true for every ContractViolation regardless of message:
//
//	if errors.Is(err, flowerr.ErrContractViolation) {
//	    // caller bug, do not retry
//	}
package flowerr

import (
	"errors"
	"fmt"
)

// Code is the category of an Error.
type Code int

const (
	TransientIO Code = iota
	RepositoryIO
	RepositoryCorruption
	ContractViolation
	ClaimNotFound
	NotFound
	SessionClosed
	InvalidArgument
)

func (c Code) String() string {
	switch c {
	case TransientIO:
		return "transient I/O error"
	case RepositoryIO:
		return "repository I/O error"
	case RepositoryCorruption:
		return "repository corruption"
	case ContractViolation:
		return "contract violation"
	case ClaimNotFound:
		return "claim not found"
	case NotFound:
		return "not found"
	case SessionClosed:
		return "session closed"
	case InvalidArgument:
		return "invalid argument"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Error is a categorized error.
type Error struct {
	// Code is the error category
	Code Code

	// Op names the failing operation (e.g., "session.Commit")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying cause, if any
	Err error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrTransientIO          = &Error{Code: TransientIO}
	ErrRepositoryIO         = &Error{Code: RepositoryIO}
	ErrRepositoryCorruption = &Error{Code: RepositoryCorruption}
	ErrContractViolation    = &Error{Code: ContractViolation}
	ErrClaimNotFound        = &Error{Code: ClaimNotFound}
	ErrNotFound             = &Error{Code: NotFound}
	ErrSessionClosed        = &Error{Code: SessionClosed}
	ErrInvalidArgument      = &Error{Code: InvalidArgument}
)

// New creates an Error.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap categorizes err. A nil err yields nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// IsTransient reports whether the caller may retry the operation later.
// SessionClosed counts as a contract violation: the session itself can
// never be retried.
func IsTransient(err error) bool {
	code, ok := CodeOf(err)
	return ok && (code == TransientIO || code == RepositoryIO)
}

// IsContractViolation reports whether err is a caller bug.
func IsContractViolation(err error) bool {
	code, ok := CodeOf(err)
	return ok && (code == ContractViolation || code == SessionClosed)
}
