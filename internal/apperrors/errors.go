// Package apperrors defines the error kinds used across the proxy core.
package apperrors

import "fmt"

// Kind classifies an AppError into one of the proxy's recognized failure
// modes, per the error-kind table: Busy is recoverable by the caller
// trying the next worker/slot, InvalidData and AccessDenied terminate the
// handshake, ConnLost is a quiet mid-handshake disconnect, NoMem aborts
// the current operation, Fatal cannot be recovered from at startup.
type Kind string

const (
	KindBusy        Kind = "busy"
	KindInvalidData Kind = "invalid_data"
	KindAccessDenied Kind = "access_denied"
	KindConnLost    Kind = "conn_lost"
	KindNoMem       Kind = "no_mem"
	KindFatal       Kind = "fatal"
)

// AppError is a typed application error carrying a Kind, a human-readable
// message, and an optional wrapped cause.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Wrap creates a new AppError of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is an *AppError of the given kind.
func Is(err error, kind Kind) bool {
	var ae *AppError
	if e, ok := err.(*AppError); ok {
		ae = e
	} else {
		return false
	}
	return ae.Kind == kind
}

// Busy reports whether err signals a busy worker/slot.
func Busy(err error) bool { return Is(err, KindBusy) }
