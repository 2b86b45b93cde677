// Package chaterr defines the error taxonomy shared by the chat core.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how callers are expected to react to it.
type Kind string

const (
	Validation  Kind = "validation"
	Auth        Kind = "auth"
	Upload      Kind = "upload"
	Network     Kind = "network"
	Transport   Kind = "transport"
	Persistence Kind = "persistence"
	NotFound    Kind = "not_found"
)

// Sentinels usable with errors.Is.
var (
	ErrValidation  = &Error{Kind: Validation}
	ErrAuth        = &Error{Kind: Auth}
	ErrUpload      = &Error{Kind: Upload}
	ErrNetwork     = &Error{Kind: Network}
	ErrTransport   = &Error{Kind: Transport}
	ErrPersistence = &Error{Kind: Persistence}
	ErrNotFound    = &Error{Kind: NotFound}
)

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrAuth) works
// regardless of Op and the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New wraps err with a kind and the failing operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
