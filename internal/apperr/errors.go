// Package apperr defines the error taxonomy shared by the client, the
// server supervisor and the credential store.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindNetwork    Kind = "NETWORK"
	KindAuth       Kind = "AUTH"
	KindServer     Kind = "SERVER"
	KindBinary     Kind = "BINARY"
	KindValidation Kind = "VALIDATION"
)

// Kind sentinels for use with errors.Is.
var (
	Network    = &Error{Kind: KindNetwork}
	Auth       = &Error{Kind: KindAuth}
	Server     = &Error{Kind: KindServer}
	Binary     = &Error{Kind: KindBinary}
	Validation = &Error{Kind: KindValidation}
)

// Error carries a kind, an optional status or exit code and an optional cause.
type Error struct {
	Kind Kind
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.Server)
// works regardless of message or code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// WithCode returns an error of the given kind carrying a numeric code.
func WithCode(kind Kind, msg string, code int) *Error {
	return &Error{Kind: kind, Msg: msg, Code: code}
}

// KindOf reports the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf reports the code attached to err, or 0.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}
