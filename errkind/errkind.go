// Package errkind defines the failure kinds surfaced by the streaming layer
// and the exact/broad tables venues use to translate their error codes.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error. Venue specific kinds report ExchangeError as
// their parent so callers can match broadly.
type Kind string

const (
	ConnectionError      Kind = "ConnectionError"
	ConnectionLost       Kind = "ConnectionLost"
	NotConnected         Kind = "NotConnected"
	AuthenticationError  Kind = "AuthenticationError"
	NotSupported         Kind = "NotSupported"
	OrderBookSyncFailure Kind = "OrderBookSyncFailure"
	ExchangeError        Kind = "ExchangeError"
	Timeout              Kind = "Timeout"
	Closed               Kind = "Closed"

	BadRequest        Kind = "BadRequest"
	BadSymbol         Kind = "BadSymbol"
	RateLimitExceeded Kind = "RateLimitExceeded"
	InsufficientFunds Kind = "InsufficientFunds"
	OrderNotFound     Kind = "OrderNotFound"
	OrderNotFillable  Kind = "OrderNotFillable"
	OperationFailed   Kind = "OperationFailed"
)

var parents = map[Kind]Kind{
	BadRequest:        ExchangeError,
	BadSymbol:         BadRequest,
	RateLimitExceeded: ExchangeError,
	InsufficientFunds: ExchangeError,
	OrderNotFound:     ExchangeError,
	OrderNotFillable:  ExchangeError,
	OperationFailed:   ExchangeError,
}

// Parent returns the broader kind k belongs to, or "" for top level kinds.
func (k Kind) Parent() Kind {
	return parents[k]
}

// Error lets a Kind be used as an errors.Is target.
func (k Kind) Error() string {
	return string(k)
}

// Error is the concrete error returned to callers.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a Kind target against the error kind and all of its parents.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	if !ok {
		return false
	}
	for cur := e.Kind; cur != ""; cur = cur.Parent() {
		if cur == k {
			return true
		}
	}
	return false
}

// Of returns the kind of err, or "" when err is not an *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
