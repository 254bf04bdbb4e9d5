package common

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind partitions every failure the core can surface to a caller.
type Kind string

const (
	KindValidation   Kind = "validation"   // malformed request, never retried
	KindConnectivity Kind = "connectivity" // network/timeout, retried with backoff
	KindAuth         Kind = "auth"         // invalid credential, terminal for the account
	KindRateLimit    Kind = "rate_limit"   // exchange throttling, cooldown then retry
	KindPersistence  Kind = "persistence"  // storage failure, retried, never dropped
	KindInternal     Kind = "internal"     // anything unclassified
)

// Error is the only error type that crosses the gateway boundary. Raw
// transport errors are always wrapped before they reach a caller.
type Error struct {
	Kind     Kind
	Exchange string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Exchange != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Exchange, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error.
func NewError(kind Kind, exchange, message string) *Error {
	return &Error{Kind: kind, Exchange: exchange, Message: message}
}

// WrapError attaches a cause.
func WrapError(kind Kind, exchange, message string, err error) *Error {
	return &Error{Kind: kind, Exchange: exchange, Message: message, Err: err}
}

// KindOf classifies any error into the taxonomy. Unrecognized errors are
// internal; transport-level failures are connectivity.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindConnectivity
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindConnectivity
	}
	return KindInternal
}

// IsRetryable reports whether a retry may succeed without operator action.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnectivity, KindRateLimit, KindPersistence:
		return true
	}
	return false
}

// Message returns the caller-visible text for an error, hiding raw
// transport detail behind the typed message.
func Message(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}
