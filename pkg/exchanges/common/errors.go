package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrorKind is the shared error taxonomy every connector maps into.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindNetwork           ErrorKind = "network"
	KindRateLimit         ErrorKind = "rate_limit"
	KindNonceWindow       ErrorKind = "nonce_window"
	KindAuth              ErrorKind = "auth"
	KindPermission        ErrorKind = "permission"
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	KindInvalidSymbol     ErrorKind = "invalid_symbol"
	KindDuplicateOrder    ErrorKind = "duplicate_order"
	KindRejected          ErrorKind = "rejected"
	KindUnknown           ErrorKind = "unknown"
)

// Retryable reports whether the same call may succeed if repeated.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindRateLimit, KindNonceWindow:
		return true
	}
	return false
}

// Transient reports whether the failure counts against the circuit breaker.
// Business rejections never do.
func (k ErrorKind) Transient() bool {
	return k == KindNetwork || k == KindRateLimit
}

// DisablesAccount reports whether the account must stop trading for the
// rest of the run.
func (k ErrorKind) DisablesAccount() bool {
	return k == KindAuth || k == KindPermission
}

// Error is a classified connector failure.
type Error struct {
	Kind     ErrorKind
	Exchange string
	Op       string
	Code     int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s %s: %s (code %d): %s", e.Exchange, e.Op, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Exchange, e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error without an underlying cause.
func NewError(kind ErrorKind, exchange, op string, code int, message string) *Error {
	return &Error{Kind: kind, Exchange: exchange, Op: op, Code: code, Message: message}
}

// Wrap classifies err with KindOf and attaches exchange and op context.
// A nil err yields nil.
func Wrap(exchange, op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: KindOf(err), Exchange: exchange, Op: op, Err: err}
}

// KindOf classifies any error returned by a connector call.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindUnknown
}

// KindFromHTTPStatus maps a transport status code when the body carried no
// venue-specific code.
func KindFromHTTPStatus(status int) ErrorKind {
	switch {
	case status < 300:
		return KindNone
	case status == http.StatusTooManyRequests, status == 418,
		status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return KindRateLimit
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusForbidden:
		return KindPermission
	case status >= 500:
		return KindNetwork
	default:
		return KindRejected
	}
}
