// Package apperrors holds the engine's error taxonomy. Every failure that
// crosses a component boundary is classified into a Kind so callers can
// decide between retry, deny, surface and emergency stop.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies an error by how the engine must react to it.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientNetwork
	KindAuthentication
	KindRateLimitExceeded
	KindOrderRejected
	KindInsufficientBalance
	KindRiskLimitBreach
	KindReconciliationMismatch
	KindDuplicateOrder
	KindOrderNotFound
)

var kindNames = map[Kind]string{
	KindUnknown:                "Unknown",
	KindTransientNetwork:       "TransientNetworkError",
	KindAuthentication:         "AuthenticationError",
	KindRateLimitExceeded:      "RateLimitExceeded",
	KindOrderRejected:          "OrderRejected",
	KindInsufficientBalance:    "InsufficientBalance",
	KindRiskLimitBreach:        "RiskLimitBreach",
	KindReconciliationMismatch: "ReconciliationMismatch",
	KindDuplicateOrder:         "DuplicateOrder",
	KindOrderNotFound:          "OrderNotFound",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels for errors.Is checks against a Kind.
var (
	ErrTransientNetwork       = &Error{Kind: KindTransientNetwork}
	ErrAuthentication         = &Error{Kind: KindAuthentication}
	ErrRateLimitExceeded      = &Error{Kind: KindRateLimitExceeded}
	ErrOrderRejected          = &Error{Kind: KindOrderRejected}
	ErrInsufficientBalance    = &Error{Kind: KindInsufficientBalance}
	ErrRiskLimitBreach        = &Error{Kind: KindRiskLimitBreach}
	ErrReconciliationMismatch = &Error{Kind: KindReconciliationMismatch}
	ErrDuplicateOrder         = &Error{Kind: KindDuplicateOrder}
	ErrOrderNotFound          = &Error{Kind: KindOrderNotFound}
)

// ErrAckTimeout is returned when an order was not acknowledged in time.
var ErrAckTimeout = errors.New("order acknowledgement timed out")

// Error is a classified failure. Code carries the exchange error code when
// there is one; RetryAfter is set for rate limiting.
type Error struct {
	Kind       Kind
	Op         string
	Code       int64
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code=%d)", e.Code)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds a classified error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// RateLimited builds a RateLimitExceeded error with the exchange-supplied delay.
func RateLimited(op string, retryAfter time.Duration, err error) error {
	return &Error{Kind: KindRateLimitExceeded, Op: op, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the Kind of err. Unclassified network and timeout errors
// count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrAckTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}
	return KindUnknown
}

// IsRetryable reports whether an operation that failed with err may be retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindTransientNetwork, KindRateLimitExceeded:
		return true
	default:
		return false
	}
}

// IsFatal reports errors that must halt trading.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAuthentication, KindRiskLimitBreach:
		return true
	default:
		return false
	}
}

// RetryAfter returns the delay requested by a rate-limit error, or 0.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimitExceeded {
		return e.RetryAfter
	}
	return 0
}
