// Package apperr defines the gateway's error taxonomy as a single typed
// error carrying an HTTP status and a retry hint, so every layer — adapters,
// router, sandbox, streaming proxy — surfaces failures the same way.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a coarse error classification used for status-code mapping,
// caching decisions (auth cache) and retry policy.
type Kind string

const (
	InvalidApiKey       Kind = "InvalidApiKey"
	RateLimitExceeded   Kind = "RateLimitExceeded"
	OperationNotAllowed Kind = "OperationNotAllowed"
	OwnershipViolation  Kind = "OwnershipViolation"
	InsufficientFunds   Kind = "InsufficientFunds"
	SymbolNotFound      Kind = "SymbolNotFound"
	BrokerErr           Kind = "BrokerError"
	BrokerTimeout       Kind = "BrokerTimeout"
	CryptoErr           Kind = "CryptoError"
	InternalErr         Kind = "InternalError"
)

// BrokerErrorSubKind further classifies a BrokerErr.
type BrokerErrorSubKind string

const (
	BrokerInvalidInput BrokerErrorSubKind = "InvalidInput"
	BrokerInvalidToken BrokerErrorSubKind = "InvalidToken"
	BrokerOrderRejected BrokerErrorSubKind = "OrderRejected"
	BrokerNetwork      BrokerErrorSubKind = "Network"
)

// Error is the gateway's canonical error shape.
type Error struct {
	Kind       Kind
	SubKind    BrokerErrorSubKind // only meaningful when Kind == BrokerErr
	Message    string
	HTTPStatus int
	Retryable  bool
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is(err, target) report true when target is an *Error with
// the same Kind, e.g. errors.Is(err, apperr.New(apperr.InvalidApiKey, "")).
// A bare Kind is not an error value; use KindOf to read an error's Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func statusFor(k Kind) int {
	switch k {
	case InvalidApiKey:
		return http.StatusUnauthorized
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case OperationNotAllowed, OwnershipViolation:
		return http.StatusForbidden
	case InsufficientFunds:
		return http.StatusBadRequest
	case SymbolNotFound:
		return http.StatusNotFound
	case BrokerTimeout:
		return http.StatusGatewayTimeout
	case CryptoErr, InternalErr:
		return http.StatusInternalServerError
	case BrokerErr:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New constructs an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: statusFor(kind)}
}

// Wrap constructs an *Error of the given kind, attaching an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// NewBrokerError builds a BrokerErr with the given sub-kind.
func NewBrokerError(sub BrokerErrorSubKind, message string, cause error) *Error {
	e := Wrap(BrokerErr, message, cause)
	e.SubKind = sub
	switch sub {
	case BrokerInvalidInput:
		e.HTTPStatus = http.StatusBadRequest
	case BrokerInvalidToken:
		e.HTTPStatus = http.StatusUnauthorized
	case BrokerOrderRejected:
		e.HTTPStatus = http.StatusUnprocessableEntity
	case BrokerNetwork:
		e.HTTPStatus = http.StatusBadGateway
		e.Retryable = true
	}
	return e
}

// NewBrokerTimeout builds a BrokerTimeout error; idempotent reads may retry
// it once, order placement never does (enforced by callers, not here).
func NewBrokerTimeout(message string, cause error) *Error {
	e := Wrap(BrokerTimeout, message, cause)
	e.Retryable = true
	return e
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Response is the user-visible failure envelope required by §7: every error
// response carries status/message/error_code.
type Response struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
}

// ToResponse renders err as the canonical client-facing envelope, with
// secrets redacted from the message.
func ToResponse(err error) (Response, int) {
	var e *Error
	if errors.As(err, &e) {
		return Response{Status: "error", Message: Redact(e.Message), ErrorCode: string(e.Kind)}, e.HTTPStatus
	}
	return Response{Status: "error", Message: "internal error", ErrorCode: string(InternalErr)}, http.StatusInternalServerError
}
