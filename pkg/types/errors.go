package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ──────────────────────────────────────────────────────────────────────────────
// Validation error (returned during request parsing)
// ──────────────────────────────────────────────────────────────────────────────

type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ──────────────────────────────────────────────────────────────────────────────
// Dispatch error taxonomy
// ──────────────────────────────────────────────────────────────────────────────

// ErrorKind is the stable, caller-visible classification of a failed dispatch.
type ErrorKind string

const (
	KindMalformedRequest           ErrorKind = "MalformedRequestError"
	KindUnknownService             ErrorKind = "UnknownServiceError"
	KindCredentialNotFound         ErrorKind = "CredentialNotFoundError"
	KindCredentialExpired          ErrorKind = "CredentialExpiredError"
	KindCredentialStoreUnavailable ErrorKind = "CredentialStoreUnavailableError"
	KindAdapterTransient           ErrorKind = "AdapterTransientError"
	KindAdapterPermanent           ErrorKind = "AdapterPermanentError"
	KindRetriesExhausted           ErrorKind = "RetriesExhaustedError"
	KindDeadlineExceeded           ErrorKind = "DeadlineExceededError"
)

// AllKinds lists every error kind in taxonomy order.
var AllKinds = []ErrorKind{
	KindMalformedRequest,
	KindUnknownService,
	KindCredentialNotFound,
	KindCredentialExpired,
	KindCredentialStoreUnavailable,
	KindAdapterTransient,
	KindAdapterPermanent,
	KindRetriesExhausted,
	KindDeadlineExceeded,
}

// Retryable reports whether the retry executor may try again after a
// failure of this kind. CredentialExpired is handled separately by a single
// forced re-resolution.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindAdapterTransient, KindCredentialStoreUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status code the gateway answers with.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindMalformedRequest:
		return http.StatusUnprocessableEntity
	case KindUnknownService:
		return http.StatusNotFound
	case KindCredentialNotFound, KindCredentialExpired:
		return http.StatusFailedDependency
	case KindCredentialStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindAdapterTransient, KindAdapterPermanent, KindRetriesExhausted:
		return http.StatusBadGateway
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// DispatchError carries a kind and a caller-safe message. Cause is kept for
// logs and errors.Is/As but is not sent to callers.
type DispatchError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *DispatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// NewDispatchError builds a DispatchError.
func NewDispatchError(kind ErrorKind, msg string, cause error) *DispatchError {
	return &DispatchError{Kind: kind, Message: msg, Cause: cause}
}

// KindOf returns the kind of the first *DispatchError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// ──────────────────────────────────────────────────────────────────────────────
// APIError: transport-level errors that never reach the dispatcher
// ──────────────────────────────────────────────────────────────────────────────

type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
	HTTPCode  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WriteJSON writes the error as JSON to the response writer.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPCode)
	_ = json.NewEncoder(w).Encode(e)
}

// ──────────────────────────────────────────────────────────────────────────────
// Common error constructors
// ──────────────────────────────────────────────────────────────────────────────

func ErrUnauthorized(msg string) *APIError {
	return &APIError{Code: "UNAUTHORIZED", Message: msg, HTTPCode: http.StatusUnauthorized}
}
