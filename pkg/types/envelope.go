// Package types defines the request/response envelope shared by the gateway,
// the dispatcher and every adapter.
package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ──────────────────────────────────────────────────────────────────────────────
// Limits
// ──────────────────────────────────────────────────────────────────────────────

const (
	MaxParamsBytes     = 64 * 1024 // 64 KB
	MaxIdentifierBytes = 128
	MaxUserBytes       = 256
	MaxTraceIDBytes    = 128
	MaxTimeoutMS       = 10 * 60 * 1000
)

var (
	serviceRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]*$`)
	actionRe  = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]*$`)
)

// ──────────────────────────────────────────────────────────────────────────────
// ActionRequest: the envelope a calling application submits
// ──────────────────────────────────────────────────────────────────────────────

type ActionRequest struct {
	RequestingUser string          `json:"requesting_user"`
	Service        string          `json:"service"`
	Action         string          `json:"action"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`

	// Optional controls
	TraceID   string `json:"trace_id,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`

	params Parameters
}

// Normalize lowercases service/action and trims the user identifier.
func (r *ActionRequest) Normalize() {
	r.RequestingUser = strings.TrimSpace(r.RequestingUser)
	r.Service = strings.ToLower(strings.TrimSpace(r.Service))
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
}

// NormalizeAndValidate enforces the envelope invariants and decodes the
// parameters. After a nil return Params is populated.
func (r *ActionRequest) NormalizeAndValidate() error {
	r.Normalize()

	if r.RequestingUser == "" {
		return &ValidationError{Field: "requesting_user", Reason: "required"}
	}
	if len(r.RequestingUser) > MaxUserBytes {
		return &ValidationError{Field: "requesting_user", Reason: fmt.Sprintf("exceeds %d bytes", MaxUserBytes)}
	}
	if r.Service == "" {
		return &ValidationError{Field: "service", Reason: "required"}
	}
	if len(r.Service) > MaxIdentifierBytes || !serviceRe.MatchString(r.Service) {
		return &ValidationError{Field: "service", Reason: "invalid identifier"}
	}
	if r.Action == "" {
		return &ValidationError{Field: "action", Reason: "required"}
	}
	if len(r.Action) > MaxIdentifierBytes || !actionRe.MatchString(r.Action) {
		return &ValidationError{Field: "action", Reason: "invalid identifier"}
	}
	if len(r.TraceID) > MaxTraceIDBytes {
		return &ValidationError{Field: "trace_id", Reason: fmt.Sprintf("exceeds %d bytes", MaxTraceIDBytes)}
	}
	if r.TimeoutMS < 0 || r.TimeoutMS > MaxTimeoutMS {
		return &ValidationError{Field: "timeout_ms", Reason: fmt.Sprintf("must be 0..%d", MaxTimeoutMS)}
	}
	if len(r.Parameters) > MaxParamsBytes {
		return &ValidationError{Field: "parameters", Reason: fmt.Sprintf("exceeds %d bytes", MaxParamsBytes)}
	}
	params, err := DecodeParameters(r.Parameters)
	if err != nil {
		return &ValidationError{Field: "parameters", Reason: err.Error()}
	}
	r.params = params
	return nil
}

// Params returns the decoded parameters. It is empty until
// NormalizeAndValidate succeeds.
func (r *ActionRequest) Params() Parameters {
	if r.params == nil {
		return Parameters{}
	}
	return r.params
}

// ──────────────────────────────────────────────────────────────────────────────
// Parameters
// ──────────────────────────────────────────────────────────────────────────────

// Parameters maps parameter names to JSON values. Keys are unique.
type Parameters map[string]any

var errDuplicateKey = errors.New("duplicate key")

// DecodeParameters parses a JSON object, rejecting duplicate top-level keys.
// An empty or null document yields an empty map.
func DecodeParameters(raw json.RawMessage) (Parameters, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Parameters{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("must be a JSON object")
	}

	out := Parameters{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("malformed JSON: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.New("malformed JSON: expected key")
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%w %q", errDuplicateKey, key)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("malformed JSON value for %q: %w", key, err)
		}
		out[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("malformed JSON: trailing data")
	}
	return out, nil
}

// UnmarshalJSON applies the same duplicate-key rule as DecodeParameters.
func (p *Parameters) UnmarshalJSON(b []byte) error {
	params, err := DecodeParameters(b)
	if err != nil {
		return err
	}
	*p = params
	return nil
}

// String returns the named parameter when it is a string.
func (p Parameters) String(name string) (string, bool) {
	v, ok := p[name].(string)
	return v, ok
}

// ──────────────────────────────────────────────────────────────────────────────
// ActionResponse: exactly one of Result/Error is set
// ──────────────────────────────────────────────────────────────────────────────

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

type ErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type ActionResponse struct {
	DispatchID string     `json:"dispatch_id,omitempty"`
	Status     Status     `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      *ErrorBody `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
}

// Success builds a success envelope. A nil result is replaced with an empty
// object so the result field is always present.
func Success(result any, attempts int) ActionResponse {
	if result == nil {
		result = map[string]any{}
	}
	return ActionResponse{Status: StatusSuccess, Result: result, Attempts: attempts}
}

// Failure builds a failure envelope.
func Failure(kind ErrorKind, message string, attempts int) ActionResponse {
	if message == "" {
		message = string(kind)
	}
	return ActionResponse{
		Status:   StatusFailure,
		Error:    &ErrorBody{Kind: kind, Message: message},
		Attempts: attempts,
	}
}

// FailureFrom builds a failure envelope from an error, using the kind carried
// by a *DispatchError when present.
func FailureFrom(err error, attempts int) ActionResponse {
	var de *DispatchError
	if errors.As(err, &de) {
		return Failure(de.Kind, de.Message, attempts)
	}
	return Failure(KindAdapterPermanent, err.Error(), attempts)
}

// Check reports whether the envelope is well-formed.
func (r ActionResponse) Check() error {
	switch r.Status {
	case StatusSuccess:
		if r.Result == nil || r.Error != nil {
			return errors.New("success envelope must carry a result and no error")
		}
	case StatusFailure:
		if r.Result != nil || r.Error == nil {
			return errors.New("failure envelope must carry an error and no result")
		}
		if r.Error.Kind == "" {
			return errors.New("failure envelope missing error kind")
		}
	default:
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Attempts < 0 {
		return errors.New("negative attempts")
	}
	return nil
}

// Kind returns the error kind, or "" for a success envelope.
func (r ActionResponse) Kind() ErrorKind {
	if r.Error == nil {
		return ""
	}
	return r.Error.Kind
}
