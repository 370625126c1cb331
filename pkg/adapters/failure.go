package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bturcanu/OpenConduit/pkg/credentials"
)

// Class is how a handler failure should be treated by the retry executor.
type Class int

const (
	// ClassPermanent will not succeed on retry without an external fix.
	ClassPermanent Class = iota
	// ClassTransient is expected to succeed on retry.
	ClassTransient
	// ClassCredentialExpired means the credential was rejected and should be
	// re-resolved once.
	ClassCredentialExpired
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassCredentialExpired:
		return "credential_expired"
	default:
		return "permanent"
	}
}

// ParseClass is the inverse of Class.String. Unknown values are permanent.
func ParseClass(s string) Class {
	switch s {
	case "transient":
		return ClassTransient
	case "credential_expired":
		return ClassCredentialExpired
	default:
		return ClassPermanent
	}
}

// Failure is a classified handler error.
type Failure struct {
	Class      Class
	Reason     string
	RetryAfter time.Duration
	Cause      error
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Class, f.Reason, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Class, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Cause }

// RetryDelay overrides the policy backoff. A rejected credential is retried
// immediately after re-resolution; a throttled call waits for its hint.
func (f *Failure) RetryDelay() (time.Duration, bool) {
	switch {
	case f.Class == ClassCredentialExpired:
		return 0, true
	case f.Class == ClassTransient && f.RetryAfter > 0:
		return f.RetryAfter, true
	}
	return 0, false
}

func Transient(reason string, cause error) *Failure {
	return &Failure{Class: ClassTransient, Reason: reason, Cause: cause}
}

func Permanent(reason string, cause error) *Failure {
	return &Failure{Class: ClassPermanent, Reason: reason, Cause: cause}
}

func CredentialExpired(reason string, cause error) *Failure {
	return &Failure{Class: ClassCredentialExpired, Reason: reason, Cause: cause}
}

// Throttled is a transient failure carrying the provider's Retry-After hint.
func Throttled(retryAfter time.Duration, cause error) *Failure {
	return &Failure{Class: ClassTransient, Reason: "rate limited", RetryAfter: retryAfter, Cause: cause}
}

// Classify returns err as a *Failure. Unclassified timeouts and network
// errors are transient, a wrapped credentials.ErrExpired is a credential
// failure and everything else is permanent.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, credentials.ErrExpired) {
		return CredentialExpired("credential rejected", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("timeout", err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient("network error", err)
	}
	return Permanent("unclassified failure", err)
}

// FromHTTPStatus classifies a non-2xx upstream response. It returns nil for
// 2xx codes.
func FromHTTPStatus(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	cause := fmt.Errorf("upstream status %d: %s", resp.StatusCode, snippet(body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return CredentialExpired("credential rejected by upstream", cause)
	case resp.StatusCode == http.StatusTooManyRequests:
		return Throttled(parseRetryAfter(resp.Header.Get("Retry-After")), cause)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooEarly,
		resp.StatusCode >= 500:
		return Transient(fmt.Sprintf("upstream %s", http.StatusText(resp.StatusCode)), cause)
	default:
		return Permanent(fmt.Sprintf("upstream %s", http.StatusText(resp.StatusCode)), cause)
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}
