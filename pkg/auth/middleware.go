// Package auth authenticates calling applications by API key.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/bturcanu/OpenConduit/pkg/types"
)

type contextKey struct{}

var callerKey contextKey

// CallerFromContext returns the authenticated caller ID, or "" when the
// request was not authenticated.
func CallerFromContext(ctx context.Context) string {
	v, _ := ctx.Value(callerKey).(string)
	return v
}

// WithCaller returns a context carrying callerID.
func WithCaller(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerKey, callerID)
}

// DefaultPublicPaths are served without credentials.
var DefaultPublicPaths = []string{"/healthz", "/readyz", "/metrics"}

// Option adjusts APIKeyAuth.
type Option func(map[string]bool)

// PublicPaths adds exact paths that bypass authentication.
func PublicPaths(paths ...string) Option {
	return func(m map[string]bool) {
		for _, p := range paths {
			m[p] = true
		}
	}
}

// KeyFromRequest extracts the presented API key from X-API-Key or, failing
// that, an "Authorization: Bearer" header.
func KeyFromRequest(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// APIKeyAuth returns middleware that resolves the presented key to a caller
// and stores it on the request context. Unknown or missing keys get 401.
func APIKeyAuth(keys *KeyStore, opts ...Option) func(http.Handler) http.Handler {
	public := make(map[string]bool)
	PublicPaths(DefaultPublicPaths...)(public)
	for _, opt := range opts {
		opt(public)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := KeyFromRequest(r)
			if key == "" {
				unauthorized(w, "missing API key")
				return
			}
			caller, ok := keys.Lookup(key)
			if !ok {
				unauthorized(w, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="conduit"`)
	types.ErrUnauthorized(msg).WriteJSON(w)
}
