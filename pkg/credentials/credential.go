// Package credentials resolves per-user access tokens for third-party services.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Resolution failures. Stores and refreshers wrap these so the dispatcher can
// classify them with errors.Is.
var (
	ErrNotFound    = errors.New("credential not found")
	ErrExpired     = errors.New("credential expired")
	ErrUnavailable = errors.New("credential store unavailable")
)

// Credential is an access token for one user against one service. It is
// never persisted by this package and never logged verbatim.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Authorization returns the value for an HTTP Authorization header.
func (c Credential) Authorization() string {
	typ := c.TokenType
	if typ == "" || strings.EqualFold(typ, "bearer") {
		typ = "Bearer"
	}
	return typ + " " + c.AccessToken
}

// ExpiredAt reports whether the credential is unusable at now, treating
// anything expiring within skew as already expired. A zero ExpiresAt never
// expires.
func (c Credential) ExpiredAt(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// Refreshable reports whether a refresh token is available.
func (c Credential) Refreshable() bool {
	return c.RefreshToken != ""
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{type=%s token=%s expires=%s}", c.TokenType, redact(c.AccessToken), c.ExpiresAt.Format(time.RFC3339))
}

// LogValue keeps tokens out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token_type", c.TokenType),
		slog.String("access_token", redact(c.AccessToken)),
		slog.Bool("refreshable", c.Refreshable()),
		slog.Time("expires_at", c.ExpiresAt),
	)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}
