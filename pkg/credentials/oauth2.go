package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// OAuth2Refresher refreshes credentials with the refresh_token grant, using
// one oauth2.Config per service.
type OAuth2Refresher struct {
	configs    map[string]*oauth2.Config
	httpClient *http.Client
}

func NewOAuth2Refresher(configs map[string]*oauth2.Config) *OAuth2Refresher {
	return &OAuth2Refresher{
		configs:    configs,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// SetHTTPClient overrides the client used to reach token endpoints.
func (o *OAuth2Refresher) SetHTTPClient(c *http.Client) { o.httpClient = c }

func (o *OAuth2Refresher) Refresh(ctx context.Context, service string, cred Credential) (Credential, error) {
	cfg, ok := o.configs[service]
	if !ok {
		return Credential{}, fmt.Errorf("no oauth2 client for %s: %w", service, ErrExpired)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)

	// An expiry in the past forces the token source to hit the endpoint.
	src := cfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    cred.TokenType,
		Expiry:       time.Now().Add(-time.Minute),
	})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
			return Credential{}, fmt.Errorf("refresh %s: %w: %v", service, ErrExpired, err)
		}
		return Credential{}, fmt.Errorf("refresh %s: %w: %v", service, ErrUnavailable, err)
	}

	return Credential{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.Type(),
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		Scopes:       cred.Scopes,
	}, nil
}
