package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool used by PGStore.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore reads per-user tokens from Postgres. Token columns are sealed with
// Cipher; decryption happens here so callers only ever see usable tokens.
//
//	CREATE TABLE user_credentials (
//	    user_id       TEXT NOT NULL,
//	    service       TEXT NOT NULL,
//	    access_token  BYTEA NOT NULL,
//	    refresh_token BYTEA,
//	    token_type    TEXT NOT NULL DEFAULT 'Bearer',
//	    scopes        TEXT[] NOT NULL DEFAULT '{}',
//	    expires_at    TIMESTAMPTZ,
//	    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (user_id, service)
//	);
type PGStore struct {
	db     DB
	cipher *Cipher
}

func NewPGStore(db DB, cipher *Cipher) *PGStore {
	return &PGStore{db: db, cipher: cipher}
}

func (s *PGStore) Lookup(ctx context.Context, userID, service string) (Credential, error) {
	row := s.db.QueryRow(ctx, `
		SELECT access_token, refresh_token, token_type, scopes, expires_at
		FROM user_credentials
		WHERE user_id = $1 AND service = $2`, userID, service)

	var (
		accessEnc, refreshEnc []byte
		tokenType             string
		scopes                []string
		expiresAt             *time.Time
	)
	err := row.Scan(&accessEnc, &refreshEnc, &tokenType, &scopes, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, fmt.Errorf("credentials.Lookup %s: %w", service, ErrNotFound)
	}
	if err != nil {
		return Credential{}, fmt.Errorf("credentials.Lookup %s: %w: %v", service, ErrUnavailable, err)
	}

	access, err := s.cipher.Open(accessEnc, userID, service)
	if err != nil || len(access) == 0 {
		return Credential{}, fmt.Errorf("credentials.Lookup %s: stored token unreadable: %w", service, ErrExpired)
	}
	var refresh []byte
	if len(refreshEnc) > 0 {
		if refresh, err = s.cipher.Open(refreshEnc, userID, service); err != nil {
			refresh = nil
		}
	}

	cred := Credential{
		AccessToken:  string(access),
		RefreshToken: string(refresh),
		TokenType:    tokenType,
		Scopes:       scopes,
	}
	if expiresAt != nil {
		cred.ExpiresAt = expiresAt.UTC()
	}
	return cred, nil
}

// Update writes a refreshed credential back, sealed.
func (s *PGStore) Update(ctx context.Context, userID, service string, cred Credential) error {
	access, err := s.cipher.Seal([]byte(cred.AccessToken), userID, service)
	if err != nil {
		return fmt.Errorf("credentials.Update seal: %w", err)
	}
	var refresh []byte
	if cred.RefreshToken != "" {
		refresh, err = s.cipher.Seal([]byte(cred.RefreshToken), userID, service)
		if err != nil {
			return fmt.Errorf("credentials.Update seal refresh: %w", err)
		}
	}
	var expiresAt *time.Time
	if !cred.ExpiresAt.IsZero() {
		t := cred.ExpiresAt.UTC()
		expiresAt = &t
	}
	scopes := cred.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	tokenType := cred.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO user_credentials (user_id, service, access_token, refresh_token, token_type, scopes, expires_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7, now())
		ON CONFLICT (user_id, service) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = COALESCE(EXCLUDED.refresh_token, user_credentials.refresh_token),
			token_type    = EXCLUDED.token_type,
			scopes        = EXCLUDED.scopes,
			expires_at    = EXCLUDED.expires_at,
			updated_at    = now()`,
		userID, service, access, refresh, tokenType, scopes, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("credentials.Update: %w", err)
	}
	return nil
}
