package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// TokenStore keeps one OAuth token per owner, encrypted at rest.
type TokenStore struct {
	db     *sql.DB
	sealer sealer
}

// NewTokenStore creates the token table on db. secret derives the
// encryption key.
func NewTokenStore(db *sql.DB, secret string) (*TokenStore, error) {
	key, err := deriveKey(secret, "token encryption")
	if err != nil {
		return nil, err
	}
	s := &TokenStore{db: db, sealer: sealer{key: key}}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate oauth tokens: %w", err)
	}
	return s, nil
}

func (s *TokenStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS oauth_tokens (
			owner_id   TEXT PRIMARY KEY,
			token      BLOB NOT NULL,
			expiry     TEXT,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Save stores tok for owner. A token without a refresh token keeps the
// previously stored one, since providers only send it on first consent.
func (s *TokenStore) Save(ctx context.Context, owner string, tok *oauth2.Token) error {
	if tok.RefreshToken == "" {
		if prev, err := s.Load(ctx, owner); err == nil && prev != nil {
			copied := *tok
			copied.RefreshToken = prev.RefreshToken
			tok = &copied
		}
	}
	plain, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	blob, err := s.sealer.seal(plain, []byte(owner))
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}
	var expiry sql.NullString
	if !tok.Expiry.IsZero() {
		expiry = sql.NullString{String: tok.Expiry.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (owner_id, token, expiry, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			token = excluded.token, expiry = excluded.expiry, updated_at = excluded.updated_at
	`, owner, blob, expiry, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// Load returns owner's token, or nil if none is stored.
func (s *TokenStore) Load(ctx context.Context, owner string) (*oauth2.Token, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT token FROM oauth_tokens WHERE owner_id = ?`, owner).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	plain, err := s.sealer.open(blob, []byte(owner))
	if err != nil {
		return nil, fmt.Errorf("decrypt token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &tok, nil
}

// Delete forgets owner's token.
func (s *TokenStore) Delete(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE owner_id = ?`, owner)
	return err
}
