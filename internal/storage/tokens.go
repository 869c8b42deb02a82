package storage

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/artemgetmann/mindmirror/internal/model"
)

// ValidateToken resolves a bearer token to its principal. Only active tokens
// authenticate; a successful lookup bumps last_used. Unknown or inactive
// tokens return ErrNotFound with no further detail.
func (db *DB) ValidateToken(ctx context.Context, token string) (model.Principal, error) {
	var p model.Principal
	err := db.pool.QueryRow(ctx,
		`UPDATE auth_tokens SET last_used = now()
		 WHERE token = $1 AND is_active = true
		 RETURNING user_id, is_admin`,
		token,
	).Scan(&p.UserID, &p.IsAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Principal{}, ErrNotFound
	}
	if err != nil {
		return model.Principal{}, fmt.Errorf("storage: validate token: %w", err)
	}
	p.Token = token
	return p, nil
}

// IssueToken mints a fresh high-entropy token and user identifier and
// persists them. displayName may be empty.
func (db *DB) IssueToken(ctx context.Context, displayName string) (model.Token, error) {
	value, err := generateToken()
	if err != nil {
		return model.Token{}, err
	}

	userBytes := make([]byte, 8)
	if _, err := rand.Read(userBytes); err != nil {
		return model.Token{}, fmt.Errorf("storage: generate user id: %w", err)
	}
	userID := "user_" + hex.EncodeToString(userBytes)

	var t model.Token
	t.Value = value
	err = db.pool.QueryRow(ctx,
		`INSERT INTO auth_tokens (token, user_id, user_name)
		 VALUES ($1, $2, NULLIF($3, ''))
		 RETURNING user_id, COALESCE(user_name, ''), created_at, last_used, is_active, is_admin`,
		value, userID, displayName,
	).Scan(&t.UserID, &t.DisplayName, &t.CreatedAt, &t.LastUsed, &t.IsActive, &t.IsAdmin)
	if err != nil {
		return model.Token{}, fmt.Errorf("storage: issue token: %w", err)
	}
	return t, nil
}

// CountActiveTokens reports how many active tokens exist. Used by the
// startup bootstrap to decide whether to mint a default token.
func (db *DB) CountActiveTokens(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM auth_tokens WHERE is_active = true`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count active tokens: %w", err)
	}
	return n, nil
}

// CountMemories returns the number of active (non-archived) records a user
// owns. Used for quota enforcement.
func (db *DB) CountMemories(ctx context.Context, userID string) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = $1 AND NOT archived`,
		userID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count memories: %w", err)
	}
	return n, nil
}

// AddWaitlistEmail records a waitlist signup. Idempotent on email.
func (db *DB) AddWaitlistEmail(ctx context.Context, email, referrerToken string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO waitlist_emails (email, referrer_token)
		 VALUES ($1, NULLIF($2, ''))
		 ON CONFLICT (email) DO NOTHING`,
		email, referrerToken,
	)
	if err != nil {
		return fmt.Errorf("storage: add waitlist email: %w", err)
	}
	return nil
}

// generateToken produces a 256-bit random token, URL-safe base64 encoded.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("storage: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
