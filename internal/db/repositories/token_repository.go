// token_repository.go implements TokenRepository, the owner of the auth_tokens table.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/packregistry/packregistry/internal/db/models"
)

const tokenColumns = `id, username, token_hash, token_prefix, scope, description, expires_at, last_used_at, created_at`

// TokenRepository handles database operations for bearer tokens
type TokenRepository struct {
	db *sql.DB
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

func scanToken(s rowScanner) (*models.AuthToken, error) {
	t := &models.AuthToken{}
	if err := s.Scan(
		&t.ID,
		&t.Username,
		&t.TokenHash,
		&t.TokenPrefix,
		&t.Scope,
		&t.Description,
		&t.ExpiresAt,
		&t.LastUsedAt,
		&t.CreatedAt,
	); err != nil {
		return nil, err
	}
	return t, nil
}

// Create stores a new token; only the hash is persisted
func (r *TokenRepository) Create(ctx context.Context, t *models.AuthToken) error {
	query := `
		INSERT INTO auth_tokens (id, username, token_hash, token_prefix, scope, description, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		t.ID,
		t.Username,
		t.TokenHash,
		t.TokenPrefix,
		t.Scope,
		t.Description,
		t.ExpiresAt,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// GetByHash looks up a token by the hash of its raw value
func (r *TokenRepository) GetByHash(ctx context.Context, hash string) (*models.AuthToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM auth_tokens WHERE token_hash = $1`

	t, err := scanToken(r.db.QueryRowContext(ctx, query, hash))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return t, nil
}

// GetByID retrieves a token by ID
func (r *TokenRepository) GetByID(ctx context.Context, id string) (*models.AuthToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM auth_tokens WHERE id = $1`

	t, err := scanToken(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return t, nil
}

// ListByUsername returns a user's tokens, newest first
func (r *TokenRepository) ListByUsername(ctx context.Context, username string) ([]models.AuthToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM auth_tokens WHERE username = $1 ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]models.AuthToken, 0)
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

// Delete revokes a token. Reports false when it did not exist.
func (r *TokenRepository) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete token: %w", err)
	}
	return affected(result)
}

// TouchLastUsed records a successful authentication
func (r *TokenRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE auth_tokens SET last_used_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("failed to update token last used: %w", err)
	}
	return nil
}

// DeleteExpiredBefore removes tokens whose expiry is earlier than cutoff
func (r *TokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_tokens WHERE expires_at IS NOT NULL AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return result.RowsAffected()
}
