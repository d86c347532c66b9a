package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/auth"
	"github.com/packregistry/packregistry/internal/config"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/db/repositories"
	"github.com/packregistry/packregistry/internal/safego"
)

// CredentialService issues and validates bearer tokens. Raw tokens exist only
// in the Issue response; the store holds their SHA-256 hash.
type CredentialService struct {
	tokens     *repositories.TokenRepository
	prefix     string
	defaultTTL time.Duration
	now        func() time.Time
	// touch records last use; replaced in tests to run synchronously
	touch func(id string, at time.Time)
}

// NewCredentialService creates a credential service
func NewCredentialService(tokens *repositories.TokenRepository, cfg config.AuthConfig) *CredentialService {
	s := &CredentialService{
		tokens:     tokens,
		prefix:     cfg.TokenPrefix,
		defaultTTL: cfg.DefaultTTL,
		now:        time.Now,
	}
	s.touch = s.touchAsync
	return s
}

// IssueRequest describes a token to mint.
type IssueRequest struct {
	Username    string
	Scope       auth.Scope
	Description *string
	// TTL overrides the configured default; zero means the default, negative means never.
	TTL time.Duration
}

// IssuedToken carries the raw token. It is returned once and never stored.
type IssuedToken struct {
	Token string `json:"token"`
	models.AuthToken
}

// Issue mints a token for req.Username.
func (s *CredentialService) Issue(ctx context.Context, req IssueRequest) (*IssuedToken, error) {
	if req.Username == "" {
		return nil, apperr.InvalidInput("username is required")
	}
	if _, err := auth.ParseScope(string(req.Scope)); err != nil {
		return nil, apperr.InvalidInput(err.Error())
	}

	raw, hash, displayPrefix, err := auth.GenerateToken(s.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	t := models.AuthToken{
		ID:          uuid.New().String(),
		Username:    req.Username,
		TokenHash:   hash,
		TokenPrefix: displayPrefix,
		Scope:       string(req.Scope),
		Description: req.Description,
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl > 0 {
		exp := s.now().Add(ttl).UTC()
		t.ExpiresAt = &exp
	}

	if err := s.tokens.Create(ctx, &t); err != nil {
		return nil, err
	}

	slog.Info("token issued", "username", t.Username, "scope", t.Scope, "token_id", t.ID)
	return &IssuedToken{Token: raw, AuthToken: t}, nil
}

// IssueFor mints a token on behalf of an authenticated caller. Callers may only
// mint scopes they already hold; admin tokens may mint any scope for anyone.
func (s *CredentialService) IssueFor(ctx context.Context, caller *models.Identity, req IssueRequest) (*IssuedToken, error) {
	if _, err := auth.ParseScope(string(req.Scope)); err != nil {
		return nil, apperr.InvalidInput(err.Error())
	}
	isAdmin := auth.HasScope(caller.Scope, auth.ScopeAdmin)
	if req.Username == "" {
		req.Username = caller.Username
	}
	if req.Username != caller.Username && !isAdmin {
		return nil, apperr.Forbidden("Only admin tokens may issue tokens for other users").
			WithReason(apperr.ReasonMissingScope)
	}
	if !auth.HasScope(caller.Scope, req.Scope) {
		return nil, apperr.Newf(apperr.CodeForbidden, "Cannot issue a %s token from a %s token", req.Scope, caller.Scope).
			WithReason(apperr.ReasonMissingScope)
	}
	return s.Issue(ctx, req)
}

// Authenticate resolves a raw token. Unknown and expired tokens yield nil, nil.
// The lookup is an exact match on the hash, so nothing branches on the raw value.
func (s *CredentialService) Authenticate(ctx context.Context, rawToken string) (*models.Identity, error) {
	if rawToken == "" {
		return nil, nil
	}

	t, err := s.tokens.GetByHash(ctx, auth.HashToken(rawToken))
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	now := s.now()
	if t.IsExpired(now) {
		return nil, nil
	}

	s.touch(t.ID, now)
	return &models.Identity{Username: t.Username, Scope: t.Scope, TokenID: t.ID}, nil
}

// touchAsync records last use off the request path. Failures only cost accuracy.
func (s *CredentialService) touchAsync(id string, at time.Time) {
	safego.Go("token-last-used", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.tokens.TouchLastUsed(ctx, id, at); err != nil {
			slog.Warn("failed to record token use", "token_id", id, "error", err)
		}
	})
}

// List returns a user's tokens without hashes.
func (s *CredentialService) List(ctx context.Context, username string) ([]models.AuthToken, error) {
	return s.tokens.ListByUsername(ctx, username)
}

// Revoke deletes a token owned by the caller, or any token for admin callers.
// Tokens the caller may not see are reported as not found.
func (s *CredentialService) Revoke(ctx context.Context, caller *models.Identity, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.NotFound("Token not found")
	}

	t, err := s.tokens.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if t == nil || (t.Username != caller.Username && !auth.HasScope(caller.Scope, auth.ScopeAdmin)) {
		return apperr.NotFound("Token not found")
	}

	deleted, err := s.tokens.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return apperr.NotFound("Token not found")
	}

	slog.Info("token revoked", "token_id", id, "by", caller.Username)
	return nil
}

// RevokeByID deletes a token without an ownership check. Used by the CLI.
func (s *CredentialService) RevokeByID(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	return s.tokens.Delete(ctx, id)
}

// ReapExpired deletes tokens that expired before cutoff.
func (s *CredentialService) ReapExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.tokens.DeleteExpiredBefore(ctx, cutoff)
}
