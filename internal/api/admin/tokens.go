// tokens.go implements handlers for issuing, listing and revoking bearer tokens.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/auth"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/middleware"
	"github.com/packregistry/packregistry/internal/services"
)

// TokenHandlers handles token management endpoints
type TokenHandlers struct {
	creds *services.CredentialService
}

// NewTokenHandlers creates a new TokenHandlers instance
func NewTokenHandlers(creds *services.CredentialService) *TokenHandlers {
	return &TokenHandlers{creds: creds}
}

type issueTokenRequest struct {
	Username    string  `json:"username"`
	Scope       string  `json:"scope"`
	Description *string `json:"description"`
	// ExpiresIn is a Go duration string ("720h"); empty uses the configured default
	ExpiresIn string `json:"expiresIn"`
}

// IssueTokenHandler mints a token. The raw value appears only in this response.
// POST /tokens
func (h *TokenHandlers) IssueTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req issueTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Abort(c, apperr.InvalidInput("Invalid request body"))
			return
		}
		if req.Scope == "" {
			req.Scope = string(auth.ScopeRead)
		}

		var ttl time.Duration
		if req.ExpiresIn != "" {
			d, err := time.ParseDuration(req.ExpiresIn)
			if err != nil || d <= 0 {
				apperr.Abort(c, apperr.InvalidInput("expiresIn must be a positive duration such as 720h"))
				return
			}
			ttl = d
		}

		identity, _ := middleware.IdentityFrom(c)
		issued, err := h.creds.IssueFor(c.Request.Context(), identity, services.IssueRequest{
			Username:    req.Username,
			Scope:       auth.Scope(req.Scope),
			Description: req.Description,
			TTL:         ttl,
		})
		if err != nil {
			apperr.Abort(c, err)
			return
		}

		c.Set(middleware.AuditResourceKey, issued.ID)
		c.JSON(http.StatusCreated, issued)
	}
}

// ListTokensHandler lists the caller's tokens.
// GET /tokens
func (h *TokenHandlers) ListTokensHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := middleware.IdentityFrom(c)
		tokens, err := h.creds.List(c.Request.Context(), identity.Username)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		if tokens == nil {
			tokens = []models.AuthToken{}
		}
		c.JSON(http.StatusOK, gin.H{"tokens": tokens})
	}
}

// RevokeTokenHandler revokes a token owned by the caller, or any token for admins.
// DELETE /tokens/:id
func (h *TokenHandlers) RevokeTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := middleware.IdentityFrom(c)
		if err := h.creds.Revoke(c.Request.Context(), identity, c.Param("id")); err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Token revoked"})
	}
}
