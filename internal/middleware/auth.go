// Package middleware provides Gin HTTP middleware for authentication, scope checks,
// rate limiting, security headers, metrics and audit logging.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → Security → Auth → RateLimit → Scope → Audit → Handler
//
// Auth runs before the rate limiter on authenticated groups so the limiter can key
// on the caller's username instead of a shared NAT address. Audit runs last so only
// requests that passed every check are recorded.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/auth"
	"github.com/packregistry/packregistry/internal/db/models"
)

// Context keys set by the auth middleware.
const (
	IdentityKey = "identity"
	UsernameKey = "username"
	ScopeKey    = "scope"
	TokenIDKey  = "token_id"
)

// Authenticator resolves a raw bearer token into an identity. It returns
// nil, nil for unknown or expired tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) (*models.Identity, error)
}

// AuthMiddleware requires a valid bearer token.
func AuthMiddleware(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			apperr.Abort(c, apperr.Unauthenticated("Missing or malformed authorization header"))
			return
		}

		identity, err := authn.Authenticate(c.Request.Context(), token)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		if identity == nil {
			apperr.Abort(c, apperr.Unauthenticated("Invalid or expired token"))
			return
		}

		setIdentity(c, identity)
		c.Next()
	}
}

// OptionalAuthMiddleware attaches an identity when a valid token is presented and
// otherwise lets the request through anonymously.
func OptionalAuthMiddleware(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.Next()
			return
		}

		if identity, err := authn.Authenticate(c.Request.Context(), token); err == nil && identity != nil {
			setIdentity(c, identity)
		}
		c.Next()
	}
}

func setIdentity(c *gin.Context, identity *models.Identity) {
	c.Set(IdentityKey, identity)
	c.Set(UsernameKey, identity.Username)
	c.Set(ScopeKey, identity.Scope)
	c.Set(TokenIDKey, identity.TokenID)
}

// IdentityFrom returns the identity attached by the auth middleware.
func IdentityFrom(c *gin.Context) (*models.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return nil, false
	}
	identity, ok := v.(*models.Identity)
	return identity, ok && identity != nil
}
