// Package middleware (rbac.go) implements token scope checks.
//
// Organization roles are not checked here. Whether a caller may manage a pack or
// an organization depends on the resource named in the path, so that decision
// belongs to the services, which consult the organization service's HasRole.

package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/auth"
)

// RequireScope checks that the authenticated token carries scope or a broader one.
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			apperr.Abort(c, apperr.Unauthenticated("Authentication required"))
			return
		}

		if !auth.HasScope(identity.Scope, scope) {
			apperr.Abort(c, apperr.Newf(apperr.CodeForbidden, "Token lacks required scope: %s", scope).
				WithReason(apperr.ReasonMissingScope))
			return
		}

		c.Next()
	}
}
