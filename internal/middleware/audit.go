// audit.go provides Gin middleware that records successful authenticated mutations
// to the audit log.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/safego"
)

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type auditAction struct {
	action       string
	resourceType string
	// param names the path parameter holding the resource id
	param string
}

// auditActions maps "METHOD route-template" to a named action. Routes absent
// from the table are recorded as "METHOD route-template".
var auditActions = map[string]auditAction{
	"POST /packs":                           {"pack.publish", "pack", ""},
	"DELETE /packs/:name":                   {"pack.delete", "pack", "name"},
	"DELETE /packs/:name/versions/:version": {"pack.version.delete", "pack", "name"},
	"POST /packs/:name/deprecate":           {"pack.deprecate", "pack", "name"},
	"POST /packs/:name/feature":             {"pack.feature", "pack", "name"},
	"POST /orgs":                            {"org.create", "organization", ""},
	"PATCH /orgs/:name":                     {"org.update", "organization", "name"},
	"DELETE /orgs/:name":                    {"org.delete", "organization", "name"},
	"POST /orgs/:name/members":              {"org.member.add", "organization", "name"},
	"DELETE /orgs/:name/members/:username":  {"org.member.remove", "organization", "name"},
	"POST /tokens":                          {"token.issue", "token", ""},
	"DELETE /tokens/:id":                    {"token.revoke", "token", "id"},
}

// AuditMiddleware records successful non-GET requests made by an authenticated caller.
// Writes happen off the request path.
func AuditMiddleware(recorder AuditRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}
		if c.Writer.Status() >= 400 {
			return
		}
		identity, ok := IdentityFrom(c)
		if !ok {
			return
		}

		entry := buildAuditLog(c, identity)
		safego.Go("audit-log", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := recorder.CreateAuditLog(ctx, entry); err != nil {
				slog.Error("failed to write audit log", "action", entry.Action, "error", err)
			}
		})
	}
}

func buildAuditLog(c *gin.Context, identity *models.Identity) *models.AuditLog {
	route := c.Request.Method + " " + c.FullPath()
	username := identity.Username
	ip := c.ClientIP()

	entry := &models.AuditLog{
		Username:  &username,
		Action:    route,
		IPAddress: &ip,
		Metadata: map[string]any{
			"status_code": c.Writer.Status(),
			"path":        c.Request.URL.Path,
		},
		CreatedAt: time.Now().UTC(),
	}

	if a, ok := auditActions[route]; ok {
		entry.Action = a.action
		resourceType := a.resourceType
		entry.ResourceType = &resourceType
		if a.param != "" {
			resourceID := c.Param(a.param)
			entry.ResourceID = &resourceID
		}
	}
	if v, ok := c.Get(AuditResourceKey); ok {
		if id, ok := v.(string); ok && id != "" {
			entry.ResourceID = &id
		}
	}
	if v, ok := c.Get(RequestIDKey); ok {
		if id, ok := v.(string); ok {
			entry.RequestID = &id
		}
	}
	return entry
}

// AuditResourceKey lets a handler name the resource it created, for routes
// whose path carries no id (publish, org creation, token issue).
const AuditResourceKey = "audit_resource_id"
