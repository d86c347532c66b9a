// audit.go implements the admin audit log listing.
package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/db/repositories"
)

// AuditLister reads audit entries.
type AuditLister interface {
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, error)
}

// AuditHandlers serves the audit log to admin callers
type AuditHandlers struct {
	logs AuditLister
}

// NewAuditHandlers creates a new AuditHandlers instance
func NewAuditHandlers(logs AuditLister) *AuditHandlers {
	return &AuditHandlers{logs: logs}
}

// ListAuditLogsHandler lists audit entries, newest first.
// GET /admin/audit-logs?username=&action=&resource_type=&since=&page=&per_page=
func (h *AuditHandlers) ListAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > 100 {
			perPage = 50
		}

		var filters repositories.AuditFilters
		if v := c.Query("username"); v != "" {
			filters.Username = &v
		}
		if v := c.Query("action"); v != "" {
			filters.Action = &v
		}
		if v := c.Query("resource_type"); v != "" {
			filters.ResourceType = &v
		}
		if v := c.Query("since"); v != "" {
			since, err := time.Parse(time.RFC3339, v)
			if err != nil {
				apperr.Abort(c, apperr.InvalidInput("since must be an RFC3339 timestamp"))
				return
			}
			filters.Since = &since
		}

		logs, err := h.logs.ListAuditLogs(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			apperr.Abort(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"logs": logs,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
			},
		})
	}
}
