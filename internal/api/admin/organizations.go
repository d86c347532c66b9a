// organizations.go implements handlers for organization CRUD operations and membership management.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/auth"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/middleware"
	"github.com/packregistry/packregistry/internal/services"
)

// OrganizationHandlers handles organization management endpoints
type OrganizationHandlers struct {
	orgs *services.OrganizationService
}

// NewOrganizationHandlers creates a new OrganizationHandlers instance
func NewOrganizationHandlers(orgs *services.OrganizationService) *OrganizationHandlers {
	return &OrganizationHandlers{orgs: orgs}
}

func orgNotFound(name string) error {
	return apperr.Newf(apperr.CodeNotFound, "Organization %q not found", name)
}

// authorize checks the caller holds role in the organization. Admin-scoped
// tokens bypass the role check but the organization must still exist.
func (h *OrganizationHandlers) authorize(ctx context.Context, identity *models.Identity, orgName string, role models.Role) error {
	if auth.HasScope(identity.Scope, auth.ScopeAdmin) {
		org, err := h.orgs.Get(ctx, orgName)
		if err != nil {
			return err
		}
		if org == nil {
			return orgNotFound(orgName)
		}
		return nil
	}
	return h.orgs.RequireRole(ctx, orgName, identity.Username, role)
}

type createOrgRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// CreateOrganizationHandler creates an organization owned by the caller.
// POST /orgs
func (h *OrganizationHandlers) CreateOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createOrgRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Abort(c, apperr.InvalidInput("Invalid request body"))
			return
		}

		identity, _ := middleware.IdentityFrom(c)
		org, err := h.orgs.Create(c.Request.Context(), services.CreateOrgRequest{
			Name:          req.Name,
			DisplayName:   req.DisplayName,
			Description:   req.Description,
			OwnerUsername: identity.Username,
		})
		if err != nil {
			apperr.Abort(c, err)
			return
		}

		c.Set(middleware.AuditResourceKey, org.Name)
		c.JSON(http.StatusCreated, org)
	}
}

// GetOrganizationHandler returns an organization.
// GET /orgs/:name
func (h *OrganizationHandlers) GetOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		org, err := h.orgs.Get(c.Request.Context(), name)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		if org == nil {
			apperr.Abort(c, orgNotFound(name))
			return
		}
		c.JSON(http.StatusOK, org)
	}
}

// UpdateOrganizationHandler patches displayName and description.
// PATCH /orgs/:name
func (h *OrganizationHandlers) UpdateOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch services.OrgPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			apperr.Abort(c, apperr.InvalidInput("Invalid request body"))
			return
		}

		name := c.Param("name")
		identity, _ := middleware.IdentityFrom(c)
		if err := h.authorize(c.Request.Context(), identity, name, models.RoleAdmin); err != nil {
			apperr.Abort(c, err)
			return
		}

		org, err := h.orgs.Update(c.Request.Context(), name, patch)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		if org == nil {
			apperr.Abort(c, orgNotFound(name))
			return
		}
		c.JSON(http.StatusOK, org)
	}
}

// DeleteOrganizationHandler deletes an organization. Requires the owner role.
// DELETE /orgs/:name
func (h *OrganizationHandlers) DeleteOrganizationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		identity, _ := middleware.IdentityFrom(c)
		if err := h.authorize(c.Request.Context(), identity, name, models.RoleOwner); err != nil {
			apperr.Abort(c, err)
			return
		}

		deleted, err := h.orgs.Delete(c.Request.Context(), name)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		if !deleted {
			apperr.Abort(c, orgNotFound(name))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Organization deleted successfully"})
	}
}

// ListMembersHandler lists an organization's members.
// GET /orgs/:name/members
func (h *OrganizationHandlers) ListMembersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		org, err := h.orgs.Get(c.Request.Context(), name)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		if org == nil {
			apperr.Abort(c, orgNotFound(name))
			return
		}

		members, err := h.orgs.ListMembers(c.Request.Context(), name)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		if members == nil {
			members = []models.OrgMember{}
		}
		c.JSON(http.StatusOK, gin.H{"members": members})
	}
}

type addMemberRequest struct {
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
}

// AddMemberHandler adds a member or changes an existing member's role.
// Granting owner requires the owner role; anything else requires admin.
// POST /orgs/:name/members
func (h *OrganizationHandlers) AddMemberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req addMemberRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.Abort(c, apperr.InvalidInput("Invalid request body"))
			return
		}
		if req.Role == "" {
			req.Role = models.RoleMember
		}

		name := c.Param("name")
		required := models.RoleAdmin
		if req.Role == models.RoleOwner {
			required = models.RoleOwner
		}
		identity, _ := middleware.IdentityFrom(c)
		if err := h.authorize(c.Request.Context(), identity, name, required); err != nil {
			apperr.Abort(c, err)
			return
		}

		member, err := h.orgs.AddMember(c.Request.Context(), name, req.Username, req.Role)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		c.JSON(http.StatusOK, member)
	}
}

// RemoveMemberHandler removes a member. Members may always remove themselves.
// DELETE /orgs/:name/members/:username
func (h *OrganizationHandlers) RemoveMemberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name, username := c.Param("name"), c.Param("username")
		identity, _ := middleware.IdentityFrom(c)

		if identity.Username != username {
			if err := h.authorize(c.Request.Context(), identity, name, models.RoleAdmin); err != nil {
				apperr.Abort(c, err)
				return
			}
		}

		removed, err := h.orgs.RemoveMember(c.Request.Context(), name, username)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		if !removed {
			apperr.Abort(c, apperr.Newf(apperr.CodeNotFound, "%s is not a member of %q", username, name))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Member removed successfully"})
	}
}

// UserOrganizationsHandler lists the caller's organizations.
// GET /user/orgs
func (h *OrganizationHandlers) UserOrganizationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := middleware.IdentityFrom(c)
		orgs, err := h.orgs.GetUserOrgs(c.Request.Context(), identity.Username)
		if err != nil {
			apperr.Abort(c, err)
			return
		}
		if orgs == nil {
			orgs = []models.Organization{}
		}
		c.JSON(http.StatusOK, gin.H{"organizations": orgs})
	}
}
