package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/db/repositories"
	"github.com/packregistry/packregistry/internal/validation"
)

// OrganizationService owns organizations and their memberships.
//
// It answers role questions but does not decide who may ask them: handlers
// call RequireRole before member management (admin) or deletion (owner).
type OrganizationService struct {
	orgs *repositories.OrganizationRepository
}

// NewOrganizationService creates an organization service
func NewOrganizationService(orgs *repositories.OrganizationRepository) *OrganizationService {
	return &OrganizationService{orgs: orgs}
}

// CreateOrgRequest describes a new organization and its first owner.
type CreateOrgRequest struct {
	Name          string
	DisplayName   string
	Description   string
	OwnerUsername string
}

// OrgPatch holds optional updates; nil fields are left unchanged.
type OrgPatch struct {
	DisplayName *string `json:"displayName"`
	Description *string `json:"description"`
}

// ParseOrgScope returns the organization of a scoped pack name such as
// "@my-org/pack". Unscoped and malformed names ("simple-pack", "@noSlash")
// report false.
func ParseOrgScope(packName string) (string, bool) {
	scope := validation.PackScope(packName)
	return scope, scope != ""
}

// Create inserts the organization and its owner membership atomically.
func (s *OrganizationService) Create(ctx context.Context, req CreateOrgRequest) (*models.Organization, error) {
	if err := validation.ValidateOrgName(req.Name); err != nil {
		return nil, apperr.InvalidInput(err.Error()).WithReason(apperr.ReasonInvalidName)
	}
	if req.OwnerUsername == "" {
		return nil, apperr.InvalidInput("owner username is required")
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Name
	}

	org := &models.Organization{
		ID:          uuid.New().String(),
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Description: req.Description,
	}
	err := s.orgs.InTx(ctx, func(tx *repositories.OrganizationRepository) error {
		if err := tx.Create(ctx, org); err != nil {
			return err
		}
		return tx.InsertMember(ctx, &models.OrgMember{
			OrgName:  org.Name,
			Username: req.OwnerUsername,
			Role:     models.RoleOwner,
		})
	})
	if err != nil {
		if errors.Is(err, repositories.ErrOrganizationExists) {
			return nil, apperr.Newf(apperr.CodeConflict, "Organization %q already exists", req.Name).
				WithReason(apperr.ReasonAlreadyExists)
		}
		return nil, err
	}

	slog.Info("organization created", "org", org.Name, "owner", req.OwnerUsername)
	return org, nil
}

// Get returns the organization, or nil when it does not exist.
func (s *OrganizationService) Get(ctx context.Context, name string) (*models.Organization, error) {
	return s.orgs.GetByName(ctx, name)
}

// Update applies patch, returning nil when the organization does not exist.
func (s *OrganizationService) Update(ctx context.Context, name string, patch OrgPatch) (*models.Organization, error) {
	if patch.DisplayName != nil && *patch.DisplayName == "" {
		return nil, apperr.InvalidInput("displayName cannot be empty")
	}
	return s.orgs.Update(ctx, name, patch.DisplayName, patch.Description)
}

// Delete removes the organization and, by cascade, its memberships.
// Reports false when it did not exist.
func (s *OrganizationService) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := s.orgs.Delete(ctx, name)
	if err != nil {
		return false, err
	}
	if deleted {
		slog.Info("organization deleted", "org", name)
	}
	return deleted, nil
}

// AddMember sets username's role in orgName, inserting the membership if it
// does not exist and updating it in place otherwise.
func (s *OrganizationService) AddMember(ctx context.Context, orgName, username string, role models.Role) (*models.OrgMember, error) {
	if username == "" {
		return nil, apperr.InvalidInput("username is required")
	}
	if _, err := models.ParseRole(string(role)); err != nil {
		return nil, apperr.InvalidInput(err.Error())
	}

	member, err := s.upsertMember(ctx, orgName, username, role)
	if errors.Is(err, repositories.ErrMemberExists) {
		// A concurrent insert won between our lookup and insert; the retry
		// finds that row and updates it.
		member, err = s.upsertMember(ctx, orgName, username, role)
	}
	if err != nil {
		return nil, err
	}
	return member, nil
}

func (s *OrganizationService) upsertMember(ctx context.Context, orgName, username string, role models.Role) (*models.OrgMember, error) {
	var result *models.OrgMember
	err := s.orgs.InTx(ctx, func(tx *repositories.OrganizationRepository) error {
		org, err := tx.LockByName(ctx, orgName)
		if err != nil {
			return err
		}
		if org == nil {
			return apperr.Newf(apperr.CodeNotFound, "Organization %q not found", orgName)
		}

		existing, err := tx.LockMember(ctx, orgName, username)
		if err != nil {
			return err
		}
		if existing == nil {
			m := &models.OrgMember{OrgName: orgName, Username: username, Role: role}
			if err := tx.InsertMember(ctx, m); err != nil {
				return err
			}
			result = m
			return nil
		}

		if existing.Role == models.RoleOwner && role != models.RoleOwner {
			if err := s.guardLastOwner(ctx, tx, orgName); err != nil {
				return err
			}
		}
		result, err = tx.UpdateMemberRole(ctx, orgName, username, role)
		return err
	})
	return result, err
}

// guardLastOwner must run after the organization row is locked; otherwise two
// concurrent demotions of different owners could each count the other.
func (s *OrganizationService) guardLastOwner(ctx context.Context, tx *repositories.OrganizationRepository, orgName string) error {
	owners, err := tx.CountOwners(ctx, orgName)
	if err != nil {
		return err
	}
	if owners <= 1 {
		return apperr.Conflict("An organization must keep at least one owner").WithReason(apperr.ReasonLastOwner)
	}
	return nil
}

// RemoveMember deletes a membership. Reports false when it did not exist.
// The last owner cannot be removed.
func (s *OrganizationService) RemoveMember(ctx context.Context, orgName, username string) (bool, error) {
	removed := false
	err := s.orgs.InTx(ctx, func(tx *repositories.OrganizationRepository) error {
		org, err := tx.LockByName(ctx, orgName)
		if err != nil || org == nil {
			return err
		}
		existing, err := tx.LockMember(ctx, orgName, username)
		if err != nil || existing == nil {
			return err
		}
		if existing.Role == models.RoleOwner {
			if err := s.guardLastOwner(ctx, tx, orgName); err != nil {
				return err
			}
		}
		removed, err = tx.RemoveMember(ctx, orgName, username)
		return err
	})
	if err != nil {
		return false, err
	}
	if removed {
		slog.Info("organization member removed", "org", orgName, "username", username)
	}
	return removed, nil
}

// HasRole reports whether username holds required or a more privileged role
// in orgName. Non-members satisfy no role.
func (s *OrganizationService) HasRole(ctx context.Context, orgName, username string, required models.Role) (bool, error) {
	m, err := s.orgs.GetMember(ctx, orgName, username)
	if err != nil {
		return false, err
	}
	return m != nil && m.Role.Satisfies(required), nil
}

// RequireRole is HasRole as an authorization check. A missing organization is
// NOT_FOUND; an insufficient role is FORBIDDEN.
func (s *OrganizationService) RequireRole(ctx context.Context, orgName, username string, required models.Role) error {
	org, err := s.orgs.GetByName(ctx, orgName)
	if err != nil {
		return err
	}
	if org == nil {
		return apperr.Newf(apperr.CodeNotFound, "Organization %q not found", orgName)
	}
	ok, err := s.HasRole(ctx, orgName, username, required)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(apperr.CodeForbidden, "Requires %s role in organization %q", required, orgName).
			WithReason(apperr.ReasonInsufficientRole)
	}
	return nil
}

// ListMembers returns every membership of orgName.
func (s *OrganizationService) ListMembers(ctx context.Context, orgName string) ([]models.OrgMember, error) {
	return s.orgs.ListMembers(ctx, orgName)
}

// GetUserOrgs returns every organization in which username holds a role.
func (s *OrganizationService) GetUserOrgs(ctx context.Context, username string) ([]models.Organization, error) {
	return s.orgs.GetUserOrgs(ctx, username)
}

// Count returns the number of organizations.
func (s *OrganizationService) Count(ctx context.Context) (int64, error) {
	return s.orgs.Count(ctx)
}
