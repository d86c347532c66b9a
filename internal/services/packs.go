package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/auth"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/db/repositories"
	"github.com/packregistry/packregistry/internal/storage"
	"github.com/packregistry/packregistry/internal/telemetry"
	"github.com/packregistry/packregistry/internal/validation"
)

// PackService reads and manages published packs. Publishing lives in PublishService.
type PackService struct {
	packs *repositories.PackRepository
	orgs  *OrganizationService
	store storage.Storage
}

// NewPackService creates a pack service
func NewPackService(packs *repositories.PackRepository, orgs *OrganizationService, store storage.Storage) *PackService {
	return &PackService{packs: packs, orgs: orgs, store: store}
}

func packNotFound(name string) error {
	return apperr.Newf(apperr.CodeNotFound, "Pack %q not found", name)
}

// === Authorization ===

// AuthorizePublish decides whether identity may publish a version of name.
// Scoped packs require membership of an existing organization. Unscoped packs
// belong to whoever published them first; admin tokens bypass both checks.
func (s *PackService) AuthorizePublish(ctx context.Context, identity *models.Identity, name string) error {
	if org, ok := ParseOrgScope(name); ok {
		if err := s.orgs.RequireRole(ctx, org, identity.Username, models.RoleMember); err != nil {
			if apperr.Is(err, apperr.CodeNotFound) {
				return apperr.Newf(apperr.CodeForbidden, "Organization %q does not exist; create it before publishing to its scope", org).
					WithReason(apperr.ReasonInsufficientRole)
			}
			if auth.HasScope(identity.Scope, auth.ScopeAdmin) && apperr.Is(err, apperr.CodeForbidden) {
				return nil
			}
			return err
		}
		return nil
	}

	pack, err := s.packs.GetPack(ctx, name)
	if err != nil {
		return err
	}
	return s.requireAuthor(identity, pack)
}

// authorizeManage decides whether identity may deprecate or remove an existing
// pack: the original publisher, an org admin for scoped packs, or an admin token.
func (s *PackService) authorizeManage(ctx context.Context, identity *models.Identity, pack *models.Pack) error {
	if auth.HasScope(identity.Scope, auth.ScopeAdmin) {
		return nil
	}
	if org, ok := ParseOrgScope(pack.Name); ok {
		if pack.AuthorName == identity.Username {
			return s.orgs.RequireRole(ctx, org, identity.Username, models.RoleMember)
		}
		return s.orgs.RequireRole(ctx, org, identity.Username, models.RoleAdmin)
	}
	return s.requireAuthor(identity, pack)
}

func (s *PackService) requireAuthor(identity *models.Identity, pack *models.Pack) error {
	if pack == nil || pack.AuthorName == identity.Username || auth.HasScope(identity.Scope, auth.ScopeAdmin) {
		return nil
	}
	return apperr.Newf(apperr.CodeForbidden, "Pack %q is owned by another publisher", pack.Name).
		WithReason(apperr.ReasonInsufficientRole)
}

func (s *PackService) requirePack(ctx context.Context, name string) (*models.Pack, error) {
	pack, err := s.packs.GetPack(ctx, name)
	if err != nil {
		return nil, err
	}
	if pack == nil {
		return nil, packNotFound(name)
	}
	return pack, nil
}

// === Reads ===

// GetPack returns a pack with its versions, newest first.
func (s *PackService) GetPack(ctx context.Context, name string) (*models.PackDetail, error) {
	pack, err := s.requirePack(ctx, name)
	if err != nil {
		return nil, err
	}
	versions, err := s.packs.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	return &models.PackDetail{Pack: *pack, Versions: sortVersions(versions)}, nil
}

// GetVersion returns one version of a pack.
func (s *PackService) GetVersion(ctx context.Context, name, version string) (*models.PackVersion, error) {
	v, err := s.packs.GetVersion(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "Version %s of pack %q not found", version, name)
	}
	return v, nil
}

// ListVersions returns the versions of a pack by semver precedence, newest first.
func (s *PackService) ListVersions(ctx context.Context, name string) ([]models.PackVersion, error) {
	if _, err := s.requirePack(ctx, name); err != nil {
		return nil, err
	}
	versions, err := s.packs.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	return sortVersions(versions), nil
}

// GetReadme returns the pack readme. A pack without one is NOT_FOUND.
func (s *PackService) GetReadme(ctx context.Context, name string) (*models.PackReadme, error) {
	readme, err := s.packs.GetReadme(ctx, name)
	if err != nil {
		return nil, err
	}
	if readme == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "No README available for %s", name)
	}
	return readme, nil
}

// Download opens a version's tarball and counts the download.
func (s *PackService) Download(ctx context.Context, name, version string) (io.ReadCloser, *models.PackVersion, error) {
	v, err := s.GetVersion(ctx, name, version)
	if err != nil {
		return nil, nil, err
	}

	body, err := s.store.Download(ctx, v.StoragePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Error("tarball missing from storage", "pack", name, "version", version, "key", v.StoragePath)
		}
		return nil, nil, fmt.Errorf("failed to open tarball: %w", err)
	}

	if err := s.packs.RecordDownload(ctx, name); err != nil {
		slog.Warn("failed to record download", "pack", name, "error", err)
	}
	telemetry.PackDownloadsTotal.Inc()
	return body, v, nil
}

// === Mutations ===

// Deprecate sets or clears the deprecation flag and returns the updated pack.
func (s *PackService) Deprecate(ctx context.Context, identity *models.Identity, name string, deprecated bool, message *string) (*models.Pack, error) {
	pack, err := s.requirePack(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeManage(ctx, identity, pack); err != nil {
		return nil, err
	}

	found, err := s.packs.SetDeprecated(ctx, name, deprecated, message)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, packNotFound(name)
	}
	slog.Info("pack deprecation changed", "pack", name, "deprecated", deprecated, "by", identity.Username)
	return s.requirePack(ctx, name)
}

// SetFeatured toggles the featured flag. Callers gate this on the admin scope.
func (s *PackService) SetFeatured(ctx context.Context, name string, featured bool) (*models.Pack, error) {
	found, err := s.packs.SetFeatured(ctx, name, featured)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, packNotFound(name)
	}
	return s.requirePack(ctx, name)
}

// DeleteVersion removes one version row and then its tarball. Removing the
// last version removes the pack. Blobs are deleted only after the rows are
// committed: a failed blob delete leaves an unreachable object behind, never a
// listed version without bytes.
func (s *PackService) DeleteVersion(ctx context.Context, identity *models.Identity, name, version string) error {
	pack, err := s.requirePack(ctx, name)
	if err != nil {
		return err
	}
	if err := s.authorizeManage(ctx, identity, pack); err != nil {
		return err
	}

	var key string
	packRemoved := false
	err = s.packs.InTx(ctx, func(tx *repositories.PackRepository) error {
		v, err := tx.GetVersion(ctx, name, version)
		if err != nil {
			return err
		}
		if v == nil {
			return apperr.Newf(apperr.CodeNotFound, "Version %s of pack %q not found", version, name)
		}
		key = v.StoragePath
		if _, err := tx.DeleteVersion(ctx, name, version); err != nil {
			return err
		}

		remaining, err := tx.ListVersions(ctx, name)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			if _, err := tx.DeletePack(ctx, name); err != nil {
				return err
			}
			packRemoved = true
			return nil
		}
		return tx.SetLatestVersion(ctx, name, validation.HighestVersion(versionStrings(remaining)))
	})
	if err != nil {
		return err
	}

	s.deleteBlobs(ctx, name, key)
	slog.Info("pack version deleted", "pack", name, "version", version, "pack_removed", packRemoved, "by", identity.Username)
	return nil
}

// DeletePack removes a pack, every version and its readme, then every tarball.
func (s *PackService) DeletePack(ctx context.Context, identity *models.Identity, name string) error {
	pack, err := s.requirePack(ctx, name)
	if err != nil {
		return err
	}
	if err := s.authorizeManage(ctx, identity, pack); err != nil {
		return err
	}

	var keys []string
	err = s.packs.InTx(ctx, func(tx *repositories.PackRepository) error {
		versions, err := tx.ListVersions(ctx, name)
		if err != nil {
			return err
		}
		deleted, err := tx.DeletePack(ctx, name)
		if err != nil {
			return err
		}
		if !deleted {
			return packNotFound(name)
		}
		for _, v := range versions {
			keys = append(keys, v.StoragePath)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.deleteBlobs(ctx, name, keys...)
	slog.Info("pack deleted", "pack", name, "versions", len(keys), "by", identity.Username)
	return nil
}

// deleteBlobs removes tarballs whose rows are already gone. Failures are
// logged and skipped; the remaining keys are still attempted.
func (s *PackService) deleteBlobs(ctx context.Context, pack string, keys ...string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), blobCleanupTimeout)
	defer cancel()
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			telemetry.OrphanedBlobsTotal.Inc()
			slog.Warn("failed to delete tarball, leaving orphan", "pack", pack, "key", key, "error", err)
		}
	}
}

func versionStrings(versions []models.PackVersion) []string {
	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.Version
	}
	return out
}

// sortVersions orders versions by semver precedence, newest first.
func sortVersions(versions []models.PackVersion) []models.PackVersion {
	order := versionStrings(versions)
	validation.SortDescending(order)

	byVersion := make(map[string]models.PackVersion, len(versions))
	for _, v := range versions {
		byVersion[v.Version] = v
	}
	sorted := make([]models.PackVersion, 0, len(versions))
	for _, ver := range order {
		sorted = append(sorted, byVersion[ver])
	}
	return sorted
}
