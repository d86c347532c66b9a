// Package services holds the registry's business rules: publishing, pack
// lifecycle, discovery queries, organizations and credentials. Services take
// repositories and storage in their constructors and translate repository
// sentinels into apperr codes; handlers only parse requests and render results.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/auth"
	"github.com/packregistry/packregistry/internal/config"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/db/repositories"
	"github.com/packregistry/packregistry/internal/storage"
	"github.com/packregistry/packregistry/internal/telemetry"
	"github.com/packregistry/packregistry/internal/validation"
	"github.com/packregistry/packregistry/pkg/integrity"
)

const (
	// defaultMaxTarballSize applies when no limit is configured (10MB)
	defaultMaxTarballSize = 10 * 1024 * 1024

	blobCleanupTimeout = 30 * time.Second
)

// AuthorizeFunc decides whether identity may publish packName. A nil error allows it.
type AuthorizeFunc func(ctx context.Context, identity *models.Identity, packName string) error

// PublishService turns an uploaded tarball plus metadata into a stored version.
type PublishService struct {
	packs             *repositories.PackRepository
	store             storage.Storage
	backend           string
	authorize         AuthorizeFunc
	maxTarballSize    int64
	maxReadmeSize     int64
	readmeFromArchive bool
}

// NewPublishService creates a publish service. authorize may be nil, in which
// case any caller holding the publish scope may publish any name.
func NewPublishService(packs *repositories.PackRepository, store storage.Storage, cfg *config.Config, authorize AuthorizeFunc) *PublishService {
	return &PublishService{
		packs:             packs,
		store:             store,
		backend:           cfg.Storage.DefaultBackend,
		authorize:         authorize,
		maxTarballSize:    cfg.Packs.MaxTarballSize,
		maxReadmeSize:     cfg.Packs.MaxReadmeSize,
		readmeFromArchive: cfg.Packs.ReadmeFromArchive,
	}
}

// PublishRequest is one publish attempt.
type PublishRequest struct {
	Identity *models.Identity
	Metadata []byte
	Tarball  io.Reader
	// Readme overrides both metadata.readme and the archive README
	Readme *string
}

// Publish validates the request, stores the tarball and records the version.
//
// The version row is inserted first inside the transaction, so a concurrent
// publish of the same version blocks on the unique index and then fails with
// DUPLICATE_VERSION. The blob key carries the row ID, so removing the blob of
// a failed attempt can never touch another attempt's upload.
func (s *PublishService) Publish(ctx context.Context, req PublishRequest) (*models.PublishResult, error) {
	result, err := s.publish(ctx, req)
	telemetry.PackPublishesTotal.WithLabelValues(publishOutcome(err)).Inc()
	return result, err
}

func (s *PublishService) publish(ctx context.Context, req PublishRequest) (*models.PublishResult, error) {
	if req.Identity == nil {
		return nil, apperr.Unauthenticated("Authentication required")
	}
	if !auth.HasScope(req.Identity.Scope, auth.ScopePublish) {
		return nil, apperr.Newf(apperr.CodeForbidden, "Token lacks required scope: %s", auth.ScopePublish).
			WithReason(apperr.ReasonMissingScope)
	}

	meta, err := validation.ParsePublishMetadata(req.Metadata)
	if err != nil {
		if errors.Is(err, validation.ErrInvalidName) {
			return nil, apperr.InvalidInput(err.Error()).WithReason(apperr.ReasonInvalidName)
		}
		return nil, apperr.InvalidInput(err.Error()).WithReason(apperr.ReasonInvalidManifest)
	}

	if s.authorize != nil {
		if err := s.authorize(ctx, req.Identity, meta.Name); err != nil {
			return nil, err
		}
	}

	data, err := s.readTarball(req.Tarball)
	if err != nil {
		return nil, err
	}
	// Hash the exact uploaded bytes before anything else looks at them.
	digest := integrity.Digest(data)

	info, err := validation.InspectArchive(bytes.NewReader(data), validation.ArchiveLimits{MaxReadmeSize: s.maxReadmeSize})
	if err != nil {
		return nil, apperr.InvalidInput(err.Error()).WithReason(apperr.ReasonInvalidManifest)
	}

	readme, err := s.resolveReadme(req.Readme, meta.Readme, info.Readme)
	if err != nil {
		return nil, err
	}

	manifest, err := manifestJSON(meta.Manifest)
	if err != nil {
		return nil, err
	}

	versionID := uuid.New().String()
	key := storage.PackKey(meta.Name, meta.Version, versionID)
	version := &models.PackVersion{
		ID:             versionID,
		PackName:       meta.Name,
		Version:        meta.Version,
		Integrity:      digest,
		TarballSize:    int64(len(data)),
		StoragePath:    key,
		StorageBackend: s.backend,
		Manifest:       manifest,
		AuthorName:     req.Identity.Username,
	}

	// Set once this publish owns the version row; only then is the key ours to clean up.
	owned := false
	err = s.packs.InTx(ctx, func(tx *repositories.PackRepository) error {
		if err := tx.InsertVersion(ctx, version); err != nil {
			return err
		}
		owned = true

		res, err := s.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return fmt.Errorf("failed to store tarball: %w", err)
		}
		if res.Integrity != digest {
			return fmt.Errorf("stored tarball integrity %s does not match upload %s", res.Integrity, digest)
		}

		versions, err := tx.ListVersions(ctx, meta.Name)
		if err != nil {
			return err
		}
		pack := &models.Pack{
			Name:          meta.Name,
			DisplayName:   meta.Manifest.DisplayName,
			Description:   meta.Manifest.Description,
			AuthorName:    req.Identity.Username,
			Tags:          meta.Manifest.Tags,
			Targets:       meta.Manifest.Targets,
			Features:      meta.Manifest.Features,
			LatestVersion: validation.HighestVersion(versionStrings(versions)),
		}
		if pack.DisplayName == "" {
			pack.DisplayName = meta.Name
		}
		if err := tx.UpsertPackMetadata(ctx, pack); err != nil {
			return err
		}

		if readme != nil {
			return tx.UpsertReadme(ctx, meta.Name, *readme)
		}
		return nil
	})
	if err != nil {
		if owned {
			s.discardBlob(key)
		}
		if errors.Is(err, repositories.ErrDuplicateVersion) {
			slog.Info("publish rejected: version exists", "pack", meta.Name, "version", meta.Version, "by", req.Identity.Username)
			return nil, apperr.Newf(apperr.CodeConflict, "Version %s of pack %q already exists", meta.Version, meta.Name).
				WithReason(apperr.ReasonDuplicateVersion)
		}
		return nil, err
	}

	// Concurrent publishes of different versions only see their own row
	// above, so the recorded latest is settled again after commit.
	if err := s.refreshLatestVersion(ctx, meta.Name); err != nil {
		slog.Warn("failed to refresh latest version", "pack", meta.Name, "error", err)
	}

	slog.Info("pack published",
		"pack", meta.Name,
		"version", meta.Version,
		"integrity", digest,
		"size", len(data),
		"files", info.FileCount,
		"by", req.Identity.Username)

	return &models.PublishResult{
		Name:        meta.Name,
		Version:     meta.Version,
		Integrity:   digest,
		TarballSize: int64(len(data)),
	}, nil
}

// readTarball buffers the upload, rejecting empty bodies and anything over the size limit.
func (s *PublishService) readTarball(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, apperr.InvalidInput("tarball is required")
	}
	limit := s.maxTarballSize
	if limit <= 0 {
		limit = defaultMaxTarballSize
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidInput, "failed to read tarball", err)
	}
	if len(data) == 0 {
		return nil, apperr.InvalidInput("tarball is empty")
	}
	if int64(len(data)) > limit {
		return nil, apperr.Newf(apperr.CodeInvalidInput, "tarball exceeds maximum size of %d bytes", limit)
	}
	return data, nil
}

// resolveReadme picks the explicit readme, then metadata.readme, then the
// archive README when enabled.
func (s *PublishService) resolveReadme(explicit, fromMetadata, fromArchive *string) (*string, error) {
	readme := explicit
	if readme == nil {
		readme = fromMetadata
	}
	if readme == nil && s.readmeFromArchive {
		readme = fromArchive
	}
	if readme == nil {
		return nil, nil
	}
	if err := validation.ValidateReadme(*readme, s.maxReadmeSize); err != nil {
		return nil, apperr.InvalidInput(err.Error())
	}
	return readme, nil
}

// refreshLatestVersion recomputes a pack's latest version from every committed
// version while holding the pack row lock, and writes it only when it changed.
func (s *PublishService) refreshLatestVersion(ctx context.Context, name string) error {
	return s.packs.InTx(ctx, func(tx *repositories.PackRepository) error {
		current, ok, err := tx.LockLatestVersion(ctx, name)
		if err != nil || !ok {
			return err
		}
		versions, err := tx.ListVersions(ctx, name)
		if err != nil {
			return err
		}
		latest := validation.HighestVersion(versionStrings(versions))
		if latest == "" || latest == current {
			return nil
		}
		return tx.SetLatestVersion(ctx, name, latest)
	})
}

// discardBlob removes a tarball uploaded by a publish that did not commit.
func (s *PublishService) discardBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), blobCleanupTimeout)
	defer cancel()
	if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		telemetry.OrphanedBlobsTotal.Inc()
		slog.Error("failed to remove tarball of aborted publish", "key", key, "error", err)
	}
}

func manifestJSON(m models.PackManifest) (json.RawMessage, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return raw, nil
}

func publishOutcome(err error) string {
	switch {
	case err == nil:
		return "published"
	case apperr.HasReason(err, apperr.ReasonDuplicateVersion):
		return "duplicate"
	case apperr.Is(err, apperr.CodeInvalidInput):
		return "invalid"
	case apperr.Is(err, apperr.CodeForbidden), apperr.Is(err, apperr.CodeUnauthenticated):
		return "forbidden"
	default:
		return "error"
	}
}
