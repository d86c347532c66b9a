// pack_repository.go implements PackRepository, the single owner of the packs,
// pack_versions, pack_readmes and pack_download_days tables.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/packregistry/packregistry/internal/db/models"
)

// ErrDuplicateVersion is returned by InsertVersion when (pack_name, version) already exists.
var ErrDuplicateVersion = errors.New("pack version already exists")

const packVersionUniqueConstraint = "pack_versions_pack_name_version_key"

const packColumns = `id, name, display_name, description, author_name, tags, targets, features,
		latest_version, downloads, weekly_downloads, featured, deprecated, deprecation_message,
		created_at, updated_at`

const versionColumns = `id, pack_name, version, integrity, tarball_size, storage_path, storage_backend,
		manifest, author_name, published_at`

// PackRepository handles database operations for packs and their versions
type PackRepository struct {
	db *sql.DB
	q  DBTX
}

// NewPackRepository creates a new pack repository
func NewPackRepository(db *sql.DB) *PackRepository {
	return &PackRepository{db: db, q: db}
}

// InTx runs fn with a repository bound to a single transaction. Calls made on
// a repository that is already transactional join the existing transaction.
func (r *PackRepository) InTx(ctx context.Context, fn func(tx *PackRepository) error) error {
	if _, ok := r.q.(*sql.Tx); ok {
		return fn(r)
	}
	return runInTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(&PackRepository{db: r.db, q: tx})
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPack(s rowScanner) (*models.Pack, error) {
	p := &models.Pack{}
	err := s.Scan(
		&p.ID,
		&p.Name,
		&p.DisplayName,
		&p.Description,
		&p.AuthorName,
		pq.Array(&p.Tags),
		pq.Array(&p.Targets),
		pq.Array(&p.Features),
		&p.LatestVersion,
		&p.Downloads,
		&p.WeeklyDownloads,
		&p.Featured,
		&p.Deprecated,
		&p.DeprecationMessage,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Tags = nonNil(p.Tags)
	p.Targets = nonNil(p.Targets)
	p.Features = nonNil(p.Features)
	return p, nil
}

func scanVersion(s rowScanner) (*models.PackVersion, error) {
	v := &models.PackVersion{}
	var manifest []byte
	err := s.Scan(
		&v.ID,
		&v.PackName,
		&v.Version,
		&v.Integrity,
		&v.TarballSize,
		&v.StoragePath,
		&v.StorageBackend,
		&manifest,
		&v.AuthorName,
		&v.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(manifest) > 0 {
		v.Manifest = manifest
	}
	return v, nil
}

// === Packs ===

// UpsertPackMetadata inserts the pack on first publish and otherwise overwrites
// its descriptive fields with the incoming manifest. Nothing is merged.
func (r *PackRepository) UpsertPackMetadata(ctx context.Context, pack *models.Pack) error {
	query := `
		INSERT INTO packs (name, display_name, description, author_name, tags, targets, features, latest_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			display_name   = EXCLUDED.display_name,
			description    = EXCLUDED.description,
			author_name    = EXCLUDED.author_name,
			tags           = EXCLUDED.tags,
			targets        = EXCLUDED.targets,
			features       = EXCLUDED.features,
			latest_version = EXCLUDED.latest_version,
			updated_at     = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.q.QueryRowContext(ctx, query,
		pack.Name,
		pack.DisplayName,
		pack.Description,
		pack.AuthorName,
		pq.Array(nonNil(pack.Tags)),
		pq.Array(nonNil(pack.Targets)),
		pq.Array(nonNil(pack.Features)),
		pack.LatestVersion,
	).Scan(&pack.ID, &pack.CreatedAt, &pack.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert pack metadata: %w", err)
	}
	return nil
}

// GetPack retrieves a pack by name
func (r *PackRepository) GetPack(ctx context.Context, name string) (*models.Pack, error) {
	query := `SELECT ` + packColumns + ` FROM packs WHERE name = $1`

	p, err := scanPack(r.q.QueryRowContext(ctx, query, name))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get pack: %w", err)
	}
	return p, nil
}

// SetDeprecated marks or unmarks a pack as deprecated. Reports false when the pack does not exist.
func (r *PackRepository) SetDeprecated(ctx context.Context, name string, deprecated bool, message *string) (bool, error) {
	if !deprecated {
		message = nil
	}
	query := `UPDATE packs SET deprecated = $2, deprecation_message = $3, updated_at = NOW() WHERE name = $1`

	result, err := r.q.ExecContext(ctx, query, name, deprecated, message)
	if err != nil {
		return false, fmt.Errorf("failed to set deprecation: %w", err)
	}
	return affected(result)
}

// SetFeatured toggles the featured flag. Reports false when the pack does not exist.
func (r *PackRepository) SetFeatured(ctx context.Context, name string, featured bool) (bool, error) {
	query := `UPDATE packs SET featured = $2, updated_at = NOW() WHERE name = $1`

	result, err := r.q.ExecContext(ctx, query, name, featured)
	if err != nil {
		return false, fmt.Errorf("failed to set featured: %w", err)
	}
	return affected(result)
}

// LockLatestVersion returns the recorded latest version and holds the pack row
// lock until the surrounding transaction ends. Reports false when the pack is gone.
func (r *PackRepository) LockLatestVersion(ctx context.Context, name string) (string, bool, error) {
	var latest string
	err := r.q.QueryRowContext(ctx, `SELECT latest_version FROM packs WHERE name = $1 FOR UPDATE`, name).Scan(&latest)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to lock pack: %w", err)
	}
	return latest, true, nil
}

// SetLatestVersion records the highest version of a pack.
func (r *PackRepository) SetLatestVersion(ctx context.Context, name, version string) error {
	query := `UPDATE packs SET latest_version = $2, updated_at = NOW() WHERE name = $1`
	if _, err := r.q.ExecContext(ctx, query, name, version); err != nil {
		return fmt.Errorf("failed to set latest version: %w", err)
	}
	return nil
}

// DeletePack removes a pack. Versions, readme and download counters cascade.
func (r *PackRepository) DeletePack(ctx context.Context, name string) (bool, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM packs WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete pack: %w", err)
	}
	return affected(result)
}

// === Versions ===

// InsertVersion inserts a new immutable version row. Uniqueness is enforced by
// the pack_versions unique constraint, so of two concurrent inserts of the same
// version exactly one fails with ErrDuplicateVersion.
func (r *PackRepository) InsertVersion(ctx context.Context, v *models.PackVersion) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	manifest := []byte(v.Manifest)
	if len(manifest) == 0 {
		manifest = []byte("{}")
	}

	query := `
		INSERT INTO pack_versions (id, pack_name, version, integrity, tarball_size, storage_path,
			storage_backend, manifest, author_name, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING published_at
	`

	err := r.q.QueryRowContext(ctx, query,
		v.ID,
		v.PackName,
		v.Version,
		v.Integrity,
		v.TarballSize,
		v.StoragePath,
		v.StorageBackend,
		manifest,
		v.AuthorName,
	).Scan(&v.PublishedAt)
	if err != nil {
		if uniqueViolation(err, packVersionUniqueConstraint) {
			return ErrDuplicateVersion
		}
		return fmt.Errorf("failed to insert pack version: %w", err)
	}
	return nil
}

// GetVersion retrieves one version of a pack
func (r *PackRepository) GetVersion(ctx context.Context, name, version string) (*models.PackVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM pack_versions WHERE pack_name = $1 AND version = $2`

	v, err := scanVersion(r.q.QueryRowContext(ctx, query, name, version))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get pack version: %w", err)
	}
	return v, nil
}

// ListVersions returns all versions of a pack in publish order, newest first
func (r *PackRepository) ListVersions(ctx context.Context, name string) ([]models.PackVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM pack_versions WHERE pack_name = $1 ORDER BY published_at DESC`

	rows, err := r.q.QueryContext(ctx, query, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list pack versions: %w", err)
	}
	defer rows.Close()

	versions := make([]models.PackVersion, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pack version: %w", err)
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// DeleteVersion removes one version row. Reports false when it did not exist.
func (r *PackRepository) DeleteVersion(ctx context.Context, name, version string) (bool, error) {
	result, err := r.q.ExecContext(ctx,
		`DELETE FROM pack_versions WHERE pack_name = $1 AND version = $2`, name, version)
	if err != nil {
		return false, fmt.Errorf("failed to delete pack version: %w", err)
	}
	return affected(result)
}

// === Readme ===

// UpsertReadme replaces the pack readme wholesale
func (r *PackRepository) UpsertReadme(ctx context.Context, name, content string) error {
	query := `
		INSERT INTO pack_readmes (pack_name, content, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (pack_name) DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`
	if _, err := r.q.ExecContext(ctx, query, name, content); err != nil {
		return fmt.Errorf("failed to upsert readme: %w", err)
	}
	return nil
}

// GetReadme returns the readme, or nil when the pack has none
func (r *PackRepository) GetReadme(ctx context.Context, name string) (*models.PackReadme, error) {
	readme := &models.PackReadme{}
	err := r.q.QueryRowContext(ctx,
		`SELECT pack_name, content, updated_at FROM pack_readmes WHERE pack_name = $1`, name,
	).Scan(&readme.PackName, &readme.Content, &readme.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get readme: %w", err)
	}
	return readme, nil
}

// === Queries ===

// Search matches query as a substring of name or description, or exactly
// against a tag, optionally narrowed to a tag and a target. Exact name matches
// rank first, then downloads.
func (r *PackRepository) Search(ctx context.Context, f models.SearchFilters) ([]models.Pack, error) {
	query := `
		SELECT ` + packColumns + `
		FROM packs
		WHERE ($1 = '' OR name ILIKE $2 OR description ILIKE $2 OR display_name ILIKE $2 OR $1 = ANY(tags))
		  AND ($3 = '' OR $3 = ANY(tags))
		  AND ($4 = '' OR $4 = ANY(targets))
		ORDER BY (name = $1) DESC, downloads DESC, name ASC
		LIMIT $5 OFFSET $6
	`
	pattern := "%" + escapeLike(f.Query) + "%"
	return r.queryPacks(ctx, query, f.Query, pattern, f.Tag, f.Target, f.Limit, f.Offset)
}

// ListFeatured returns featured packs by popularity
func (r *PackRepository) ListFeatured(ctx context.Context, limit int) ([]models.Pack, error) {
	query := `SELECT ` + packColumns + ` FROM packs WHERE featured ORDER BY downloads DESC, name ASC LIMIT $1`
	return r.queryPacks(ctx, query, limit)
}

func (r *PackRepository) queryPacks(ctx context.Context, query string, args ...any) ([]models.Pack, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packs: %w", err)
	}
	defer rows.Close()

	packs := make([]models.Pack, 0)
	for rows.Next() {
		p, err := scanPack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pack: %w", err)
		}
		packs = append(packs, *p)
	}
	return packs, rows.Err()
}

// === Downloads ===

// RecordDownload bumps the lifetime counter and today's bucket in one statement.
func (r *PackRepository) RecordDownload(ctx context.Context, name string) error {
	query := `
		WITH bumped AS (
			UPDATE packs SET downloads = downloads + 1 WHERE name = $1 RETURNING name
		)
		INSERT INTO pack_download_days (pack_name, day, count)
		SELECT name, CURRENT_DATE, 1 FROM bumped
		ON CONFLICT (pack_name, day) DO UPDATE SET count = pack_download_days.count + 1
	`
	if _, err := r.q.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// RollupWeeklyDownloads recomputes weekly_downloads from day buckets on or after since.
func (r *PackRepository) RollupWeeklyDownloads(ctx context.Context, since time.Time) (int64, error) {
	query := `
		UPDATE packs p SET weekly_downloads = COALESCE((
			SELECT SUM(d.count) FROM pack_download_days d
			WHERE d.pack_name = p.name AND d.day >= $1::date
		), 0)
	`
	result, err := r.q.ExecContext(ctx, query, since)
	if err != nil {
		return 0, fmt.Errorf("failed to roll up weekly downloads: %w", err)
	}
	return result.RowsAffected()
}

// PruneDownloadDays deletes day buckets older than before.
func (r *PackRepository) PruneDownloadDays(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM pack_download_days WHERE day < $1::date`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune download days: %w", err)
	}
	return result.RowsAffected()
}

func affected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
