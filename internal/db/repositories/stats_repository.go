// stats_repository.go implements StatsRepository, the read-only aggregate queries
// behind /tags and /stats. It uses sqlx for struct scanning of aggregate rows.
package repositories

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/packregistry/packregistry/internal/db/models"
)

// StatsRepository runs aggregate queries over the pack tables
type StatsRepository struct {
	db *sqlx.DB
}

// NewStatsRepository creates a new stats repository
func NewStatsRepository(db *sqlx.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// TagCounts returns how many packs carry each tag, most used first
func (r *StatsRepository) TagCounts(ctx context.Context) ([]models.TagCount, error) {
	query := `
		SELECT tag, COUNT(*) AS count
		FROM packs, unnest(tags) AS tag
		GROUP BY tag
		ORDER BY count DESC, tag ASC
	`
	counts := make([]models.TagCount, 0)
	if err := r.db.SelectContext(ctx, &counts, query); err != nil {
		return nil, fmt.Errorf("failed to count tags: %w", err)
	}
	return counts, nil
}

// PackStats fills the pack-related counters. TotalOrganizations is left for the caller.
func (r *StatsRepository) PackStats(ctx context.Context) (*models.RegistryStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM packs)                      AS total_packs,
			(SELECT COUNT(*) FROM pack_versions)              AS total_versions,
			(SELECT COALESCE(SUM(downloads), 0) FROM packs)   AS total_downloads,
			0                                                 AS total_organizations,
			(SELECT COUNT(*) FROM packs WHERE featured)       AS featured_packs,
			(SELECT COUNT(*) FROM packs WHERE deprecated)     AS deprecated_packs
	`
	var stats models.RegistryStats
	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("failed to get pack stats: %w", err)
	}
	return &stats, nil
}
