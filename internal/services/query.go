package services

import (
	"context"
	"strings"

	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/db/repositories"
)

const (
	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
)

// QueryService answers read-only discovery questions from current pack rows.
type QueryService struct {
	packs *repositories.PackRepository
	stats *repositories.StatsRepository
	orgs  *OrganizationService
}

// NewQueryService creates a query service
func NewQueryService(packs *repositories.PackRepository, stats *repositories.StatsRepository, orgs *OrganizationService) *QueryService {
	return &QueryService{packs: packs, stats: stats, orgs: orgs}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	return min(limit, MaxSearchLimit)
}

// Search matches query against names, display names, descriptions and tags,
// narrowed by the optional tag and target filters.
func (s *QueryService) Search(ctx context.Context, f models.SearchFilters) ([]models.Pack, error) {
	f.Query = strings.TrimSpace(f.Query)
	f.Tag = strings.TrimSpace(f.Tag)
	f.Target = strings.TrimSpace(f.Target)
	f.Limit = clampLimit(f.Limit)
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.packs.Search(ctx, f)
}

// ListByTag returns packs whose latest manifest carries tag.
func (s *QueryService) ListByTag(ctx context.Context, tag string, limit int) ([]models.Pack, error) {
	return s.Search(ctx, models.SearchFilters{Tag: tag, Limit: limit})
}

// ListByTarget returns packs whose latest manifest supports target.
func (s *QueryService) ListByTarget(ctx context.Context, target string, limit int) ([]models.Pack, error) {
	return s.Search(ctx, models.SearchFilters{Target: target, Limit: limit})
}

// ListFeatured returns featured packs, most downloaded first.
func (s *QueryService) ListFeatured(ctx context.Context, limit int) ([]models.Pack, error) {
	return s.packs.ListFeatured(ctx, clampLimit(limit))
}

// GetTagCounts returns the number of packs per tag, most used first.
func (s *QueryService) GetTagCounts(ctx context.Context) ([]models.TagCount, error) {
	return s.stats.TagCounts(ctx)
}

// GetStats returns registry-wide counters.
func (s *QueryService) GetStats(ctx context.Context) (*models.RegistryStats, error) {
	stats, err := s.stats.PackStats(ctx)
	if err != nil {
		return nil, err
	}
	orgs, err := s.orgs.Count(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalOrganizations = orgs
	return stats, nil
}
