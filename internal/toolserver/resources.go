package toolserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	featuredURI = "packs://featured"
	tagsURI     = "packs://tags"
	statsURI    = "packs://stats"

	resourceLimit = 50
)

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(featuredURI, "Featured packs",
		mcp.WithResourceDescription("Packs featured by the registry maintainers"),
		mcp.WithMIMEType("application/json"),
	), s.readFeatured)

	s.mcp.AddResource(mcp.NewResource(tagsURI, "Tags",
		mcp.WithResourceDescription("Every tag in use with its pack count"),
		mcp.WithMIMEType("application/json"),
	), s.readTags)

	s.mcp.AddResource(mcp.NewResource(statsURI, "Registry statistics",
		mcp.WithResourceDescription("Global pack, version, download and organization counts"),
		mcp.WithMIMEType("application/json"),
	), s.readStats)
}

func (s *Server) readFeatured(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	packs, err := s.catalog.ListFeatured(ctx, resourceLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list featured packs: %w", err)
	}
	return jsonContents(req.Params.URI, packs)
}

func (s *Server) readTags(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	counts, err := s.catalog.GetTagCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tags: %w", err)
	}
	return jsonContents(req.Params.URI, counts)
}

func (s *Server) readStats(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := s.catalog.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}
	return jsonContents(req.Params.URI, stats)
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(b)},
	}, nil
}
