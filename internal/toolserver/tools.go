package toolserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/telemetry"
)

const defaultToolLimit = 10

func (s *Server) registerTools() {
	s.addTool(mcp.NewTool("search_packs",
		mcp.WithDescription("Search the registry by keyword, optionally filtered by tag or target tool"),
		mcp.WithString("query", mcp.Description("Keyword matched against pack names, descriptions and tags")),
		mcp.WithString("tag", mcp.Description("Only packs carrying this tag")),
		mcp.WithString("target", mcp.Description("Only packs supporting this target, e.g. cursor or claude")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10, max 100)")),
	), s.searchPacks)

	s.addTool(mcp.NewTool("get_pack_info",
		mcp.WithDescription("Show a pack's metadata and published versions"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Pack name, e.g. lint-rules or @acme/rules")),
	), s.getPackInfo)

	s.addTool(mcp.NewTool("list_featured",
		mcp.WithDescription("List packs featured by the registry maintainers"),
	), s.listFeatured)

	s.addTool(mcp.NewTool("list_by_target",
		mcp.WithDescription("List packs that support a target tool"),
		mcp.WithString("target", mcp.Required(), mcp.Description("Target tool, e.g. cursor or claude")),
	), s.listByTarget)

	s.addTool(mcp.NewTool("get_pack_readme",
		mcp.WithDescription("Fetch a pack's README"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Pack name")),
	), s.getPackReadme)

	s.addTool(mcp.NewTool("list_tags",
		mcp.WithDescription("List tags in use and how many packs carry each"),
	), s.listTags)
}

// addTool registers handler and counts its calls.
func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	name := tool.Name
	s.mcp.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		telemetry.MCPToolCallsTotal.WithLabelValues(name).Inc()
		return handler(ctx, req)
	})
}

// lookupFailed reports a registry failure to the agent without leaking its detail.
func lookupFailed(tool string, err error) *mcp.CallToolResult {
	slog.Error("tool call failed", "tool", tool, "error", err)
	return mcp.NewToolResultError("Registry lookup failed, try again later")
}

func (s *Server) searchPacks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	packs, err := s.catalog.Search(ctx, models.SearchFilters{
		Query:  req.GetString("query", ""),
		Tag:    req.GetString("tag", ""),
		Target: req.GetString("target", ""),
		Limit:  req.GetInt("limit", defaultToolLimit),
	})
	if err != nil {
		return lookupFailed("search_packs", err), nil
	}
	return mcp.NewToolResultText(formatPackList(fmt.Sprintf("Found %d packs", len(packs)), packs)), nil
}

func (s *Server) getPackInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, err
	}

	detail, err := s.catalog.GetPack(ctx, name)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return mcp.NewToolResultText(fmt.Sprintf("Pack %q not found", name)), nil
		}
		return lookupFailed("get_pack_info", err), nil
	}
	return mcp.NewToolResultText(formatPackDetail(detail)), nil
}

func (s *Server) listFeatured(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	packs, err := s.catalog.ListFeatured(ctx, defaultToolLimit)
	if err != nil {
		return lookupFailed("list_featured", err), nil
	}
	if len(packs) == 0 {
		return mcp.NewToolResultText("No featured packs"), nil
	}
	return mcp.NewToolResultText(formatPackList(fmt.Sprintf("Featured packs (%d)", len(packs)), packs)), nil
}

func (s *Server) listByTarget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := req.RequireString("target")
	if err != nil {
		return nil, err
	}

	packs, err := s.catalog.ListByTarget(ctx, target, defaultToolLimit)
	if err != nil {
		return lookupFailed("list_by_target", err), nil
	}
	if len(packs) == 0 {
		return mcp.NewToolResultText("No packs found for target " + target), nil
	}
	return mcp.NewToolResultText(formatPackList(fmt.Sprintf("Packs for %s (%d)", target, len(packs)), packs)), nil
}

func (s *Server) getPackReadme(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, err
	}

	readme, err := s.catalog.GetReadme(ctx, name)
	if err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return mcp.NewToolResultText("No README available for " + name), nil
		}
		return lookupFailed("get_pack_readme", err), nil
	}
	return mcp.NewToolResultText(readme.Content), nil
}

func (s *Server) listTags(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	counts, err := s.catalog.GetTagCounts(ctx)
	if err != nil {
		return lookupFailed("list_tags", err), nil
	}
	return mcp.NewToolResultText(formatTagCounts(counts)), nil
}
