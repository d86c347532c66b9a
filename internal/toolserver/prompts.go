package toolserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/packregistry/packregistry/internal/apperr"
	"github.com/packregistry/packregistry/internal/db/models"
)

// maxComparePacks bounds compare_packs so one prompt cannot fan out unbounded lookups.
const maxComparePacks = 5

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("suggest_packs",
		mcp.WithPromptDescription("Suggest packs that help with a task"),
		mcp.WithArgument("task", mcp.ArgumentDescription("What you are trying to do"), mcp.RequiredArgument()),
		mcp.WithArgument("target", mcp.ArgumentDescription("Target tool to restrict suggestions to")),
	), s.suggestPacks)

	s.mcp.AddPrompt(mcp.NewPrompt("compare_packs",
		mcp.WithPromptDescription("Compare several packs side by side"),
		mcp.WithArgument("packs", mcp.ArgumentDescription("Comma-separated pack names"), mcp.RequiredArgument()),
	), s.comparePacks)
}

func (s *Server) suggestPacks(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	task := strings.TrimSpace(req.Params.Arguments["task"])
	if task == "" {
		return nil, errors.New("missing required argument: task")
	}
	target := strings.TrimSpace(req.Params.Arguments["target"])

	packs, err := s.catalog.Search(ctx, models.SearchFilters{Query: task, Target: target, Limit: defaultToolLimit})
	if err != nil {
		return nil, fmt.Errorf("failed to search packs: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "I need help with: %s\n", task)
	if target != "" {
		fmt.Fprintf(&b, "I am using %s.\n", target)
	}
	if len(packs) == 0 {
		b.WriteString("\nThe registry has no packs matching this task. Suggest search terms I could try instead.")
	} else {
		b.WriteString("\nThese registry packs may be relevant. Recommend the best fit and explain why.\n\n")
		b.WriteString(formatPackList(fmt.Sprintf("Found %d packs", len(packs)), packs))
	}

	return mcp.NewGetPromptResult("Pack suggestions for "+task, []mcp.PromptMessage{
		mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(b.String())),
	}), nil
}

func (s *Server) comparePacks(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	names := splitNames(req.Params.Arguments["packs"])
	if len(names) == 0 {
		return nil, errors.New("missing required argument: packs")
	}
	if len(names) > maxComparePacks {
		return nil, fmt.Errorf("at most %d packs can be compared", maxComparePacks)
	}

	var b strings.Builder
	b.WriteString("Compare these packs. Summarise how they differ and which suits which use.\n")
	for _, name := range names {
		b.WriteString("\n---\n\n")
		detail, err := s.catalog.GetPack(ctx, name)
		switch {
		case apperr.Is(err, apperr.CodeNotFound):
			fmt.Fprintf(&b, "%s: Not found", name)
		case err != nil:
			return nil, fmt.Errorf("failed to load pack %s: %w", name, err)
		default:
			b.WriteString(formatPackDetail(detail))
		}
	}

	return mcp.NewGetPromptResult("Comparison of "+strings.Join(names, ", "), []mcp.PromptMessage{
		mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(b.String())),
	}), nil
}

// splitNames parses a comma-separated list, dropping blanks and duplicates.
func splitNames(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		name := strings.TrimSpace(part)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
