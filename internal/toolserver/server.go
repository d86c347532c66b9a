// Package toolserver exposes the registry to AI agents as a Model Context
// Protocol server: discovery tools, read-only resources and prompt templates
// over stateless JSON-RPC 2.0.
//
// Every call is answered from current registry state. No session is kept, so
// tools/call works without a prior initialize. Missing packs and readmes are
// reported as ordinary text results; only malformed requests produce JSON-RPC
// errors.
package toolserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/services"
)

const (
	serverName = "packregistry"

	// maxMessageSize bounds a single JSON-RPC request body (1MB)
	maxMessageSize = 1 << 20
)

// Catalog is the read side of the registry that the protocol surface needs.
type Catalog interface {
	Search(ctx context.Context, f models.SearchFilters) ([]models.Pack, error)
	ListFeatured(ctx context.Context, limit int) ([]models.Pack, error)
	ListByTarget(ctx context.Context, target string, limit int) ([]models.Pack, error)
	GetTagCounts(ctx context.Context) ([]models.TagCount, error)
	GetStats(ctx context.Context) (*models.RegistryStats, error)
	GetPack(ctx context.Context, name string) (*models.PackDetail, error)
	GetReadme(ctx context.Context, name string) (*models.PackReadme, error)
}

type serviceCatalog struct {
	*services.QueryService
	*services.PackService
}

// NewCatalog joins the query and pack services into a Catalog.
func NewCatalog(query *services.QueryService, packs *services.PackService) Catalog {
	return serviceCatalog{QueryService: query, PackService: packs}
}

// Server wraps an mcp-go server bound to a Catalog.
type Server struct {
	catalog Catalog
	mcp     *server.MCPServer
}

// New builds the protocol server and registers every tool, resource and prompt.
func New(catalog Catalog, version string) *Server {
	s := &Server{
		catalog: catalog,
		mcp: server.NewMCPServer(serverName, version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(false, false),
			server.WithPromptCapabilities(false),
			server.WithRecovery(),
			server.WithInstructions("Search and inspect packs of rules, commands, agents and skills for AI coding tools."),
		),
	}
	s.registerTools()
	s.registerResources()
	s.registerPrompts()
	return s
}

// HandleMessage answers one JSON-RPC message. Notifications yield nil.
func (s *Server) HandleMessage(ctx context.Context, raw json.RawMessage) mcp.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, raw)
}

// Handler serves POST /mcp. Notifications are acknowledged with 202 and no body.
func (s *Server) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMessageSize))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		resp := s.HandleMessage(c.Request.Context(), body)
		if resp == nil {
			c.Status(http.StatusAccepted)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
