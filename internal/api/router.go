// Package api wires together all HTTP routes for the pack registry.
//
// Route grouping:
//   - Reads are public. A bearer token is honoured when present so the general
//     limiter can key on the caller instead of a shared address.
//   - Mutations always require a token with the publish scope (admin for
//     featuring and the audit log) and run behind the tighter publish limiter.
//     Finer checks (pack authorship, organization roles) happen in the services
//     because they depend on the resource named in the path.
//   - POST /mcp serves the JSON-RPC tool protocol for AI agents and is limited
//     like any other read.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/packregistry/packregistry/internal/api/admin"
	"github.com/packregistry/packregistry/internal/api/packs"
	"github.com/packregistry/packregistry/internal/audit"
	"github.com/packregistry/packregistry/internal/auth"
	"github.com/packregistry/packregistry/internal/config"
	"github.com/packregistry/packregistry/internal/db/repositories"
	"github.com/packregistry/packregistry/internal/jobs"
	"github.com/packregistry/packregistry/internal/middleware"
	"github.com/packregistry/packregistry/internal/services"
	"github.com/packregistry/packregistry/internal/storage"
	"github.com/packregistry/packregistry/internal/toolserver"

	// Import storage backends to register them
	_ "github.com/packregistry/packregistry/internal/storage/azure"
	_ "github.com/packregistry/packregistry/internal/storage/gcs"
	_ "github.com/packregistry/packregistry/internal/storage/local"
	_ "github.com/packregistry/packregistry/internal/storage/s3"
)

// Version is the build version reported by /version and the tool server.
// Overridden at link time with -ldflags "-X .../internal/api.Version=...".
var Version = "0.1.0"

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	tokenReaper    *jobs.TokenReaper
	downloadRollup *jobs.DownloadRollup
	rateLimiters   []middleware.Limiter
	redis          *redis.Client
	auditShipper   *audit.MultiShipper
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.tokenReaper != nil {
		bg.tokenReaper.Stop()
	}
	if bg.downloadRollup != nil {
		bg.downloadRollup.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.auditShipper != nil {
		if err := bg.auditShipper.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	if bg.redis != nil {
		if err := bg.redis.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// Limiters returns the active rate limiters, publish first. Test harnesses
// call Clear on them between cases.
func (bg *BackgroundServices) Limiters() []middleware.Limiter {
	return bg.rateLimiters
}

// NewRouter creates the configured storage backend and builds the router on it.
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	store, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.DefaultBackend)
	return NewRouterWithStorage(cfg, db, store)
}

// NewRouterWithStorage creates and configures the Gin router over an existing blob store.
func NewRouterWithStorage(cfg *config.Config, db *sql.DB, store storage.Storage) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()
	// Scoped pack names arrive percent-encoded ("@acme%2Frules") and must stay one segment.
	router.UseRawPath = true
	router.UnescapePathValues = true

	bg := &BackgroundServices{}

	// Repositories
	packRepo := repositories.NewPackRepository(db)
	orgRepo := repositories.NewOrganizationRepository(db)
	tokenRepo := repositories.NewTokenRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	statsRepo := repositories.NewStatsRepository(sqlx.NewDb(db, "postgres"))

	// Services
	orgService := services.NewOrganizationService(orgRepo)
	credService := services.NewCredentialService(tokenRepo, cfg.Auth)
	packService := services.NewPackService(packRepo, orgService, store)
	publishService := services.NewPublishService(packRepo, store, cfg, packService.AuthorizePublish)
	queryService := services.NewQueryService(packRepo, statsRepo, orgService)
	toolServer := toolserver.New(toolserver.NewCatalog(queryService, packService), Version)

	// Rate limiters
	var publishLimit, generalLimit gin.HandlerFunc = noop, noop
	if cfg.RateLimiting.Enabled {
		publishLimiter, generalLimiter := newLimiters(cfg.RateLimiting, bg)
		publishLimit = middleware.RateLimitMiddleware(publishLimiter)
		generalLimit = middleware.RateLimitMiddleware(generalLimiter)
	}

	auditLog := noop
	if cfg.Audit.Enabled {
		shipper, err := audit.NewMultiShipper(cfg.Audit)
		if err != nil {
			bg.Shutdown()
			return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
		}
		bg.auditShipper = shipper
		auditLog = middleware.AuditMiddleware(audit.NewRecorder(auditRepo, shipper))
		slog.Info("audit logging enabled", "shippers", shipper.Len())
	}

	// Background jobs
	bg.tokenReaper = jobs.NewTokenReaper(credService, cfg.Jobs.TokenReaperInterval, cfg.Jobs.TokenReaperGrace)
	bg.tokenReaper.Start(context.Background())
	bg.downloadRollup = jobs.NewDownloadRollup(packRepo, cfg.Jobs.DownloadRollupInterval)
	bg.downloadRollup.Start(context.Background())

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, store))
	router.GET("/version", versionHandler())

	packHandlers := packs.NewHandlers(packService, publishService, queryService, cfg.Packs.MaxTarballSize)
	orgHandlers := admin.NewOrganizationHandlers(orgService)
	tokenHandlers := admin.NewTokenHandlers(credService)
	auditHandlers := admin.NewAuditHandlers(auditRepo)

	// Public reads
	read := router.Group("", middleware.OptionalAuthMiddleware(credService), generalLimit)
	{
		read.GET("/packs", packHandlers.SearchHandler())
		read.GET("/packs/:name", packHandlers.GetHandler())
		read.GET("/packs/:name/readme", packHandlers.ReadmeHandler())
		read.GET("/packs/:name/versions", packHandlers.ListVersionsHandler())
		read.GET("/packs/:name/versions/:version", packHandlers.GetVersionHandler())
		read.GET("/packs/:name/versions/:version/tarball", packHandlers.TarballHandler())

		read.GET("/tags", packHandlers.TagsHandler())
		read.GET("/targets/:id", packHandlers.TargetHandler())
		read.GET("/featured", packHandlers.FeaturedHandler())
		read.GET("/stats", packHandlers.StatsHandler())

		read.GET("/orgs/:name", orgHandlers.GetOrganizationHandler())
		read.GET("/orgs/:name/members", orgHandlers.ListMembersHandler())

		read.POST("/mcp", toolServer.Handler())
	}

	// Authenticated reads of the caller's own resources
	self := router.Group("", middleware.AuthMiddleware(credService), generalLimit, middleware.RequireScope(auth.ScopeRead))
	{
		self.GET("/tokens", tokenHandlers.ListTokensHandler())
		self.GET("/user/orgs", orgHandlers.UserOrganizationsHandler())
	}

	// Token management is open to read tokens so they can mint their own kind.
	tokens := router.Group("/tokens", middleware.AuthMiddleware(credService), publishLimit, middleware.RequireScope(auth.ScopeRead), auditLog)
	{
		tokens.POST("", tokenHandlers.IssueTokenHandler())
		tokens.DELETE("/:id", tokenHandlers.RevokeTokenHandler())
	}

	// Mutations
	write := router.Group("", middleware.AuthMiddleware(credService), publishLimit, middleware.RequireScope(auth.ScopePublish), auditLog)
	{
		write.POST("/packs", packHandlers.PublishHandler())
		write.DELETE("/packs/:name", packHandlers.DeletePackHandler())
		write.DELETE("/packs/:name/versions/:version", packHandlers.DeleteVersionHandler())
		write.POST("/packs/:name/deprecate", packHandlers.DeprecateHandler())

		write.POST("/orgs", orgHandlers.CreateOrganizationHandler())
		write.PATCH("/orgs/:name", orgHandlers.UpdateOrganizationHandler())
		write.DELETE("/orgs/:name", orgHandlers.DeleteOrganizationHandler())
		write.POST("/orgs/:name/members", orgHandlers.AddMemberHandler())
		write.DELETE("/orgs/:name/members/:username", orgHandlers.RemoveMemberHandler())
	}

	// Registry administration
	adminGroup := router.Group("", middleware.AuthMiddleware(credService), publishLimit, middleware.RequireScope(auth.ScopeAdmin), auditLog)
	{
		adminGroup.POST("/packs/:name/feature", packHandlers.FeatureHandler())
		adminGroup.GET("/admin/audit-logs", auditHandlers.ListAuditLogsHandler())
	}

	return router, bg, nil
}

func noop(c *gin.Context) { c.Next() }

// newLimiters builds the publish and general limiters on the configured backend.
func newLimiters(cfg config.RateLimitingConfig, bg *BackgroundServices) (publish, general middleware.Limiter) {
	if cfg.Backend == "redis" {
		client := middleware.NewRedisClient(cfg.Redis)
		bg.redis = client
		publish = middleware.NewRedisRateLimiter(middleware.PublishLimiter, client, cfg.Publish)
		general = middleware.NewRedisRateLimiter(middleware.GeneralLimiter, client, cfg.General)
		slog.Info("rate limiting enabled", "backend", "redis", "addr", cfg.Redis.Addr)
	} else {
		publish = middleware.NewRateLimiter(middleware.PublishLimiter, middleware.PolicyConfig(cfg.Publish))
		general = middleware.NewRateLimiter(middleware.GeneralLimiter, middleware.PolicyConfig(cfg.General))
		slog.Info("rate limiting enabled", "backend", "memory")
	}
	bg.rateLimiters = append(bg.rateLimiters, publish, general)
	return publish, general
}

// healthCheckHandler reports liveness: the process is up and the database answers.
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// breakerState is implemented by a storage backend wrapped in a circuit breaker.
type breakerState interface {
	State() string
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the storage backend so
// that a readiness gate fails when uploads and downloads would error.
func readinessHandler(db *sql.DB, store storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		if b, ok := store.(breakerState); ok {
			checks["storage_breaker"] = b.State()
		}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Probe with a known-absent sentinel key. Exists() exercises
		// authentication and network connectivity without creating any state.
		if _, err := store.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build and protocol versions
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
			"protocols": gin.H{
				"http": "v1",
				"mcp":  "2025-03-26",
			},
		})
	}
}

// LoggerMiddleware emits one structured record per request. The slog handler
// installed by telemetry.SetupLogger decides between JSON and text output.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = path
		}
		requestID, _ := c.Get(middleware.RequestIDKey)
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}

		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, PATCH, DELETE, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-Pack-Integrity, X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
