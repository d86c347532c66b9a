// Package main is the entry point for the pack registry server binary.
// Subcommands are dispatched with a plain switch on os.Args so the whole CLI
// surface reads in one place:
//
//	packregistry serve
//	packregistry migrate up|down|status
//	packregistry token issue <username> <scope> [--ttl 720h] [--description text]
//	packregistry token revoke <id>
//	packregistry version
//
// serve applies pending migrations on startup, so a fresh deployment needs no
// separate migration step.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- served only on the dedicated profiling port, never on the API listener
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/packregistry/packregistry/internal/api"
	"github.com/packregistry/packregistry/internal/config"
	"github.com/packregistry/packregistry/internal/db"
	"github.com/packregistry/packregistry/internal/telemetry"
)

const usage = `usage: packregistry <command>

commands:
  serve                                   run the HTTP server (default)
  migrate up|down|status                  apply, roll back or inspect schema migrations
  token issue <username> <scope> [flags]  mint a bearer token (flags: --ttl, --description)
  token revoke <id>                       delete a bearer token
  version                                 print the build version`

// shutdownTimeout bounds how long in-flight requests get to finish.
const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	// Argument errors are reported before touching configuration.
	switch command {
	case "version":
		fmt.Fprintf(out, "packregistry v%s\n", api.Version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprintln(out, usage)
		return nil
	case "serve":
	case "migrate":
		if len(args) != 1 {
			return fmt.Errorf("usage: packregistry migrate <up|down|status>")
		}
		switch args[0] {
		case "up", "down", "status":
		default:
			return fmt.Errorf("invalid migration direction %q (must be up, down or status)", args[0])
		}
	case "token":
		if _, err := parseTokenCommand(args); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command: %s\n\n%s", command, usage)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "migrate":
		return runMigrations(cfg, args[0], out)
	case "token":
		cmd, _ := parseTokenCommand(args)
		return runToken(cfg, cmd, out)
	default:
		return serve(cfg)
	}
}

func connect(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)
	return database, nil
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := connect(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	slog.Info("running database migrations")
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to read migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.StartDBStatsCollector(ctx, database, 15*time.Second)

	// Metrics and pprof listen on their own ports so they stay off the public ingress.
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		startSideServer(ctx, "metrics", fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort), mux, 10*time.Second)
	}
	if cfg.Telemetry.Profiling.Enabled {
		startSideServer(ctx, "pprof", fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port), http.DefaultServeMux, 30*time.Second)
	}

	router, bg, err := api.NewRouter(cfg, database)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Server.GetAddress(),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", server.Addr,
			"base_url", cfg.Server.BaseURL,
			"storage", cfg.Storage.DefaultBackend,
			"tls", cfg.Security.TLS.Enabled,
		)
		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		bg.Shutdown()
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		bg.Shutdown()
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	// Requests are drained; now stop jobs and limiter goroutines.
	bg.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// startSideServer serves handler on addr until ctx is cancelled.
func startSideServer(ctx context.Context, name, addr string, handler http.Handler, timeout time.Duration) {
	srv := &http.Server{ //nolint:gosec // internal-only port
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	go func() {
		slog.Info("starting "+name+" server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(name+" server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func runMigrations(cfg *config.Config, direction string, out io.Writer) error {
	database, err := connect(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	if direction != "status" {
		slog.Info("running migrations", "direction", direction)
		if err := db.RunMigrations(database, direction); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version: %d (dirty: %v)\n", version, dirty)
	return nil
}
