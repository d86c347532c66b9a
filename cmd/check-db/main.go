// Package main is a diagnostic tool that checks database connectivity and
// prints a summary of live registry data: schema version, packs with their
// versions, and organizations. It reads the same PKR_ configuration as the
// server and exits non-zero on any failure, so it can gate a deployment step on
// a reachable, migrated database.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/packregistry/packregistry/internal/config"
	"github.com/packregistry/packregistry/internal/db"
	"github.com/packregistry/packregistry/internal/db/models"
	"github.com/packregistry/packregistry/internal/db/repositories"
)

func main() {
	if err := run(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "check-db: %v\n", err)
		os.Exit(1)
	}
}

func run(out io.Writer) error {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 2, 0)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer database.Close()

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "=== SCHEMA ===\nversion %d (dirty: %v)\n", version, dirty)
	if dirty {
		return fmt.Errorf("schema version %d is dirty", version)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	packRepo := repositories.NewPackRepository(database)
	stats, err := repositories.NewStatsRepository(sqlx.NewDb(database, "postgres")).PackStats(ctx)
	if err != nil {
		return err
	}
	orgCount, err := repositories.NewOrganizationRepository(database).Count(ctx)
	if err != nil {
		return err
	}
	stats.TotalOrganizations = orgCount
	printStats(out, stats)

	packs, err := packRepo.Search(ctx, models.SearchFilters{Limit: 100})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "\n=== PACKS ===")
	if len(packs) == 0 {
		fmt.Fprintln(out, "No packs found!")
		return nil
	}
	for _, p := range packs {
		versions, err := packRepo.ListVersions(ctx, p.Name)
		if err != nil {
			return err
		}
		printPack(out, p, versions)
	}
	return nil
}

func printStats(out io.Writer, s *models.RegistryStats) {
	fmt.Fprintln(out, "\n=== TOTALS ===")
	fmt.Fprintf(out, "packs: %d  versions: %d  downloads: %d  organizations: %d\n",
		s.TotalPacks, s.TotalVersions, s.TotalDownloads, s.TotalOrganizations)
}

func printPack(out io.Writer, p models.Pack, versions []models.PackVersion) {
	flags := ""
	if p.Featured {
		flags += " [featured]"
	}
	if p.Deprecated {
		flags += " [deprecated]"
	}
	fmt.Fprintf(out, "%s@%s by %s%s\n", p.Name, p.LatestVersion, p.AuthorName, flags)
	for _, v := range versions {
		fmt.Fprintf(out, "  %s  %d bytes  %s  (%s)\n", v.Version, v.TarballSize, v.Integrity, v.StorageBackend)
	}
}
