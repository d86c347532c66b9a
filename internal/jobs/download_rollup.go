// download_rollup.go implements the DownloadRollup job. Downloads are counted
// in per-day buckets; the job recomputes every pack's weekly_downloads from the
// last seven buckets and prunes buckets that can no longer contribute.
package jobs

import (
	"context"
	"log/slog"
	"time"
)

const (
	weeklyWindow = 7 * 24 * time.Hour
	// dayRetention keeps a few days beyond the window so late rollups still see them
	dayRetention = 14 * 24 * time.Hour
)

// DownloadCounter aggregates per-day download buckets.
type DownloadCounter interface {
	RollupWeeklyDownloads(ctx context.Context, since time.Time) (int64, error)
	PruneDownloadDays(ctx context.Context, before time.Time) (int64, error)
}

// DownloadRollup periodically refreshes weekly download counts.
type DownloadRollup struct {
	*periodic
	counter DownloadCounter
	now     func() time.Time
}

// NewDownloadRollup creates a DownloadRollup running every interval.
func NewDownloadRollup(counter DownloadCounter, interval time.Duration) *DownloadRollup {
	d := &DownloadRollup{counter: counter, now: time.Now}
	d.periodic = newPeriodic("download-rollup", interval, d.RunOnce)
	return d
}

// RunOnce performs one rollup pass.
func (d *DownloadRollup) RunOnce(ctx context.Context) {
	now := d.now().UTC()
	// Six full days before today plus today itself.
	since := now.Add(-weeklyWindow + 24*time.Hour).Truncate(24 * time.Hour)

	updated, err := d.counter.RollupWeeklyDownloads(ctx, since)
	if err != nil {
		slog.Error("download rollup: failed to recompute weekly downloads", "error", err)
		return
	}

	pruned, err := d.counter.PruneDownloadDays(ctx, now.Add(-dayRetention))
	if err != nil {
		slog.Error("download rollup: failed to prune day buckets", "error", err)
		return
	}
	slog.Debug("download rollup complete", "packs", updated, "pruned_days", pruned)
}
