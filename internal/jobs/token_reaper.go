// token_reaper.go implements the TokenReaper job, which deletes bearer tokens
// that expired longer ago than a grace period. Expired tokens already fail
// authentication; the grace period keeps them listable for a while so users
// can see why a token stopped working.
package jobs

import (
	"context"
	"log/slog"
	"time"
)

// TokenExpirer deletes tokens that expired before cutoff.
type TokenExpirer interface {
	ReapExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenReaper periodically removes long-expired tokens.
type TokenReaper struct {
	*periodic
	tokens TokenExpirer
	grace  time.Duration
	now    func() time.Time
}

// NewTokenReaper creates a TokenReaper running every interval.
func NewTokenReaper(tokens TokenExpirer, interval, grace time.Duration) *TokenReaper {
	r := &TokenReaper{tokens: tokens, grace: grace, now: time.Now}
	r.periodic = newPeriodic("token-reaper", interval, r.RunOnce)
	return r
}

// RunOnce performs one reaping pass.
func (r *TokenReaper) RunOnce(ctx context.Context) {
	cutoff := r.now().Add(-r.grace)
	n, err := r.tokens.ReapExpired(ctx, cutoff)
	if err != nil {
		slog.Error("token reaper: failed to delete expired tokens", "error", err)
		return
	}
	if n > 0 {
		slog.Info("token reaper: deleted expired tokens", "count", n, "cutoff", cutoff)
	}
}
