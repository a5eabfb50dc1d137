package creds

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/activity-relay/activity"
)

// StartRefreshJob launches a goroutine per configured provider that refreshes
// its token before expiry. interval is how often to wake up and check; window
// is the remaining lifetime below which a refresh is attempted. Providers
// without a RefreshFunc are skipped entirely.
func StartRefreshJob(ctx context.Context, s *DBSource, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	for _, p := range activity.Providers {
		if _, ok := s.RefreshFuncs[p]; !ok {
			continue
		}
		go refreshLoop(ctx, s, p, interval, window)
	}
}

func refreshLoop(ctx context.Context, s *DBSource, p activity.Provider, interval, window time.Duration) {
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}
	for {
		// Per-iteration jitter (+-20% of interval) for scheduling diversity.
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
		nextSleep := interval + jitter
		if nextSleep < interval/2 {
			nextSleep = interval / 2
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(nextSleep):
		}

		var exp time.Time
		row := s.DB.QueryRowContext(ctx, `SELECT expires_at FROM oauth_tokens WHERE provider=$1 LIMIT 1`, string(p))
		if err := row.Scan(&exp); err != nil {
			if err != sql.ErrNoRows {
				slog.Warn("token expiry check failed", slog.String("provider", string(p)), slog.Any("err", err))
			}
			continue
		}
		// Zero expiry means the token never expires.
		if exp.IsZero() || time.Until(exp) > window {
			continue
		}

		// Small pre-refresh jitter to avoid stampedes when many pods see the same expiry
		//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
		pre := time.Duration(rand.Int63n(int64(5 * time.Second)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(pre):
		}

		ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := s.Refresh(ctx2, p)
		cancel()
		if err != nil {
			slog.Warn("token refresh failed", slog.String("provider", string(p)), slog.Any("err", err))
			continue
		}
		slog.Info("token refreshed", slog.String("provider", string(p)))
	}
}
