// Package poll implements the scheduled fallback ingestion path: it re-reads
// the current day's activities from the source REST API each tick and relies
// on the store's idempotent persist for correctness, so no cursor is tracked.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/activity-relay/activity"
	"github.com/onnwee/activity-relay/creds"
	"github.com/onnwee/activity-relay/seapi"
	"github.com/onnwee/activity-relay/telemetry"
)

// DefaultTypes is the fixed set of activity types requested from the REST API.
var DefaultTypes = []string{
	activity.TypeFollow, activity.TypeTip, activity.TypeCheer,
	activity.TypeSubscriber, activity.TypeRaid, activity.TypeHost,
	activity.TypeSuperchat, activity.TypeSponsor, activity.TypeRedemption,
	activity.TypeMerch, activity.TypeMembership, activity.TypeCommunityGift,
}

// EventStore is the slice of the activity store the poller needs.
type EventStore interface {
	Persist(ctx context.Context, c activity.Candidate) (activity.Activity, bool, error)
}

// Notices raises standing credential failure alarms.
type Notices interface {
	EnsureActive(ctx context.Context, p activity.Provider) (bool, error)
}

// Publisher receives newly stored activities for dashboard fan-out.
type Publisher interface {
	PublishActivity(a activity.Activity)
}

// Poller pulls recent activities per provider on a fixed interval.
type Poller struct {
	Store      EventStore
	Notices    Notices
	Creds      creds.Source
	Client     *seapi.Client
	Publisher  Publisher
	Suppressed map[string]bool
	Types      []string
	Limit      int

	// now is swapped in tests to pin the polling window.
	now func() time.Time
}

func (p *Poller) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// StartActivityPollJob runs the poller until ctx is cancelled. Every tick is
// independently best-effort: errors are logged and the next tick proceeds.
// Env knobs:
//
//	ACTIVITY_POLL_INTERVAL (default 60s)
//	ACTIVITY_POLL_LIMIT (default 100)
func StartActivityPollJob(ctx context.Context, p *Poller) {
	interval := 60 * time.Second
	if v := os.Getenv("ACTIVITY_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	if s := os.Getenv("ACTIVITY_POLL_LIMIT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			p.Limit = n
		}
	}
	slog.Info("activity poll job starting", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	inProgress := false
	for {
		select {
		case <-ctx.Done():
			slog.Info("activity poll job stopped")
			return
		case <-ticker.C:
			// A slow tick delays, it must not overlap with itself.
			if inProgress {
				slog.Debug("activity poll tick skipped: previous still running")
				continue
			}
			inProgress = true
			func() {
				defer func() { inProgress = false }()
				p.Tick(ctx)
			}()
		}
	}
}

// Tick polls every provider once. Never returns an error to the scheduler.
func (p *Poller) Tick(ctx context.Context) {
	telemetry.PollTicks.Inc()
	for _, provider := range activity.Providers {
		if err := p.pollProvider(ctx, provider); err != nil {
			telemetry.PollFailures.Inc()
			slog.Warn("activity poll", slog.String("provider", string(provider)), slog.Any("err", err))
		}
	}
}

// pollProvider fetches one provider's window and feeds it through the shared
// persist+publish path. Missing credentials skip the provider silently; a 401
// raises (at most) one standing notice.
func (p *Poller) pollProvider(ctx context.Context, provider activity.Provider) error {
	cred, err := p.Creds.Current(ctx, provider)
	if err != nil {
		if errors.Is(err, creds.ErrMissing) {
			return nil
		}
		return err
	}

	now := p.clock().UTC()
	q := seapi.ActivitiesQuery{
		After:  now.Truncate(24 * time.Hour), // start of current UTC day
		Before: now,
		Limit:  p.Limit,
		Types:  p.types(),
	}
	items, err := p.Client.Activities(ctx, cred.ChannelID, cred.Token, q)
	if err != nil {
		if errors.Is(err, seapi.ErrUnauthorized) {
			created, nerr := p.Notices.EnsureActive(ctx, provider)
			if nerr != nil {
				return nerr
			}
			if created {
				telemetry.CredentialNotices.WithLabelValues(string(provider)).Inc()
				slog.Warn("credential failure notice raised", slog.String("provider", string(provider)))
			}
			return nil
		}
		return err
	}

	for _, item := range items {
		a, stored, err := p.Store.Persist(ctx, activity.Candidate{
			UpstreamID: item.ID,
			Type:       item.Type,
			Provider:   provider,
			FeedSource: activity.FeedSourceSchedule,
			Payload:    item.Data,
			CreatedAt:  item.CreatedAt,
		})
		if err != nil {
			slog.Error("poll persist failed", slog.String("id", item.ID), slog.Any("err", err))
			continue
		}
		if !stored {
			telemetry.ActivitiesDuplicate.WithLabelValues(string(activity.FeedSourceSchedule)).Inc()
			continue
		}
		telemetry.ActivitiesIngested.WithLabelValues(string(activity.FeedSourceSchedule)).Inc()
		if p.Suppressed[a.Type] {
			telemetry.ActivitiesSuppressed.Inc()
			continue
		}
		p.Publisher.PublishActivity(a)
	}
	return nil
}

func (p *Poller) types() []string {
	if len(p.Types) > 0 {
		return p.Types
	}
	return DefaultTypes
}
