// Package chattap is an optional third ingestion path: it listens to Twitch
// chat USERNOTICE lines (subs, gift subs, raids) and feeds them through the
// same idempotent persist+publish pipeline as the upstream socket and the
// polling fallback. Enabled with CHAT_TAP=1.
package chattap

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/activity-relay/activity"
	"github.com/onnwee/activity-relay/telemetry"
)

// EventStore is the slice of the activity store the tap needs.
type EventStore interface {
	Persist(ctx context.Context, c activity.Candidate) (activity.Activity, bool, error)
}

// Publisher receives newly stored activities for dashboard fan-out.
type Publisher interface {
	PublishActivity(a activity.Activity)
}

// StartChatTap connects to Twitch IRC and converts user notices into activity
// candidates until ctx is cancelled.
func StartChatTap(ctx context.Context, store EventStore, pub Publisher, suppressed map[string]bool) {
	channel := os.Getenv("TWITCH_CHANNEL")
	username := os.Getenv("TWITCH_BOT_USERNAME")
	oauth := os.Getenv("TWITCH_OAUTH_TOKEN")
	if channel == "" || username == "" || oauth == "" {
		slog.Info("twitch creds not set; skipping chat tap")
		return
	}
	client := twitch.NewClient(username, oauth)

	client.OnUserNoticeMessage(func(msg twitch.UserNoticeMessage) {
		cand, ok := candidateFromNotice(msg)
		if !ok {
			return
		}
		ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		a, stored, err := store.Persist(ctx2, cand)
		if err != nil {
			slog.Error("chat tap persist failed", slog.String("id", cand.UpstreamID), slog.Any("err", err))
			return
		}
		if !stored {
			telemetry.ActivitiesDuplicate.WithLabelValues(string(activity.FeedSourceWebsocket)).Inc()
			return
		}
		telemetry.ActivitiesIngested.WithLabelValues(string(activity.FeedSourceWebsocket)).Inc()
		if suppressed[a.Type] {
			telemetry.ActivitiesSuppressed.Inc()
			return
		}
		pub.PublishActivity(a)
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(channel)
	slog.Info("chat tap connecting", slog.String("channel", channel))
	if err := client.Connect(); err != nil {
		slog.Error("chat tap connect error", slog.Any("err", err))
	}
	<-done
}

// candidateFromNotice maps a USERNOTICE to an activity candidate. Notices
// without a known mapping are skipped rather than stored as noise.
func candidateFromNotice(msg twitch.UserNoticeMessage) (activity.Candidate, bool) {
	var typ string
	payload := map[string]any{"username": msg.User.DisplayName}
	switch msg.MsgID {
	case "sub", "resub":
		typ = activity.TypeSubscriber
		if v, ok := msg.MsgParams["msg-param-cumulative-months"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				payload["amount"] = n
			}
		}
		if v, ok := msg.MsgParams["msg-param-sub-plan"]; ok {
			payload["tier"] = v
		}
	case "subgift":
		typ = activity.TypeSubscriber
		payload["gifted"] = true
		if v, ok := msg.MsgParams["msg-param-recipient-display-name"]; ok {
			payload["recipient"] = v
		}
	case "submysterygift":
		typ = activity.TypeCommunityGift
		if v, ok := msg.MsgParams["msg-param-mass-gift-count"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				payload["amount"] = n
			}
		}
	case "raid":
		typ = activity.TypeRaid
		if v, ok := msg.MsgParams["msg-param-viewerCount"]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				payload["amount"] = n
			}
		}
	default:
		return activity.Candidate{}, false
	}
	if msg.ID == "" {
		return activity.Candidate{}, false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return activity.Candidate{}, false
	}
	created := msg.Time
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return activity.Candidate{
		UpstreamID: "tmi-" + msg.ID,
		Type:       typ,
		Provider:   activity.ProviderTwitch,
		FeedSource: activity.FeedSourceWebsocket,
		Payload:    raw,
		CreatedAt:  created,
	}, true
}
