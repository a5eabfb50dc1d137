// Package activity defines the normalized activity event model shared by all
// ingestion paths (upstream socket, polling fallback, chat tap) and the
// Postgres-backed stores for activity events and credential failure notices.
package activity

import (
	"encoding/json"
	"time"
)

// Provider identifies the platform an activity originated from.
type Provider string

const (
	ProviderTwitch  Provider = "twitch"
	ProviderYouTube Provider = "youtube"
)

// Providers lists every supported platform. Iteration order is stable.
var Providers = []Provider{ProviderTwitch, ProviderYouTube}

// FeedSource records which ingestion path created an activity row.
type FeedSource string

const (
	FeedSourceSchedule  FeedSource = "schedule"
	FeedSourceWebsocket FeedSource = "websocket"
	FeedSourceManual    FeedSource = "manual"
)

// Well-known activity types. The set is open-ended: unknown types are stored
// and forwarded as-is, never dropped.
const (
	TypeFollow        = "follow"
	TypeTip           = "tip"
	TypeSponsor       = "sponsor"
	TypeSuperchat     = "superchat"
	TypeHost          = "host"
	TypeRaid          = "raid"
	TypeSubscriber    = "subscriber"
	TypeCheer         = "cheer"
	TypeRedemption    = "redemption"
	TypeMerch         = "merch"
	TypeMembership    = "membership"
	TypeCommunityGift = "communityGiftPurchase"
)

// Activity is a persisted activity event. Immutable once created except for
// the read and flagged markers.
type Activity struct {
	UpstreamID string          `json:"_id"`
	Type       string          `json:"type"`
	Provider   Provider        `json:"provider"`
	FeedSource FeedSource      `json:"feedSource"`
	Payload    json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
	Flagged    bool            `json:"flagged"`
	Read       bool            `json:"read"`
}

// Candidate is an activity observed by an ingestion path, prior to the
// dedup/persist decision.
type Candidate struct {
	UpstreamID string
	Type       string
	Provider   Provider
	FeedSource FeedSource
	Payload    json.RawMessage
	CreatedAt  time.Time
}
