// Package creds resolves per-provider credentials for the upstream activity
// source: the channel id (kv table) and the source token (oauth_tokens table).
// Token acquisition and refresh flows live outside this service; the ingestion
// pipeline only asks for the current credentials and reacts to their absence.
package creds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/activity-relay/activity"
	"github.com/onnwee/activity-relay/db"
)

// ErrMissing indicates provider credentials are not configured. Distinct from
// an invalidated token: no connection attempt is made and no notice is raised.
var ErrMissing = errors.New("creds: credentials not configured")

// Credentials is the pair needed to talk to the upstream source for one provider.
type Credentials struct {
	Token     string
	ChannelID string
}

// Source provides current credentials per provider.
type Source interface {
	Current(ctx context.Context, p activity.Provider) (Credentials, error)
	TokenExpired(ctx context.Context, p activity.Provider) (bool, error)
	Refresh(ctx context.Context, p activity.Provider) error
}

// RefreshFunc performs a provider-specific token refresh and returns
// (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// DBSource is the database-backed Source. RefreshFuncs is optional; providers
// without one simply cannot refresh (their tokens are replaced through the
// settings update path instead).
type DBSource struct {
	DB           *sql.DB
	RefreshFuncs map[activity.Provider]RefreshFunc
}

func channelKey(p activity.Provider) string {
	return fmt.Sprintf("se:%s:channel_id", p)
}

// Current returns the configured credentials, or ErrMissing when either half
// is absent.
func (s *DBSource) Current(ctx context.Context, p activity.Provider) (Credentials, error) {
	channelID, err := db.GetKV(ctx, s.DB, channelKey(p))
	if err != nil {
		return Credentials{}, fmt.Errorf("load channel id for %s: %w", p, err)
	}
	access, _, _, _, err := db.GetOAuthToken(ctx, s.DB, string(p))
	if err != nil {
		return Credentials{}, fmt.Errorf("load token for %s: %w", p, err)
	}
	if channelID == "" || access == "" {
		return Credentials{}, ErrMissing
	}
	return Credentials{Token: access, ChannelID: channelID}, nil
}

// TokenExpired reports whether the stored token's expiry has passed. A zero
// expiry means the token does not expire.
func (s *DBSource) TokenExpired(ctx context.Context, p activity.Provider) (bool, error) {
	access, _, expiry, _, err := db.GetOAuthToken(ctx, s.DB, string(p))
	if err != nil {
		return false, fmt.Errorf("load token for %s: %w", p, err)
	}
	if access == "" {
		return false, ErrMissing
	}
	if expiry.IsZero() {
		return false, nil
	}
	return time.Now().After(expiry), nil
}

// Refresh runs the provider's RefreshFunc against the stored refresh token and
// persists the result.
func (s *DBSource) Refresh(ctx context.Context, p activity.Provider) error {
	fn, ok := s.RefreshFuncs[p]
	if !ok {
		return fmt.Errorf("no refresh configured for %s", p)
	}
	_, refresh, _, scope, err := db.GetOAuthToken(ctx, s.DB, string(p))
	if err != nil {
		return fmt.Errorf("load token for %s: %w", p, err)
	}
	if refresh == "" {
		return ErrMissing
	}
	newAT, newRT, newExp, newScope, err := fn(ctx, refresh)
	if err != nil {
		return fmt.Errorf("refresh %s token: %w", p, err)
	}
	if newRT == "" {
		newRT = refresh
	}
	if newScope == "" {
		newScope = scope
	}
	return db.UpsertOAuthToken(ctx, s.DB, string(p), newAT, newRT, newExp, newScope)
}

// Save stores both halves of a provider's credentials. Used by the settings
// update path, which also dismisses any standing credential notices.
func (s *DBSource) Save(ctx context.Context, p activity.Provider, channelID, token string) error {
	if err := db.SetKV(ctx, s.DB, channelKey(p), channelID); err != nil {
		return fmt.Errorf("save channel id for %s: %w", p, err)
	}
	if err := db.UpsertOAuthToken(ctx, s.DB, string(p), token, "", time.Time{}, ""); err != nil {
		return fmt.Errorf("save token for %s: %w", p, err)
	}
	return nil
}
