package creds_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/activity-relay/activity"
	"github.com/onnwee/activity-relay/creds"
	"github.com/onnwee/activity-relay/db"
	"github.com/onnwee/activity-relay/testutil"
)

// testProvider keeps these rows away from the real twitch/youtube rows so the
// tests can run against a shared database.
const testProvider = activity.Provider("credtest")

func cleanupProvider(t *testing.T, database *sql.DB, p activity.Provider) {
	t.Helper()
	clear := func() {
		_, _ = database.Exec(`DELETE FROM oauth_tokens WHERE provider=$1`, string(p))
		_, _ = database.Exec(`DELETE FROM kv WHERE key=$1`, "se:"+string(p)+":channel_id")
	}
	clear()
	t.Cleanup(clear)
}

func TestCurrentMissing(t *testing.T) {
	database := testutil.SetupTestDB(t)
	cleanupProvider(t, database, testProvider)
	s := &creds.DBSource{DB: database}

	_, err := s.Current(context.Background(), testProvider)
	if !errors.Is(err, creds.ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
}

func TestSaveCurrentRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	cleanupProvider(t, database, testProvider)
	s := &creds.DBSource{DB: database}
	ctx := context.Background()

	if err := s.Save(ctx, testProvider, "chan-42", "tok-abc"); err != nil {
		t.Fatalf("save: %v", err)
	}
	c, err := s.Current(ctx, testProvider)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if c.ChannelID != "chan-42" || c.Token != "tok-abc" {
		t.Fatalf("credentials = %+v", c)
	}

	// Save replaces, not appends.
	if err := s.Save(ctx, testProvider, "chan-43", "tok-def"); err != nil {
		t.Fatalf("second save: %v", err)
	}
	c, err = s.Current(ctx, testProvider)
	if err != nil {
		t.Fatalf("current after replace: %v", err)
	}
	if c.ChannelID != "chan-43" || c.Token != "tok-def" {
		t.Fatalf("credentials after replace = %+v", c)
	}
}

func TestCurrentMissingHalf(t *testing.T) {
	database := testutil.SetupTestDB(t)
	cleanupProvider(t, database, testProvider)
	s := &creds.DBSource{DB: database}
	ctx := context.Background()

	// Channel id without a token is still not configured.
	if err := s.Save(ctx, testProvider, "chan-42", ""); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Current(ctx, testProvider); !errors.Is(err, creds.ErrMissing) {
		t.Fatalf("expected ErrMissing with empty token, got %v", err)
	}
}

func TestTokenExpired(t *testing.T) {
	database := testutil.SetupTestDB(t)
	cleanupProvider(t, database, testProvider)
	s := &creds.DBSource{DB: database}
	ctx := context.Background()

	// No token at all.
	if _, err := s.TokenExpired(ctx, testProvider); !errors.Is(err, creds.ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}

	// Zero expiry means the token never expires.
	if err := s.Save(ctx, testProvider, "chan-42", "tok-abc"); err != nil {
		t.Fatalf("save: %v", err)
	}
	expired, err := s.TokenExpired(ctx, testProvider)
	if err != nil {
		t.Fatalf("token expired: %v", err)
	}
	if expired {
		t.Fatal("zero expiry must not count as expired")
	}
}

func TestRefreshPersistsNewToken(t *testing.T) {
	database := testutil.SetupTestDB(t)
	cleanupProvider(t, database, testProvider)
	ctx := context.Background()

	called := 0
	s := &creds.DBSource{
		DB: database,
		RefreshFuncs: map[activity.Provider]creds.RefreshFunc{
			testProvider: func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
				called++
				if refreshToken != "rt-old" {
					t.Errorf("refresh token = %q, want rt-old", refreshToken)
				}
				return "at-new", "rt-new", time.Now().Add(time.Hour).UTC(), "chat:read", nil
			},
		},
	}

	if err := db.UpsertOAuthToken(ctx, database, string(testProvider),
		"at-old", "rt-old", time.Now().Add(-time.Minute).UTC(), "chat:read"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	if err := s.Refresh(ctx, testProvider); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if called != 1 {
		t.Fatalf("refresh func calls = %d, want 1", called)
	}

	access, refresh, _, _, err := db.GetOAuthToken(ctx, database, string(testProvider))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if access != "at-new" || refresh != "rt-new" {
		t.Fatalf("stored token = %q/%q", access, refresh)
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	database := testutil.SetupTestDB(t)
	cleanupProvider(t, database, testProvider)
	s := &creds.DBSource{
		DB: database,
		RefreshFuncs: map[activity.Provider]creds.RefreshFunc{
			testProvider: func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
				t.Fatal("refresh func must not run without a refresh token")
				return "", "", time.Time{}, "", nil
			},
		},
	}
	ctx := context.Background()

	// Tokens stored through Save have no refresh token.
	if err := s.Save(ctx, testProvider, "chan-42", "tok-abc"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Refresh(ctx, testProvider); !errors.Is(err, creds.ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
}

func TestRefreshUnconfiguredProvider(t *testing.T) {
	database := testutil.SetupTestDB(t)
	s := &creds.DBSource{DB: database}
	if err := s.Refresh(context.Background(), testProvider); err == nil {
		t.Fatal("expected error when no refresh func is configured")
	}
}
