package activity_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/onnwee/activity-relay/activity"
	"github.com/onnwee/activity-relay/testutil"
)

// resetNotices clears any standing notices for the provider so tests start
// from a known state, and removes what the test created afterwards.
func resetNotices(t *testing.T, database *sql.DB, provider activity.Provider) {
	t.Helper()
	clear := func() {
		_, _ = database.Exec(`DELETE FROM credential_notices WHERE provider=$1`, string(provider))
	}
	clear()
	t.Cleanup(clear)
}

func TestEnsureActiveCreatesOnce(t *testing.T) {
	database := testutil.SetupTestDB(t)
	notices := &activity.NoticeStore{DB: database}
	ctx := context.Background()
	resetNotices(t, database, activity.ProviderTwitch)

	created, err := notices.EnsureActive(ctx, activity.ProviderTwitch)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if !created {
		t.Fatal("first ensure should create a notice")
	}

	created, err = notices.EnsureActive(ctx, activity.ProviderTwitch)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Fatal("standing notice must not be duplicated")
	}

	var n int
	if err := database.QueryRow(
		`SELECT COUNT(*) FROM credential_notices WHERE provider=$1 AND status=$2`,
		string(activity.ProviderTwitch), activity.NoticeActive).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("active notice count = %d, want 1", n)
	}
}

func TestDismissAllowsNewNotice(t *testing.T) {
	database := testutil.SetupTestDB(t)
	notices := &activity.NoticeStore{DB: database}
	ctx := context.Background()
	resetNotices(t, database, activity.ProviderYouTube)

	if _, err := notices.EnsureActive(ctx, activity.ProviderYouTube); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := notices.Dismiss(ctx, activity.ProviderYouTube); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	// Dismissal keeps the row as history but frees the provider slot.
	created, err := notices.EnsureActive(ctx, activity.ProviderYouTube)
	if err != nil {
		t.Fatalf("ensure after dismiss: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh notice after dismissal")
	}

	var total int
	if err := database.QueryRow(
		`SELECT COUNT(*) FROM credential_notices WHERE provider=$1`,
		string(activity.ProviderYouTube)).Scan(&total); err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 2 {
		t.Fatalf("notice rows = %d, want 2 (one dismissed, one active)", total)
	}
}

func TestActiveListsOnlyStanding(t *testing.T) {
	database := testutil.SetupTestDB(t)
	notices := &activity.NoticeStore{DB: database}
	ctx := context.Background()
	resetNotices(t, database, activity.ProviderTwitch)
	resetNotices(t, database, activity.ProviderYouTube)

	if _, err := notices.EnsureActive(ctx, activity.ProviderTwitch); err != nil {
		t.Fatalf("ensure twitch: %v", err)
	}
	if _, err := notices.EnsureActive(ctx, activity.ProviderYouTube); err != nil {
		t.Fatalf("ensure youtube: %v", err)
	}
	if err := notices.Dismiss(ctx, activity.ProviderTwitch); err != nil {
		t.Fatalf("dismiss twitch: %v", err)
	}

	active, err := notices.Active(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	for _, cn := range active {
		if cn.Provider == activity.ProviderTwitch {
			t.Fatal("dismissed notice listed as active")
		}
		if cn.Status != activity.NoticeActive {
			t.Fatalf("status = %q", cn.Status)
		}
	}
	found := false
	for _, cn := range active {
		if cn.Provider == activity.ProviderYouTube {
			found = true
		}
	}
	if !found {
		t.Fatal("standing youtube notice missing from active list")
	}
}
