package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Store persists activity events. Dedup happens at the database level through
// the unique index on upstream_id, so concurrent ingestion paths racing on the
// same event resolve to exactly one row regardless of which observed it first.
type Store struct {
	DB *sql.DB
}

// Exists reports whether an activity with the given upstream id is stored.
func (s *Store) Exists(ctx context.Context, upstreamID string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE upstream_id=$1`, upstreamID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("activity exists check: %w", err)
	}
	return n > 0, nil
}

// Persist inserts a candidate, returning the stored activity and whether a new
// row was created. A duplicate upstream id is not an error: stored is false
// and the returned activity mirrors the candidate. Callers treat both
// outcomes as success; only the stored=true case should be broadcast.
func (s *Store) Persist(ctx context.Context, c Candidate) (Activity, bool, error) {
	a := Activity{
		UpstreamID: c.UpstreamID,
		Type:       c.Type,
		Provider:   c.Provider,
		FeedSource: c.FeedSource,
		Payload:    c.Payload,
		CreatedAt:  c.CreatedAt.UTC(),
	}
	if a.UpstreamID == "" {
		return Activity{}, false, fmt.Errorf("persist activity: empty upstream id")
	}
	if len(a.Payload) == 0 {
		a.Payload = json.RawMessage(`{}`)
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO activities (upstream_id, type, provider, feed_source, payload, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (upstream_id) DO NOTHING`,
		a.UpstreamID, a.Type, string(a.Provider), string(a.FeedSource), []byte(a.Payload), a.CreatedAt)
	if err != nil {
		return Activity{}, false, fmt.Errorf("persist activity %s: %w", a.UpstreamID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Activity{}, false, fmt.Errorf("persist activity %s: %w", a.UpstreamID, err)
	}
	return a, n > 0, nil
}

// UnreadOrderedByTime returns unread activities ascending by their upstream
// creation time, for the initial-sync replay sent to a freshly authenticated
// dashboard client.
func (s *Store) UnreadOrderedByTime(ctx context.Context) ([]Activity, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT upstream_id, type, provider, feed_source, payload, created_at, flagged, read
		 FROM activities WHERE read=FALSE ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query unread activities: %w", err)
	}
	defer rows.Close()
	out := []Activity{}
	for rows.Next() {
		var a Activity
		var provider, source string
		var payload []byte
		if err := rows.Scan(&a.UpstreamID, &a.Type, &provider, &source, &payload, &a.CreatedAt, &a.Flagged, &a.Read); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Provider = Provider(provider)
		a.FeedSource = FeedSource(source)
		a.Payload = json.RawMessage(payload)
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkRead marks a single activity as acknowledged by a dashboard operator.
func (s *Store) MarkRead(ctx context.Context, upstreamID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE activities SET read=TRUE WHERE upstream_id=$1`, upstreamID)
	if err != nil {
		return fmt.Errorf("mark activity read %s: %w", upstreamID, err)
	}
	return nil
}

// SetFlagged toggles the flagged marker, which excludes an activity from
// downstream automated use (e.g. random shout-out picks) without deleting it.
func (s *Store) SetFlagged(ctx context.Context, upstreamID string, flagged bool) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE activities SET flagged=$1 WHERE upstream_id=$2`, flagged, upstreamID)
	if err != nil {
		return fmt.Errorf("set activity flagged %s: %w", upstreamID, err)
	}
	return nil
}

// UnreadCount returns the number of unread activities, used by /status.
func (s *Store) UnreadCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE read=FALSE`).Scan(&n)
	return n, err
}
