package activity

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Notice statuses. An active notice is a standing "credential invalid" alarm
// for a provider; dismissal flips it to inactive rather than deleting it, so
// the history survives as an audit trail.
const (
	NoticeActive   = "active"
	NoticeInactive = "inactive"
)

// CredentialNotice is a persisted credential-failure alarm raised by the
// polling fallback when a provider's REST API rejects the stored token.
type CredentialNotice struct {
	ID        int64     `json:"id"`
	Provider  Provider  `json:"provider"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// NoticeStore persists credential failure notices.
type NoticeStore struct {
	DB *sql.DB
}

// EnsureActive creates an active notice for the provider unless one already
// stands. Repeated auth failures therefore produce at most one alarm until it
// is dismissed by a credential update.
func (s *NoticeStore) EnsureActive(ctx context.Context, provider Provider) (bool, error) {
	// The partial unique index on (provider) WHERE status='active' makes this
	// a single atomic statement, same shape as the activities dedup insert.
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO credential_notices (provider, status) VALUES ($1,$2)
		 ON CONFLICT (provider) WHERE status='active' DO NOTHING`,
		string(provider), NoticeActive)
	if err != nil {
		return false, fmt.Errorf("create notice for %s: %w", provider, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create notice for %s: %w", provider, err)
	}
	return n > 0, nil
}

// Dismiss transitions every active notice for the provider to inactive.
// Called from the credential settings update path, never from the ingestion
// side reading notices as "resolved".
func (s *NoticeStore) Dismiss(ctx context.Context, provider Provider) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE credential_notices SET status=$1 WHERE provider=$2 AND status=$3`,
		NoticeInactive, string(provider), NoticeActive)
	if err != nil {
		return fmt.Errorf("dismiss notices for %s: %w", provider, err)
	}
	return nil
}

// Active lists standing notices, most recent first.
func (s *NoticeStore) Active(ctx context.Context) ([]CredentialNotice, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, provider, status, created_at, read FROM credential_notices
		 WHERE status=$1 ORDER BY created_at DESC`, NoticeActive)
	if err != nil {
		return nil, fmt.Errorf("query active notices: %w", err)
	}
	defer rows.Close()
	out := []CredentialNotice{}
	for rows.Next() {
		var cn CredentialNotice
		var provider string
		if err := rows.Scan(&cn.ID, &provider, &cn.Status, &cn.CreatedAt, &cn.Read); err != nil {
			return nil, fmt.Errorf("scan notice: %w", err)
		}
		cn.Provider = Provider(provider)
		out = append(out, cn)
	}
	return out, rows.Err()
}
