// Package db provides the Postgres connection helper, schema migration, and
// small data access helpers shared across the service.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/activity-relay/crypto"
)

var (
	// encryptor is the process-wide encryptor for token-at-rest encryption.
	// nil when ENCRYPTION_KEY is unset (plaintext storage).
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

func getEncryptor() (crypto.Encryptor, error) {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, upstream tokens stored in plaintext", slog.String("component", "db"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("initialize encryption: %w", err)
			return
		}
		encryptor = enc
	})
	return encryptor, encryptorErr
}

// Connect opens a Postgres connection for the configured DSN.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS activities (
			id SERIAL PRIMARY KEY,
			upstream_id TEXT UNIQUE NOT NULL,
			type TEXT NOT NULL,
			provider TEXT NOT NULL,
			feed_source TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			flagged BOOLEAN NOT NULL DEFAULT FALSE,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			ingested_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS credential_notices (
			id SERIAL PRIMARY KEY,
			provider TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			read BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			encryption_version INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS encryption_version INTEGER NOT NULL DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_activities_unread ON activities(created_at) WHERE read=FALSE`,
		`CREATE INDEX IF NOT EXISTS idx_activities_provider ON activities(provider)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_notices_active ON credential_notices(provider) WHERE status='active'`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// UpsertOAuthToken stores or updates the upstream-source token for a provider
// (e.g. twitch, youtube). When ENCRYPTION_KEY is set the token halves are
// encrypted before storage; encryption_version=1 marks encrypted rows so
// plaintext rows written before the key existed still read back correctly.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, provider, access, refresh string, expiry time.Time, scope string) error {
	enc, err := getEncryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}

	encVersion := 0
	accessToStore := access
	refreshToStore := refresh
	if enc != nil {
		encVersion = 1
		if access != "" {
			if accessToStore, err = crypto.EncryptString(enc, access); err != nil {
				return fmt.Errorf("encrypt access token: %w", err)
			}
		}
		if refresh != "" {
			if refreshToStore, err = crypto.EncryptString(enc, refresh); err != nil {
				return fmt.Errorf("encrypt refresh token: %w", err)
			}
		}
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    updated_at=NOW()`
	_, err = dbx.ExecContext(ctx, q, provider, accessToStore, refreshToStore, expiry, scope, encVersion)
	return err
}

// GetOAuthToken retrieves a stored token row; returns zero values if not found.
// Rows with encryption_version=1 are decrypted transparently.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	var encVersion int
	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&access, &refresh, &expiry, &scope, &encVersion)
	if err == sql.ErrNoRows {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}

	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return "", "", time.Time{}, "", fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return "", "", time.Time{}, "", fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if access != "" {
			if access, err = crypto.DecryptString(enc, access); err != nil {
				return "", "", time.Time{}, "", fmt.Errorf("decrypt access token: %w", err)
			}
		}
		if refresh != "" {
			if refresh, err = crypto.DecryptString(enc, refresh); err != nil {
				return "", "", time.Time{}, "", fmt.Errorf("decrypt refresh token: %w", err)
			}
		}
	}

	return access, refresh, expiry, scope, nil
}

// GetKV returns the kv value for key, or "" when absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v string
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetKV upserts a kv pair.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}
