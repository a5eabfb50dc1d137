// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"

	"github.com/onnwee/activity-relay/activity"
	"github.com/onnwee/activity-relay/creds"
	"github.com/onnwee/activity-relay/gateway"
	"github.com/onnwee/activity-relay/upstream"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db      *sql.DB
	ctx     context.Context
	store   *activity.Store
	notices *activity.NoticeStore
	creds   *creds.DBSource
	manager *upstream.Manager
	gw      *gateway.Gateway
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, store *activity.Store, notices *activity.NoticeStore, cs *creds.DBSource, manager *upstream.Manager, gw *gateway.Gateway) *Handlers {
	return &Handlers{
		db:      db,
		ctx:     ctx,
		store:   store,
		notices: notices,
		creds:   cs,
		manager: manager,
		gw:      gw,
	}
}
