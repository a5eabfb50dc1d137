// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters, labelled by ingestion path (websocket|schedule|manual) where relevant
	ActivitiesIngested   *prometheus.CounterVec
	ActivitiesDuplicate  *prometheus.CounterVec
	ActivitiesSuppressed prometheus.Counter
	BroadcastsSent       prometheus.Counter
	PollTicks            prometheus.Counter
	PollFailures         prometheus.Counter
	CredentialNotices    *prometheus.CounterVec
	UpstreamConnects     *prometheus.CounterVec
	UpstreamDisconnects  *prometheus.CounterVec
	AuthRejected         prometheus.Counter

	// Gauges
	ConnectedSessions prometheus.Gauge
	UpstreamLive      *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ActivitiesIngested = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_activities_ingested_total", Help: "Activities persisted as new rows"}, []string{"source"})
		ActivitiesDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_activities_duplicate_total", Help: "Activities dropped as duplicates of an existing upstream id"}, []string{"source"})
		ActivitiesSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_activities_suppressed_total", Help: "Activities persisted but withheld from broadcast by type"})
		BroadcastsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_broadcasts_total", Help: "Messages fanned out to the dashboard room"})
		PollTicks = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_poll_ticks_total", Help: "Polling fallback ticks executed"})
		PollFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_poll_failures_total", Help: "Polling fallback ticks that hit an error"})
		CredentialNotices = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_credential_notices_total", Help: "Standing credential failure notices created"}, []string{"provider"})
		UpstreamConnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_upstream_connects_total", Help: "Upstream socket connections established"}, []string{"provider"})
		UpstreamDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_upstream_disconnects_total", Help: "Upstream socket disconnects"}, []string{"provider"})
		AuthRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_dashboard_auth_rejected_total", Help: "Dashboard clients rejected during authentication"})
		ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_connected_sessions", Help: "Currently connected dashboard sessions"})
		UpstreamLive = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "relay_upstream_live", Help: "Upstream connection live=1 idle=0"}, []string{"provider"})
	})
}

// SetUpstreamLive flips the per-provider liveness gauge.
func SetUpstreamLive(provider string, live bool) {
	if UpstreamLive == nil {
		return
	}
	if live {
		UpstreamLive.WithLabelValues(provider).Set(1)
	} else {
		UpstreamLive.WithLabelValues(provider).Set(0)
	}
}

// SetConnectedSessions records the current dashboard session count.
func SetConnectedSessions(n int) {
	if ConnectedSessions != nil {
		ConnectedSessions.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
