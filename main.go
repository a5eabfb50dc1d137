// Command activity-relay is the main entrypoint for the dashboard activity
// pipeline. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: the polling fallback against the upstream REST
//     API and the optional Twitch chat tap.
//   - Exposes the HTTP server with /ws, /healthz, /readyz, /status, /metrics,
//     and the credential admin endpoint.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/twitch"

	"github.com/joho/godotenv"
	"github.com/onnwee/activity-relay/activity"
	"github.com/onnwee/activity-relay/chattap"
	"github.com/onnwee/activity-relay/config"
	"github.com/onnwee/activity-relay/creds"
	"github.com/onnwee/activity-relay/db"
	"github.com/onnwee/activity-relay/gateway"
	"github.com/onnwee/activity-relay/poll"
	"github.com/onnwee/activity-relay/seapi"
	"github.com/onnwee/activity-relay/server"
	"github.com/onnwee/activity-relay/telemetry"
	"github.com/onnwee/activity-relay/upstream"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("activity-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential source. Refresh delegates to the provider OAuth endpoints;
	// providers without client credentials configured simply cannot refresh
	// and rely on the admin settings path instead.
	credSource := &creds.DBSource{DB: database, RefreshFuncs: map[activity.Provider]creds.RefreshFunc{}}
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		oc := &oauth2.Config{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, Endpoint: twitch.Endpoint}
		credSource.RefreshFuncs[activity.ProviderTwitch] = oauth2RefreshFunc(oc)
	}
	if cfg.YTClientID != "" && cfg.YTClientSecret != "" {
		oc := &oauth2.Config{ClientID: cfg.YTClientID, ClientSecret: cfg.YTClientSecret, Endpoint: google.Endpoint, RedirectURL: cfg.YTRedirectURI}
		credSource.RefreshFuncs[activity.ProviderYouTube] = oauth2RefreshFunc(oc)
	}

	// Background token refresh for providers with client credentials
	creds.StartRefreshJob(ctx, credSource, 5*time.Minute, 15*time.Minute)

	// Stores
	store := &activity.Store{DB: database}
	notices := &activity.NoticeStore{DB: database}

	// Dashboard gateway and upstream connection manager. The manager publishes
	// into the gateway hub; the gateway drives the manager from client demand.
	gw := gateway.New([]byte(cfg.DashboardJWTSecret), store, nil)
	manager := upstream.NewManager(credSource, store, gw.Hub, cfg.SuppressedTypes)
	if cfg.SocketURL != "" {
		manager.SocketURL = cfg.SocketURL
	}
	gw.Manager = manager

	// Polling fallback against the upstream REST API
	apiClient := &seapi.Client{}
	if cfg.APIBaseURL != "" {
		apiClient.BaseURL = cfg.APIBaseURL
	}
	go poll.StartActivityPollJob(ctx, &poll.Poller{
		Store:      store,
		Notices:    notices,
		Creds:      credSource,
		Client:     apiClient,
		Publisher:  gw.Hub,
		Suppressed: cfg.SuppressedTypes,
	})

	// Optional Twitch chat tap (CHAT_TAP=1)
	if os.Getenv("CHAT_TAP") == "1" {
		if err := cfg.ValidateChatTapReady(); err != nil {
			slog.Warn("chat tap disabled", slog.Any("err", err))
		} else {
			go chattap.StartChatTap(ctx, store, gw.Hub, cfg.SuppressedTypes)
		}
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (websocket gateway, health, status, metrics, admin)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handlers := server.NewHandlers(ctx, database, store, notices, credSource, manager, gw)
	go func() {
		if err := server.Start(ctx, handlers, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	manager.DisconnectAll()
	gw.Hub.Stop()
}

// oauth2RefreshFunc adapts an oauth2.Config into the credential refresh shape.
func oauth2RefreshFunc(oc *oauth2.Config) creds.RefreshFunc {
	return func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		tok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return tok.AccessToken, tok.RefreshToken, tok.Expiry, "", nil
	}
}
