package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/activity-relay/activity"
	"github.com/onnwee/activity-relay/gateway"
)

// HandleAdminCredentials manages stored upstream credentials.
//
// GET returns which providers have a token and channel configured, never the
// secrets themselves. PUT replaces a provider's token and channel id,
// dismisses any standing credential notice for it, and tells connected
// dashboards to refresh.
func (h *Handlers) HandleAdminCredentials(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleCredentialsGet(w, r)
	case http.MethodPut, http.MethodPost:
		h.handleCredentialsPut(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) handleCredentialsGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	configured := map[string]bool{}
	for _, p := range activity.Providers {
		_, err := h.creds.Current(ctx, p)
		configured[string(p)] = err == nil
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"configured": configured})
}

func (h *Handlers) handleCredentialsPut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Provider  string `json:"provider"`
		ChannelID string `json:"channel_id"`
		Token     string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	provider := activity.Provider(strings.ToLower(strings.TrimSpace(req.Provider)))
	valid := false
	for _, p := range activity.Providers {
		if p == provider {
			valid = true
			break
		}
	}
	if !valid {
		http.Error(w, "unknown provider", http.StatusBadRequest)
		return
	}
	if req.Token == "" || req.ChannelID == "" {
		http.Error(w, "token and channel_id are required", http.StatusBadRequest)
		return
	}

	if err := h.creds.Save(ctx, provider, req.ChannelID, req.Token); err != nil {
		slog.Error("credential save failed", slog.String("provider", string(provider)), slog.Any("err", err))
		http.Error(w, "failed to store credentials", http.StatusInternalServerError)
		return
	}

	// A fresh token resolves the standing alarm for this provider. The notice
	// row stays in the table as history.
	if err := h.notices.Dismiss(ctx, provider); err != nil {
		slog.Warn("notice dismiss failed", slog.String("provider", string(provider)), slog.Any("err", err))
	}

	// Connected dashboards reconnect their upstream feeds on refresh.
	h.gw.Hub.Broadcast(gateway.KindRefresh, nil)

	slog.Info("credentials updated", slog.String("provider", string(provider)))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "provider": string(provider)})
}
