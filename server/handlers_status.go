package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HandleStatus returns a lightweight status summary: connected dashboard
// sessions, upstream socket states, unread backlog depth, and any active
// credential notices.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	sessions := []map[string]string{}
	for sessionID, s := range h.gw.Registry.Snapshot() {
		sessions = append(sessions, map[string]string{
			"session_id":   sessionID,
			"user_id":      s.UserID,
			"display_name": s.DisplayName,
		})
	}
	resp["sessions"] = sessions
	resp["session_count"] = h.gw.Registry.Len()

	upstreams := map[string]string{}
	for p, state := range h.manager.States() {
		upstreams[string(p)] = state
	}
	resp["upstreams"] = upstreams

	if unread, err := h.store.UnreadCount(ctx); err == nil {
		resp["unread"] = unread
	} else {
		slog.Warn("status unread count failed", slog.Any("err", err))
	}

	notices, err := h.notices.Active(ctx)
	if err != nil {
		slog.Warn("status notice lookup failed", slog.Any("err", err))
	}
	activeNotices := []map[string]string{}
	for _, n := range notices {
		activeNotices = append(activeNotices, map[string]string{
			"provider":   string(n.Provider),
			"created_at": n.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	resp["credential_notices"] = activeNotices

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("status encode failed", slog.Any("err", err))
	}
}
