package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"castpanel/internal/broadcast"
)

// The stream endpoints answer in the legacy panel's wire format. The
// deployed frontend binds to "titulo" and "wowza_data" verbatim, so these
// shapes must not change.

type startStreamRequest struct {
	Title       string   `json:"title"`
	PlatformIDs []string `json:"platformIds"`
}

type transmissionPayload struct {
	Titulo string             `json:"titulo"`
	Stats  *transmissionStats `json:"stats,omitempty"`
}

type transmissionStats struct {
	Viewers int    `json:"viewers"`
	Bitrate int    `json:"bitrate"`
	Uptime  string `json:"uptime"`
}

type wowzaData struct {
	RTMPURL    string `json:"rtmpUrl"`
	StreamName string `json:"streamName"`
	Bitrate    int    `json:"bitrate"`
}

func writeStreamError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

// StartStream handles POST /api/stream/start.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}
	if h.Broadcasts == nil {
		writeStreamError(w, http.StatusServiceUnavailable, errors.New("broadcasting is not configured"))
		return
	}

	var req startStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStreamError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeStreamError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}
	if len(req.PlatformIDs) == 0 {
		writeStreamError(w, http.StatusBadRequest, errors.New("at least one platform is required"))
		return
	}
	if account.Quotas.MaxPlatforms > 0 && len(req.PlatformIDs) > account.Quotas.MaxPlatforms {
		writeStreamError(w, http.StatusBadRequest,
			fmt.Errorf("account is limited to %d platforms", account.Quotas.MaxPlatforms))
		return
	}

	session, err := h.Broadcasts.Start(r.Context(), account.ID, strings.TrimSpace(req.Title), req.PlatformIDs)
	if err != nil {
		writeStreamError(w, statusForError(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"transmission": transmissionPayload{Titulo: session.Title},
		"wowza_data": wowzaData{
			RTMPURL:    session.Ingest.RTMPURL,
			StreamName: session.Ingest.StreamName,
			Bitrate:    session.Ingest.Bitrate,
		},
	})
}

// StopStream handles POST /api/stream/stop.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}
	if h.Broadcasts == nil {
		writeStreamError(w, http.StatusServiceUnavailable, errors.New("broadcasting is not configured"))
		return
	}

	if err := h.Broadcasts.Stop(r.Context(), account.ID); err != nil {
		writeStreamError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// StreamStatus handles GET /api/stream/status. The payload keeps a stable
// shape for the polling client: telemetry fields are zeroed rather than
// omitted while not live, and telemetry trouble is flagged through
// wowza_status rather than an error response.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}
	if h.Broadcasts == nil {
		writeStreamError(w, http.StatusServiceUnavailable, errors.New("broadcasting is not configured"))
		return
	}

	status := h.Broadcasts.Status(r.Context(), account.ID)
	payload := map[string]any{
		"success":      true,
		"is_live":      status.Live,
		"wowza_status": status.WowzaStatus,
	}
	if len(status.Targets) > 0 {
		payload["targets"] = status.Targets
	}
	stats := &transmissionStats{Uptime: broadcast.FormatUptime(0)}
	if status.Live {
		stats.Viewers = status.Viewers
		stats.Bitrate = status.Bitrate
		stats.Uptime = broadcast.FormatUptime(status.Uptime)
	}
	payload["transmission"] = transmissionPayload{
		Titulo: status.Session.Title,
		Stats:  stats,
	}
	writeJSON(w, http.StatusOK, payload)
}

// ReconnectPlatform handles POST /api/stream/platforms/{id}/reconnect,
// restarting the retry budget for one exhausted target.
func (h *Handler) ReconnectPlatform(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}
	if h.Broadcasts == nil {
		writeStreamError(w, http.StatusServiceUnavailable, errors.New("broadcasting is not configured"))
		return
	}

	trimmed := strings.TrimPrefix(r.URL.Path, "/api/stream/platforms/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "reconnect" {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}

	if err := h.Broadcasts.ReconnectTarget(account.ID, parts[0]); err != nil {
		writeStreamError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
