package api

import (
	"fmt"
	"net/http"
	"strconv"

	"castpanel/internal/models"
)

// SessionHistory handles GET /api/sessions, listing the account's past
// broadcast sessions newest first. A limit query parameter caps the page.
func (h *Handler) SessionHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	sessions, err := h.Store.ListSessions(r.Context(), account.ID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		if limit < len(sessions) {
			sessions = sessions[:limit]
		}
	}
	if sessions == nil {
		sessions = []models.StreamSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
