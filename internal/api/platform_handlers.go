package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"castpanel/internal/models"
	"castpanel/internal/storage"
)

type createPlatformRequest struct {
	Platform  string `json:"platform"`
	RTMPURL   string `json:"rtmpUrl"`
	StreamKey string `json:"streamKey"`
	Enabled   *bool  `json:"enabled"`
}

type updatePlatformRequest struct {
	RTMPURL   *string `json:"rtmpUrl"`
	StreamKey *string `json:"streamKey"`
	Enabled   *bool   `json:"enabled"`
}

// Platforms handles /api/platforms: GET lists the account's stored relay
// destinations, POST registers a new one. Stream keys are write-only; the
// model keeps them out of every response.
func (h *Handler) Platforms(w http.ResponseWriter, r *http.Request) {
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		creds, err := h.Store.PlatformCredentials(r.Context(), account.ID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		if creds == nil {
			creds = []models.PlatformCredential{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"platforms": creds})
	case http.MethodPost:
		var req createPlatformRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}
		cred, err := h.Store.CreatePlatformCredential(r.Context(), storage.CreatePlatformCredentialParams{
			AccountID: account.ID,
			Platform:  models.PlatformKind(strings.ToLower(strings.TrimSpace(req.Platform))),
			RTMPURL:   strings.TrimSpace(req.RTMPURL),
			StreamKey: req.StreamKey,
			Enabled:   enabled,
		})
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, cred)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// PlatformByID handles /api/platforms/{id}: PATCH applies a partial update,
// DELETE removes the destination.
func (h *Handler) PlatformByID(w http.ResponseWriter, r *http.Request) {
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/platforms/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	if !h.ownsPlatformCredential(w, r, account.ID, id) {
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req updatePlatformRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cred, err := h.Store.UpdatePlatformCredential(r.Context(), id, storage.PlatformCredentialUpdate{
			RTMPURL:   req.RTMPURL,
			StreamKey: req.StreamKey,
			Enabled:   req.Enabled,
		})
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, cred)
	case http.MethodDelete:
		if err := h.Store.DeletePlatformCredential(r.Context(), id); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "PATCH, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// ownsPlatformCredential answers whether the credential belongs to the
// account, writing a 404 otherwise so ownership cannot be probed.
func (h *Handler) ownsPlatformCredential(w http.ResponseWriter, r *http.Request, accountID, id string) bool {
	creds, err := h.Store.PlatformCredentials(r.Context(), accountID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return false
	}
	for _, cred := range creds {
		if cred.ID == id {
			return true
		}
	}
	writeError(w, http.StatusNotFound, errors.New("platform credential not found"))
	return false
}
