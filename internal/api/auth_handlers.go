package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"castpanel/internal/models"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string         `json:"token"`
	ExpiresAt string         `json:"expiresAt"`
	Account   accountPayload `json:"account"`
}

type accountPayload struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles"`
}

func accountToPayload(a models.Account) accountPayload {
	roles := a.Roles
	if roles == nil {
		roles = []string{}
	}
	return accountPayload{ID: a.ID, Email: a.Email, DisplayName: a.DisplayName, Roles: roles}
}

// Login handles POST /api/auth/login. A successful login mints a bearer
// token and also sets it as a session cookie for browser clients.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, errors.New("email and password are required"))
		return
	}

	account, err := h.Store.AuthenticateAccount(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	token, expiresAt, err := h.sessionManager().Create(account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create session: %w", err))
		return
	}
	h.setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Account:   accountToPayload(account),
	})
}

// Session handles /api/auth/session: GET inspects the presented credential,
// DELETE revokes it and clears the browser cookie.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		account, ok := h.requireAccount(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"account": accountToPayload(account)})
	case http.MethodDelete:
		token := ExtractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, errors.New("authentication required"))
			return
		}
		if err := h.sessionManager().Revoke(token); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("revoke session: %w", err))
			return
		}
		h.ClearSessionCookie(w, r)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
