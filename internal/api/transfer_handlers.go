package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"castpanel/internal/models"
	"castpanel/internal/transfer"
)

type createTransferRequest struct {
	SourceHost string `json:"sourceHost"`
	SourcePath string `json:"sourcePath"`
	DestPath   string `json:"destPath"`
	Protocol   string `json:"protocol"`
}

// TransferJobs handles /api/transfers: POST enqueues a migration, GET
// lists the caller's jobs in creation order.
func (h *Handler) TransferJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createTransfer(w, r)
	case http.MethodGet:
		h.listTransfers(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) createTransfer(w http.ResponseWriter, r *http.Request) {
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}
	if h.Transfers == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("transfers are not configured"))
		return
	}

	var req createTransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	protocol := models.TransferProtocol(strings.ToLower(strings.TrimSpace(req.Protocol)))
	switch protocol {
	case models.ProtocolSFTP, models.ProtocolFTP:
	case "":
		protocol = models.ProtocolSFTP
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported protocol %q", req.Protocol))
		return
	}

	job, err := h.Transfers.Enqueue(r.Context(), transfer.EnqueueRequest{
		AccountID:  account.ID,
		SourceHost: strings.TrimSpace(req.SourceHost),
		SourcePath: strings.TrimSpace(req.SourcePath),
		DestPath:   strings.TrimSpace(req.DestPath),
		Protocol:   protocol,
	})
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) listTransfers(w http.ResponseWriter, r *http.Request) {
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}
	jobs, err := h.Store.ListTransferJobs(r.Context(), account.ID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	if jobs == nil {
		jobs = []models.TransferJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// TransferByID handles /api/transfers/{id} and /api/transfers/{id}/cancel.
// Jobs are account-scoped: asking about another account's job reads as not
// found rather than forbidden.
func (h *Handler) TransferByID(w http.ResponseWriter, r *http.Request) {
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/transfers/"), "/")
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		job, err := h.ownedTransferJob(w, r, account.ID, parts[0])
		if err != nil {
			return
		}
		writeJSON(w, http.StatusOK, job)
	case len(parts) == 2 && parts[0] != "" && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		if h.Transfers == nil {
			writeError(w, http.StatusServiceUnavailable, errors.New("transfers are not configured"))
			return
		}
		if _, err := h.ownedTransferJob(w, r, account.ID, parts[0]); err != nil {
			return
		}
		if err := h.Transfers.Cancel(r.Context(), parts[0]); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		writeError(w, http.StatusNotFound, errors.New("not found"))
	}
}

// ownedTransferJob loads a job and verifies ownership, writing the error
// response itself on failure.
func (h *Handler) ownedTransferJob(w http.ResponseWriter, r *http.Request, accountID, jobID string) (models.TransferJob, error) {
	job, ok, err := h.Store.GetTransferJob(r.Context(), jobID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return models.TransferJob{}, err
	}
	if !ok || job.AccountID != accountID {
		err := errors.New("transfer job not found")
		writeError(w, http.StatusNotFound, err)
		return models.TransferJob{}, err
	}
	return job, nil
}

type putTransferCredentialRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	PrivateKey string `json:"privateKey"`
}

type transferCredentialPayload struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	HasKey   bool   `json:"hasKey"`
}

// TransferCredentials handles /api/transfers/credentials: GET lists stored
// hosts, PUT upserts one, DELETE removes one by the host query parameter.
// Secrets never travel back out.
func (h *Handler) TransferCredentials(w http.ResponseWriter, r *http.Request) {
	account, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		creds, err := h.Store.ListTransferCredentials(r.Context(), account.ID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		payload := make([]transferCredentialPayload, 0, len(creds))
		for _, cred := range creds {
			payload = append(payload, transferCredentialPayload{
				Host:     cred.Host,
				Port:     cred.Port,
				Username: cred.Username,
				HasKey:   cred.PrivateKey != "",
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"credentials": payload})
	case http.MethodPut:
		var req putTransferCredentialRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cred := models.TransferCredential{
			Host:       strings.TrimSpace(req.Host),
			Port:       req.Port,
			Username:   strings.TrimSpace(req.Username),
			Password:   req.Password,
			PrivateKey: req.PrivateKey,
		}
		if err := h.Store.PutTransferCredential(r.Context(), account.ID, cred); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, transferCredentialPayload{
			Host:     cred.Host,
			Port:     cred.Port,
			Username: cred.Username,
			HasKey:   cred.PrivateKey != "",
		})
	case http.MethodDelete:
		host := strings.TrimSpace(r.URL.Query().Get("host"))
		if host == "" {
			writeError(w, http.StatusBadRequest, errors.New("host query parameter is required"))
			return
		}
		if err := h.Store.DeleteTransferCredential(r.Context(), account.ID, host); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
