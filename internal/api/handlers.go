package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"castpanel/internal/auth"
	"castpanel/internal/broadcast"
	"castpanel/internal/ingest"
	"castpanel/internal/models"
	"castpanel/internal/relay"
	"castpanel/internal/sshpool"
	"castpanel/internal/storage"
	"castpanel/internal/transfer"
)

// Orchestrator is the slice of the broadcast orchestrator the handlers
// drive.
type Orchestrator interface {
	Start(ctx context.Context, accountID, title string, platformIDs []string) (models.StreamSession, error)
	Stop(ctx context.Context, accountID string) error
	Status(ctx context.Context, accountID string) broadcast.Status
	ReconnectTarget(accountID, targetID string) error
}

// TransferManager is the slice of the transfer manager the handlers drive.
type TransferManager interface {
	Enqueue(ctx context.Context, req transfer.EnqueueRequest) (models.TransferJob, error)
	Cancel(ctx context.Context, jobID string) error
}

// HealthProber reports a component's availability for the health endpoint.
type HealthProber interface {
	Ping(ctx context.Context) error
}

// IngestProber probes the upstream media server.
type IngestProber interface {
	Health(ctx context.Context) ingest.HealthStatus
}

// Handler bundles the API dependencies. Fields are exported so callers can
// wire only what a given deployment runs; nil collaborators disable their
// routes with 503 rather than panicking.
type Handler struct {
	Store               storage.Repository
	Sessions            *auth.SessionManager
	Broadcasts          Orchestrator
	Transfers           TransferManager
	TransferQueue       HealthProber
	Ingest              IngestProber
	SessionCookiePolicy SessionCookiePolicy
}

// NewHandler wires the always-required collaborators. Optional ones are set
// directly on the returned Handler.
func NewHandler(store storage.Repository, sessions *auth.SessionManager, broadcasts Orchestrator, transfers TransferManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{
		Store:      store,
		Sessions:   sessions,
		Broadcasts: broadcasts,
		Transfers:  transfers,
	}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.Sessions
}

// statusForError maps domain sentinels onto HTTP statuses. Anything
// unrecognised is a 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, broadcast.ErrAlreadyActive),
		errors.Is(err, broadcast.ErrNotActive),
		errors.Is(err, relay.ErrAlreadyConnecting):
		return http.StatusConflict
	case errors.Is(err, broadcast.ErrUnknownPlatform),
		errors.Is(err, broadcast.ErrUnknownTarget),
		errors.Is(err, storage.ErrUnknownPlatformKind):
		return http.StatusBadRequest
	case errors.Is(err, broadcast.ErrIngestUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, sshpool.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, transfer.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInvalidCredentials),
		errors.Is(err, storage.ErrPasswordLoginUnsupported):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
