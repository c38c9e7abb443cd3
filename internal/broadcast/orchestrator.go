package broadcast

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"castpanel/internal/ingest"
	"castpanel/internal/models"
	"castpanel/internal/observability/metrics"
)

var (
	// ErrAlreadyActive is returned when an account already holds a session
	// in Starting or Live.
	ErrAlreadyActive = errors.New("broadcast: session already active")
	// ErrNotActive is returned when a stop finds no session to stop.
	ErrNotActive = errors.New("broadcast: no active session")
	// ErrUnknownPlatform is returned when a start names a platform the
	// account holds no enabled credential for.
	ErrUnknownPlatform = errors.New("broadcast: unknown platform")
	// ErrIngestUnavailable is returned when the media server cannot supply
	// an ingest endpoint.
	ErrIngestUnavailable = errors.New("broadcast: ingest endpoint unavailable")
	// ErrUnknownTarget is returned when a reconnect names a target outside
	// the active session.
	ErrUnknownTarget = errors.New("broadcast: unknown target")
)

// RelayCoordinator is the slice of the relay manager the orchestrator drives.
type RelayCoordinator interface {
	Connect(session models.StreamSession, target models.PlatformTarget) error
	Reconnect(targetID string) error
	DisconnectAll(ctx context.Context, sessionID string) error
	TargetStates(sessionID string) []models.PlatformTarget
}

// CredentialSource lists the platform credentials an account holds.
type CredentialSource interface {
	PlatformCredentials(ctx context.Context, accountID string) ([]models.PlatformCredential, error)
}

// SessionArchive persists session records for history queries.
type SessionArchive interface {
	SaveSession(ctx context.Context, session models.StreamSession) error
}

// Config tunes the orchestrator.
type Config struct {
	AcquireTimeout time.Duration
	StopTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 15 * time.Second
	}
}

// Orchestrator serializes session transitions per account.
type Orchestrator struct {
	cfg     Config
	ingest  ingest.Controller
	relays  RelayCoordinator
	creds   CredentialSource
	archive SessionArchive
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu      sync.Mutex
	handles map[string]*accountHandle
}

// accountHandle is the single-writer owner of one account's session state.
type accountHandle struct {
	mu      sync.Mutex
	session models.StreamSession
}

// NewOrchestrator wires the session state machine against its collaborators.
func NewOrchestrator(cfg Config, controller ingest.Controller, relays RelayCoordinator, creds CredentialSource, archive SessionArchive, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		ingest:  controller,
		relays:  relays,
		creds:   creds,
		archive: archive,
		logger:  logger,
		metrics: metrics.Default(),
		now:     time.Now,
		handles: make(map[string]*accountHandle),
	}
}

func (o *Orchestrator) handle(accountID string) *accountHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[accountID]
	if !ok {
		h = &accountHandle{session: models.StreamSession{AccountID: accountID, State: models.SessionIdle}}
		o.handles[accountID] = h
	}
	return h
}

// Start begins a fresh session for the account and fans it out to the named
// platforms. The call returns once the ingest endpoint is secured; relay
// outcomes arrive asynchronously and never block or fail the start. A slot
// still holding an Error session must be cleared with Stop before a new
// start is accepted.
func (o *Orchestrator) Start(ctx context.Context, accountID, title string, platformIDs []string) (models.StreamSession, error) {
	if strings.TrimSpace(accountID) == "" {
		return models.StreamSession{}, errors.New("accountId is required")
	}
	h := o.handle(accountID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.session.State.Terminal() {
		return models.StreamSession{}, fmt.Errorf("%w: session %s is %s", ErrAlreadyActive, h.session.ID, h.session.State)
	}

	targets, err := o.resolveTargets(ctx, accountID, platformIDs)
	if err != nil {
		return models.StreamSession{}, err
	}

	session := models.StreamSession{
		ID:        newSessionID(),
		AccountID: accountID,
		Title:     strings.TrimSpace(title),
		State:     models.SessionStarting,
		StartedAt: o.now().UTC(),
	}
	h.session = session
	o.logger.Info("session starting", "account_id", accountID, "session_id", session.ID, "targets", len(targets))

	acquireCtx, cancel := context.WithTimeout(ctx, o.cfg.AcquireTimeout)
	endpoint, err := o.ingest.AcquireEndpoint(acquireCtx, accountID)
	cancel()
	if err != nil {
		session.State = models.SessionError
		session.LastError = err.Error()
		h.session = session
		o.metrics.SessionErrored()
		o.archiveSession(session)
		o.logger.Error("ingest endpoint acquisition failed", "account_id", accountID, "session_id", session.ID, "error", err)
		return models.StreamSession{}, fmt.Errorf("%w: %v", ErrIngestUnavailable, err)
	}

	session.Ingest = models.IngestEndpoint{
		RTMPURL:    endpoint.RTMPURL,
		StreamName: endpoint.StreamName,
		Bitrate:    endpoint.Bitrate,
	}
	session.State = models.SessionLive
	h.session = session
	o.metrics.SessionStarted()
	o.archiveSession(session)

	for _, target := range targets {
		target.SessionID = session.ID
		if err := o.relays.Connect(session, target); err != nil {
			o.logger.Warn("relay connect rejected", "session_id", session.ID, "target_id", target.ID, "error", err)
		}
	}

	o.logger.Info("session live", "account_id", accountID, "session_id", session.ID, "stream", endpoint.StreamName)
	return session, nil
}

// Stop tears the account's session down. It waits for every relay task to
// observe cancellation before reporting Stopped. Stopping an already stopping
// or stopped session is a no-op success; stopping an Error session clears it.
func (o *Orchestrator) Stop(ctx context.Context, accountID string) error {
	h := o.handle(accountID)
	h.mu.Lock()

	session := h.session
	switch session.State {
	case models.SessionStopping, models.SessionStopped:
		h.mu.Unlock()
		return nil
	case models.SessionStarting, models.SessionLive, models.SessionError:
	default:
		h.mu.Unlock()
		return fmt.Errorf("%w: account %s", ErrNotActive, accountID)
	}

	wasLive := session.State == models.SessionLive || session.State == models.SessionStarting
	session.State = models.SessionStopping
	h.session = session

	// Teardown runs without the handle lock; the Stopping state holds the
	// slot, and status reads stay responsive while relays drain.
	h.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.StopTimeout)
	defer cancel()
	if err := o.relays.DisconnectAll(stopCtx, session.ID); err != nil {
		o.logger.Warn("relay teardown incomplete", "session_id", session.ID, "error", err)
	}
	if !session.Ingest.Zero() {
		if err := o.ingest.ReleaseEndpoint(stopCtx, ingest.Endpoint{
			RTMPURL:    session.Ingest.RTMPURL,
			StreamName: session.Ingest.StreamName,
			Bitrate:    session.Ingest.Bitrate,
		}); err != nil {
			o.logger.Warn("ingest endpoint release failed", "session_id", session.ID, "error", err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ended := o.now().UTC()
	session.State = models.SessionStopped
	session.EndedAt = &ended
	h.session = session
	if wasLive {
		o.metrics.SessionStopped()
	}
	o.archiveSession(session)
	o.logger.Info("session stopped", "account_id", accountID, "session_id", session.ID)
	return nil
}

// CurrentState is a pure read of the account's session. It never blocks on
// I/O.
func (o *Orchestrator) CurrentState(accountID string) models.StreamSession {
	h := o.handle(accountID)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// ReconnectTarget starts a fresh attempt generation for one settled target of
// the account's active session.
func (o *Orchestrator) ReconnectTarget(accountID, targetID string) error {
	session := o.CurrentState(accountID)
	if !session.State.Active() {
		return fmt.Errorf("%w: account %s", ErrNotActive, accountID)
	}
	for _, target := range o.relays.TargetStates(session.ID) {
		if target.ID == targetID {
			return o.relays.Reconnect(targetID)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
}

// resolveTargets maps requested platform credential IDs onto relay targets,
// rejecting IDs the account does not hold an enabled credential for.
func (o *Orchestrator) resolveTargets(ctx context.Context, accountID string, platformIDs []string) ([]models.PlatformTarget, error) {
	credentials, err := o.creds.PlatformCredentials(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load platform credentials: %w", err)
	}
	byID := make(map[string]models.PlatformCredential, len(credentials))
	for _, cred := range credentials {
		byID[cred.ID] = cred
	}
	targets := make([]models.PlatformTarget, 0, len(platformIDs))
	seen := make(map[string]struct{}, len(platformIDs))
	for _, id := range platformIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cred, ok := byID[id]
		if !ok || !cred.Enabled {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, id)
		}
		targets = append(targets, models.PlatformTarget{
			ID:        cred.ID,
			Platform:  cred.Platform,
			RTMPURL:   cred.RTMPURL,
			StreamKey: cred.StreamKey,
		})
	}
	return targets, nil
}

func (o *Orchestrator) archiveSession(session models.StreamSession) {
	if o.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.archive.SaveSession(ctx, session); err != nil {
		o.logger.Warn("failed to archive session", "session_id", session.ID, "error", err)
	}
}

func newSessionID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
