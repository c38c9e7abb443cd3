package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"castpanel/internal/broadcast"
	"castpanel/internal/models"
	"castpanel/internal/storage"
	"castpanel/internal/transfer"
)

type stubOrchestrator struct {
	startSession  models.StreamSession
	startErr      error
	stopErr       error
	status        broadcast.Status
	reconnectErr  error
	lastTitle     string
	lastPlatforms []string
	lastTarget    string
}

func (s *stubOrchestrator) Start(_ context.Context, _ string, title string, platformIDs []string) (models.StreamSession, error) {
	s.lastTitle = title
	s.lastPlatforms = platformIDs
	return s.startSession, s.startErr
}

func (s *stubOrchestrator) Stop(context.Context, string) error { return s.stopErr }

func (s *stubOrchestrator) Status(context.Context, string) broadcast.Status { return s.status }

func (s *stubOrchestrator) ReconnectTarget(_ string, targetID string) error {
	s.lastTarget = targetID
	return s.reconnectErr
}

type stubTransferManager struct {
	job       models.TransferJob
	err       error
	cancelErr error
	canceled  []string
	lastReq   transfer.EnqueueRequest
}

func (s *stubTransferManager) Enqueue(_ context.Context, req transfer.EnqueueRequest) (models.TransferJob, error) {
	s.lastReq = req
	return s.job, s.err
}

func (s *stubTransferManager) Cancel(_ context.Context, jobID string) error {
	s.canceled = append(s.canceled, jobID)
	return s.cancelErr
}

func newTestHandler(t *testing.T) (*Handler, storage.Repository) {
	t.Helper()
	store, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })
	handler := NewHandler(store, nil, &stubOrchestrator{}, &stubTransferManager{})
	return handler, store
}

func seedAccount(t *testing.T, store storage.Repository, email string) models.Account {
	t.Helper()
	account, err := store.CreateAccount(context.Background(), storage.CreateAccountParams{
		Email:       email,
		DisplayName: "Broadcaster",
		Password:    "correct horse",
		Quotas:      models.Quotas{MaxPlatforms: 3, MaxTransferJobs: 5, MaxBitrate: 6000},
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return account
}

// authed attaches the account to the request context the way the server's
// auth middleware does in production.
func authed(r *http.Request, account models.Account) *http.Request {
	return r.WithContext(ContextWithAccount(r.Context(), account))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v: %s", err, rec.Body.String())
	}
	return body
}

// TestStartStreamReturnsLegacyShape pins the start payload: the frontend
// binds to "titulo" under "transmission" and the ingest fields under
// "wowza_data".
func TestStartStreamReturnsLegacyShape(t *testing.T) {
	handler, store := newTestHandler(t)
	account := seedAccount(t, store, "live@example.com")
	orch := &stubOrchestrator{startSession: models.StreamSession{
		ID:        "sess-1",
		AccountID: account.ID,
		Title:     "Friday Night",
		State:     models.SessionLive,
		Ingest:    models.IngestEndpoint{RTMPURL: "rtmp://wowza.local/live", StreamName: "cast-1", Bitrate: 4500},
	}}
	handler.Broadcasts = orch

	req := httptest.NewRequest(http.MethodPost, "/api/stream/start",
		strings.NewReader(`{"title":"Friday Night","platformIds":["cred-yt"]}`))
	rec := httptest.NewRecorder()
	handler.StartStream(rec, authed(req, account))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Fatalf("expected success true, got %v", body["success"])
	}
	transmission, ok := body["transmission"].(map[string]any)
	if !ok || transmission["titulo"] != "Friday Night" {
		t.Fatalf("unexpected transmission payload: %v", body["transmission"])
	}
	wowza, ok := body["wowza_data"].(map[string]any)
	if !ok {
		t.Fatalf("missing wowza_data: %s", rec.Body.String())
	}
	if wowza["rtmpUrl"] != "rtmp://wowza.local/live" || wowza["streamName"] != "cast-1" {
		t.Fatalf("unexpected wowza_data: %v", wowza)
	}
	if bitrate, _ := wowza["bitrate"].(float64); int(bitrate) != 4500 {
		t.Fatalf("unexpected bitrate: %v", wowza["bitrate"])
	}
	if orch.lastTitle != "Friday Night" || len(orch.lastPlatforms) != 1 {
		t.Fatalf("orchestrator received %q %v", orch.lastTitle, orch.lastPlatforms)
	}
}

// TestStartStreamRequiresTitleAndPlatforms covers the request validation
// that runs before the orchestrator is consulted.
func TestStartStreamRequiresTitleAndPlatforms(t *testing.T) {
	handler, store := newTestHandler(t)
	account := seedAccount(t, store, "live@example.com")

	cases := []struct {
		name string
		body string
	}{
		{name: "missing title", body: `{"platformIds":["cred-yt"]}`},
		{name: "missing platforms", body: `{"title":"Show"}`},
		{name: "empty platforms", body: `{"title":"Show","platformIds":[]}`},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/stream/start", strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		handler.StartStream(rec, authed(req, account))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, rec.Code)
		}
		body := decodeBody(t, rec)
		if body["success"] != false {
			t.Fatalf("%s: expected success false, got %v", tc.name, body["success"])
		}
	}
}

// TestStartStreamConflictWhenAlreadyActive verifies the single-session
// invariant maps to a 409 with the legacy error envelope.
func TestStartStreamConflictWhenAlreadyActive(t *testing.T) {
	handler, store := newTestHandler(t)
	account := seedAccount(t, store, "live@example.com")
	handler.Broadcasts = &stubOrchestrator{startErr: broadcast.ErrAlreadyActive}

	req := httptest.NewRequest(http.MethodPost, "/api/stream/start",
		strings.NewReader(`{"title":"Show","platformIds":["cred-yt"]}`))
	rec := httptest.NewRecorder()
	handler.StartStream(rec, authed(req, account))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["error"] == "" {
		t.Fatalf("unexpected error envelope: %v", body)
	}
}

// TestStartStreamIngestUnavailableMapsToBadGateway covers the upstream
// failure class: the media server being down is not the client's fault.
func TestStartStreamIngestUnavailableMapsToBadGateway(t *testing.T) {
	handler, store := newTestHandler(t)
	account := seedAccount(t, store, "live@example.com")
	handler.Broadcasts = &stubOrchestrator{startErr: broadcast.ErrIngestUnavailable}

	req := httptest.NewRequest(http.MethodPost, "/api/stream/start",
		strings.NewReader(`{"title":"Show","platformIds":["cred-yt"]}`))
	rec := httptest.NewRecorder()
	handler.StartStream(rec, authed(req, account))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

// TestStartStreamEnforcesPlatformQuota rejects fan-outs wider than the
// account's MaxPlatforms before touching the orchestrator.
func TestStartStreamEnforcesPlatformQuota(t *testing.T) {
	handler, store := newTestHandler(t)
	account := seedAccount(t, store, "live@example.com")

	req := httptest.NewRequest(http.MethodPost, "/api/stream/start",
		strings.NewReader(`{"title":"Show","platformIds":["a","b","c","d"]}`))
	rec := httptest.NewRecorder()
	handler.StartStream(rec, authed(req, account))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestStartStreamRejectsUnauthenticated confirms the endpoint refuses
// requests that never passed the auth middleware.
func TestStartStreamRejectsUnauthenticated(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/stream/start",
		strings.NewReader(`{"title":"Show","platformIds":["cred-yt"]}`))
	rec := httptest.NewRecorder()
	handler.StartStream(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if _, ok := body["error"]; !ok {
		t.Fatalf("expected error field, got %v", body)
	}
}

// TestStopStream covers the success envelope and the no-active-session
// conflict.
func TestStopStream(t *testing.T) {
	handler, store := newTestHandler(t)
	account := seedAccount(t, store, "live@example.com")

	req := httptest.NewRequest(http.MethodPost, "/api/stream/stop", nil)
	rec := httptest.NewRecorder()
	handler.StopStream(rec, authed(req, account))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["success"] != true {
		t.Fatalf("expected success true, got %v", body)
	}

	handler.Broadcasts = &stubOrchestrator{stopErr: broadcast.ErrNotActive}
	req = httptest.NewRequest(http.MethodPost, "/api/stream/stop", nil)
	rec = httptest.NewRecorder()
	handler.StopStream(rec, authed(req, account))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["success"] != false {
		t.Fatalf("expected success false, got %v", body)
	}
}

// TestStreamStatusWhileLive pins the polling payload: is_live true, the
// titulo echo, and HH:MM:SS uptime under stats.
func TestStreamStatusWhileLive(t *testing.T) {
	handler, store := newTestHandler(t)
	account := seedAccount(t, store, "live@example.com")
	handler.Broadcasts = &stubOrchestrator{status: broadcast.Status{
		Live:        true,
		Session:     models.StreamSession{Title: "Friday Night", State: models.SessionLive},
		Viewers:     87,
		Bitrate:     4500,
		Uptime:      time.Hour + 5*time.Minute + 9*time.Second,
		WowzaStatus: "ok",
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/stream/status", nil)
	rec := httptest.NewRecorder()
	handler.StreamStatus(rec, authed(req, account))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["is_live"] != true {
		t.Fatalf("unexpected envelope: %v", body)
	}
	transmission, _ := body["transmission"].(map[string]any)
	if transmission["titulo"] != "Friday Night" {
		t.Fatalf("unexpected transmission: %v", transmission)
	}
	stats, _ := transmission["stats"].(map[string]any)
	if stats == nil {
		t.Fatalf("missing stats: %s", rec.Body.String())
	}
	if viewers, _ := stats["viewers"].(float64); int(viewers) != 87 {
		t.Fatalf("unexpected viewers: %v", stats["viewers"])
	}
	if stats["uptime"] != "01:05:09" {
		t.Fatalf("unexpected uptime: %v", stats["uptime"])
	}
}

// TestStreamStatusWhileIdle verifies the idle payload keeps the
// transmission block with zeroed telemetry so the poller never sees a
// shape change.
func TestStreamStatusWhileIdle(t *testing.T) {
	handler, store := newTestHandler(t)
	account := seedAccount(t, store, "live@example.com")
	handler.Broadcasts = &stubOrchestrator{status: broadcast.Status{WowzaStatus: "ok"}}

	req := httptest.NewRequest(http.MethodGet, "/api/stream/status", nil)
	rec := httptest.NewRecorder()
	handler.StreamStatus(rec, authed(req, account))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["is_live"] != false {
		t.Fatalf("expected is_live false, got %v", body["is_live"])
	}
	transmission, ok := body["transmission"].(map[string]any)
	if !ok {
		t.Fatalf("missing transmission block: %s", rec.Body.String())
	}
	stats, _ := transmission["stats"].(map[string]any)
	if stats == nil {
		t.Fatalf("missing stats: %s", rec.Body.String())
	}
	if viewers, _ := stats["viewers"].(float64); int(viewers) != 0 {
		t.Fatalf("expected zeroed viewers, got %v", stats["viewers"])
	}
	if bitrate, _ := stats["bitrate"].(float64); int(bitrate) != 0 {
		t.Fatalf("expected zeroed bitrate, got %v", stats["bitrate"])
	}
	if stats["uptime"] != "00:00:00" {
		t.Fatalf("expected zeroed uptime, got %v", stats["uptime"])
	}
}

// TestStreamStatusFlagsTelemetryTrouble confirms a failing media server
// degrades to wowza_status "error" instead of an error response.
func TestStreamStatusFlagsTelemetryTrouble(t *testing.T) {
	handler, store := newTestHandler(t)
	account := seedAccount(t, store, "live@example.com")
	handler.Broadcasts = &stubOrchestrator{status: broadcast.Status{
		Live:        true,
		Session:     models.StreamSession{Title: "Show", State: models.SessionLive},
		WowzaStatus: "error",
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/stream/status", nil)
	rec := httptest.NewRecorder()
	handler.StreamStatus(rec, authed(req, account))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["wowza_status"] != "error" {
		t.Fatalf("expected wowza_status error, got %v", body["wowza_status"])
	}
}

// TestReconnectPlatform exercises the path parsing and the unknown-target
// mapping.
func TestReconnectPlatform(t *testing.T) {
	handler, store := newTestHandler(t)
	account := seedAccount(t, store, "live@example.com")
	orch := &stubOrchestrator{}
	handler.Broadcasts = orch

	req := httptest.NewRequest(http.MethodPost, "/api/stream/platforms/tgt-1/reconnect", nil)
	rec := httptest.NewRecorder()
	handler.ReconnectPlatform(rec, authed(req, account))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if orch.lastTarget != "tgt-1" {
		t.Fatalf("expected target tgt-1, got %q", orch.lastTarget)
	}

	handler.Broadcasts = &stubOrchestrator{reconnectErr: broadcast.ErrUnknownTarget}
	req = httptest.NewRequest(http.MethodPost, "/api/stream/platforms/tgt-9/reconnect", nil)
	rec = httptest.NewRecorder()
	handler.ReconnectPlatform(rec, authed(req, account))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/stream/platforms/tgt-1/restart", nil)
	rec = httptest.NewRecorder()
	handler.ReconnectPlatform(rec, authed(req, account))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
}
