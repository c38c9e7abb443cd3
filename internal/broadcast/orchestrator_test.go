package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castpanel/internal/ingest"
	"castpanel/internal/models"
)

type fakeIngest struct {
	mu          sync.Mutex
	acquireErr  error
	telemetry   ingest.Telemetry
	telErr      error
	acquires    int
	releases    []ingest.Endpoint
	endpoint    ingest.Endpoint
	healthState ingest.HealthStatus
}

func (f *fakeIngest) AcquireEndpoint(ctx context.Context, accountID string) (ingest.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.acquireErr != nil {
		return ingest.Endpoint{}, f.acquireErr
	}
	if f.endpoint.StreamName == "" {
		f.endpoint = ingest.Endpoint{RTMPURL: "rtmp://edge.example/live", StreamName: accountID + "-primary", Bitrate: 4500}
	}
	return f.endpoint, nil
}

func (f *fakeIngest) ReleaseEndpoint(ctx context.Context, endpoint ingest.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, endpoint)
	return nil
}

func (f *fakeIngest) Telemetry(ctx context.Context, accountID string) (ingest.Telemetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.telErr != nil {
		return ingest.Telemetry{}, f.telErr
	}
	return f.telemetry, nil
}

func (f *fakeIngest) Health(ctx context.Context) ingest.HealthStatus {
	return f.healthState
}

type fakeRelays struct {
	mu             sync.Mutex
	connects       []models.PlatformTarget
	connectErr     error
	teardowns      []string
	reconnects     []string
	targetsByID    map[string][]models.PlatformTarget
	disconnectGate chan struct{}
}

func (f *fakeRelays) Connect(session models.StreamSession, target models.PlatformTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, target)
	if f.connectErr != nil {
		return f.connectErr
	}
	target.State = models.TargetConnecting
	f.targetsByID[session.ID] = append(f.targetsByID[session.ID], target)
	return nil
}

func (f *fakeRelays) Reconnect(targetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects = append(f.reconnects, targetID)
	return nil
}

func (f *fakeRelays) DisconnectAll(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	gate := f.disconnectGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns = append(f.teardowns, sessionID)
	delete(f.targetsByID, sessionID)
	return nil
}

func (f *fakeRelays) TargetStates(sessionID string) []models.PlatformTarget {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PlatformTarget(nil), f.targetsByID[sessionID]...)
}

type fakeCreds struct {
	creds map[string][]models.PlatformCredential
}

func (f *fakeCreds) PlatformCredentials(ctx context.Context, accountID string) ([]models.PlatformCredential, error) {
	return f.creds[accountID], nil
}

type fakeArchive struct {
	mu       sync.Mutex
	sessions []models.StreamSession
}

func (f *fakeArchive) SaveSession(ctx context.Context, session models.StreamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session)
	return nil
}

func testCredentials() map[string][]models.PlatformCredential {
	return map[string][]models.PlatformCredential{
		"acct-1": {
			{ID: "cred-yt", AccountID: "acct-1", Platform: models.PlatformYouTube, RTMPURL: "rtmp://a.rtmp.youtube.com/live2", StreamKey: "yt-key", Enabled: true},
			{ID: "cred-tw", AccountID: "acct-1", Platform: models.PlatformTwitch, RTMPURL: "rtmp://live.twitch.tv/app", StreamKey: "tw-key", Enabled: true},
			{ID: "cred-off", AccountID: "acct-1", Platform: models.PlatformKick, RTMPURL: "rtmp://kick.example/live", StreamKey: "kick-key", Enabled: false},
		},
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeIngest, *fakeRelays, *fakeArchive) {
	t.Helper()
	controller := &fakeIngest{telemetry: ingest.Telemetry{Viewers: 42, Bitrate: 4500}}
	relays := &fakeRelays{targetsByID: make(map[string][]models.PlatformTarget)}
	archive := &fakeArchive{}
	orch := NewOrchestrator(Config{}, controller, relays, &fakeCreds{creds: testCredentials()}, archive, nil)
	return orch, controller, relays, archive
}

// TestStartTransitionsToLive verifies a clean start secures the ingest
// endpoint, reaches Live, and issues one relay connect per platform.
func TestStartTransitionsToLive(t *testing.T) {
	orch, controller, relays, _ := newTestOrchestrator(t)

	session, err := orch.Start(context.Background(), "acct-1", "launch stream", []string{"cred-yt", "cred-tw"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if session.State != models.SessionLive {
		t.Fatalf("expected live state, got %s", session.State)
	}
	if session.Ingest.StreamName != "acct-1-primary" {
		t.Fatalf("unexpected ingest endpoint %+v", session.Ingest)
	}
	if controller.acquires != 1 {
		t.Fatalf("expected one endpoint acquisition, got %d", controller.acquires)
	}

	relays.mu.Lock()
	connects := len(relays.connects)
	relays.mu.Unlock()
	if connects != 2 {
		t.Fatalf("expected 2 relay connects, got %d", connects)
	}
	if got := orch.CurrentState("acct-1"); got.State != models.SessionLive {
		t.Fatalf("CurrentState reports %s", got.State)
	}
}

// TestStartRejectsSecondActiveSession verifies the one-active-session
// invariant per account.
func TestStartRejectsSecondActiveSession(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)

	if _, err := orch.Start(context.Background(), "acct-1", "first", []string{"cred-yt"}); err != nil {
		t.Fatalf("first Start returned error: %v", err)
	}
	if _, err := orch.Start(context.Background(), "acct-1", "second", []string{"cred-yt"}); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

// TestStartRejectsUnknownOrDisabledPlatform verifies credential validation
// happens before any ingest work.
func TestStartRejectsUnknownOrDisabledPlatform(t *testing.T) {
	orch, controller, _, _ := newTestOrchestrator(t)

	if _, err := orch.Start(context.Background(), "acct-1", "stream", []string{"cred-nope"}); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform for missing credential, got %v", err)
	}
	if _, err := orch.Start(context.Background(), "acct-1", "stream", []string{"cred-off"}); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform for disabled credential, got %v", err)
	}
	if controller.acquires != 0 {
		t.Fatalf("expected no endpoint acquisitions, got %d", controller.acquires)
	}
}

// TestStartIngestFailureMovesToError verifies a failed endpoint acquisition
// drives the session to Error, and a later stop clears it.
func TestStartIngestFailureMovesToError(t *testing.T) {
	orch, controller, _, _ := newTestOrchestrator(t)
	controller.acquireErr = errors.New("wowza down")

	if _, err := orch.Start(context.Background(), "acct-1", "stream", []string{"cred-yt"}); !errors.Is(err, ErrIngestUnavailable) {
		t.Fatalf("expected ErrIngestUnavailable, got %v", err)
	}
	if got := orch.CurrentState("acct-1"); got.State != models.SessionError {
		t.Fatalf("expected error state, got %s", got.State)
	}

	if err := orch.Stop(context.Background(), "acct-1"); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if got := orch.CurrentState("acct-1"); got.State != models.SessionStopped {
		t.Fatalf("expected stopped state after clearing, got %s", got.State)
	}

	controller.acquireErr = nil
	if _, err := orch.Start(context.Background(), "acct-1", "retry", []string{"cred-yt"}); err != nil {
		t.Fatalf("Start after clearing returned error: %v", err)
	}
}

// TestRelayRejectionDoesNotAffectSession verifies relay connect errors are
// absorbed and the session stays Live.
func TestRelayRejectionDoesNotAffectSession(t *testing.T) {
	orch, _, relays, _ := newTestOrchestrator(t)
	relays.connectErr = errors.New("target already has an active task")

	session, err := orch.Start(context.Background(), "acct-1", "stream", []string{"cred-yt", "cred-tw"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if session.State != models.SessionLive {
		t.Fatalf("expected live state, got %s", session.State)
	}
}

// TestStopTearsDownAndReleases verifies stop joins relay teardown, releases
// the ingest endpoint, and is idempotent.
func TestStopTearsDownAndReleases(t *testing.T) {
	orch, controller, relays, _ := newTestOrchestrator(t)

	session, err := orch.Start(context.Background(), "acct-1", "stream", []string{"cred-yt"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := orch.Stop(context.Background(), "acct-1"); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	if got := orch.CurrentState("acct-1"); got.State != models.SessionStopped || got.EndedAt == nil {
		t.Fatalf("expected stopped session with end time, got %+v", got)
	}
	relays.mu.Lock()
	teardowns := append([]string(nil), relays.teardowns...)
	relays.mu.Unlock()
	if len(teardowns) != 1 || teardowns[0] != session.ID {
		t.Fatalf("expected teardown for %s, got %v", session.ID, teardowns)
	}
	controller.mu.Lock()
	releases := len(controller.releases)
	controller.mu.Unlock()
	if releases != 1 {
		t.Fatalf("expected one endpoint release, got %d", releases)
	}

	if err := orch.Stop(context.Background(), "acct-1"); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
}

// TestStopWithoutActiveSession verifies stop fails cleanly when nothing runs.
func TestStopWithoutActiveSession(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)
	if err := orch.Stop(context.Background(), "acct-1"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

// TestStartFromErrorRequiresExplicitStop verifies a slot stuck in Error
// rejects new starts until the operator clears it with Stop.
func TestStartFromErrorRequiresExplicitStop(t *testing.T) {
	orch, controller, _, _ := newTestOrchestrator(t)
	controller.acquireErr = errors.New("wowza down")

	if _, err := orch.Start(context.Background(), "acct-1", "stream", []string{"cred-yt"}); !errors.Is(err, ErrIngestUnavailable) {
		t.Fatalf("expected ErrIngestUnavailable, got %v", err)
	}
	if got := orch.CurrentState("acct-1"); got.State != models.SessionError {
		t.Fatalf("expected error state, got %s", got.State)
	}

	controller.acquireErr = nil
	if _, err := orch.Start(context.Background(), "acct-1", "again", []string{"cred-yt"}); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive while slot holds an errored session, got %v", err)
	}

	if err := orch.Stop(context.Background(), "acct-1"); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if _, err := orch.Start(context.Background(), "acct-1", "again", []string{"cred-yt"}); err != nil {
		t.Fatalf("Start after explicit stop returned error: %v", err)
	}
}

// TestStatusReadsDuringStopTeardown verifies reads answer Stopping promptly
// while relay teardown is still draining, and that Stop finishes once the
// drain completes.
func TestStatusReadsDuringStopTeardown(t *testing.T) {
	orch, _, relays, _ := newTestOrchestrator(t)

	if _, err := orch.Start(context.Background(), "acct-1", "stream", []string{"cred-yt"}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	gate := make(chan struct{})
	relays.mu.Lock()
	relays.disconnectGate = gate
	relays.mu.Unlock()

	stopDone := make(chan error, 1)
	go func() {
		stopDone <- orch.Stop(context.Background(), "acct-1")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for orch.CurrentState("acct-1").State != models.SessionStopping {
		if time.Now().After(deadline) {
			t.Fatalf("session never reached stopping, state %s", orch.CurrentState("acct-1").State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The read above must have returned while DisconnectAll was still
	// blocked on the gate.
	select {
	case err := <-stopDone:
		t.Fatalf("Stop returned before teardown finished: %v", err)
	default:
	}

	close(gate)
	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not finish after teardown drained")
	}
	if got := orch.CurrentState("acct-1"); got.State != models.SessionStopped {
		t.Fatalf("expected stopped state, got %s", got.State)
	}
}

// TestConcurrentStartsSingleWinner verifies per-account serialization lets
// exactly one concurrent start win.
func TestConcurrentStartsSingleWinner(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)

	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := orch.Start(context.Background(), "acct-1", "race", []string{"cred-yt"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, rejections int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyActive):
			rejections++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || rejections != racers-1 {
		t.Fatalf("expected 1 winner and %d rejections, got %d and %d", racers-1, wins, rejections)
	}
}

// TestReconnectTargetChecksOwnership verifies reconnects only reach the relay
// manager for targets of the account's active session.
func TestReconnectTargetChecksOwnership(t *testing.T) {
	orch, _, relays, _ := newTestOrchestrator(t)

	if err := orch.ReconnectTarget("acct-1", "cred-yt"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive before start, got %v", err)
	}

	if _, err := orch.Start(context.Background(), "acct-1", "stream", []string{"cred-yt"}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := orch.ReconnectTarget("acct-1", "cred-yt"); err != nil {
		t.Fatalf("ReconnectTarget returned error: %v", err)
	}
	relays.mu.Lock()
	reconnects := append([]string(nil), relays.reconnects...)
	relays.mu.Unlock()
	if len(reconnects) != 1 || reconnects[0] != "cred-yt" {
		t.Fatalf("unexpected reconnects %v", reconnects)
	}

	if err := orch.ReconnectTarget("acct-1", "cred-other"); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
}
