package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestController(t *testing.T, serverURL string, maxAttempts int) *HTTPController {
	t.Helper()
	controller, err := NewHTTPController(Config{
		BaseURL:       serverURL,
		Token:         "panel-token",
		MaxAttempts:   maxAttempts,
		RetryInterval: time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewHTTPController returned error: %v", err)
	}
	return controller
}

// TestAcquireEndpointSendsAccountAndBearer verifies the acquire call posts the
// account identifier with the configured bearer token and decodes the endpoint.
func TestAcquireEndpointSendsAccountAndBearer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/endpoints" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer panel-token" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload["accountId"] != "acct-1" {
			t.Fatalf("unexpected account id %q", payload["accountId"])
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"rtmpUrl":    "rtmp://edge.example/live",
			"streamName": "acct-1-primary",
			"bitrate":    4500,
		})
	}))
	defer server.Close()

	controller := newTestController(t, server.URL, 1)
	endpoint, err := controller.AcquireEndpoint(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("AcquireEndpoint returned error: %v", err)
	}
	if endpoint.RTMPURL != "rtmp://edge.example/live" {
		t.Fatalf("unexpected rtmp url %q", endpoint.RTMPURL)
	}
	if endpoint.StreamName != "acct-1-primary" {
		t.Fatalf("unexpected stream name %q", endpoint.StreamName)
	}
	if endpoint.Bitrate != 4500 {
		t.Fatalf("unexpected bitrate %d", endpoint.Bitrate)
	}
}

// TestAcquireEndpointRetriesServerErrors verifies transient 5xx responses are
// retried until the media server recovers.
func TestAcquireEndpointRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "upstream restarting", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"rtmpUrl":    "rtmp://edge.example/live",
			"streamName": "acct-1-primary",
			"bitrate":    3000,
		})
	}))
	defer server.Close()

	controller := newTestController(t, server.URL, 5)
	if _, err := controller.AcquireEndpoint(context.Background(), "acct-1"); err != nil {
		t.Fatalf("AcquireEndpoint returned error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, observed %d", got)
	}
}

// TestAcquireEndpointDoesNotRetryClientErrors verifies a 4xx response fails
// immediately instead of burning the retry budget.
func TestAcquireEndpointDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "unknown account", http.StatusNotFound)
	}))
	defer server.Close()

	controller := newTestController(t, server.URL, 5)
	if _, err := controller.AcquireEndpoint(context.Background(), "acct-1"); err == nil {
		t.Fatal("expected error for 404 response")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, observed %d", got)
	}
}

// TestReleaseEndpointIgnoresEmptyStream verifies releasing a zero endpoint is
// a no-op so stop can run even when acquisition never finished.
func TestReleaseEndpointIgnoresEmptyStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for empty endpoint")
	}))
	defer server.Close()

	controller := newTestController(t, server.URL, 1)
	if err := controller.ReleaseEndpoint(context.Background(), Endpoint{}); err != nil {
		t.Fatalf("ReleaseEndpoint returned error: %v", err)
	}
}

// TestTelemetryDecodesViewerStats verifies the telemetry call hits the
// account-scoped path and decodes the counters.
func TestTelemetryDecodesViewerStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/telemetry/acct-7" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]int{"viewers": 128, "bitrate": 5200})
	}))
	defer server.Close()

	controller := newTestController(t, server.URL, 1)
	stats, err := controller.Telemetry(context.Background(), "acct-7")
	if err != nil {
		t.Fatalf("Telemetry returned error: %v", err)
	}
	if stats.Viewers != 128 || stats.Bitrate != 5200 {
		t.Fatalf("unexpected telemetry %+v", stats)
	}
}

// TestHealthReportsDetailOnFailure verifies an unhealthy media server is
// surfaced with the response status instead of an error return.
func TestHealthReportsDetailOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		http.Error(w, "degraded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	controller := newTestController(t, server.URL, 1)
	status := controller.Health(context.Background())
	if status.Status != "error" {
		t.Fatalf("expected error status, got %q", status.Status)
	}
	if status.Component != "wowza" {
		t.Fatalf("unexpected component %q", status.Component)
	}
	if status.Detail == "" {
		t.Fatal("expected detail for failed health probe")
	}
}

// TestRetryRespectsContextCancellation verifies an in-flight retry loop stops
// when the caller's context is canceled.
func TestRetryRespectsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "still down", http.StatusInternalServerError)
	}))
	defer server.Close()

	controller, err := NewHTTPController(Config{
		BaseURL:       server.URL,
		MaxAttempts:   10,
		RetryInterval: 50 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewHTTPController returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := controller.AcquireEndpoint(ctx, "acct-1"); err == nil {
		t.Fatal("expected cancellation error")
	}
}
