package wowzastub

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake media server should behave.
type Options struct {
	// RTMPURL and Bitrate are returned from the endpoint acquire route. The
	// stream name is generated per acquisition.
	RTMPURL string
	Bitrate int

	// Viewers and ViewerBitrate are returned from the telemetry route.
	Viewers       int
	ViewerBitrate int

	// FailEndpointAcquires causes the first N acquire requests to return
	// HTTP 503. Subsequent attempts succeed.
	FailEndpointAcquires int

	// FailPushStarts causes the first N push target creations to return
	// HTTP 502. Subsequent attempts succeed.
	FailPushStarts int

	// PushStatuses overrides the status reported for a given push ID.
	// Unlisted IDs report "connected".
	PushStatuses map[string]string

	// Token is the bearer credential the stub enforces. If empty, the check
	// is skipped.
	Token string

	// Healthy controls the health route. Defaults to healthy.
	Unhealthy bool
}

// Operation is one recorded media-server interaction.
type Operation struct {
	Kind       string
	AccountID  string
	StreamName string
	PushID     string
	RTMPURL    string
	Status     int
	Timestamp  time.Time
}

// Server hosts a single httptest.Server that serves the media-server REST
// routes the panel drives.
type Server struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
	endpoints  map[string]string
	pushes     map[string]pushRecord
	seq        int
	acquireErr int
	pushErr    int
}

type pushRecord struct {
	StreamName string
	RTMPURL    string
}

// Start spins up a new media-server stub using the provided options.
func Start(opts Options) *Server {
	s := &Server{
		opts:      opts,
		endpoints: make(map[string]string),
		pushes:    make(map[string]pushRecord),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Close shuts down the underlying HTTP server.
func (s *Server) Close() {
	if s.server != nil {
		s.server.Close()
	}
}

// BaseURL returns the stub's base address for controller configuration.
func (s *Server) BaseURL() string {
	return s.server.URL
}

// Operations returns a copy of the recorded interactions in order.
func (s *Server) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Operation, len(s.operations))
	copy(out, s.operations)
	return out
}

// ActivePushes reports the push targets that have been started and not yet
// stopped.
func (s *Server) ActivePushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushes)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !s.expectBearer(w, r) {
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodPost && path == "/v1/endpoints":
		s.handleAcquire(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/v1/endpoints/"):
		s.handleRelease(w, strings.TrimPrefix(path, "/v1/endpoints/"))
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v1/telemetry/"):
		s.handleTelemetry(w, strings.TrimPrefix(path, "/v1/telemetry/"))
	case r.Method == http.MethodPost && path == "/v1/pushtargets":
		s.handleStartPush(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/status") && strings.HasPrefix(path, "/v1/pushtargets/"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/v1/pushtargets/"), "/status")
		s.handlePushStatus(w, id)
	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/v1/pushtargets/"):
		s.handleStopPush(w, strings.TrimPrefix(path, "/v1/pushtargets/"))
	case r.Method == http.MethodGet && path == "/v1/health":
		s.handleHealth(w)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"accountId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.acquireErr < s.opts.FailEndpointAcquires {
		s.acquireErr++
		s.record(Operation{Kind: "acquire", AccountID: req.AccountID, Status: http.StatusServiceUnavailable})
		s.mu.Unlock()
		http.Error(w, "ingest temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	s.seq++
	streamName := fmt.Sprintf("cast-%d", s.seq)
	s.endpoints[streamName] = req.AccountID
	s.record(Operation{Kind: "acquire", AccountID: req.AccountID, StreamName: streamName, Status: http.StatusOK})
	s.mu.Unlock()

	rtmpURL := s.opts.RTMPURL
	if rtmpURL == "" {
		rtmpURL = "rtmp://wowza.local/live"
	}
	bitrate := s.opts.Bitrate
	if bitrate == 0 {
		bitrate = 4500
	}
	writeJSON(w, map[string]any{
		"rtmpUrl":    rtmpURL,
		"streamName": streamName,
		"bitrate":    bitrate,
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, streamName string) {
	s.mu.Lock()
	delete(s.endpoints, streamName)
	s.record(Operation{Kind: "release", StreamName: streamName, Status: http.StatusNoContent})
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, accountID string) {
	s.mu.Lock()
	s.record(Operation{Kind: "telemetry", AccountID: accountID, Status: http.StatusOK})
	s.mu.Unlock()
	writeJSON(w, map[string]any{
		"viewers": s.opts.Viewers,
		"bitrate": s.opts.ViewerBitrate,
	})
}

func (s *Server) handleStartPush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StreamName string `json:"streamName"`
		RTMPURL    string `json:"rtmpUrl"`
		StreamKey  string `json:"streamKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.pushErr < s.opts.FailPushStarts {
		s.pushErr++
		s.record(Operation{Kind: "start_push", StreamName: req.StreamName, RTMPURL: req.RTMPURL, Status: http.StatusBadGateway})
		s.mu.Unlock()
		http.Error(w, "push target rejected", http.StatusBadGateway)
		return
	}
	s.seq++
	id := fmt.Sprintf("push-%d", s.seq)
	s.pushes[id] = pushRecord{StreamName: req.StreamName, RTMPURL: req.RTMPURL}
	s.record(Operation{Kind: "start_push", PushID: id, StreamName: req.StreamName, RTMPURL: req.RTMPURL, Status: http.StatusOK})
	s.mu.Unlock()

	writeJSON(w, map[string]any{"id": id})
}

func (s *Server) handlePushStatus(w http.ResponseWriter, id string) {
	status := "connected"
	if override, ok := s.opts.PushStatuses[id]; ok {
		status = override
	}
	s.mu.Lock()
	if _, ok := s.pushes[id]; !ok && status == "connected" {
		status = "disconnected"
	}
	s.record(Operation{Kind: "push_status", PushID: id, Status: http.StatusOK})
	s.mu.Unlock()
	writeJSON(w, map[string]any{"status": status})
}

func (s *Server) handleStopPush(w http.ResponseWriter, id string) {
	s.mu.Lock()
	delete(s.pushes, id)
	s.record(Operation{Kind: "stop_push", PushID: id, Status: http.StatusNoContent})
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter) {
	if s.opts.Unhealthy {
		http.Error(w, "media server degraded", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) record(op Operation) {
	op.Timestamp = time.Now()
	s.operations = append(s.operations, op)
}

func (s *Server) expectBearer(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	if r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
