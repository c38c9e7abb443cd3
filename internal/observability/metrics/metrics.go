package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, broadcast session lifecycle, relay attempts, transfer activity,
// and SSH pool occupancy. It coordinates concurrent writers via a RWMutex
// while exposing thread-safe gauges for live counts.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	relayAttempts   map[string]uint64
	relayFailures   map[string]uint64
	transferEvents  map[string]uint64
	wowzaAttempts   map[string]uint64
	wowzaFailures   map[string]uint64

	activeSessions   atomic.Int64
	connectedRelays  atomic.Int64
	activeTransfers  atomic.Int64
	transferBytes    atomic.Int64
	poolOpen         atomic.Int64
	poolExhaustedHit atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		relayAttempts:   make(map[string]uint64),
		relayFailures:   make(map[string]uint64),
		transferEvents:  make(map[string]uint64),
		wowzaAttempts:   make(map[string]uint64),
		wowzaFailures:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a session reaching Live and increments the active
// session gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("started")
	r.activeSessions.Add(1)
}

// SessionStopped records an orderly stop and decrements the active gauge.
func (r *Recorder) SessionStopped() {
	r.incrementSessionEvent("stopped")
	r.decrementGauge(&r.activeSessions)
}

// SessionErrored records a session driven to Error by ingest failure.
func (r *Recorder) SessionErrored() {
	r.incrementSessionEvent("errored")
}

func (r *Recorder) incrementSessionEvent(event string) {
	event = normalizeName(event)
	if event == "" {
		return
	}
	r.mu.Lock()
	r.sessionEvents[event]++
	r.mu.Unlock()
}

// ObserveRelayAttempt counts one relay connect attempt for a platform kind.
func (r *Recorder) ObserveRelayAttempt(platform string) {
	platform = normalizeName(platform)
	r.mu.Lock()
	r.relayAttempts[platform]++
	r.mu.Unlock()
}

// ObserveRelayFailure counts one failed relay connect attempt for a platform
// kind.
func (r *Recorder) ObserveRelayFailure(platform string) {
	platform = normalizeName(platform)
	r.mu.Lock()
	r.relayFailures[platform]++
	r.mu.Unlock()
}

// RelayConnected increments the connected relay gauge.
func (r *Recorder) RelayConnected() {
	r.connectedRelays.Add(1)
}

// RelayDisconnected decrements the connected relay gauge.
func (r *Recorder) RelayDisconnected() {
	r.decrementGauge(&r.connectedRelays)
}

// TransferQueued counts a job accepted into a transfer queue.
func (r *Recorder) TransferQueued() {
	r.incrementTransferEvent("queued")
}

// TransferStarted marks a job picked up by a worker.
func (r *Recorder) TransferStarted() {
	r.incrementTransferEvent("started")
	r.activeTransfers.Add(1)
}

// TransferCompleted marks a job finishing successfully.
func (r *Recorder) TransferCompleted() {
	r.incrementTransferEvent("completed")
	r.decrementGauge(&r.activeTransfers)
}

// TransferFailed marks a job exhausting its attempts or hitting a terminal
// fault.
func (r *Recorder) TransferFailed() {
	r.incrementTransferEvent("failed")
	r.decrementGauge(&r.activeTransfers)
}

// TransferCanceled marks a cooperative cancellation observed by a worker.
func (r *Recorder) TransferCanceled() {
	r.incrementTransferEvent("canceled")
	r.decrementGauge(&r.activeTransfers)
}

func (r *Recorder) incrementTransferEvent(event string) {
	event = normalizeName(event)
	if event == "" {
		return
	}
	r.mu.Lock()
	r.transferEvents[event]++
	r.mu.Unlock()
}

// AddTransferBytes accumulates streamed bytes across all transfer jobs.
func (r *Recorder) AddTransferBytes(n int64) {
	if n > 0 {
		r.transferBytes.Add(n)
	}
}

// PoolConnectionOpened increments the open SSH connection gauge.
func (r *Recorder) PoolConnectionOpened() {
	r.poolOpen.Add(1)
}

// PoolConnectionClosed decrements the open SSH connection gauge.
func (r *Recorder) PoolConnectionClosed() {
	r.decrementGauge(&r.poolOpen)
}

// PoolExhausted counts acquisitions rejected because the per-host budget was
// saturated past the bounded wait.
func (r *Recorder) PoolExhausted() {
	r.poolExhaustedHit.Add(1)
}

// ObserveWowzaAttempt counts a media-server API call by operation.
func (r *Recorder) ObserveWowzaAttempt(operation string) {
	operation = normalizeName(operation)
	r.mu.Lock()
	r.wowzaAttempts[operation]++
	r.mu.Unlock()
}

// ObserveWowzaFailure counts a failed media-server API call by operation.
func (r *Recorder) ObserveWowzaFailure(operation string) {
	operation = normalizeName(operation)
	r.mu.Lock()
	r.wowzaFailures[operation]++
	r.mu.Unlock()
}

// ActiveSessions reports the current live session gauge value.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ConnectedRelays reports the current connected relay gauge value.
func (r *Recorder) ConnectedRelays() int64 {
	return r.connectedRelays.Load()
}

// OpenPoolConnections reports the current SSH pool gauge value.
func (r *Recorder) OpenPoolConnections() int64 {
	return r.poolOpen.Load()
}

// Reset clears every counter and gauge. It exists for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.relayAttempts = make(map[string]uint64)
	r.relayFailures = make(map[string]uint64)
	r.transferEvents = make(map[string]uint64)
	r.wowzaAttempts = make(map[string]uint64)
	r.wowzaFailures = make(map[string]uint64)
	r.mu.Unlock()
	r.activeSessions.Store(0)
	r.connectedRelays.Store(0)
	r.activeTransfers.Store(0)
	r.transferBytes.Store(0)
	r.poolOpen.Store(0)
	r.poolExhaustedHit.Store(0)
}

// Handler returns an http.Handler rendering the Prometheus text exposition.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	relayPlatforms := mergedKeys(r.relayAttempts, r.relayFailures)
	transferEvents := sortedKeys(r.transferEvents)
	wowzaOperations := mergedKeys(r.wowzaAttempts, r.wowzaFailures)

	fmt.Fprintln(w, "# HELP castpanel_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE castpanel_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "castpanel_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP castpanel_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE castpanel_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "castpanel_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP castpanel_session_events_total Broadcast session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE castpanel_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "castpanel_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP castpanel_active_sessions Current number of sessions in Starting or Live")
	fmt.Fprintln(w, "# TYPE castpanel_active_sessions gauge")
	fmt.Fprintf(w, "castpanel_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP castpanel_relay_attempts_total Relay connect attempts by platform")
	fmt.Fprintln(w, "# TYPE castpanel_relay_attempts_total counter")
	for _, platform := range relayPlatforms {
		fmt.Fprintf(w, "castpanel_relay_attempts_total{platform=\"%s\"} %d\n", platform, r.relayAttempts[platform])
	}

	fmt.Fprintln(w, "# HELP castpanel_relay_failures_total Failed relay connect attempts by platform")
	fmt.Fprintln(w, "# TYPE castpanel_relay_failures_total counter")
	for _, platform := range relayPlatforms {
		fmt.Fprintf(w, "castpanel_relay_failures_total{platform=\"%s\"} %d\n", platform, r.relayFailures[platform])
	}

	fmt.Fprintln(w, "# HELP castpanel_connected_relays Current number of relays in Connected state")
	fmt.Fprintln(w, "# TYPE castpanel_connected_relays gauge")
	fmt.Fprintf(w, "castpanel_connected_relays %d\n", r.connectedRelays.Load())

	fmt.Fprintln(w, "# HELP castpanel_transfer_events_total Transfer job lifecycle events by type")
	fmt.Fprintln(w, "# TYPE castpanel_transfer_events_total counter")
	for _, event := range transferEvents {
		fmt.Fprintf(w, "castpanel_transfer_events_total{event=\"%s\"} %d\n", event, r.transferEvents[event])
	}

	fmt.Fprintln(w, "# HELP castpanel_transfer_bytes_total Bytes streamed across all transfer jobs")
	fmt.Fprintln(w, "# TYPE castpanel_transfer_bytes_total counter")
	fmt.Fprintf(w, "castpanel_transfer_bytes_total %d\n", r.transferBytes.Load())

	fmt.Fprintln(w, "# HELP castpanel_active_transfers Current number of running transfer jobs")
	fmt.Fprintln(w, "# TYPE castpanel_active_transfers gauge")
	fmt.Fprintf(w, "castpanel_active_transfers %d\n", r.activeTransfers.Load())

	fmt.Fprintln(w, "# HELP castpanel_ssh_pool_open_connections Current number of open pooled SSH connections")
	fmt.Fprintln(w, "# TYPE castpanel_ssh_pool_open_connections gauge")
	fmt.Fprintf(w, "castpanel_ssh_pool_open_connections %d\n", r.poolOpen.Load())

	fmt.Fprintln(w, "# HELP castpanel_ssh_pool_exhausted_total Acquisitions rejected after the bounded pool wait")
	fmt.Fprintln(w, "# TYPE castpanel_ssh_pool_exhausted_total counter")
	fmt.Fprintf(w, "castpanel_ssh_pool_exhausted_total %d\n", r.poolExhaustedHit.Load())

	fmt.Fprintln(w, "# HELP castpanel_wowza_attempts_total Media server API calls attempted by operation")
	fmt.Fprintln(w, "# TYPE castpanel_wowza_attempts_total counter")
	for _, op := range wowzaOperations {
		fmt.Fprintf(w, "castpanel_wowza_attempts_total{operation=\"%s\"} %d\n", op, r.wowzaAttempts[op])
	}

	fmt.Fprintln(w, "# HELP castpanel_wowza_failures_total Media server API call failures by operation")
	fmt.Fprintln(w, "# TYPE castpanel_wowza_failures_total counter")
	for _, op := range wowzaOperations {
		fmt.Fprintf(w, "castpanel_wowza_failures_total{operation=\"%s\"} %d\n", op, r.wowzaFailures[op])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func mergedKeys(a, b map[string]uint64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for key := range a {
		seen[key] = struct{}{}
	}
	for key := range b {
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		if looksLikeIdentifier(segment) {
			segments[i] = ":id"
		}
	}
	normalized := strings.Join(segments, "/")
	if normalized == "" {
		return "/"
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) < 16 {
		return false
	}
	for _, r := range segment {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "unknown"
	}
	return name
}

// ObserveRequest records an HTTP request against the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// SessionStarted records a live transition against the default recorder.
func SessionStarted() {
	defaultRecorder.SessionStarted()
}

// SessionStopped records an orderly stop against the default recorder.
func SessionStopped() {
	defaultRecorder.SessionStopped()
}

// Handler exposes the default recorder's exposition endpoint.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
