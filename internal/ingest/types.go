package ingest

import "context"

// Endpoint is the ingest address handed to the broadcaster's encoder.
type Endpoint struct {
	RTMPURL    string `json:"rtmpUrl"`
	StreamName string `json:"streamName"`
	Bitrate    int    `json:"bitrate"`
}

// Telemetry is the live feed statistics reported by the media server.
type Telemetry struct {
	Viewers int `json:"viewers"`
	Bitrate int `json:"bitrate"`
}

// HealthStatus reports the reachability of the media server.
type HealthStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// Controller is the contract the orchestrator consumes. Implementations talk
// to the upstream media server; tests substitute deterministic fakes.
type Controller interface {
	AcquireEndpoint(ctx context.Context, accountID string) (Endpoint, error)
	ReleaseEndpoint(ctx context.Context, endpoint Endpoint) error
	Telemetry(ctx context.Context, accountID string) (Telemetry, error)
	Health(ctx context.Context) HealthStatus
}
