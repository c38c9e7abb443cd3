// Package broadcast owns the live session lifecycle. Each account gets one
// serialized state machine: Idle, Starting, Live, Stopping, Stopped, with
// Error reachable from Starting and Live. Starting a session acquires an
// ingest endpoint from the media server and fans the feed out through the
// relay manager; relay outcomes are best-effort and never change session
// state. The package also exposes the read-side status projection polled by
// the panel.
package broadcast
