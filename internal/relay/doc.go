// Package relay fans a live session's feed out to third-party streaming
// platforms. Each enabled platform target gets one independent connect task
// with exponential backoff bounded by a maximum attempt count, a periodic
// liveness heartbeat once connected, and cooperative cancellation observed at
// checkpoints. Target failures never propagate to the session.
package relay
