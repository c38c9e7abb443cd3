// Package ingest is the client for the upstream media-ingest server (a
// Wowza-style streaming engine) that terminates the broadcaster's feed.
//
// The panel never handles media itself. It asks the media server for an
// ingest endpoint when a session starts, releases it when the session stops,
// and queries live telemetry (viewers, bitrate) while the session is live.
// Those three operations form the Controller interface; the HTTP
// implementation authenticates with a bearer token and retries transient
// failures (network errors, 5xx, 429) with a bounded attempt count.
// Non-429 4xx responses are permanent failures and are not retried.
//
// Endpoint acquisition is the only synchronous step on the session start
// path, so every call takes a context and honours its deadline.
package ingest
