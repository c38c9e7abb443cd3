// Package server hosts the CastPanel control API behind a single HTTP
// server.
//
// The server builds a consistent middleware chain of request IDs, security
// headers, CORS, audit, metrics, rate limiting, and auth so handlers all
// share common protections and instrumentation.
package server
