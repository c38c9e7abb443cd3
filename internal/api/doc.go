// Package api hosts the HTTP handlers that front the CastPanel REST API.
//
// The handlers assembled by Handler coordinate request validation, session
// awareness, and response shaping while delegating session lifecycle to the
// broadcast orchestrator, job scheduling to the transfer manager, and
// persistence to storage.Repository implementations injected at
// construction time. The package does not reach for globals or singletons
// and expects callers to supply fully configured dependencies.
//
// The three stream endpoints keep the legacy panel's wire shapes, down to
// the Portuguese "titulo" field the original UI binds to. New routes should
// not copy that contract; it exists for compatibility with deployed
// frontends.
//
// Handler implementations assume upstream middleware from internal/server
// has already enforced authentication, rate limiting, metrics, and logging
// concerns. New routes should preserve that contract by avoiding duplicate
// validation and by leaning on the middleware guarantees established in the
// server stack.
package api
