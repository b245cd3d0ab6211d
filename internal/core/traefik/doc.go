// Package traefik provides pure builders for Traefik-compatible routing
// configuration: router rule expressions, middleware definitions and the
// dynamic file-provider document.
//
// All functions are pure (no I/O, no side effects) and comply with ADR-002
// "Values as Boundaries". Publication of the generated document and
// triggering the proxy daemon to reload are shell concerns.
//
// # Builders
//
//   - Rule: fluent rule expression accumulator (Host, PathPrefix, ...)
//   - MiddlewareBuilder: structured middleware config accumulator
//   - BuildDocument: compose the dynamic configuration for route targets
//
// # Usage
//
//	rule := traefik.NewRule().
//	    Host("app.example.com").
//	    PathPrefix("/api").
//	    Build()
//	// "Host(`app.example.com`) && PathPrefix(`/api`)"
//
//	mw, err := traefik.NewMiddleware("app-ratelimit").
//	    RateLimit(100, 200).
//	    Build()
package traefik
