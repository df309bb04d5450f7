package arbiter

import (
	"log/slog"
	"net/http"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported. Callers use the With* functions.
type resolvedOptions struct {
	port         int
	logger       *slog.Logger
	version      string
	generators   []Generator
	verdictHooks []VerdictHook
	commitStore  CommitStore
	extraRoutes  map[string]http.Handler
	middlewares  []Middleware
}

// WithPort overrides the TCP port from config (ARBITER_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithGenerator registers a custom model backend alongside the built-in
// providers. Manifests select it by name in a jury entry's AI_PROVIDER
// field. Multiple generators may be registered; a generator whose name
// collides with a built-in provider replaces it.
func WithGenerator(g Generator) Option {
	return func(o *resolvedOptions) { o.generators = append(o.generators, g) }
}

// WithVerdictHook registers a hook fired after every successful
// deliberation. Multiple hooks may be registered; all registered hooks
// receive every verdict.
func WithVerdictHook(h VerdictHook) Option {
	return func(o *resolvedOptions) { o.verdictHooks = append(o.verdictHooks, h) }
}

// WithCommitStore replaces the configured commit-reveal store (memory or
// file per ARBITER_COMMIT_STORE). Only the last call wins.
func WithCommitStore(cs CommitStore) Option {
	return func(o *resolvedOptions) { o.commitStore = cs }
}

// WithExtraRoute mounts an additional handler on the shared HTTP mux.
// The pattern uses http.ServeMux syntax ("GET /custom"). Extra routes
// share the middleware chain with the built-in routes but bypass the
// evaluate rate limiter.
func WithExtraRoute(pattern string, handler http.Handler) Option {
	return func(o *resolvedOptions) {
		if o.extraRoutes == nil {
			o.extraRoutes = make(map[string]http.Handler)
		}
		o.extraRoutes[pattern] = handler
	}
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
