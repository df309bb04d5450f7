// Package arbiter is the public API for embedding the Verdikta arbiter node.
//
// Node operators who need a custom model backend, verdict delivery, or a
// shared commit store import this package to construct and extend the
// server without forking it:
//
//	app, err := arbiter.New(
//	    arbiter.WithVersion(version),
//	    arbiter.WithLogger(logger),
//	    arbiter.WithVerdictHook(myLedgerHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: arbiter (root) imports
// internal/*, but internal/* never imports arbiter (root). Public types
// (Verdict, Attachment, CommitRecord) are standalone structs with no
// internal imports; the adapters live here because this is the only file
// that sees both sides of the boundary.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/verdikta/arbiter/api"
	"github.com/verdikta/arbiter/internal/attachments"
	"github.com/verdikta/arbiter/internal/commit"
	"github.com/verdikta/arbiter/internal/compose"
	"github.com/verdikta/arbiter/internal/config"
	"github.com/verdikta/arbiter/internal/ipfs"
	"github.com/verdikta/arbiter/internal/jury"
	"github.com/verdikta/arbiter/internal/manifest"
	"github.com/verdikta/arbiter/internal/mcp"
	"github.com/verdikta/arbiter/internal/model"
	"github.com/verdikta/arbiter/internal/provider"
	"github.com/verdikta/arbiter/internal/ratelimit"
	"github.com/verdikta/arbiter/internal/server"
	"github.com/verdikta/arbiter/internal/service/evaluate"
	"github.com/verdikta/arbiter/internal/telemetry"
)

// App is the arbiter server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        *ipfs.Client
	registry     *provider.Registry
	commits      commit.Store
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the arbiter. It wires the content store, the provider
// registry, the jury engine, and the HTTP surface, and returns a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections. Call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("arbiter starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Content store.
	store, err := ipfs.New(ipfs.Options{
		Gateways:       cfg.Gateways,
		PinningService: cfg.PinningService,
		PinningKey:     cfg.PinningKey,
		Attempts:       cfg.FetchAttempts,
		AttemptTimeout: cfg.FetchTimeout,
	}, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("content store: %w", err)
	}

	// Capability matrix.
	matrix, err := provider.LoadMatrix(cfg.CapabilitiesPath)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("capabilities: %w", err)
	}

	// Provider registry: one adapter per configured vendor, plus any
	// generators registered through WithGenerator.
	registry := provider.NewRegistry(cfg.ProviderConcurrency, logger)
	registerProviders(registry, matrix, cfg, logger)
	for _, g := range o.generators {
		registry.Register(&generatorAdapter{gen: g, matrix: matrix})
		logger.Info("provider configured", "name", g.Name(), "source", "custom")
	}
	if len(registry.Names()) == 0 {
		logger.Warn("no providers configured, every deliberation will fail quorum",
			"hint", "set OPENAI_API_KEY, ANTHROPIC_API_KEY, XAI_API_KEY, or run Ollama")
	}

	// Jury engine. The justifier reference was validated by config.Load.
	justifierProvider, justifierModel, err := config.SplitModelRef(cfg.JustifierModel)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("justifier model: %w", err)
	}
	engine := jury.New(registry, jury.Config{
		SlotTimeout:       cfg.ModelTimeout,
		JustifierTimeout:  cfg.JustificationTimeout,
		MinSuccessPercent: cfg.MinSuccessPercent,
		JustifierProvider: justifierProvider,
		JustifierModel:    justifierModel,
	}, logger)

	// Commit store. An external override takes priority over the
	// configured backend.
	var commits commit.Store
	switch {
	case o.commitStore != nil:
		commits = &commitStoreAdapter{store: o.commitStore}
		logger.Info("commit store: external")
	case cfg.CommitStoreMode == "file":
		commits = commit.NewFile(cfg.CommitStorePath, logger)
		logger.Info("commit store: file", "path", cfg.CommitStorePath)
	default:
		commits = commit.NewMemory()
		logger.Info("commit store: memory (pending commits do not survive a restart)")
	}

	// Adapt verdict hooks from the public interface to the internal func
	// type. Each call gets its own bounded context so a stuck hook cannot
	// pin the notifier goroutine forever.
	var hooks []evaluate.VerdictHook
	for _, h := range o.verdictHooks {
		hooks = append(hooks, func(jobID string, scores []int64, justificationCID string) error {
			hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return h.OnVerdict(hookCtx, Verdict{
				JobID:            jobID,
				AggregatedScore:  scores,
				JustificationCID: justificationCID,
			})
		})
	}

	// Evaluate orchestrator.
	svc := evaluate.New(evaluate.Deps{
		Store:    store,
		Parser:   manifest.New(store, logger),
		Composer: compose.New(logger),
		Attach:   attachments.New(matrix, logger),
		Jury:     engine,
		Commits:  commits,
		Hooks:    hooks,
	}, evaluate.Config{
		RequestTimeout: cfg.RequestTimeout,
		ScratchDir:     cfg.ScratchDir,
	}, logger)

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server.
	mcpSrv := mcp.New(svc, store, registry, logger, version)

	// Adapt middlewares from arbiter.Middleware to the internal shape.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	// Create HTTP server.
	srv := server.New(server.Config{
		Evaluator:           svc,
		Store:               store,
		Providers:           registry,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         o.extraRoutes,
		Middleware:          middlewares,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		registry:     registry,
		commits:      commits,
		limiter:      limiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the commit purge loop and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically. Callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go a.commitPurgeLoop(ctx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight deliberations, then release the limiter and the OTEL
// provider. A deliberation that outlives the drain window is cut off with
// it; commit-reveal state survives in the configured store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("arbiter shutting down")

	// HTTP drain.
	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	// Cleanup.
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("arbiter stopped")
	return nil
}

// commitPurgeLoop sweeps expired commitments so an abandoned commit phase
// cannot grow the store without bound.
func (a *App) commitPurgeLoop(ctx context.Context) {
	if a.cfg.CommitPurgeInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.CommitPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := a.commits.PurgeStale(a.cfg.CommitTTL)
			if err != nil {
				a.logger.Warn("commit purge failed", "error", err)
				continue
			}
			if purged > 0 {
				a.logger.Info("purged expired commitments", "count", purged, "ttl", a.cfg.CommitTTL)
			}
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// generatorAdapter wraps an arbiter.Generator to satisfy provider.Provider.
// Capability lookups go through the shared matrix, so a custom backend
// gains vision or native document support by declaring its models there.
type generatorAdapter struct {
	gen    Generator
	matrix *provider.Matrix
}

func (a *generatorAdapter) Name() string { return a.gen.Name() }

func (a *generatorAdapter) Capabilities(mdl string) provider.Capabilities {
	return a.matrix.Lookup(a.gen.Name(), mdl)
}

func (a *generatorAdapter) Generate(ctx context.Context, mdl, prompt string, _ provider.Options) (string, error) {
	return a.gen.Generate(ctx, mdl, prompt, nil)
}

func (a *generatorAdapter) GenerateWithAttachments(ctx context.Context, mdl, prompt string, atts []model.Attachment, _ provider.Options) (string, error) {
	return a.gen.Generate(ctx, mdl, prompt, toPublicAttachments(atts))
}

// commitStoreAdapter wraps an arbiter.CommitStore to satisfy commit.Store.
// It converts internal entries to public records at the boundary.
type commitStoreAdapter struct {
	store CommitStore
}

func (a *commitStoreAdapter) Save(hash string, e commit.Entry) error {
	return a.store.Save(hash, CommitRecord{
		AggregatedScore:  e.Payload.AggregatedScore,
		Justification:    e.Payload.Justification,
		JustificationCID: e.Payload.JustificationCID,
		Created:          e.Created,
	})
}

func (a *commitStoreAdapter) Get(hash string) (commit.Entry, bool) {
	rec, ok := a.store.Get(hash)
	if !ok {
		return commit.Entry{}, false
	}
	return commit.Entry{
		Payload: model.CommitPayload{
			AggregatedScore:  rec.AggregatedScore,
			Justification:    rec.Justification,
			JustificationCID: rec.JustificationCID,
		},
		Created: rec.Created,
	}, true
}

func (a *commitStoreAdapter) Delete(hash string) error { return a.store.Delete(hash) }

func (a *commitStoreAdapter) PurgeStale(maxAge time.Duration) (int, error) {
	return a.store.PurgeStale(maxAge)
}

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicAttachments converts internal attachments to the public shape.
// Lives here because this is the only file that imports both sides of the
// boundary.
func toPublicAttachments(atts []model.Attachment) []Attachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]Attachment, len(atts))
	for i, att := range atts {
		out[i] = Attachment{
			Kind:      att.Kind,
			Name:      att.Name,
			MediaType: att.MediaType,
			Content:   att.Content,
		}
	}
	return out
}

// ── Helpers ────────────────────────────────────────────────────────────────────

func registerProviders(registry *provider.Registry, matrix *provider.Matrix, cfg config.Config, logger *slog.Logger) {
	if cfg.OpenAIAPIKey != "" {
		registry.Register(provider.NewOpenAI(matrix, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, logger))
		logger.Info("provider configured", "name", "openai")
	}
	if cfg.AnthropicAPIKey != "" {
		registry.Register(provider.NewAnthropic(matrix, cfg.AnthropicAPIKey, logger))
		logger.Info("provider configured", "name", "anthropic")
	}
	if cfg.XAIAPIKey != "" {
		registry.Register(provider.NewXAI(matrix, cfg.XAIAPIKey, cfg.XAIBaseURL, logger))
		logger.Info("provider configured", "name", "xai")
	}
	if ollamaReachable(cfg.OllamaBaseURL) {
		registry.Register(provider.NewOllama(matrix, cfg.OllamaBaseURL, logger))
		logger.Info("provider configured", "name", "ollama", "url", cfg.OllamaBaseURL)
	} else {
		logger.Info("ollama: not reachable, skipping", "url", cfg.OllamaBaseURL)
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
