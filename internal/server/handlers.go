package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/verdikta/arbiter/internal/model"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	evaluator           Evaluator
	store               StoreHealth
	providers           ProviderDirectory
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): OpenAPISpec.
type HandlersDeps struct {
	Evaluator           Evaluator
	Store               StoreHealth
	Providers           ProviderDirectory
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		evaluator:           d.Evaluator,
		store:               d.Store,
		providers:           d.Providers,
		logger:              d.Logger,
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleEvaluate handles POST /evaluate: plain, commit, and reveal
// requests all land here and leave as adapter envelopes.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, err)
		return
	}
	if req.ID == "" {
		writeError(w, "", model.E(model.KindInvalidRequest, "id is required"))
		return
	}

	out, err := h.evaluator.Evaluate(r.Context(), req)
	if err != nil {
		writeError(w, req.ID, model.AsError(err))
		return
	}

	var resp model.AdapterResponse
	switch out.Status {
	case model.StatusCommitted:
		resp = model.NewCommittedResponse(req.ID, out.CommitHash)
	default:
		resp = model.NewSuccessResponse(req.ID, out.AggregatedScore, out.JustificationCID)
	}
	writeEnvelope(w, resp)
}

// HandleHealth handles GET /health. Liveness only: a process that can
// answer is healthy.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	})
}

// HandleReady handles GET /ready. Ready means at least one content-store
// gateway circuit is closed and at least one provider is configured;
// anything less answers 503 so the bridge can route around this node.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	httpStatus := http.StatusOK

	if !h.store.Healthy() {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	if len(h.providers.Names()) == 0 {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, model.ReadyResponse{
		Status:    status,
		Gateways:  h.store.GatewayStates(),
		Timestamp: time.Now().UTC(),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
