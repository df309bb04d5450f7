package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdikta/arbiter/internal/model"
	"github.com/verdikta/arbiter/internal/service/evaluate"
)

type stubEvaluator struct {
	mu    sync.Mutex
	reqs  []model.EvaluateRequest
	out   *evaluate.Outcome
	err   error
	panic bool
}

func (s *stubEvaluator) Evaluate(_ context.Context, req model.EvaluateRequest) (*evaluate.Outcome, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.panic {
		panic("evaluator blew up")
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.out, nil
}

func (s *stubEvaluator) lastReq(t *testing.T) model.EvaluateRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.reqs)
	return s.reqs[len(s.reqs)-1]
}

type stubStore struct {
	healthy bool
	states  map[string]string
}

func (s stubStore) Healthy() bool                    { return s.healthy }
func (s stubStore) GatewayStates() map[string]string { return s.states }

type stubProviders []string

func (s stubProviders) Names() []string { return s }

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }
func (denyLimiter) Close() error                                { return nil }

func successOutcome() *evaluate.Outcome {
	return &evaluate.Outcome{
		Status:           model.StatusSuccess,
		AggregatedScore:  []int64{700000, 300000},
		JustificationCID: "QmJust",
	}
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *stubEvaluator) {
	t.Helper()
	ev := &stubEvaluator{out: successOutcome()}
	cfg := Config{
		Evaluator:           ev,
		Store:               stubStore{healthy: true, states: map[string]string{"https://ipfs.io": "closed"}},
		Providers:           stubProviders{"openai"},
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:             "1.2.3",
		MaxRequestBodyBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), ev
}

func do(srv *Server, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "203.0.113.9:40312"
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) model.AdapterResponse {
	t.Helper()
	var resp model.AdapterResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestEvaluateSuccessEnvelope(t *testing.T) {
	srv, ev := newTestServer(t, nil)

	rec := do(srv, http.MethodPost, "/evaluate", `{"id":"42","data":{"cid":"QmPrimary"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeEnvelope(t, rec)
	assert.Equal(t, "42", resp.JobRunID)
	assert.Equal(t, model.StatusSuccess, resp.Status)
	assert.Equal(t, 200, resp.StatusCode)
	require.NotNil(t, resp.Data)
	assert.Equal(t, []int64{700000, 300000}, resp.Data.AggregatedScore)
	assert.Equal(t, "QmJust", resp.Data.JustificationCID)
	assert.Empty(t, resp.Data.CommitHash)
	assert.Nil(t, resp.Error)

	req := ev.lastReq(t)
	assert.Equal(t, "42", req.ID)
	assert.Equal(t, "QmPrimary", req.Data.CID)
	assert.Nil(t, req.Mode)
}

func TestEvaluateCommittedEnvelope(t *testing.T) {
	srv, ev := newTestServer(t, nil)
	ev.out = &evaluate.Outcome{
		Status:     model.StatusCommitted,
		CommitHash: "9f2b4c8d0e1a3b5c7d9e0f1a2b3c4d5e",
	}

	rec := do(srv, http.MethodPost, "/evaluate", `{"id":"42","data":{"cid":"QmPrimary"},"mode":"commit"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.Equal(t, model.StatusCommitted, resp.Status)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "9f2b4c8d0e1a3b5c7d9e0f1a2b3c4d5e", resp.Data.CommitHash)
	assert.Empty(t, resp.Data.AggregatedScore)
	assert.Empty(t, resp.Data.JustificationCID)

	req := ev.lastReq(t)
	require.NotNil(t, req.Mode)
	assert.True(t, req.Mode.Commit)
}

func TestEvaluateRevealModeDecoding(t *testing.T) {
	srv, ev := newTestServer(t, nil)

	rec := do(srv, http.MethodPost, "/evaluate",
		`{"id":"42","mode":{"reveal":"9f2b4c8d0e1a3b5c7d9e0f1a2b3c4d5e"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	req := ev.lastReq(t)
	require.NotNil(t, req.Mode)
	assert.False(t, req.Mode.Commit)
	assert.Equal(t, "9f2b4c8d0e1a3b5c7d9e0f1a2b3c4d5e", req.Mode.Reveal)
}

func TestEvaluateErrorEnvelopeStatusMapping(t *testing.T) {
	tests := []struct {
		kind       model.Kind
		wantStatus int
	}{
		{model.KindInvalidManifest, http.StatusBadRequest},
		{model.KindInsufficientModels, http.StatusBadRequest},
		{model.KindCommitNotFound, http.StatusNotFound},
		{model.KindRequestTimeout, http.StatusRequestTimeout},
		{model.KindAttachmentTooLarge, http.StatusRequestEntityTooLarge},
		{model.KindContentStoreDown, http.StatusBadGateway},
		{model.KindProviderAuth, http.StatusBadGateway},
		{model.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			srv, ev := newTestServer(t, nil)
			ev.out = nil
			ev.err = model.E(tt.kind, "boom")

			rec := do(srv, http.MethodPost, "/evaluate", `{"id":"42","data":{"cid":"QmX"}}`, nil)
			require.Equal(t, tt.wantStatus, rec.Code)

			resp := decodeEnvelope(t, rec)
			assert.Equal(t, "42", resp.JobRunID)
			assert.Equal(t, model.StatusErrored, resp.Status)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.kind, resp.Error.Kind)
			assert.Nil(t, resp.Data)
		})
	}
}

func TestEvaluateErrorDetailPassesThrough(t *testing.T) {
	srv, ev := newTestServer(t, nil)
	ev.out = nil
	ev.err = model.E(model.KindInsufficientModels, "2 of 3 jury slots failed, need 2 successes").
		WithDetail(map[string]any{"failures": []model.SlotFailure{
			{Slot: 1, Provider: "anthropic", Model: "claude-sonnet-4-5", Reason: "timed out after 2m0s"},
		}})

	rec := do(srv, http.MethodPost, "/evaluate", `{"id":"42","data":{"cid":"QmX"}}`, nil)
	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	detail, ok := resp.Error.Detail.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, detail, "failures")
}

func TestEvaluateMalformedBody(t *testing.T) {
	srv, ev := newTestServer(t, nil)

	rec := do(srv, http.MethodPost, "/evaluate", `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.Equal(t, model.StatusErrored, resp.Status)
	assert.Empty(t, resp.JobRunID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.KindInvalidRequest, resp.Error.Kind)

	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.Empty(t, ev.reqs)
}

func TestEvaluateMissingID(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(srv, http.MethodPost, "/evaluate", `{"data":{"cid":"QmX"}}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.KindInvalidRequest, resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, "id is required")
}

func TestEvaluateBodyCap(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) {
		cfg.MaxRequestBodyBytes = 64
	})

	big := `{"id":"42","data":{"cid":"` + strings.Repeat("Q", 256) + `"}}`
	rec := do(srv, http.MethodPost, "/evaluate", big, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.KindInvalidRequest, resp.Error.Kind)
	assert.Contains(t, resp.Error.Message, "exceeds 64 bytes")
}

func TestEvaluateUnknownFieldsTolerated(t *testing.T) {
	srv, ev := newTestServer(t, nil)

	body := `{"id":"42","data":{"cid":"QmX","meta":{"oracleRequest":true}},"responseURL":"http://node/cb"}`
	rec := do(srv, http.MethodPost, "/evaluate", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "QmX", ev.lastReq(t).Data.CID)
}

func TestEvaluateMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := do(srv, http.MethodGet, "/evaluate", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEvaluateRateLimited(t *testing.T) {
	srv, ev := newTestServer(t, func(cfg *Config) {
		cfg.Limiter = denyLimiter{}
	})

	rec := do(srv, http.MethodPost, "/evaluate", `{"id":"42","data":{"cid":"QmX"}}`, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	resp := decodeEnvelope(t, rec)
	assert.Equal(t, model.StatusErrored, resp.Status)

	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.Empty(t, ev.reqs)
}

func TestPanicRecovery(t *testing.T) {
	srv, ev := newTestServer(t, nil)
	ev.panic = true

	rec := do(srv, http.MethodPost, "/evaluate", `{"id":"42","data":{"cid":"QmX"}}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.Equal(t, model.StatusErrored, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.KindInternal, resp.Error.Kind)
}

func TestHealthAlwaysHealthy(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) {
		cfg.Store = stubStore{healthy: false}
		cfg.Providers = stubProviders{}
	})

	rec := do(srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestReadyReportsGatewayStates(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ReadyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, map[string]string{"https://ipfs.io": "closed"}, resp.Gateways)
}

func TestReadyDegradedWhenStoreUnhealthy(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) {
		cfg.Store = stubStore{healthy: false, states: map[string]string{"https://ipfs.io": "open"}}
	})

	rec := do(srv, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp model.ReadyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "open", resp.Gateways["https://ipfs.io"])
}

func TestReadyDegradedWithoutProviders(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) {
		cfg.Providers = stubProviders{}
	})

	rec := do(srv, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOpenAPISpec(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) {
		cfg.OpenAPISpec = []byte("openapi: 3.0.3\n")
	})

	rec := do(srv, http.MethodGet, "/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "openapi: 3.0.3\n", rec.Body.String())
}

func TestOpenAPISpecAbsent(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := do(srv, http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := do(srv, http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "req-abc"})
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))

	rec = do(srv, http.MethodGet, "/health", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := do(srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestExtraRoutesMounted(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) {
		cfg.ExtraRoutes = map[string]http.Handler{
			"GET /internal/debug": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			}),
		}
	})

	rec := do(srv, http.MethodGet, "/internal/debug", "", nil)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCallerMiddlewareWrapsChain(t *testing.T) {
	var sawRequestID string
	srv, _ := newTestServer(t, func(cfg *Config) {
		cfg.Middleware = []func(http.Handler) http.Handler{
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("X-Custom", "yes")
					next.ServeHTTP(w, r)
					// Runs outside requestIDMiddleware: the header is set
					// by the inner chain before the handler returns.
					sawRequestID = w.Header().Get("X-Request-ID")
				})
			},
		}
	})

	rec := do(srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, "yes", rec.Header().Get("X-Custom"))
	assert.NotEmpty(t, sawRequestID)
}
