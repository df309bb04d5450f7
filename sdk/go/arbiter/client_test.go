package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the arbiter API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestEvaluateReturnsVerdict(t *testing.T) {
	var received map[string]any
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /evaluate": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			writeJSON(w, http.StatusOK, adapterResponse{
				JobRunID:   "job-7",
				StatusCode: 200,
				Status:     "success",
				Data: &resultData{
					AggregatedScore:  []int64{700000, 300000},
					JustificationCID: "QmJust",
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	verdict, err := client.Evaluate(context.Background(), "job-7", "QmPrimary:2009.67")
	require.NoError(t, err)

	assert.Equal(t, "job-7", verdict.JobRunID)
	assert.Equal(t, []int64{700000, 300000}, verdict.AggregatedScore)
	assert.Equal(t, "QmJust", verdict.JustificationCID)

	assert.Equal(t, "job-7", received["id"])
	data, ok := received["data"].(map[string]any)
	require.True(t, ok, "data must be an object")
	assert.Equal(t, "QmPrimary:2009.67", data["cid"])
	_, hasMode := received["mode"]
	assert.False(t, hasMode, "plain evaluate must not send a mode")
}

func TestCommitSendsCommitMode(t *testing.T) {
	var received map[string]any
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /evaluate": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			writeJSON(w, http.StatusOK, adapterResponse{
				JobRunID:   "job-8",
				StatusCode: 200,
				Status:     "committed",
				Data:       &resultData{CommitHash: "4f2a9c1d0b8e7a6f5d4c3b2a1f0e9d8c"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	commitment, err := client.Commit(context.Background(), "job-8", "QmPrimary")
	require.NoError(t, err)

	assert.Equal(t, "commit", received["mode"])
	assert.Equal(t, "job-8", commitment.JobRunID)
	assert.Equal(t, "4f2a9c1d0b8e7a6f5d4c3b2a1f0e9d8c", commitment.CommitHash)
}

func TestRevealSendsHash(t *testing.T) {
	var received map[string]any
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /evaluate": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			writeJSON(w, http.StatusOK, adapterResponse{
				JobRunID:   "job-8",
				StatusCode: 200,
				Status:     "success",
				Data: &resultData{
					AggregatedScore:  []int64{1000000, 0},
					JustificationCID: "QmRevealed",
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	verdict, err := client.Reveal(context.Background(), "job-8", "QmPrimary", "4f2a9c1d0b8e7a6f5d4c3b2a1f0e9d8c")
	require.NoError(t, err)

	mode, ok := received["mode"].(map[string]any)
	require.True(t, ok, "reveal mode must be an object")
	assert.Equal(t, "4f2a9c1d0b8e7a6f5d4c3b2a1f0e9d8c", mode["reveal"])
	assert.Equal(t, []int64{1000000, 0}, verdict.AggregatedScore)
	assert.Equal(t, "QmRevealed", verdict.JustificationCID)
}

func TestErroredEnvelopeBecomesError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /evaluate": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, adapterResponse{
				JobRunID:   "job-9",
				StatusCode: 400,
				Status:     "errored",
				Error: &errorDetail{
					Kind:    KindInvalidManifest,
					Message: "primary manifest: outcomes must be non-empty",
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Evaluate(context.Background(), "job-9", "QmBadManifest")
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, KindInvalidManifest, apiErr.Kind)
	assert.Contains(t, apiErr.Message, "outcomes")
	assert.True(t, IsKind(err, KindInvalidManifest))
	assert.False(t, IsCommitNotFound(err))
}

func TestInsufficientModelsDetailPassesThrough(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /evaluate": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, adapterResponse{
				JobRunID:   "job-10",
				StatusCode: 400,
				Status:     "errored",
				Error: &errorDetail{
					Kind:    KindInsufficientModels,
					Message: "1 of 3 jury models responded, need at least 2",
					Detail: map[string]any{
						"failures": []map[string]any{
							{"slot": 1, "provider": "openai", "model": "gpt-4o", "reason": "timeout"},
							{"slot": 2, "provider": "anthropic", "model": "claude-sonnet-4-0", "reason": "timeout"},
						},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Evaluate(context.Background(), "job-10", "QmSlowJury")
	require.True(t, IsInsufficientModels(err))

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	detail, ok := apiErr.Detail.(map[string]any)
	require.True(t, ok, "detail must decode as an object")
	failures, ok := detail["failures"].([]any)
	require.True(t, ok)
	assert.Len(t, failures, 2)
}

func TestRevealUnknownHash(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /evaluate": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, adapterResponse{
				JobRunID:   "job-11",
				StatusCode: 404,
				Status:     "errored",
				Error: &errorDetail{
					Kind:    KindCommitNotFound,
					Message: "no commitment for hash",
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Reveal(context.Background(), "job-11", "QmPrimary", "ffffffffffffffffffffffffffffffff")
	assert.True(t, IsCommitNotFound(err))
}

func TestRateLimitedEnvelope(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /evaluate": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, adapterResponse{
				StatusCode: 429,
				Status:     "errored",
				Error:      &errorDetail{Kind: KindRateLimited, Message: "too many requests"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Evaluate(context.Background(), "job-12", "QmPrimary")
	assert.True(t, IsRateLimited(err))
}

func TestNonEnvelopeBodyWrapped(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /evaluate": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("<html>upstream unreachable</html>"))
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Evaluate(context.Background(), "job-13", "QmPrimary")
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "Bad Gateway", apiErr.Kind)
	assert.Contains(t, apiErr.Message, "upstream unreachable")
}

func TestHealth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, Health{
				Status:    "healthy",
				Timestamp: time.Now().UTC(),
				Version:   "1.2.3",
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
}

func TestReadyDegradedStillDecodes(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /ready": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, Readiness{
				Status: "degraded",
				Gateways: map[string]string{
					"https://ipfs.io":              "open",
					"https://gateway.pinata.cloud": "open",
					"https://cloudflare-ipfs.com":  "open",
				},
				Timestamp: time.Now().UTC(),
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ready, err := client.Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", ready.Status)
	assert.Equal(t, "open", ready.Gateways["https://ipfs.io"])
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://localhost:8080/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL)
}
