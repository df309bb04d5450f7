package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/verdikta/arbiter/internal/model"
)

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func (s *stubLimiter) Close() error { return nil }

func serve(t *testing.T, limiter Limiter, keyFunc KeyFunc) *httptest.ResponseRecorder {
	t.Helper()
	handler := Middleware(limiter, keyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/evaluate", nil)
	req.RemoteAddr = "203.0.113.7:51431"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewarePassesAllowedRequests(t *testing.T) {
	lim := &stubLimiter{allow: true}
	rec := serve(t, lim, IPKeyFunc)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(lim.keys) != 1 || lim.keys[0] != "203.0.113.7" {
		t.Fatalf("limiter keys = %v, want [203.0.113.7]", lim.keys)
	}
}

func TestMiddlewareRejectsWithAdapterEnvelope(t *testing.T) {
	rec := serve(t, &stubLimiter{allow: false}, IPKeyFunc)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q, want \"1\"", got)
	}

	var resp model.AdapterResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Status != model.StatusErrored {
		t.Fatalf("status = %q, want errored", resp.Status)
	}
	if resp.Error == nil || resp.Error.Kind != kindRateLimited {
		t.Fatalf("error = %+v, want kind RATE_LIMITED", resp.Error)
	}
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	rec := serve(t, &stubLimiter{allow: false, err: errors.New("bucket exploded")}, IPKeyFunc)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (fail-open)", rec.Code)
	}
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	lim := &stubLimiter{allow: false}
	rec := serve(t, lim, func(*http.Request) string { return "" })

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(lim.keys) != 0 {
		t.Fatalf("limiter consulted for skipped request: %v", lim.keys)
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	rec := serve(t, nil, IPKeyFunc)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestIPKeyFuncStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:8080"
	if got := IPKeyFunc(req); got != "198.51.100.4" {
		t.Fatalf("IPKeyFunc = %q, want 198.51.100.4", got)
	}

	req.RemoteAddr = "198.51.100.4"
	if got := IPKeyFunc(req); got != "198.51.100.4" {
		t.Fatalf("IPKeyFunc without port = %q", got)
	}
}
