package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/verdikta/arbiter/internal/model"
	"github.com/verdikta/arbiter/internal/service/evaluate"
)

type stubEvaluator struct {
	mu   sync.Mutex
	reqs []model.EvaluateRequest
	out  *evaluate.Outcome
	err  error
}

func (s *stubEvaluator) Evaluate(_ context.Context, req model.EvaluateRequest) (*evaluate.Outcome, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
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

func newTestServer(ev *stubEvaluator, store stubStore, providers stubProviders) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(ev, store, providers, logger, "test")
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func decodeEnvelope(t *testing.T, result *mcplib.CallToolResult) model.AdapterResponse {
	t.Helper()
	var resp model.AdapterResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	return resp
}

func TestEvaluateToolReturnsEnvelope(t *testing.T) {
	ev := &stubEvaluator{out: &evaluate.Outcome{
		Status:           model.StatusSuccess,
		AggregatedScore:  []int64{600000, 400000},
		JustificationCID: "QmJust",
	}}
	srv := newTestServer(ev, stubStore{healthy: true}, stubProviders{"openai"})

	result, err := srv.handleEvaluate(context.Background(), callRequest("arbiter_evaluate", map[string]any{
		"cid": "QmPrimary:2009.67",
		"id":  "job-42",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	resp := decodeEnvelope(t, result)
	assert.Equal(t, "job-42", resp.JobRunID)
	assert.Equal(t, model.StatusSuccess, resp.Status)
	require.NotNil(t, resp.Data)
	assert.Equal(t, []int64{600000, 400000}, resp.Data.AggregatedScore)
	assert.Equal(t, "QmJust", resp.Data.JustificationCID)

	req := ev.lastReq(t)
	assert.Equal(t, "QmPrimary:2009.67", req.Data.CID)
	assert.Nil(t, req.Mode)
}

func TestEvaluateToolGeneratesID(t *testing.T) {
	ev := &stubEvaluator{out: &evaluate.Outcome{Status: model.StatusSuccess}}
	srv := newTestServer(ev, stubStore{healthy: true}, stubProviders{"openai"})

	_, err := srv.handleEvaluate(context.Background(), callRequest("arbiter_evaluate", map[string]any{
		"cid": "QmPrimary",
	}))
	require.NoError(t, err)
	assert.NotEmpty(t, ev.lastReq(t).ID)
}

func TestEvaluateToolCommitMode(t *testing.T) {
	ev := &stubEvaluator{out: &evaluate.Outcome{
		Status:     model.StatusCommitted,
		CommitHash: "9f2b4c8d0e1a3b5c7d9e0f1a2b3c4d5e",
	}}
	srv := newTestServer(ev, stubStore{healthy: true}, stubProviders{"openai"})

	result, err := srv.handleEvaluate(context.Background(), callRequest("arbiter_evaluate", map[string]any{
		"cid":    "QmPrimary",
		"commit": true,
	}))
	require.NoError(t, err)

	req := ev.lastReq(t)
	require.NotNil(t, req.Mode)
	assert.True(t, req.Mode.Commit)

	resp := decodeEnvelope(t, result)
	assert.Equal(t, model.StatusCommitted, resp.Status)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "9f2b4c8d0e1a3b5c7d9e0f1a2b3c4d5e", resp.Data.CommitHash)
}

func TestEvaluateToolMissingCID(t *testing.T) {
	ev := &stubEvaluator{}
	srv := newTestServer(ev, stubStore{healthy: true}, stubProviders{"openai"})

	result, err := srv.handleEvaluate(context.Background(), callRequest("arbiter_evaluate", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "cid is required")

	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.Empty(t, ev.reqs)
}

func TestEvaluateToolErrorEnvelope(t *testing.T) {
	ev := &stubEvaluator{err: model.E(model.KindInvalidManifest, "manifest.json failed validation")}
	srv := newTestServer(ev, stubStore{healthy: true}, stubProviders{"openai"})

	result, err := srv.handleEvaluate(context.Background(), callRequest("arbiter_evaluate", map[string]any{
		"cid": "QmPrimary",
		"id":  "job-9",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	resp := decodeEnvelope(t, result)
	assert.Equal(t, "job-9", resp.JobRunID)
	assert.Equal(t, model.StatusErrored, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.KindInvalidManifest, resp.Error.Kind)
}

func TestRevealTool(t *testing.T) {
	ev := &stubEvaluator{out: &evaluate.Outcome{
		Status:           model.StatusSuccess,
		AggregatedScore:  []int64{1000000, 0},
		JustificationCID: "QmJust",
	}}
	srv := newTestServer(ev, stubStore{healthy: true}, stubProviders{"openai"})

	result, err := srv.handleReveal(context.Background(), callRequest("arbiter_reveal", map[string]any{
		"commit_hash": "9f2b4c8d0e1a3b5c7d9e0f1a2b3c4d5e",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	req := ev.lastReq(t)
	require.NotNil(t, req.Mode)
	assert.Equal(t, "9f2b4c8d0e1a3b5c7d9e0f1a2b3c4d5e", req.Mode.Reveal)

	resp := decodeEnvelope(t, result)
	assert.Equal(t, []int64{1000000, 0}, resp.Data.AggregatedScore)
}

func TestRevealToolMissingHash(t *testing.T) {
	srv := newTestServer(&stubEvaluator{}, stubStore{healthy: true}, stubProviders{"openai"})

	result, err := srv.handleReveal(context.Background(), callRequest("arbiter_reveal", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "commit_hash is required")
}

func TestStatusTool(t *testing.T) {
	srv := newTestServer(&stubEvaluator{},
		stubStore{healthy: true, states: map[string]string{"https://ipfs.io": "closed"}},
		stubProviders{"anthropic", "openai"})

	result, err := srv.handleStatus(context.Background(), callRequest("arbiter_status", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var status struct {
		Status    string            `json:"status"`
		Version   string            `json:"version"`
		Gateways  map[string]string `json:"gateways"`
		Providers []string          `json:"providers"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &status))
	assert.Equal(t, "ready", status.Status)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, "closed", status.Gateways["https://ipfs.io"])
	assert.Equal(t, []string{"anthropic", "openai"}, status.Providers)
}

func TestStatusToolDegraded(t *testing.T) {
	srv := newTestServer(&stubEvaluator{}, stubStore{healthy: false}, stubProviders{"openai"})

	result, err := srv.handleStatus(context.Background(), callRequest("arbiter_status", nil))
	require.NoError(t, err)

	var status struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &status))
	assert.Equal(t, "degraded", status.Status)
}
