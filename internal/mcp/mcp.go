// Package mcp implements the Model Context Protocol server for the
// arbiter.
//
// The MCP server exposes the adapter's capabilities as tools, so
// MCP-compatible agents can submit disputes, reveal commitments, and
// inspect node status through the same engine the HTTP surface uses.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/verdikta/arbiter/internal/model"
	"github.com/verdikta/arbiter/internal/service/evaluate"
)

// Evaluator runs one arbitration request. Satisfied by the evaluate
// service.
type Evaluator interface {
	Evaluate(ctx context.Context, req model.EvaluateRequest) (*evaluate.Outcome, error)
}

// StoreHealth reports the content-store gateway circuit states.
type StoreHealth interface {
	Healthy() bool
	GatewayStates() map[string]string
}

// ProviderDirectory lists the configured model backends.
type ProviderDirectory interface {
	Names() []string
}

// Server wraps the MCP server with the arbiter's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	evaluator Evaluator
	store     StoreHealth
	providers ProviderDirectory
	logger    *slog.Logger
	version   string
}

// New creates and configures a new MCP server with all tools registered.
func New(evaluator Evaluator, store StoreHealth, providers ProviderDirectory, logger *slog.Logger, version string) *Server {
	s := &Server{
		evaluator: evaluator,
		store:     store,
		providers: providers,
		logger:    logger,
		version:   version,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"arbiter",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// arbiter_evaluate — run a full deliberation over a CID expression.
	s.mcpServer.AddTool(
		mcplib.NewTool("arbiter_evaluate",
			mcplib.WithDescription("Evaluate a dispute: resolve the CID expression, run the jury, and return the aggregated verdict. Set commit=true to withhold the result behind a commitment hash."),
			mcplib.WithString("cid", mcplib.Description("CID expression: cid1[,cid2...][:addendum]"), mcplib.Required()),
			mcplib.WithBoolean("commit", mcplib.Description("Withhold the verdict and return only the commitment hash")),
			mcplib.WithString("id", mcplib.Description("Correlation identifier; generated when omitted")),
		),
		s.handleEvaluate,
	)

	// arbiter_reveal — reveal a previously committed verdict.
	s.mcpServer.AddTool(
		mcplib.NewTool("arbiter_reveal",
			mcplib.WithDescription("Reveal the verdict behind a commitment hash from an earlier commit-mode evaluation"),
			mcplib.WithString("commit_hash", mcplib.Description("32-character hex commitment hash"), mcplib.Required()),
			mcplib.WithString("id", mcplib.Description("Correlation identifier; generated when omitted")),
		),
		s.handleReveal,
	)

	// arbiter_status — node readiness snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("arbiter_status",
			mcplib.WithDescription("Report gateway circuit states and configured providers for this arbiter node"),
		),
		s.handleStatus,
	)
}

func (s *Server) handleEvaluate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	cid := request.GetString("cid", "")
	if cid == "" {
		return errorResult("cid is required"), nil
	}

	req := model.EvaluateRequest{
		ID:   requestID(request),
		Data: model.RequestData{CID: cid},
	}
	if request.GetBool("commit", false) {
		req.Mode = &model.Mode{Commit: true}
	}
	return s.run(ctx, req)
}

func (s *Server) handleReveal(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	hash := request.GetString("commit_hash", "")
	if hash == "" {
		return errorResult("commit_hash is required"), nil
	}

	return s.run(ctx, model.EvaluateRequest{
		ID:   requestID(request),
		Mode: &model.Mode{Reveal: hash},
	})
}

// run executes the request and shapes the outcome exactly like the HTTP
// surface, so agents and the Chainlink bridge see the same envelopes.
func (s *Server) run(ctx context.Context, req model.EvaluateRequest) (*mcplib.CallToolResult, error) {
	out, err := s.evaluator.Evaluate(ctx, req)
	if err != nil {
		s.logger.Warn("mcp: evaluate failed", "job_id", req.ID, "error", err)
		return envelopeResult(model.NewErrorResponse(req.ID, model.AsError(err)), true), nil
	}

	switch out.Status {
	case model.StatusCommitted:
		return envelopeResult(model.NewCommittedResponse(req.ID, out.CommitHash), false), nil
	default:
		return envelopeResult(model.NewSuccessResponse(req.ID, out.AggregatedScore, out.JustificationCID), false), nil
	}
}

func (s *Server) handleStatus(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status := "ready"
	if !s.store.Healthy() || len(s.providers.Names()) == 0 {
		status = "degraded"
	}

	data, err := json.MarshalIndent(map[string]any{
		"status":    status,
		"version":   s.version,
		"gateways":  s.store.GatewayStates(),
		"providers": s.providers.Names(),
	}, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal status: %v", err)), nil
	}
	return textResult(string(data)), nil
}

// requestID honors a caller-supplied correlation id and generates one
// otherwise, so every envelope carries a usable jobRunID.
func requestID(request mcplib.CallToolRequest) string {
	if id := request.GetString("id", ""); id != "" {
		return id
	}
	return uuid.NewString()
}

func envelopeResult(resp model.AdapterResponse, isError bool) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal envelope: %v", err))
	}
	result := textResult(string(data))
	result.IsError = isError
	return result
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
