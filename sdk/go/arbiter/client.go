package arbiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the arbiter (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default
	// client with the configured Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests when HTTPClient is nil.
	// Defaults to 5 minutes; a full deliberation routinely runs for
	// minutes, so the usual 30-second client default would cut it off.
	Timeout time.Duration
}

// Client is an HTTP client for the arbiter's external adapter API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("arbiter: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: baseURL,
		client:  httpClient,
	}, nil
}

// Evaluate runs a full deliberation for the given CID expression and
// returns the verdict. The expression is "cid1[,cid2...][:addendum]";
// jobID correlates the request with the on-chain job run.
func (c *Client) Evaluate(ctx context.Context, jobID, cidExpr string) (*Verdict, error) {
	env, err := c.evaluate(ctx, evaluateRequest{ID: jobID, Data: requestData{CID: cidExpr}})
	if err != nil {
		return nil, err
	}
	return verdictFrom(env)
}

// Commit runs a full deliberation but withholds the verdict, returning
// only the commitment hash. Reveal discloses the stored verdict later.
func (c *Client) Commit(ctx context.Context, jobID, cidExpr string) (*Commitment, error) {
	env, err := c.evaluate(ctx, evaluateRequest{ID: jobID, Data: requestData{CID: cidExpr}, Mode: "commit"})
	if err != nil {
		return nil, err
	}
	if env.Data == nil || env.Data.CommitHash == "" {
		return nil, &Error{StatusCode: env.StatusCode, Kind: KindInternal, Message: "committed envelope with no commit hash"}
	}
	return &Commitment{JobRunID: env.JobRunID, CommitHash: env.Data.CommitHash}, nil
}

// Reveal discloses a previously committed verdict. The commitment is
// consumed on success; a second Reveal with the same hash fails with
// COMMIT_NOT_FOUND.
func (c *Client) Reveal(ctx context.Context, jobID, cidExpr, commitHash string) (*Verdict, error) {
	env, err := c.evaluate(ctx, evaluateRequest{
		ID:   jobID,
		Data: requestData{CID: cidExpr},
		Mode: revealMode{Reveal: commitHash},
	})
	if err != nil {
		return nil, err
	}
	return verdictFrom(env)
}

// Health checks the arbiter's liveness. It answers as long as the process
// serves HTTP, regardless of gateway or provider state.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ready reports whether the arbiter can currently serve deliberations.
// The Readiness body is returned for both ready (200) and degraded (503)
// answers; inspect Status to tell them apart.
func (c *Client) Ready(ctx context.Context) (*Readiness, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return nil, fmt.Errorf("arbiter: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arbiter: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("arbiter: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Kind:       http.StatusText(resp.StatusCode),
			Message:    string(bodyBytes),
		}
	}

	var out Readiness
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, fmt.Errorf("arbiter: decode readiness: %w", err)
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// evaluate posts one adapter request and decodes the envelope. An errored
// envelope comes back as *Error; a body that is not an envelope at all
// (proxy error page, truncated response) is wrapped into one.
func (c *Client) evaluate(ctx context.Context, body evaluateRequest) (*adapterResponse, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("arbiter: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evaluate", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("arbiter: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arbiter: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("arbiter: read response body: %w", err)
	}

	var envelope adapterResponse
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Kind:       http.StatusText(resp.StatusCode),
			Message:    string(bodyBytes),
		}
	}

	if envelope.Error != nil || envelope.Status == "errored" {
		apiErr := &Error{StatusCode: resp.StatusCode, Kind: KindInternal, Message: "errored envelope with no error detail"}
		if envelope.Error != nil {
			apiErr.Kind = envelope.Error.Kind
			apiErr.Message = envelope.Error.Message
			apiErr.Detail = envelope.Error.Detail
		}
		return nil, apiErr
	}

	return &envelope, nil
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("arbiter: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("arbiter: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("arbiter: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &Error{
			StatusCode: resp.StatusCode,
			Kind:       http.StatusText(resp.StatusCode),
			Message:    string(bodyBytes),
		}
	}

	return json.Unmarshal(bodyBytes, dest)
}

func verdictFrom(env *adapterResponse) (*Verdict, error) {
	if env.Data == nil {
		return nil, &Error{StatusCode: env.StatusCode, Kind: KindInternal, Message: "success envelope with no data"}
	}
	return &Verdict{
		JobRunID:         env.JobRunID,
		AggregatedScore:  env.Data.AggregatedScore,
		JustificationCID: env.Data.JustificationCID,
	}, nil
}
