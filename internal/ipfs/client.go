// Package ipfs is the content-store client: it fetches deliberation
// archives by CID across an ordered gateway list and pins justification
// artifacts through the configured pinning service.
//
// Fetching walks the gateway list in order, one gateway per attempt, with
// jittered exponential backoff between attempts. Each gateway sits behind a
// circuit breaker; open gateways are skipped while a closed one remains,
// and breaker states feed the readiness endpoint.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/verdikta/arbiter/internal/model"
	"github.com/verdikta/arbiter/internal/telemetry"
)

const (
	backoffInitial = 1 * time.Second
	backoffCap     = 15 * time.Second

	// MaxArchiveBytes caps a single fetched archive. Archives beyond this
	// are misuse, not deliberation inputs.
	MaxArchiveBytes = 100 * 1024 * 1024
)

// Options configures a Client.
type Options struct {
	// Gateways is the ordered fetch gateway list. Each entry is a URL
	// prefix the CID is appended to, e.g. "https://ipfs.io/ipfs/".
	Gateways []string
	// PinningService is the upload endpoint (Pinata-compatible
	// pinFileToIPFS API).
	PinningService string
	// PinningKey is the bearer credential for uploads.
	PinningKey string
	// Attempts bounds the fetch retry loop. Defaults to 5.
	Attempts int
	// AttemptTimeout bounds one gateway round trip. Defaults to 30s.
	AttemptTimeout time.Duration
	// HTTPClient overrides the transport; nil gets a plain client.
	// Per-attempt deadlines come from context, not the client.
	HTTPClient *http.Client
}

// Client talks to the content store. Safe for concurrent use.
type Client struct {
	gateways       []string
	breakers       []*gobreaker.CircuitBreaker
	pinURL         string
	pinKey         string
	http           *http.Client
	logger         *slog.Logger
	attempts       int
	attemptTimeout time.Duration
	backoffBase    time.Duration

	fetchDur   metric.Float64Histogram
	fetchRetry metric.Int64Counter
}

// New builds a Client. Every gateway gets its own circuit breaker that
// opens after three consecutive transport failures and probes again after
// 30 seconds.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if len(opts.Gateways) == 0 {
		return nil, fmt.Errorf("ipfs: at least one gateway is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	breakers := make([]*gobreaker.CircuitBreaker, len(opts.Gateways))
	for i, gw := range opts.Gateways {
		breakers[i] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    gw,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}

	meter := telemetry.Meter("arbiter/ipfs")
	fetchDur, _ := meter.Float64Histogram("arbiter.ipfs.fetch.duration",
		metric.WithDescription("Time to fetch one CID including retries (ms)"),
		metric.WithUnit("ms"),
	)
	fetchRetry, _ := meter.Int64Counter("arbiter.ipfs.fetch.retries",
		metric.WithDescription("Fetch attempts beyond the first"),
	)

	return &Client{
		gateways:       opts.Gateways,
		breakers:       breakers,
		pinURL:         opts.PinningService,
		pinKey:         opts.PinningKey,
		http:           httpClient,
		logger:         logger,
		attempts:       opts.Attempts,
		attemptTimeout: opts.AttemptTimeout,
		backoffBase:    backoffInitial,
		fetchDur:       fetchDur,
		fetchRetry:     fetchRetry,
	}, nil
}

// terminalError marks a fetch failure no retry can fix (HTTP 4xx).
type terminalError struct {
	gateway string
	status  int
}

func (e *terminalError) Error() string {
	return fmt.Sprintf("gateway %s returned status %d", e.gateway, e.status)
}

// Fetch retrieves the archive behind cid. It walks the gateway rotation
// with backoff until a gateway returns a non-empty body, a gateway rejects
// the request with a 4xx, the attempt budget runs out, or ctx is done.
func (c *Client) Fetch(ctx context.Context, cid string) ([]byte, error) {
	start := time.Now()
	delay := c.backoffBase
	var lastErr error

	for attempt := range c.attempts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("ipfs: fetch %s: %w", cid, err)
		}
		idx := c.pickGateway(attempt)
		gateway := c.gateways[idx]

		data, err := c.fetchOnce(ctx, idx, cid)
		if err == nil {
			c.fetchDur.Record(ctx, float64(time.Since(start).Milliseconds()),
				metric.WithAttributes(attribute.String("gateway", gateway)))
			return data, nil
		}
		lastErr = err

		var terminal *terminalError
		if errors.As(err, &terminal) {
			return nil, model.Wrap(model.KindContentStoreDown, err,
				"fetch %s: gateway rejected the request (status %d)", cid, terminal.status)
		}

		c.logger.Warn("ipfs fetch attempt failed",
			"cid", cid, "gateway", gateway, "attempt", attempt+1, "error", err)
		if attempt == c.attempts-1 {
			break
		}
		c.fetchRetry.Add(ctx, 1)

		// Jitter band delay/2 .. 3*delay/2.
		sleep := delay/2 + time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter needs no crypto randomness
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("ipfs: fetch %s: %w", cid, ctx.Err())
		case <-time.After(sleep):
		}
		if delay *= 2; delay > backoffCap {
			delay = backoffCap
		}
	}

	return nil, model.Wrap(model.KindContentStoreDown, lastErr,
		"fetch %s: all gateways exhausted after %d attempts", cid, c.attempts)
}

// pickGateway maps an attempt number onto the rotation, then walks forward
// past breaker-open gateways as long as some gateway is not open. With
// every breaker open the base rotation stands; the breakers re-admit
// probes on their own schedule.
func (c *Client) pickGateway(attempt int) int {
	base := attempt % len(c.gateways)
	for off := range c.gateways {
		idx := (base + off) % len(c.gateways)
		if c.breakers[idx].State() != gobreaker.StateOpen {
			return idx
		}
	}
	return base
}

// fetchResult carries a 4xx out of the breaker as a non-failure: the
// gateway answered, the content is what's missing, and that must not
// count against gateway health.
type fetchResult struct {
	data     []byte
	terminal *terminalError
}

func (c *Client) fetchOnce(ctx context.Context, idx int, cid string) ([]byte, error) {
	gateway := c.gateways[idx]
	res, err := c.breakers[idx].Execute(func() (any, error) {
		return c.doGet(ctx, gateway, cid)
	})
	if err != nil {
		return nil, err
	}
	out := res.(fetchResult)
	if out.terminal != nil {
		return nil, out.terminal
	}
	return out.data, nil
}

func (c *Client) doGet(ctx context.Context, gateway, cid string) (fetchResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, gatewayURL(gateway, cid), nil)
	if err != nil {
		return fetchResult{}, fmt.Errorf("ipfs: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fetchResult{}, fmt.Errorf("ipfs: %s: %w", gateway, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fetchResult{terminal: &terminalError{gateway: gateway, status: resp.StatusCode}}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return fetchResult{}, fmt.Errorf("ipfs: %s returned status %d", gateway, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxArchiveBytes+1))
	if err != nil {
		return fetchResult{}, fmt.Errorf("ipfs: read body from %s: %w", gateway, err)
	}
	if len(data) == 0 {
		return fetchResult{}, fmt.Errorf("ipfs: %s returned an empty body", gateway)
	}
	if len(data) > MaxArchiveBytes {
		return fetchResult{terminal: &terminalError{gateway: gateway, status: http.StatusRequestEntityTooLarge}}, nil
	}
	return fetchResult{data: data}, nil
}

func gatewayURL(gateway, cid string) string {
	if strings.HasSuffix(gateway, "/") {
		return gateway + cid
	}
	return gateway + "/" + cid
}

// pinResponse is the Pinata-compatible pinning service reply.
type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

// Upload pins payload under the given filename and returns its CID.
// Transient failures retry on the fetch backoff schedule; credential
// rejections (401/403) are terminal immediately.
func (c *Client) Upload(ctx context.Context, filename string, payload []byte) (string, error) {
	if c.pinURL == "" {
		return "", model.E(model.KindContentStoreDown, "no pinning service configured")
	}

	delay := c.backoffBase
	var lastErr error
	for attempt := range c.attempts {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("ipfs: upload %s: %w", filename, err)
		}

		cid, err := c.uploadOnce(ctx, filename, payload)
		if err == nil {
			return cid, nil
		}
		lastErr = err

		var terminal *terminalError
		if errors.As(err, &terminal) {
			if terminal.status == http.StatusUnauthorized || terminal.status == http.StatusForbidden {
				return "", model.Wrap(model.KindContentStoreDown, err,
					"upload rejected: pinning credentials refused (status %d)", terminal.status)
			}
			return "", model.Wrap(model.KindContentStoreDown, err,
				"upload rejected by pinning service (status %d)", terminal.status)
		}

		c.logger.Warn("ipfs upload attempt failed",
			"filename", filename, "attempt", attempt+1, "error", err)
		if attempt == c.attempts-1 {
			break
		}
		sleep := delay/2 + time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter needs no crypto randomness
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("ipfs: upload %s: %w", filename, ctx.Err())
		case <-time.After(sleep):
		}
		if delay *= 2; delay > backoffCap {
			delay = backoffCap
		}
	}

	return "", model.Wrap(model.KindContentStoreDown, lastErr,
		"upload %s: pinning service unavailable after %d attempts", filename, c.attempts)
}

func (c *Client) uploadOnce(ctx context.Context, filename string, payload []byte) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("ipfs: build multipart form: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return "", fmt.Errorf("ipfs: write multipart payload: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("ipfs: close multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.pinURL, &body)
	if err != nil {
		return "", fmt.Errorf("ipfs: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.pinKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ipfs: pinning service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", &terminalError{gateway: c.pinURL, status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ipfs: pinning service returned status %d", resp.StatusCode)
	}

	var pinned pinResponse
	if err := json.NewDecoder(resp.Body).Decode(&pinned); err != nil {
		return "", fmt.Errorf("ipfs: decode pinning response: %w", err)
	}
	if pinned.IpfsHash == "" {
		return "", fmt.Errorf("ipfs: pinning response carried no hash")
	}
	return pinned.IpfsHash, nil
}

// GatewayStates reports each gateway's circuit state for readiness checks.
func (c *Client) GatewayStates() map[string]string {
	states := make(map[string]string, len(c.gateways))
	for i, gw := range c.gateways {
		states[gw] = c.breakers[i].State().String()
	}
	return states
}

// Healthy reports whether any gateway circuit is currently closed.
func (c *Client) Healthy() bool {
	for _, b := range c.breakers {
		if b.State() == gobreaker.StateClosed {
			return true
		}
	}
	return false
}
