package arbiter

import "time"

// Verdict is a settled deliberation: the likelihood vector over the
// manifest's outcomes plus the CID of the published justification.
// AggregatedScore is ordered by outcome index and sums to 1,000,000.
type Verdict struct {
	JobRunID         string
	AggregatedScore  []int64
	JustificationCID string
}

// Commitment is the withheld half of a commit-reveal evaluation. The
// verdict stays on the arbiter until a Reveal call presents CommitHash.
type Commitment struct {
	JobRunID   string
	CommitHash string
}

// Health is the body of GET /health.
type Health struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// Readiness is the body of GET /ready. Gateways maps each configured
// content gateway to its circuit state ("closed", "half-open", "open").
type Readiness struct {
	Status    string            `json:"status"`
	Gateways  map[string]string `json:"gateways,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// --- Wire types ---

// evaluateRequest is the Chainlink external adapter request shape.
// Mode is nil for plain requests, the string "commit", or a revealMode.
type evaluateRequest struct {
	ID   string      `json:"id"`
	Data requestData `json:"data"`
	Mode any         `json:"mode,omitempty"`
}

type requestData struct {
	CID string `json:"cid"`
}

type revealMode struct {
	Reveal string `json:"reveal"`
}

// adapterResponse is the server's envelope for every /evaluate outcome.
type adapterResponse struct {
	JobRunID   string       `json:"jobRunID"`
	StatusCode int          `json:"statusCode"`
	Status     string       `json:"status"`
	Data       *resultData  `json:"data,omitempty"`
	Error      *errorDetail `json:"error,omitempty"`
}

type resultData struct {
	AggregatedScore  []int64 `json:"aggregatedScore,omitempty"`
	JustificationCID string  `json:"justificationCID,omitempty"`
	CommitHash       string  `json:"commitHash,omitempty"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}
