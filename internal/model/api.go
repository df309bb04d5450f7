// Package model holds the wire types and domain values shared across the
// arbiter: the Chainlink adapter request/response envelopes, the error
// taxonomy, manifest shapes, and the deliberation job.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EvaluateRequest is the body of POST /evaluate, in the Chainlink external
// adapter shape. ID is the opaque aggregation identifier used to correlate
// the on-chain request, commit, and reveal.
type EvaluateRequest struct {
	ID   string      `json:"id"`
	Data RequestData `json:"data"`
	Mode *Mode       `json:"mode,omitempty"`
}

// RequestData carries the CID expression: "cid1[,cid2...][:addendum]".
type RequestData struct {
	CID string `json:"cid"`
}

// Mode selects commit-reveal behavior. On the wire it is either the string
// "commit" or the object {"reveal": "<hex32>"}; absent means a plain
// evaluate-and-reveal-immediately request.
type Mode struct {
	Commit bool
	Reveal string
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "commit" {
			return fmt.Errorf("model: unknown mode %q", s)
		}
		m.Commit = true
		return nil
	}
	var obj struct {
		Reveal string `json:"reveal"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("model: mode must be \"commit\" or {\"reveal\": hash}: %w", err)
	}
	if obj.Reveal == "" {
		return fmt.Errorf("model: reveal mode requires a non-empty hash")
	}
	m.Reveal = obj.Reveal
	return nil
}

func (m Mode) MarshalJSON() ([]byte, error) {
	if m.Commit {
		return json.Marshal("commit")
	}
	return json.Marshal(struct {
		Reveal string `json:"reveal"`
	}{Reveal: m.Reveal})
}

// Adapter response statuses.
const (
	StatusSuccess   = "success"
	StatusCommitted = "committed"
	StatusErrored   = "errored"
)

// AdapterResponse is the envelope for every /evaluate outcome. Exactly one
// of Data or Error is set; StatusCode mirrors the HTTP status so the
// Chainlink bridge can treat the body as self-describing.
type AdapterResponse struct {
	JobRunID   string       `json:"jobRunID"`
	StatusCode int          `json:"statusCode"`
	Status     string       `json:"status"`
	Data       *ResultData  `json:"data,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// ResultData is the data section of a success or committed response.
// AggregatedScore is ordered by outcome index and sums to exactly
// ScoreScale. CommitHash is set only for mode=commit responses, which
// carry neither scores nor a justification.
type ResultData struct {
	AggregatedScore  []int64 `json:"aggregatedScore,omitempty"`
	JustificationCID string  `json:"justificationCID,omitempty"`
	CommitHash       string  `json:"commitHash,omitempty"`
}

// ErrorDetail is the error section of an errored response.
type ErrorDetail struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// NewSuccessResponse builds the envelope for a completed deliberation.
func NewSuccessResponse(jobRunID string, scores []int64, justificationCID string) AdapterResponse {
	return AdapterResponse{
		JobRunID:   jobRunID,
		StatusCode: 200,
		Status:     StatusSuccess,
		Data: &ResultData{
			AggregatedScore:  scores,
			JustificationCID: justificationCID,
		},
	}
}

// NewCommittedResponse builds the envelope for a commit-mode request.
func NewCommittedResponse(jobRunID, commitHash string) AdapterResponse {
	return AdapterResponse{
		JobRunID:   jobRunID,
		StatusCode: 200,
		Status:     StatusCommitted,
		Data:       &ResultData{CommitHash: commitHash},
	}
}

// NewErrorResponse builds the envelope for a failed request.
func NewErrorResponse(jobRunID string, err *Error) AdapterResponse {
	return AdapterResponse{
		JobRunID:   jobRunID,
		StatusCode: HTTPStatus(err.Kind),
		Status:     StatusErrored,
		Error: &ErrorDetail{
			Kind:    err.Kind,
			Message: err.Message,
			Detail:  err.Detail,
		},
	}
}

// CommitPayload is what the commit store holds between commit and reveal:
// the full result withheld from the commit response.
type CommitPayload struct {
	AggregatedScore  []int64 `json:"aggregatedScore"`
	Justification    string  `json:"justification"`
	JustificationCID string  `json:"justificationCID"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the body of GET /ready. Gateways maps each configured
// content-store gateway to its circuit state ("closed", "half-open",
// "open").
type ReadyResponse struct {
	Status    string            `json:"status"`
	Gateways  map[string]string `json:"gateways,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
