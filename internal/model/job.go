package model

// ScoreScale is the fixed denominator for score vectors. Every vector that
// crosses an external boundary sums to exactly this value; on-chain
// consumers interpret components as parts-per-million.
const ScoreScale int64 = 1_000_000

// Job is the fully composed deliberation handed to the jury engine.
type Job struct {
	// Prompt is the composed prompt text (primary query plus bound
	// secondaries, references, and addendum).
	Prompt string
	// Outcomes are the ordered verdict labels; len(Outcomes) is K.
	Outcomes []string
	// Jury is the ordered slot list. Aggregation folds results in this
	// order regardless of completion order.
	Jury []JurySlot
	// Iterations is the number of serial deliberation rounds.
	Iterations int
	// Attachments are normalized and ordered as declared across manifests.
	Attachments []Attachment
	// References is the merged ordered list of reference names, primary
	// first. Informational.
	References []string
}

// JurySlot is one (provider, model, weight, count) jury entry.
type JurySlot struct {
	Provider string
	Model    string
	Weight   float64
	Count    int
}

// Attachment kinds.
const (
	AttachmentImage    = "image"
	AttachmentDocument = "document"
	AttachmentText     = "text"
)

// Attachment is a normalized deliberation input. For image and document
// kinds Content is a base64 data URI; for text it is plain text.
type Attachment struct {
	Kind      string `json:"kind"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Content   string `json:"content"`
}

// OutcomeScore pairs one outcome label with its aggregated score.
type OutcomeScore struct {
	Outcome string `json:"outcome"`
	Score   int64  `json:"score"`
}

// JuryResult is the engine's output: the weighted aggregate over the
// surviving slots plus the synthesized justification.
type JuryResult struct {
	Scores        []OutcomeScore `json:"scores"`
	Justification string         `json:"justification"`
}

// ScoreVector flattens Scores into the ordered []int64 used by the adapter
// envelope.
func (r JuryResult) ScoreVector() []int64 {
	out := make([]int64, len(r.Scores))
	for i, s := range r.Scores {
		out[i] = s.Score
	}
	return out
}
