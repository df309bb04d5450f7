package arbiter

import "time"

// Verdict is the public representation of a settled deliberation.
// It is a curated view of the adapter envelope for use in extension
// interfaces. No internal package imports, so it is safe to use from
// outside the module.
type Verdict struct {
	// JobID is the Chainlink job run ID the verdict answers.
	JobID string
	// AggregatedScore is the likelihood vector over the outcomes,
	// in manifest order, summing to 1,000,000.
	AggregatedScore []int64
	// JustificationCID addresses the published justification text.
	JustificationCID string
}

// Attachment is one normalized deliberation input handed to a custom
// Generator. For image and document kinds Content is the base64-encoded
// file and MediaType names its format; for text it is the text itself.
type Attachment struct {
	Kind      string // "image", "document", or "text"
	Name      string
	MediaType string
	Content   string
}

// CommitRecord is one withheld verdict held between the commit and
// reveal phases of a commit-reveal evaluation.
type CommitRecord struct {
	AggregatedScore  []int64
	Justification    string
	JustificationCID string
	Created          time.Time
}
