package arbiter

import (
	"context"
	"net/http"
	"time"
)

// Generator is a custom model backend. When registered via WithGenerator
// it joins the built-in providers under its own name; manifests select it
// by naming it in a jury entry's AI_PROVIDER field.
//
// Attachments arrive pre-normalized (images and documents base64-encoded
// with a media type, text inline) and may be empty. Capability gating
// uses the shared capability matrix, so a generator that supports vision
// or native documents declares that in the matrix file under its name.
type Generator interface {
	Name() string
	Generate(ctx context.Context, model, prompt string, attachments []Attachment) (string, error)
}

// VerdictHook receives a notification after each deliberation that
// produced a verdict. For commit-mode requests the hook fires at commit
// time, when the verdict is computed; the later reveal discloses the
// stored result without firing again. Hooks run before the adapter
// response is written, each call under a bounded context. Failures are
// logged and never fail the originating request. Multiple hooks may be
// registered via repeated WithVerdictHook calls.
type VerdictHook interface {
	OnVerdict(ctx context.Context, verdict Verdict) error
}

// CommitStore replaces the built-in commit-reveal store. Implementations
// must tolerate concurrent calls and a Get for a hash that was never
// saved. Use this to share pending commitments across replicas, for
// example backed by Redis or a database.
type CommitStore interface {
	Save(hash string, record CommitRecord) error
	Get(hash string) (CommitRecord, bool)
	Delete(hash string) error
	// PurgeStale removes records older than maxAge and reports how many
	// were removed.
	PurgeStale(maxAge time.Duration) (int, error)
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including
// /health. Use for authentication in front of the adapter, custom
// logging, or cross-cutting headers.
// Multiple middlewares are applied in registration order (first-registered
// = outermost).
type Middleware func(http.Handler) http.Handler
