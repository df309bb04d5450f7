// Package evaluate orchestrates one arbitration request end to end:
// resolve every CID to a parsed manifest, compose the deliberation job,
// normalize attachments, run the jury, publish the justification, and
// shape the outcome for the adapter envelope. Commit-reveal requests
// route through the commit store instead of answering directly.
package evaluate

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/errgroup"

	"github.com/verdikta/arbiter/internal/archive"
	"github.com/verdikta/arbiter/internal/attachments"
	"github.com/verdikta/arbiter/internal/commit"
	"github.com/verdikta/arbiter/internal/manifest"
	"github.com/verdikta/arbiter/internal/model"
	"github.com/verdikta/arbiter/internal/telemetry"
)

// ContentStore is the slice of the IPFS client the orchestrator uses.
type ContentStore interface {
	Fetch(ctx context.Context, cid string) ([]byte, error)
	Upload(ctx context.Context, filename string, payload []byte) (string, error)
}

// ManifestParser resolves an extracted archive into a manifest.
type ManifestParser interface {
	Parse(ctx context.Context, extractedPath string) (*manifest.Resolved, error)
}

// Composer folds resolved manifests into one deliberation job.
type Composer interface {
	Compose(resolved []*manifest.Resolved, addendum string) (*model.Job, []manifest.LocalFile, error)
}

// AttachmentProcessor normalizes the referenced files for the jury.
type AttachmentProcessor interface {
	Process(ctx context.Context, files []manifest.LocalFile, firstSlot model.JurySlot) ([]model.Attachment, []attachments.Skipped, error)
}

// Deliberator runs the jury.
type Deliberator interface {
	Deliberate(ctx context.Context, job *model.Job) (*model.JuryResult, error)
}

// VerdictHook observes each successful deliberation. Hook errors are
// logged and never affect the response.
type VerdictHook func(jobID string, scores []int64, justificationCID string) error

// Deps are the collaborating components, injected for testability.
type Deps struct {
	Store    ContentStore
	Parser   ManifestParser
	Composer Composer
	Attach   AttachmentProcessor
	Jury     Deliberator
	Commits  commit.Store
	Hooks    []VerdictHook
}

// Config carries the orchestrator tunables. Zero values fall back to the
// documented defaults.
type Config struct {
	RequestTimeout time.Duration // overall budget, default 240s
	ScratchDir     string        // scratch root, default os.TempDir()
}

// Outcome is a finished request before envelope shaping. Status is
// "success" for plain and reveal requests and "committed" for commits.
type Outcome struct {
	Status           string
	AggregatedScore  []int64
	JustificationCID string
	CommitHash       string
}

// Service is the request orchestrator.
type Service struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	requestDur metric.Float64Histogram
	verdicts   metric.Int64Counter
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 240 * time.Second
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}

	meter := telemetry.Meter("arbiter/evaluate")
	requestDur, _ := meter.Float64Histogram("arbiter.evaluate.duration",
		metric.WithDescription("Wall time of one evaluate request"),
		metric.WithUnit("ms"))
	verdicts, _ := meter.Int64Counter("arbiter.evaluate.verdicts",
		metric.WithDescription("Deliberations that produced a verdict"))

	return &Service{
		deps:       deps,
		cfg:        cfg,
		logger:     logger,
		requestDur: requestDur,
		verdicts:   verdicts,
	}
}

// Evaluate handles one adapter request in any mode.
func (s *Service) Evaluate(ctx context.Context, req model.EvaluateRequest) (*Outcome, error) {
	start := time.Now()
	status := "errored"
	defer func() {
		s.requestDur.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("status", status)))
	}()

	if req.Mode != nil && req.Mode.Reveal != "" {
		out, err := s.reveal(req.Mode.Reveal)
		if err != nil {
			return nil, err
		}
		status = "revealed"
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	out, err := s.deliberate(ctx, req)
	if err != nil {
		return nil, s.classify(ctx, err)
	}
	status = out.Status
	return out, nil
}

func (s *Service) deliberate(ctx context.Context, req model.EvaluateRequest) (*Outcome, error) {
	cids, addendum, err := splitExpression(req.Data.CID)
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(s.cfg.ScratchDir, "arbiter-"+uuid.NewString()+"-")
	if err != nil {
		return nil, fmt.Errorf("evaluate: create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			s.logger.Warn("scratch cleanup failed", "dir", scratch, "error", err)
		}
	}()

	resolved, err := s.resolve(ctx, cids, scratch)
	if err != nil {
		return nil, err
	}

	job, files, err := s.deps.Composer.Compose(resolved, addendum)
	if err != nil {
		return nil, err
	}

	atts, skipped, err := s.deps.Attach.Process(ctx, files, job.Jury[0])
	if err != nil {
		return nil, err
	}
	for _, sk := range skipped {
		s.logger.Warn("attachment skipped", "name", sk.Name, "reason", sk.Reason)
	}
	job.Attachments = atts

	result, err := s.deps.Jury.Deliberate(ctx, job)
	if err != nil {
		return nil, err
	}

	scores := result.ScoreVector()
	name := fmt.Sprintf("justification-%s.txt", uuid.NewString())
	jcid, err := s.deps.Store.Upload(ctx, name, []byte(result.Justification))
	if err != nil {
		return nil, err
	}

	s.verdicts.Add(ctx, 1)
	s.fireHooks(req.ID, scores, jcid)

	if req.Mode != nil && req.Mode.Commit {
		return s.commitOutcome(scores, result.Justification, jcid)
	}
	return &Outcome{
		Status:           model.StatusSuccess,
		AggregatedScore:  scores,
		JustificationCID: jcid,
	}, nil
}

// resolve fetches, extracts, and parses every CID. Resolution runs
// concurrently; the returned slice follows the input order so weight
// assignment stays deterministic.
func (s *Service) resolve(ctx context.Context, cids []string, scratch string) ([]*manifest.Resolved, error) {
	resolved := make([]*manifest.Resolved, len(cids))
	g, gctx := errgroup.WithContext(ctx)
	for i, cid := range cids {
		g.Go(func() error {
			payload, err := s.deps.Store.Fetch(gctx, cid)
			if err != nil {
				return err
			}
			dir, err := archive.Extract(payload, scratch, fmt.Sprintf("%d_%s", i, cid))
			if err != nil {
				return err
			}
			m, err := s.deps.Parser.Parse(gctx, dir)
			if err != nil {
				return fmt.Errorf("manifest %s: %w", cid, err)
			}
			resolved[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (s *Service) reveal(hash string) (*Outcome, error) {
	norm, ok := commit.NormalizeHash(hash)
	if !ok {
		return nil, model.E(model.KindInvalidRequest, "reveal hash must be 32 hex characters, got %q", hash)
	}
	entry, found := s.deps.Commits.Get(norm)
	if !found {
		return nil, model.E(model.KindCommitNotFound, "no commitment stored for %s", norm)
	}
	if err := s.deps.Commits.Delete(norm); err != nil {
		s.logger.Warn("commit delete after reveal failed", "hash", norm, "error", err)
	}
	return &Outcome{
		Status:           model.StatusSuccess,
		AggregatedScore:  entry.Payload.AggregatedScore,
		JustificationCID: entry.Payload.JustificationCID,
	}, nil
}

func (s *Service) commitOutcome(scores []int64, justification, jcid string) (*Outcome, error) {
	payload := model.CommitPayload{
		AggregatedScore:  scores,
		Justification:    justification,
		JustificationCID: jcid,
	}
	hash, err := CommitHash(payload)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Commits.Save(hash, commit.Entry{Payload: payload, Created: time.Now().UTC()}); err != nil {
		return nil, fmt.Errorf("evaluate: store commitment: %w", err)
	}
	return &Outcome{Status: model.StatusCommitted, CommitHash: hash}, nil
}

func (s *Service) fireHooks(jobID string, scores []int64, jcid string) {
	for _, hook := range s.deps.Hooks {
		if err := hook(jobID, scores, jcid); err != nil {
			s.logger.Warn("verdict hook failed", "job", jobID, "error", err)
		}
	}
}

// classify upgrades errors that surfaced because the overall request
// deadline expired; without this, a blown budget masquerades as whatever
// step happened to be running.
func (s *Service) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.Wrap(model.KindRequestTimeout, err, "request deadline of %s exceeded", s.cfg.RequestTimeout)
	}
	return err
}

// CommitHash derives the 32-character commitment key: the first 16 bytes
// of the Keccak-256 digest over the payload's canonical JSON.
func CommitHash(p model.CommitPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("evaluate: encode commit payload: %w", err)
	}
	d := sha3.NewLegacyKeccak256()
	d.Write(raw)
	return hex.EncodeToString(d.Sum(nil)[:16]), nil
}

// splitExpression parses "cid1[,cid2...][:addendum]": the first colon
// separates the optional addendum, commas separate CIDs.
func splitExpression(expr string) ([]string, string, error) {
	cidPart, addendum := expr, ""
	if i := strings.Index(expr, ":"); i >= 0 {
		cidPart, addendum = expr[:i], expr[i+1:]
	}

	parts := strings.Split(cidPart, ",")
	cids := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, "", model.E(model.KindInvalidRequest, "cid expression %q contains an empty entry", expr)
		}
		cids = append(cids, p)
	}
	return cids, addendum, nil
}
