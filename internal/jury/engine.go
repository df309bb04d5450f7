// Package jury runs the deliberation: fan a prompt out to every jury
// slot, parse and validate the score vectors, enforce the quorum rule,
// and fold the survivors into a single weighted verdict.
package jury

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/verdikta/arbiter/internal/model"
	"github.com/verdikta/arbiter/internal/provider"
	"github.com/verdikta/arbiter/internal/telemetry"
)

// Generator is the slice of the provider registry the engine uses.
type Generator interface {
	Generate(ctx context.Context, providerName, mdl, prompt string, atts []model.Attachment, opts provider.Options) (string, error)
}

// Config carries the engine's tunables. Zero values fall back to the
// documented defaults.
type Config struct {
	SlotTimeout       time.Duration // per-slot deadline, default 120s
	JustifierTimeout  time.Duration // default 45s
	MinSuccessPercent float64       // quorum fraction, default 0.5
	JustifierProvider string
	JustifierModel    string
}

// Engine deliberates jobs.
type Engine struct {
	gen    Generator
	cfg    Config
	logger *slog.Logger

	deliberationDur metric.Float64Histogram
	slotFailures    metric.Int64Counter
}

func New(gen Generator, cfg Config, logger *slog.Logger) *Engine {
	if cfg.SlotTimeout <= 0 {
		cfg.SlotTimeout = 120 * time.Second
	}
	if cfg.JustifierTimeout <= 0 {
		cfg.JustifierTimeout = 45 * time.Second
	}
	if cfg.MinSuccessPercent <= 0 {
		cfg.MinSuccessPercent = 0.5
	}

	meter := telemetry.Meter("arbiter/jury")
	deliberationDur, _ := meter.Float64Histogram("arbiter.jury.deliberation.duration",
		metric.WithDescription("Wall time of one full deliberation"),
		metric.WithUnit("ms"))
	slotFailures, _ := meter.Int64Counter("arbiter.jury.slot.failures",
		metric.WithDescription("Jury slots that timed out or failed to parse"))

	return &Engine{
		gen:             gen,
		cfg:             cfg,
		logger:          logger,
		deliberationDur: deliberationDur,
		slotFailures:    slotFailures,
	}
}

// slotResult is one slot's settled outcome for a single iteration.
type slotResult struct {
	slot          model.JurySlot
	index         int
	vector        []int64
	justification string
	failed        bool
	failureReason string
}

// Deliberate runs the full iteration loop and returns the final verdict.
func (e *Engine) Deliberate(ctx context.Context, job *model.Job) (*model.JuryResult, error) {
	start := time.Now()
	defer func() {
		e.deliberationDur.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	iterations := job.Iterations
	if iterations < 1 {
		iterations = 1
	}

	var (
		agg      []int64
		settled  []slotResult
		previous []string
	)
	for iter := 1; iter <= iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prompt := buildPrompt(job, iter, previous)
		settled = e.fanOut(ctx, job, prompt)

		var err error
		agg, err = aggregate(settled, len(job.Outcomes), e.cfg.MinSuccessPercent)
		if err != nil {
			return nil, err
		}
		previous = iterationOutputs(settled)
	}

	result := &model.JuryResult{
		Scores:        make([]model.OutcomeScore, len(job.Outcomes)),
		Justification: e.justify(ctx, job, agg, settled),
	}
	for k, outcome := range job.Outcomes {
		result.Scores[k] = model.OutcomeScore{Outcome: outcome, Score: agg[k]}
	}
	return result, nil
}

// fanOut dispatches every slot concurrently and waits for all of them to
// settle. A slot failure or timeout never cancels its peers, so a plain
// WaitGroup carries the scope.
func (e *Engine) fanOut(ctx context.Context, job *model.Job, prompt string) []slotResult {
	results := make([]slotResult, len(job.Jury))
	var wg sync.WaitGroup
	for i, slot := range job.Jury {
		wg.Add(1)
		go func(i int, slot model.JurySlot) {
			defer wg.Done()
			results[i] = e.runSlot(ctx, job, slot, i, prompt)
		}(i, slot)
	}
	wg.Wait()
	return results
}

// runSlot executes one slot under its own deadline: count serial calls,
// parse each, floor-average the vectors. Any failure in the chain marks
// the whole slot failed with a fallback vector.
func (e *Engine) runSlot(ctx context.Context, job *model.Job, slot model.JurySlot, idx int, prompt string) slotResult {
	res := slotResult{slot: slot, index: idx}
	sctx, cancel := context.WithTimeout(ctx, e.cfg.SlotTimeout)
	defer cancel()

	k := len(job.Outcomes)
	count := slot.Count
	if count < 1 {
		count = 1
	}

	vectors := make([][]int64, 0, count)
	var justifications []string
	for call := 0; call < count; call++ {
		raw, err := e.gen.Generate(sctx, slot.Provider, slot.Model, prompt, job.Attachments, provider.Options{})
		if err != nil {
			res.failed = true
			if sctx.Err() != nil {
				res.failureReason = fmt.Sprintf("timed out after %s", e.cfg.SlotTimeout)
			} else {
				res.failureReason = err.Error()
			}
			break
		}
		parsed, err := ParseResponse(raw, k)
		if err != nil {
			res.failed = true
			res.failureReason = "unparseable response: " + truncate(raw, 200)
			break
		}
		vectors = append(vectors, parsed.Score)
		justifications = append(justifications, parsed.Justification)
	}

	if res.failed {
		e.slotFailures.Add(ctx, 1)
		e.logger.Warn("jury slot failed",
			"slot", idx, "provider", slot.Provider, "model", slot.Model, "reason", res.failureReason)
		res.vector = fallbackVector(k)
		res.justification = fmt.Sprintf("Model %s:%s did not return a usable verdict.", slot.Provider, slot.Model)
		return res
	}

	res.vector = averageVectors(vectors, k)
	res.justification = strings.Join(justifications, "\n")
	return res
}

// iterationOutputs renders the settled slots for the next iteration's
// prompt so models can reconsider against their peers.
func iterationOutputs(settled []slotResult) []string {
	out := make([]string, len(settled))
	for i, r := range settled {
		status := "scored"
		if r.failed {
			status = "failed"
		}
		out[i] = fmt.Sprintf("Model %d (%s:%s, %s): scores %v. %s",
			i+1, r.slot.Provider, r.slot.Model, status, r.vector, r.justification)
	}
	return out
}

// justify synthesizes the final justification. On any failure it falls
// back to the concatenated per-slot justifications; the verdict itself
// is never at risk here.
func (e *Engine) justify(ctx context.Context, job *model.Job, agg []int64, settled []slotResult) string {
	if e.cfg.JustifierProvider == "" || e.cfg.JustifierModel == "" {
		return fallbackJustification(settled)
	}
	jctx, cancel := context.WithTimeout(ctx, e.cfg.JustifierTimeout)
	defer cancel()

	text, err := e.gen.Generate(jctx, e.cfg.JustifierProvider, e.cfg.JustifierModel,
		justifierPrompt(job, agg, settled), nil, provider.Options{})
	if err != nil {
		e.logger.Warn("justifier failed, using concatenated justifications", "error", err)
		return fallbackJustification(settled)
	}
	return text
}

func fallbackJustification(settled []slotResult) string {
	var b strings.Builder
	b.WriteString("No synthesized justification was produced. Individual model responses follow.\n")
	for _, r := range settled {
		fmt.Fprintf(&b, "\n%s:%s: %s", r.slot.Provider, r.slot.Model, r.justification)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
