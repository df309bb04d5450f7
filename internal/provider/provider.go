// Package provider adapts the arbiter to the model backends a jury can
// name. Each adapter translates one vendor surface into the common
// generation contract; the registry fronts them with per-provider
// concurrency caps, token defaults, and response hygiene.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/verdikta/arbiter/internal/model"
)

// Failure classes adapters fold transient vendor errors into. Auth and
// invalid-input failures carry taxonomy kinds instead; these two stay
// internal to per-slot bookkeeping.
var (
	ErrUnavailable = errors.New("provider unavailable")
	ErrTimeout     = errors.New("provider timed out")
)

// Token budgets applied when a caller leaves MaxTokens unset. Reasoning
// models burn tokens on hidden thought, so they get a larger budget.
const (
	defaultMaxTokens          = 1000
	defaultReasoningMaxTokens = 16000
)

// Options tunes one generation call. ReasoningEffort and Verbosity are
// advisory and only forwarded to reasoning-class models.
type Options struct {
	ReasoningEffort string
	Verbosity       string
	MaxTokens       int
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Capabilities(mdl string) Capabilities
	Generate(ctx context.Context, mdl, prompt string, opts Options) (string, error)
	GenerateWithAttachments(ctx context.Context, mdl, prompt string, atts []model.Attachment, opts Options) (string, error)
}

// Registry holds the configured providers and runs calls through them.
type Registry struct {
	logger *slog.Logger
	slots  int64

	mu        sync.RWMutex
	providers map[string]Provider
	sems      map[string]*semaphore.Weighted
}

// NewRegistry builds an empty registry. slotsPerProvider caps concurrent
// calls per backend so a wide jury cannot trip vendor rate limits.
func NewRegistry(slotsPerProvider int64, logger *slog.Logger) *Registry {
	if slotsPerProvider < 1 {
		slotsPerProvider = 1
	}
	return &Registry{
		logger:    logger,
		slots:     slotsPerProvider,
		providers: make(map[string]Provider),
		sems:      make(map[string]*semaphore.Weighted),
	}
}

// Register adds a provider under its lowercased name, replacing any
// previous registration.
func (r *Registry) Register(p Provider) {
	key := strings.ToLower(p.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[key] = p
	r.sems[key] = semaphore.NewWeighted(r.slots)
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a provider by case-insensitive name.
func (r *Registry) Lookup(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return p, nil
}

// Generate runs one call through the named provider: acquire a
// concurrency slot, normalize options against the model's capabilities,
// dispatch, and strip thinking blocks from the response.
func (r *Registry) Generate(ctx context.Context, providerName, mdl, prompt string, atts []model.Attachment, opts Options) (string, error) {
	p, err := r.Lookup(providerName)
	if err != nil {
		return "", err
	}
	opts = normalizeOptions(p.Capabilities(mdl), opts)

	r.mu.RLock()
	sem := r.sems[strings.ToLower(providerName)]
	r.mu.RUnlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire %s slot: %w", providerName, err)
	}
	defer sem.Release(1)

	var text string
	if len(atts) > 0 {
		text, err = p.GenerateWithAttachments(ctx, mdl, prompt, atts, opts)
	} else {
		text, err = p.Generate(ctx, mdl, prompt, opts)
	}
	if err != nil {
		return "", err
	}
	return StripThinking(text), nil
}

func normalizeOptions(caps Capabilities, opts Options) Options {
	if !caps.Reasoning {
		opts.ReasoningEffort = ""
		opts.Verbosity = ""
	}
	if opts.MaxTokens <= 0 {
		if caps.Reasoning {
			opts.MaxTokens = defaultReasoningMaxTokens
		} else {
			opts.MaxTokens = defaultMaxTokens
		}
	}
	return opts
}
