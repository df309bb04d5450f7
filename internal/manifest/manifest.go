// Package manifest parses and resolves the manifest.json at the root of an
// extracted deliberation archive. Resolution materializes every
// CID-referenced blob into the extraction directory, so downstream stages
// only ever see local paths.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/verdikta/arbiter/internal/archive"
	"github.com/verdikta/arbiter/internal/model"
)

const manifestFile = "manifest.json"

// Jury defaults applied when a primary manifest omits juryParameters.
const (
	defaultOutcomeCount = 2
	defaultProvider     = "OpenAI"
	defaultModel        = "gpt-4"
	defaultIterations   = 1
)

// Fetcher retrieves raw blobs by CID. Satisfied by the ipfs client.
type Fetcher interface {
	Fetch(ctx context.Context, cid string) ([]byte, error)
}

// LocalFile is a manifest-referenced blob materialized on disk.
type LocalFile struct {
	Name string // logical name from the manifest
	Type string // capability hint ("UTF8", a MIME type, "ipfs/cid")
	Path string // concrete path under the extraction dir
}

// Resolved is a fully resolved manifest: wire values plus local paths for
// every referenced blob and the primary-side defaults applied.
type Resolved struct {
	Manifest model.Manifest
	Dir      string

	Query      string
	References []string

	// Primary-only deliberation parameters, defaulted.
	Outcomes   []string
	Jury       []model.JurySlot
	Iterations int

	Attachments []LocalFile
	Support     []LocalFile
}

// Parser resolves extracted archives into Resolved manifests.
type Parser struct {
	store    Fetcher
	validate *validator.Validate
	logger   *slog.Logger
}

// New builds a Parser that fetches CID-referenced blobs through store.
func New(store Fetcher, logger *slog.Logger) *Parser {
	return &Parser{
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Parse reads and resolves the manifest under extractedPath.
func (p *Parser) Parse(ctx context.Context, extractedPath string) (*Resolved, error) {
	raw, err := os.ReadFile(filepath.Join(extractedPath, manifestFile))
	if err != nil {
		return nil, model.Wrap(model.KindInvalidManifest, err, "archive has no readable %s", manifestFile)
	}

	var m model.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, model.Wrap(model.KindInvalidManifest, err, "%s is not valid JSON", manifestFile)
	}
	if err := p.validate.Struct(m); err != nil {
		return nil, model.Wrap(model.KindInvalidManifest, err, "%s failed validation", manifestFile)
	}
	if !m.Primary.Valid() {
		return nil, model.E(model.KindInvalidManifest, "primary must set exactly one of filename or hash")
	}

	res := &Resolved{Manifest: m, Dir: extractedPath}

	query, err := p.resolvePrimaryQuery(ctx, &m, extractedPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query.Query) == "" {
		return nil, model.E(model.KindInvalidQuery, "primary query text is empty")
	}
	res.Query = query.Query
	res.References = query.References

	applyJuryDefaults(res, m.JuryParameters, query.Outcomes)

	if err := p.resolveAdditional(ctx, res); err != nil {
		return nil, err
	}
	if err := p.resolveSupport(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// resolvePrimaryQuery locates the primary query JSON: either a file inside
// this archive, or a blob behind primary.hash. A hash-referenced blob may
// itself be an archive carrying the query file, or the query JSON directly.
func (p *Parser) resolvePrimaryQuery(ctx context.Context, m *model.Manifest, dir string) (*model.PrimaryQuery, error) {
	if m.Primary.Filename != "" {
		name := filepath.FromSlash(m.Primary.Filename)
		if !filepath.IsLocal(name) {
			return nil, model.E(model.KindInvalidManifest, "primary filename %q escapes the archive", m.Primary.Filename)
		}
		return readQueryFile(filepath.Join(dir, name))
	}

	payload, err := p.store.Fetch(ctx, m.Primary.Hash)
	if err != nil {
		return nil, fmt.Errorf("manifest: fetch primary %s: %w", m.Primary.Hash, err)
	}

	// Archives carry the query file; bare blobs are the query JSON itself.
	if nested, err := archive.Extract(payload, dir, "primary_"+m.Primary.Hash); err == nil {
		return readQueryFile(filepath.Join(nested, "primary_query.json"))
	}
	var q model.PrimaryQuery
	if err := json.Unmarshal(payload, &q); err != nil {
		return nil, model.Wrap(model.KindInvalidQuery, err, "primary %s is neither an archive nor query JSON", m.Primary.Hash)
	}
	return &q, nil
}

func readQueryFile(path string) (*model.PrimaryQuery, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, model.Wrap(model.KindInvalidQuery, err, "primary query file %s is unreadable", filepath.Base(path))
	}
	var q model.PrimaryQuery
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, model.Wrap(model.KindInvalidQuery, err, "primary query file %s is not valid JSON", filepath.Base(path))
	}
	return &q, nil
}

// applyJuryDefaults fills outcomes, jury, and iterations on the resolved
// manifest, synthesizing whatever the primary omitted.
func applyJuryDefaults(res *Resolved, jp *model.JuryParameters, outcomes []string) {
	outcomeCount := defaultOutcomeCount
	iterations := defaultIterations
	var nodes []model.AINode
	if jp != nil {
		if jp.NumberOfOutcomes >= 2 {
			outcomeCount = jp.NumberOfOutcomes
		}
		if jp.Iterations >= 1 {
			iterations = jp.Iterations
		}
		nodes = jp.AINodes
	}

	if len(outcomes) > 0 {
		res.Outcomes = outcomes
	} else {
		res.Outcomes = defaultOutcomes(outcomeCount)
	}
	res.Iterations = iterations

	if len(nodes) == 0 {
		res.Jury = []model.JurySlot{{
			Provider: defaultProvider,
			Model:    defaultModel,
			Weight:   1.0,
			Count:    1,
		}}
		return
	}
	res.Jury = make([]model.JurySlot, len(nodes))
	for i, n := range nodes {
		res.Jury[i] = model.JurySlot{
			Provider: n.Provider,
			Model:    n.Model,
			Weight:   n.Weight,
			Count:    n.Count,
		}
	}
}

func defaultOutcomes(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("outcome%d", i+1)
	}
	return out
}

// resolveAdditional materializes the additional entries. In-archive
// entries must exist after extraction; CID entries are fetched and written
// as additional_<cid>.
func (p *Parser) resolveAdditional(ctx context.Context, res *Resolved) error {
	for i, entry := range res.Manifest.Additional {
		ref := entry.Ref()
		if !ref.Valid() {
			return model.E(model.KindInvalidManifest,
				"additional[%d] %q must set exactly one of filename or hash", i, entry.Name)
		}

		var path string
		if ref.Filename != "" {
			name := filepath.FromSlash(ref.Filename)
			if !filepath.IsLocal(name) {
				return model.E(model.KindInvalidManifest,
					"additional[%d] filename %q escapes the archive", i, ref.Filename)
			}
			path = filepath.Join(res.Dir, name)
			if _, err := os.Stat(path); err != nil {
				return model.Wrap(model.KindInvalidManifest, err,
					"additional[%d] file %q is missing from the archive", i, ref.Filename)
			}
		} else {
			var err error
			path, err = p.materialize(ctx, res.Dir, "additional_"+ref.Hash, ref.Hash)
			if err != nil {
				return err
			}
		}

		res.Attachments = append(res.Attachments, LocalFile{
			Name: entry.Name,
			Type: entry.Type,
			Path: path,
		})
	}
	return nil
}

// resolveSupport fetches the support blobs, each referenced by CID only.
func (p *Parser) resolveSupport(ctx context.Context, res *Resolved) error {
	for i, ref := range res.Manifest.Support {
		if ref.Hash == "" {
			return model.E(model.KindInvalidManifest, "support[%d] must reference a CID", i)
		}
		path, err := p.materialize(ctx, res.Dir, "support_"+ref.Hash, ref.Hash)
		if err != nil {
			return err
		}
		res.Support = append(res.Support, LocalFile{
			Name: "support_" + ref.Hash,
			Path: path,
		})
	}
	return nil
}

// materialize fetches a CID and writes it under dir with a deterministic
// filesystem-safe name.
func (p *Parser) materialize(ctx context.Context, dir, name, cid string) (string, error) {
	payload, err := p.store.Fetch(ctx, cid)
	if err != nil {
		return "", fmt.Errorf("manifest: fetch %s: %w", cid, err)
	}
	path := filepath.Join(dir, safeName(name))
	if err := os.WriteFile(path, payload, 0o640); err != nil {
		return "", fmt.Errorf("manifest: write %s: %w", name, err)
	}
	p.logger.Debug("materialized blob", "cid", cid, "path", path)
	return path, nil
}

func safeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
