package manifest_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdikta/arbiter/internal/manifest"
	"github.com/verdikta/arbiter/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubStore serves canned blobs by CID and records what was asked for.
type stubStore struct {
	blobs   map[string][]byte
	fetched []string
}

func (s *stubStore) Fetch(_ context.Context, cid string) ([]byte, error) {
	s.fetched = append(s.fetched, cid)
	blob, ok := s.blobs[cid]
	if !ok {
		return nil, fmt.Errorf("stub: no blob for %s", cid)
	}
	return blob, nil
}

// writeDir lays out an extracted archive in a temp dir.
func writeDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	}
	return dir
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestParseAppliesDefaults(t *testing.T) {
	dir := writeDir(t, map[string]string{
		"manifest.json":      `{"version":"1.0","primary":{"filename":"primary_query.json"}}`,
		"primary_query.json": `{"query":"Did the courier deliver on time?"}`,
	})

	p := manifest.New(&stubStore{}, testLogger())
	res, err := p.Parse(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "Did the courier deliver on time?", res.Query)
	assert.Equal(t, []string{"outcome1", "outcome2"}, res.Outcomes)
	assert.Equal(t, 1, res.Iterations)
	require.Len(t, res.Jury, 1)
	assert.Equal(t, model.JurySlot{Provider: "OpenAI", Model: "gpt-4", Weight: 1.0, Count: 1}, res.Jury[0])
	assert.Empty(t, res.Attachments)
	assert.Empty(t, res.Support)
}

func TestParseHonorsJuryParameters(t *testing.T) {
	dir := writeDir(t, map[string]string{
		"manifest.json": `{
			"version": "1.0",
			"primary": {"filename": "primary_query.json"},
			"juryParameters": {
				"NUMBER_OF_OUTCOMES": 3,
				"AI_NODES": [
					{"AI_PROVIDER": "OpenAI", "AI_MODEL": "gpt-4o", "WEIGHT": 0.6, "NO_COUNTS": 1},
					{"AI_PROVIDER": "Anthropic", "AI_MODEL": "claude-sonnet-4-20250514", "WEIGHT": 0.4, "NO_COUNTS": 2}
				],
				"ITERATIONS": 2
			}
		}`,
		"primary_query.json": `{"query":"Who breached the contract?"}`,
	})

	p := manifest.New(&stubStore{}, testLogger())
	res, err := p.Parse(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"outcome1", "outcome2", "outcome3"}, res.Outcomes)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.Jury, 2)
	assert.Equal(t, 0.6, res.Jury[0].Weight)
	assert.Equal(t, "Anthropic", res.Jury[1].Provider)
	assert.Equal(t, 2, res.Jury[1].Count)
}

func TestParseQueryOutcomesWin(t *testing.T) {
	dir := writeDir(t, map[string]string{
		"manifest.json": `{
			"version": "1.0",
			"primary": {"filename": "primary_query.json"},
			"juryParameters": {"NUMBER_OF_OUTCOMES": 4}
		}`,
		"primary_query.json": `{"query":"Rate the claim.","outcomes":["valid","invalid"]}`,
	})

	p := manifest.New(&stubStore{}, testLogger())
	res, err := p.Parse(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"valid", "invalid"}, res.Outcomes)
}

func TestParseRejectsMissingManifest(t *testing.T) {
	p := manifest.New(&stubStore{}, testLogger())
	_, err := p.Parse(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidManifest, model.KindOf(err))
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	dir := writeDir(t, map[string]string{"manifest.json": `{"version":`})
	p := manifest.New(&stubStore{}, testLogger())
	_, err := p.Parse(context.Background(), dir)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidManifest, model.KindOf(err))
}

func TestParseRejectsPrimaryWithBothRefs(t *testing.T) {
	dir := writeDir(t, map[string]string{
		"manifest.json": `{"version":"1.0","primary":{"filename":"q.json","hash":"QmBoth"}}`,
		"q.json":        `{"query":"x"}`,
	})
	p := manifest.New(&stubStore{}, testLogger())
	_, err := p.Parse(context.Background(), dir)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidManifest, model.KindOf(err))
	assert.Contains(t, err.Error(), "exactly one")
}

func TestParseRejectsZeroWeightJuror(t *testing.T) {
	dir := writeDir(t, map[string]string{
		"manifest.json": `{
			"version": "1.0",
			"primary": {"filename": "primary_query.json"},
			"juryParameters": {
				"AI_NODES": [{"AI_PROVIDER": "OpenAI", "AI_MODEL": "gpt-4", "WEIGHT": 0, "NO_COUNTS": 1}]
			}
		}`,
		"primary_query.json": `{"query":"x"}`,
	})
	p := manifest.New(&stubStore{}, testLogger())
	_, err := p.Parse(context.Background(), dir)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidManifest, model.KindOf(err))
}

func TestParseRejectsEmptyQuery(t *testing.T) {
	dir := writeDir(t, map[string]string{
		"manifest.json":      `{"version":"1.0","primary":{"filename":"primary_query.json"}}`,
		"primary_query.json": `{"query":"   "}`,
	})
	p := manifest.New(&stubStore{}, testLogger())
	_, err := p.Parse(context.Background(), dir)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidQuery, model.KindOf(err))
}

func TestParseRejectsTraversalPrimaryFilename(t *testing.T) {
	dir := writeDir(t, map[string]string{
		"manifest.json": `{"version":"1.0","primary":{"filename":"../outside.json"}}`,
	})
	p := manifest.New(&stubStore{}, testLogger())
	_, err := p.Parse(context.Background(), dir)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidManifest, model.KindOf(err))
}

func TestParsePrimaryByHashRawJSON(t *testing.T) {
	store := &stubStore{blobs: map[string][]byte{
		"QmQuery": []byte(`{"query":"Was the shipment insured?","outcomes":["yes","no"]}`),
	}}
	dir := writeDir(t, map[string]string{
		"manifest.json": `{"version":"1.0","primary":{"hash":"QmQuery"}}`,
	})

	p := manifest.New(store, testLogger())
	res, err := p.Parse(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "Was the shipment insured?", res.Query)
	assert.Equal(t, []string{"yes", "no"}, res.Outcomes)
	assert.Equal(t, []string{"QmQuery"}, store.fetched)
}

func TestParsePrimaryByHashNestedArchive(t *testing.T) {
	nested := buildZip(t, map[string]string{
		"primary_query.json": `{"query":"Is the invoice payable?"}`,
	})
	store := &stubStore{blobs: map[string][]byte{"QmNested": nested}}
	dir := writeDir(t, map[string]string{
		"manifest.json": `{"version":"1.0","primary":{"hash":"QmNested"}}`,
	})

	p := manifest.New(store, testLogger())
	res, err := p.Parse(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "Is the invoice payable?", res.Query)
}

func TestParseMaterializesAdditionalByCID(t *testing.T) {
	store := &stubStore{blobs: map[string][]byte{
		"QmExhibitA": []byte("exhibit payload"),
	}}
	dir := writeDir(t, map[string]string{
		"manifest.json": `{
			"version": "1.0",
			"primary": {"filename": "primary_query.json"},
			"additional": [
				{"name": "contract", "type": "UTF8", "filename": "contract.txt"},
				{"name": "exhibitA", "type": "image/png", "hash": "QmExhibitA"}
			]
		}`,
		"primary_query.json": `{"query":"x"}`,
		"contract.txt":       "the contract body",
	})

	p := manifest.New(store, testLogger())
	res, err := p.Parse(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, res.Attachments, 2)
	assert.Equal(t, "contract", res.Attachments[0].Name)
	assert.Equal(t, filepath.Join(dir, "contract.txt"), res.Attachments[0].Path)

	assert.Equal(t, "exhibitA", res.Attachments[1].Name)
	assert.Equal(t, filepath.Join(dir, "additional_QmExhibitA"), res.Attachments[1].Path)
	payload, err := os.ReadFile(res.Attachments[1].Path)
	require.NoError(t, err)
	assert.Equal(t, "exhibit payload", string(payload))
}

func TestParseMaterializesSupport(t *testing.T) {
	store := &stubStore{blobs: map[string][]byte{
		"QmSupport1": []byte("supporting evidence"),
	}}
	dir := writeDir(t, map[string]string{
		"manifest.json": `{
			"version": "1.0",
			"primary": {"filename": "primary_query.json"},
			"support": [{"hash": "QmSupport1"}]
		}`,
		"primary_query.json": `{"query":"x"}`,
	})

	p := manifest.New(store, testLogger())
	res, err := p.Parse(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, res.Support, 1)
	assert.Equal(t, "support_QmSupport1", res.Support[0].Name)
	payload, err := os.ReadFile(res.Support[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "supporting evidence", string(payload))
}

func TestParseRejectsMissingAdditionalFile(t *testing.T) {
	dir := writeDir(t, map[string]string{
		"manifest.json": `{
			"version": "1.0",
			"primary": {"filename": "primary_query.json"},
			"additional": [{"name": "contract", "filename": "contract.txt"}]
		}`,
		"primary_query.json": `{"query":"x"}`,
	})
	p := manifest.New(&stubStore{}, testLogger())
	_, err := p.Parse(context.Background(), dir)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidManifest, model.KindOf(err))
	assert.Contains(t, err.Error(), "contract.txt")
}

func TestParseRejectsSupportWithoutCID(t *testing.T) {
	dir := writeDir(t, map[string]string{
		"manifest.json": `{
			"version": "1.0",
			"primary": {"filename": "primary_query.json"},
			"support": [{"filename": "nope.txt"}]
		}`,
		"primary_query.json": `{"query":"x"}`,
	})
	p := manifest.New(&stubStore{}, testLogger())
	_, err := p.Parse(context.Background(), dir)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidManifest, model.KindOf(err))
}
