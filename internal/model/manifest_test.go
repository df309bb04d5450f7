package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdikta/arbiter/internal/model"
)

const fullManifest = `{
	"version": "1.0",
	"name": "dispute-42",
	"primary": {"filename": "primary_query.json"},
	"juryParameters": {
		"NUMBER_OF_OUTCOMES": 2,
		"AI_NODES": [
			{"AI_PROVIDER": "OpenAI", "AI_MODEL": "gpt-4o", "WEIGHT": 0.6, "NO_COUNTS": 1},
			{"AI_PROVIDER": "Anthropic", "AI_MODEL": "claude-sonnet-4-20250514", "WEIGHT": 0.4, "NO_COUNTS": 2}
		],
		"ITERATIONS": 1
	},
	"additional": [
		{"name": "contract", "type": "UTF8", "filename": "contract.txt"},
		{"name": "exhibit-a", "type": "image/png", "hash": "QmExhibitA"}
	],
	"support": [{"hash": "QmSupport1"}],
	"bCIDs": {"plaintiff": "Plaintiff position", "defendant": "Defendant position"},
	"addendum": "ETH price USD"
}`

func TestManifest_DecodeFull(t *testing.T) {
	var m model.Manifest
	require.NoError(t, json.Unmarshal([]byte(fullManifest), &m))

	assert.Equal(t, "1.0", m.Version)
	assert.Equal(t, "dispute-42", m.Name)
	assert.Equal(t, "primary_query.json", m.Primary.Filename)
	require.NotNil(t, m.JuryParameters)
	assert.Equal(t, 2, m.JuryParameters.NumberOfOutcomes)
	require.Len(t, m.JuryParameters.AINodes, 2)
	assert.Equal(t, "OpenAI", m.JuryParameters.AINodes[0].Provider)
	assert.Equal(t, 0.4, m.JuryParameters.AINodes[1].Weight)
	assert.Equal(t, 2, m.JuryParameters.AINodes[1].Count)
	require.Len(t, m.Additional, 2)
	assert.Equal(t, "QmExhibitA", m.Additional[1].Hash)
	assert.Equal(t, "ETH price USD", m.Addendum)
}

func TestBoundRoles_PreservesDeclarationOrder(t *testing.T) {
	var m model.Manifest
	require.NoError(t, json.Unmarshal([]byte(fullManifest), &m))

	require.Len(t, m.BCIDs, 2)
	assert.Equal(t, "plaintiff", m.BCIDs[0].Name)
	assert.Equal(t, "Plaintiff position", m.BCIDs[0].Description)
	assert.Equal(t, "defendant", m.BCIDs[1].Name)
}

func TestBoundRoles_OrderSurvivesManyKeys(t *testing.T) {
	// Map-backed decoding would scramble this ordering often enough for the
	// test to catch it.
	raw := `{"k9":"a","k1":"b","k5":"c","k3":"d","k7":"e","k0":"f"}`
	var roles model.BoundRoles
	require.NoError(t, json.Unmarshal([]byte(raw), &roles))

	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"k9", "k1", "k5", "k3", "k7", "k0"}, names)
}

func TestBoundRoles_RejectsNonObject(t *testing.T) {
	var roles model.BoundRoles
	assert.Error(t, json.Unmarshal([]byte(`["plaintiff"]`), &roles))
	assert.Error(t, json.Unmarshal([]byte(`{"plaintiff": 3}`), &roles))
}

func TestManifest_RoundTrip(t *testing.T) {
	var m model.Manifest
	require.NoError(t, json.Unmarshal([]byte(fullManifest), &m))

	encoded, err := json.Marshal(m)
	require.NoError(t, err)

	var back model.Manifest
	require.NoError(t, json.Unmarshal(encoded, &back))
	assert.Equal(t, m, back)
}

func TestFileRef_Valid(t *testing.T) {
	assert.True(t, model.FileRef{Filename: "q.json"}.Valid())
	assert.True(t, model.FileRef{Hash: "QmX"}.Valid())
	assert.False(t, model.FileRef{}.Valid())
	assert.False(t, model.FileRef{Filename: "q.json", Hash: "QmX"}.Valid())
}
