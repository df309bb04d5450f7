package jury

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/verdikta/arbiter/internal/model"
)

// Parsed is a model response reduced to its verdict.
type Parsed struct {
	Score         []int64
	Justification string
}

type wireParsed struct {
	Score         []json.Number `json:"score"`
	Justification string        `json:"justification"`
}

var (
	fencedRE      = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	legacyScoreRE = regexp.MustCompile(`(?im)^\s*SCORE:\s*([0-9,\s]+)$`)
	legacyJustRE  = regexp.MustCompile(`(?is)JUSTIFICATION:\s*(.+)$`)
	looseScoreRE  = regexp.MustCompile(`(?is)"score"\s*:\s*\[([0-9,\s]+)\]`)
	looseJustRE   = regexp.MustCompile(`(?is)"justification"\s*:\s*"(.*)"`)
)

// ParseResponse extracts a score vector and justification from a raw
// model response. Strategies are tried in order until one yields a
// candidate that validates: whole-response JSON, fenced code block,
// embedded object scan, the legacy SCORE/JUSTIFICATION layout, and a
// last-resort regex that tolerates unescaped quotes inside the
// justification string.
func ParseResponse(raw string, k int) (*Parsed, error) {
	trimmed := strings.TrimSpace(raw)

	if p := tryJSON(trimmed, k); p != nil {
		return p, nil
	}
	for _, m := range fencedRE.FindAllStringSubmatch(trimmed, -1) {
		if p := tryJSON(strings.TrimSpace(m[1]), k); p != nil {
			return p, nil
		}
	}
	if p := tryEmbedded(trimmed, k); p != nil {
		return p, nil
	}
	if p := tryLegacy(trimmed, k); p != nil {
		return p, nil
	}
	if p := tryLoose(trimmed, k); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("no valid score vector of length %d found", k)
}

func tryJSON(s string, k int) *Parsed {
	var w wireParsed
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil
	}
	return validated(w, k)
}

// tryEmbedded scans every brace position and decodes the JSON value
// starting there, keeping the first one that validates. The decoder
// reads a prefix, so trailing prose after the object is fine.
func tryEmbedded(s string, k int) *Parsed {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		var w wireParsed
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		if err := dec.Decode(&w); err != nil {
			continue
		}
		if p := validated(w, k); p != nil {
			return p
		}
	}
	return nil
}

func tryLegacy(s string, k int) *Parsed {
	sm := legacyScoreRE.FindStringSubmatch(s)
	if sm == nil {
		return nil
	}
	score, err := parseIntList(sm[1])
	if err != nil {
		return nil
	}
	justification := ""
	if jm := legacyJustRE.FindStringSubmatch(s); jm != nil {
		justification = strings.TrimSpace(jm[1])
	}
	if err := validateScore(score, k); err != nil {
		return nil
	}
	return &Parsed{Score: score, Justification: justification}
}

func tryLoose(s string, k int) *Parsed {
	sm := looseScoreRE.FindStringSubmatch(s)
	if sm == nil {
		return nil
	}
	score, err := parseIntList(sm[1])
	if err != nil {
		return nil
	}
	if err := validateScore(score, k); err != nil {
		return nil
	}
	justification := ""
	if jm := looseJustRE.FindStringSubmatch(s); jm != nil {
		justification = jm[1]
	}
	return &Parsed{Score: score, Justification: justification}
}

func validated(w wireParsed, k int) *Parsed {
	if w.Score == nil {
		return nil
	}
	score := make([]int64, 0, len(w.Score))
	for _, n := range w.Score {
		v, ok := toInt64(n)
		if !ok {
			return nil
		}
		score = append(score, v)
	}
	if err := validateScore(score, k); err != nil {
		return nil
	}
	return &Parsed{Score: score, Justification: w.Justification}
}

func toInt64(n json.Number) (int64, bool) {
	if v, err := n.Int64(); err == nil {
		return v, true
	}
	if f, err := n.Float64(); err == nil && f == math.Trunc(f) {
		return int64(f), true
	}
	return 0, false
}

func parseIntList(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// validateScore enforces the engine's vector contract: length k,
// non-negative integers, summing to exactly the score scale.
func validateScore(score []int64, k int) error {
	if len(score) != k {
		return fmt.Errorf("score has %d components, want %d", len(score), k)
	}
	var sum int64
	for _, v := range score {
		if v < 0 {
			return errors.New("score components must be non-negative")
		}
		sum += v
	}
	if sum != model.ScoreScale {
		return fmt.Errorf("score sums to %d, want %d", sum, model.ScoreScale)
	}
	return nil
}

// fallbackVector is the uniform substitute for an unparseable slot:
// floor shares with the remainder on index 0.
func fallbackVector(k int) []int64 {
	out := make([]int64, k)
	share := model.ScoreScale / int64(k)
	for i := range out {
		out[i] = share
	}
	out[0] += model.ScoreScale - share*int64(k)
	return out
}

// averageVectors floor-averages the serial call vectors component-wise.
func averageVectors(vectors [][]int64, k int) []int64 {
	out := make([]int64, k)
	if len(vectors) == 0 {
		return out
	}
	for i := 0; i < k; i++ {
		var sum int64
		for _, v := range vectors {
			sum += v[i]
		}
		out[i] = sum / int64(len(vectors))
	}
	return out
}
