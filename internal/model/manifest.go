package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Manifest is the wire form of manifest.json at the root of a deliberation
// archive. All fields are immutable after parse. Validation tags cover the
// range rules; the XOR rules on FileRef are checked explicitly by the
// parser so the error message can name the offending entry.
type Manifest struct {
	Version        string          `json:"version" validate:"required"`
	Name           string          `json:"name,omitempty"`
	Primary        FileRef         `json:"primary" validate:"required"`
	JuryParameters *JuryParameters `json:"juryParameters,omitempty"`
	Additional     []AdditionalRef `json:"additional,omitempty" validate:"dive"`
	Support        []FileRef       `json:"support,omitempty"`
	BCIDs          BoundRoles      `json:"bCIDs,omitempty"`
	Addendum       string          `json:"addendum,omitempty"`
}

// FileRef points at a blob either inside the archive (Filename) or in the
// content store (Hash). Exactly one of the two must be set.
type FileRef struct {
	Filename string `json:"filename,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// Valid reports whether exactly one of Filename and Hash is set.
func (r FileRef) Valid() bool {
	return (r.Filename != "") != (r.Hash != "")
}

// AdditionalRef is one supplementary input. Type is a capability hint:
// "UTF8", a MIME type such as "image/png", or "ipfs/cid".
type AdditionalRef struct {
	Name     string `json:"name" validate:"required"`
	Type     string `json:"type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// Ref returns the entry's location as a FileRef.
func (a AdditionalRef) Ref() FileRef {
	return FileRef{Filename: a.Filename, Hash: a.Hash}
}

// JuryParameters configures the deliberation on a primary manifest.
// Field names follow the on-chain archive convention.
type JuryParameters struct {
	NumberOfOutcomes int      `json:"NUMBER_OF_OUTCOMES,omitempty" validate:"omitempty,min=2"`
	AINodes          []AINode `json:"AI_NODES,omitempty" validate:"dive"`
	Iterations       int      `json:"ITERATIONS,omitempty" validate:"omitempty,min=1"`
}

// AINode is one jury slot declaration.
type AINode struct {
	Provider string  `json:"AI_PROVIDER" validate:"required"`
	Model    string  `json:"AI_MODEL" validate:"required"`
	Weight   float64 `json:"WEIGHT" validate:"gt=0,lte=1"`
	Count    int     `json:"NO_COUNTS" validate:"min=1"`
}

// BoundRole names one expected secondary archive and describes its role in
// the composed prompt.
type BoundRole struct {
	Name        string
	Description string
}

// BoundRoles is the ordered bCIDs mapping from the primary manifest.
// JSON objects carry no order of their own, but secondaries are paired
// with these entries by position, so decoding preserves declaration order.
type BoundRoles []BoundRole

func (b *BoundRoles) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("model: bCIDs: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("model: bCIDs must be an object")
	}
	out := BoundRoles{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("model: bCIDs key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("model: bCIDs key is not a string")
		}
		var desc string
		if err := dec.Decode(&desc); err != nil {
			return fmt.Errorf("model: bCIDs[%s]: value must be a string: %w", key, err)
		}
		out = append(out, BoundRole{Name: key, Description: desc})
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("model: bCIDs: %w", err)
	}
	*b = out
	return nil
}

func (b BoundRoles) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, role := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(role.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(role.Description)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// PrimaryQuery is the JSON file referenced by Manifest.Primary. Outcomes is
// honored on the primary manifest only; secondaries contribute just their
// query text and references.
type PrimaryQuery struct {
	Query      string   `json:"query"`
	References []string `json:"references,omitempty"`
	Outcomes   []string `json:"outcomes,omitempty"`
}
