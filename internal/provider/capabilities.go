package provider

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed capabilities.yaml
var embeddedMatrix []byte

// Capabilities declares what a model accepts and how it behaves.
type Capabilities struct {
	Image          bool
	Attachment     bool
	NativeDocument bool
	Reasoning      bool
}

// Matrix is the provider/model capability table. The default table ships
// embedded in the binary; deployments can point at their own copy.
type Matrix struct {
	providers map[string][]familyRule
}

type familyRule struct {
	Match          []string `yaml:"match"`
	Image          bool     `yaml:"image"`
	Attachment     bool     `yaml:"attachment"`
	NativeDocument bool     `yaml:"nativeDocument"`
	Reasoning      bool     `yaml:"reasoning"`
}

type matrixFile struct {
	Providers []struct {
		Name     string       `yaml:"name"`
		Families []familyRule `yaml:"families"`
	} `yaml:"providers"`
}

// LoadMatrix reads the capability table from path, or the embedded
// default when path is empty.
func LoadMatrix(path string) (*Matrix, error) {
	raw := embeddedMatrix
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("capabilities: read %s: %w", path, err)
		}
		raw = b
	}

	var f matrixFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("capabilities: parse: %w", err)
	}

	m := &Matrix{providers: make(map[string][]familyRule, len(f.Providers))}
	for _, p := range f.Providers {
		m.providers[strings.ToLower(p.Name)] = p.Families
	}
	return m, nil
}

// Lookup returns the declared capabilities for a provider/model pair.
// Families match in declared order against the model name, first match
// wins. Unmatched models are treated as text-only.
func (m *Matrix) Lookup(providerName, mdl string) Capabilities {
	lm := strings.ToLower(mdl)
	for _, fam := range m.providers[strings.ToLower(providerName)] {
		for _, token := range fam.Match {
			if strings.Contains(lm, strings.ToLower(token)) {
				return Capabilities{
					Image:          fam.Image,
					Attachment:     fam.Attachment,
					NativeDocument: fam.NativeDocument,
					Reasoning:      fam.Reasoning,
				}
			}
		}
	}
	return Capabilities{}
}

// SupportsNativeDocument is the attachment processor's view of the table.
func (m *Matrix) SupportsNativeDocument(providerName, mdl string) bool {
	return m.Lookup(providerName, mdl).NativeDocument
}
