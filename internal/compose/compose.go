// Package compose builds a single deliberation job out of one or more
// resolved manifests. The first manifest is the primary and owns the
// outcomes, jury, iterations, and bound-role declarations; the rest are
// secondaries paired positionally with the primary's bCIDs.
package compose

import (
	"log/slog"
	"strings"

	"github.com/verdikta/arbiter/internal/manifest"
	"github.com/verdikta/arbiter/internal/model"
)

// Composer merges resolved manifests into deliberation jobs.
type Composer struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Composer {
	return &Composer{logger: logger}
}

// Compose builds the job from resolved manifests in request order.
// resolved[0] is the primary. addendum is the caller-supplied addendum
// string, empty when the request carried none. The returned files are
// every materialized attachment and support blob, in manifest order,
// ready for attachment processing.
func (c *Composer) Compose(resolved []*manifest.Resolved, addendum string) (*model.Job, []manifest.LocalFile, error) {
	primary := resolved[0]
	secondaries := resolved[1:]
	roles := primary.Manifest.BCIDs

	if len(secondaries) > 0 && len(roles) != len(secondaries) {
		return nil, nil, model.E(model.KindCompositionMismatch,
			"primary declares %d bound roles but request carries %d secondary CIDs",
			len(roles), len(secondaries))
	}

	var prompt strings.Builder
	prompt.WriteString(primary.Query)

	for i, sec := range secondaries {
		role := roles[i]
		if sec.Manifest.Name != "" && sec.Manifest.Name != role.Name {
			c.logger.Warn("secondary manifest name differs from its bound role",
				"position", i+1, "expected", role.Name, "got", sec.Manifest.Name)
		}
		prompt.WriteString("\n\n**\n")
		prompt.WriteString(role.Description)
		prompt.WriteString(":\nName: ")
		prompt.WriteString(role.Name)
		prompt.WriteString("\n")
		prompt.WriteString(sec.Query)
	}

	writeReferences(&prompt, secondaries, roles)

	if primary.Manifest.Addendum != "" && addendum != "" {
		prompt.WriteString("\n\nAddendum: \n")
		prompt.WriteString(primary.Manifest.Addendum)
		prompt.WriteString(": ")
		prompt.WriteString(SanitizeAddendum(addendum))
	}

	job := &model.Job{
		Prompt:     prompt.String(),
		Outcomes:   primary.Outcomes,
		Jury:       primary.Jury,
		Iterations: primary.Iterations,
		References: mergeReferences(primary, secondaries),
	}
	return job, collectFiles(resolved), nil
}

// writeReferences appends the references block. It is present only when at
// least one secondary carries references, and lists each such secondary
// under its manifest name, falling back to the bound-role key.
func writeReferences(prompt *strings.Builder, secondaries []*manifest.Resolved, roles model.BoundRoles) {
	any := false
	for _, sec := range secondaries {
		if len(sec.References) > 0 {
			any = true
			break
		}
	}
	if !any {
		return
	}

	prompt.WriteString("\n\nReferences:\n")
	for i, sec := range secondaries {
		if len(sec.References) == 0 {
			continue
		}
		name := sec.Manifest.Name
		if name == "" {
			name = roles[i].Name
		}
		prompt.WriteString(name)
		prompt.WriteString(": \n")
		prompt.WriteString(strings.Join(sec.References, "\n"))
		prompt.WriteString("\n\n")
	}
}

func mergeReferences(primary *manifest.Resolved, secondaries []*manifest.Resolved) []string {
	var refs []string
	refs = append(refs, primary.References...)
	for _, sec := range secondaries {
		refs = append(refs, sec.References...)
	}
	return refs
}

func collectFiles(resolved []*manifest.Resolved) []manifest.LocalFile {
	var files []manifest.LocalFile
	for _, r := range resolved {
		files = append(files, r.Attachments...)
		files = append(files, r.Support...)
	}
	return files
}

// SanitizeAddendum strips the four marker characters < > { } from a
// caller-supplied addendum string. Everything else passes through intact.
func SanitizeAddendum(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '{', '}':
			return -1
		}
		return r
	}, s)
}
