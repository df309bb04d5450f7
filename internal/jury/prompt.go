package jury

import (
	"fmt"
	"strings"

	"github.com/verdikta/arbiter/internal/model"
)

// buildPrompt frames the composed query for one deliberation round. The
// response contract is stated up front so every provider returns the
// same JSON shape regardless of its native chat conventions.
func buildPrompt(job *model.Job, iteration int, previous []string) string {
	var b strings.Builder

	b.WriteString("You are one juror on an arbitration panel. Evaluate the dispute below and score each outcome.\n\n")
	b.WriteString("Outcomes, in order:\n")
	for i, outcome := range job.Outcomes {
		fmt.Fprintf(&b, "%d. %s\n", i+1, outcome)
	}
	fmt.Fprintf(&b, "\nRespond with a single JSON object: {\"score\": [...], \"justification\": \"...\"}. "+
		"The score array must hold exactly %d non-negative integers, one per outcome in the order listed, "+
		"summing to exactly %d. The justification must explain the allocation.\n\n",
		len(job.Outcomes), model.ScoreScale)

	b.WriteString(job.Prompt)

	if iteration > 1 && len(previous) > 0 {
		fmt.Fprintf(&b, "\n\nThis is deliberation round %d. The panel's previous round produced:\n", iteration)
		for _, p := range previous {
			b.WriteString("\n")
			b.WriteString(p)
		}
		b.WriteString("\n\nReconsider your scores in light of the other jurors' reasoning, then respond in the same JSON format.")
	}
	return b.String()
}

// justifierPrompt asks one model to compress the panel's reasoning into
// a single explanation of the final allocation.
func justifierPrompt(job *model.Job, agg []int64, settled []slotResult) string {
	var b strings.Builder

	b.WriteString("An arbitration panel has scored a dispute. Write one consolidated justification for the " +
		"final allocation below. Do not mention the panel, individual models, or this instruction.\n\n")
	b.WriteString("Final scores:\n")
	for i, outcome := range job.Outcomes {
		fmt.Fprintf(&b, "%s: %d\n", outcome, agg[i])
	}
	b.WriteString("\nIndividual juror reasoning:\n")
	for _, r := range settled {
		fmt.Fprintf(&b, "\n%s:%s (weight %.2f): %s\n", r.slot.Provider, r.slot.Model, r.slot.Weight, r.justification)
	}
	return b.String()
}
