package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/haricheung/cascade/internal/stage"
)

// maxPlaybookNotes caps how many retrieved notes the playbook quotes.
const maxPlaybookNotes = 3

// ContextAssembly distills the scratchpad so far into a compact playbook for
// downstream generation. Pure string work over whatever upstream stages
// produced; it never calls a model and never fails.
type ContextAssembly struct{}

// NewContextAssembly creates the stage.
func NewContextAssembly() *ContextAssembly { return &ContextAssembly{} }

func (*ContextAssembly) Name() string { return stage.NameContextAssembly }
func (*ContextAssembly) InputKeys() []string {
	return []string{
		stage.KeyQueryText, stage.KeyDomainLabel, stage.KeyRetrievalNotes,
		stage.KeyDecomposeSteps, stage.KeyRecurseResults,
	}
}
func (*ContextAssembly) OutputKeys() []string  { return []string{stage.KeyContextPlaybook} }
func (*ContextAssembly) Cacheable() bool       { return true }
func (*ContextAssembly) Idempotent() bool      { return true }
func (*ContextAssembly) Capabilities() []string { return nil }

// Run writes context.playbook. Sections with no upstream material are
// omitted; with nothing at all the playbook is empty, which downstream
// prompts treat as absent.
func (*ContextAssembly) Run(ctx context.Context, req stage.Request) (stage.Output, error) {
	var b strings.Builder

	if domain := req.View.GetString(stage.KeyDomainLabel); domain != "" && domain != "general" {
		fmt.Fprintf(&b, "Domain: %s. Answer with the conventions of that field.\n", domain)
	}

	if notes := scoredNotes(req.View, stage.KeyRetrievalNotes); len(notes) > 0 {
		b.WriteString("Relevant past findings:\n")
		for i, n := range notes {
			if i >= maxPlaybookNotes {
				break
			}
			fmt.Fprintf(&b, "- %s\n", firstLine(n.Note.Text))
		}
	}

	if steps := decomposedSteps(req.View); len(steps) > 1 {
		b.WriteString("Cover each part:\n")
		for _, st := range steps {
			fmt.Fprintf(&b, "%d. %s\n", st.Seq, st.Intent)
		}
	}

	if results := recurseResults(req.View); len(results) > 0 {
		b.WriteString("Sub-answers already worked out:\n")
		for _, r := range results {
			if r.Answer == "" {
				continue
			}
			fmt.Fprintf(&b, "%d. %s -> %s\n", r.Seq, r.Intent, firstLine(r.Answer))
		}
	}

	return stage.Output{
		Writes: map[string]any{stage.KeyContextPlaybook: strings.TrimRight(b.String(), "\n")},
	}, nil
}

// recurseResults reads recurse.step_results, tolerating the concrete slice
// type the recursion stage writes.
func recurseResults(view *stage.View) []StepResult {
	val, ok := view.Get(stage.KeyRecurseResults)
	if !ok {
		return nil
	}
	results, _ := val.([]StepResult)
	return results
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		s = s[:idx]
	}
	const maxLen = 200
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
