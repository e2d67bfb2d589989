package stages

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/haricheung/cascade/internal/stage"
	"github.com/haricheung/cascade/internal/types"
)

// degradedAnswer is emitted when no upstream stage produced any material.
const degradedAnswer = "No answer could be produced within the allotted budget."

// deniedAnswer replaces an answer that matched a tenant deny pattern.
const deniedAnswer = "The produced answer was withheld by content policy."

// Synthesize picks the final answer from whatever upstream stages produced
// and records its provenance. It is the one stage every plan ends with; it
// consumes no model budget and never fails.
type Synthesize struct {
	denyPatterns []*regexp.Regexp
}

// NewSynthesize creates the stage. Invalid deny patterns are skipped at
// construction; the caller logs them.
func NewSynthesize(denyPatterns []string) *Synthesize {
	s := &Synthesize{}
	for _, p := range denyPatterns {
		if re, err := regexp.Compile(p); err == nil {
			s.denyPatterns = append(s.denyPatterns, re)
		}
	}
	return s
}

func (*Synthesize) Name() string { return stage.NameSynthesize }
func (*Synthesize) InputKeys() []string {
	return []string{
		stage.KeyQueryText, stage.KeyRefineFinal, stage.KeyTeacherAnswer,
		stage.KeyTeacherCitations, stage.KeyStudentAnswer,
		stage.KeyRetrievalNotes, stage.KeyRecurseResults,
	}
}
func (*Synthesize) OutputKeys() []string {
	return []string{stage.KeyFinalAnswer, stage.KeyFinalProvenance}
}
func (*Synthesize) Cacheable() bool         { return false }
func (*Synthesize) Idempotent() bool        { return true }
func (*Synthesize) Capabilities() []string  { return nil }

// Run writes final.answer and final.provenance.
//
// Expectations:
//   - Source priority: refined > teacher > student > sub-answers >
//     retrieval summary > degraded notice
//   - Provenance names the winning source plus any citations carried over
//   - A deny-pattern match replaces the answer and is recorded in provenance
func (s *Synthesize) Run(ctx context.Context, req stage.Request) (stage.Output, error) {
	answer, provenance := s.pick(req.View)

	for _, re := range s.denyPatterns {
		if re.MatchString(answer) {
			answer = deniedAnswer
			provenance = append(provenance, "policy:denied")
			break
		}
	}

	return stage.Output{
		Writes: map[string]any{
			stage.KeyFinalAnswer:     answer,
			stage.KeyFinalProvenance: provenance,
		},
	}, nil
}

func (s *Synthesize) pick(view *stage.View) (string, []string) {
	if a := view.GetString(stage.KeyRefineFinal); a != "" {
		return a, []string{"refine"}
	}
	if a := view.GetString(stage.KeyTeacherAnswer); a != "" {
		prov := []string{"teacher"}
		for _, c := range view.GetStrings(stage.KeyTeacherCitations) {
			prov = append(prov, "cite:"+c)
		}
		return a, prov
	}
	if a := view.GetString(stage.KeyStudentAnswer); a != "" {
		return a, []string{"student"}
	}
	if results := recurseResults(view); len(results) > 0 {
		if a := joinStepAnswers(results); a != "" {
			return a, []string{"recurse"}
		}
	}
	if notes := scoredNotes(view, stage.KeyRetrievalNotes); len(notes) > 0 {
		return summarizeNotes(notes), []string{"retrieval"}
	}
	return degradedAnswer, []string{"degraded"}
}

func joinStepAnswers(results []StepResult) string {
	var b strings.Builder
	for _, r := range results {
		if r.Answer == "" {
			continue
		}
		fmt.Fprintf(&b, "%d. %s: %s\n", r.Seq, r.Intent, r.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}

// summarizeNotes renders a best-effort answer from retrieved notes alone,
// used when every generation stage was skipped or failed.
func summarizeNotes(notes []types.ScoredNote) string {
	var b strings.Builder
	b.WriteString("From prior findings:\n")
	for i, n := range notes {
		if i >= maxPromptNotes {
			break
		}
		fmt.Fprintf(&b, "- %s\n", firstLine(n.Note.Text))
	}
	return strings.TrimRight(b.String(), "\n")
}
