package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/haricheung/cascade/internal/modelclient"
	"github.com/haricheung/cascade/internal/stage"
)

// Refinement loop defaults; both are overridable per plan via stage config.
const (
	defaultRefineIterations = 2
	defaultRefineEpsilon    = 0.05
)

const refinePrompt = `Improve the draft answer below. Weaknesses found:
%s

Question:
%s

Draft:
%s

Rewrite the full answer fixing those weaknesses. Keep everything that is already correct. Output ONLY the improved answer.`

// RoundScore is one refinement round's heuristic judgment.
type RoundScore struct {
	Round        int     `json:"round"`
	Relevance    float64 `json:"relevance"`
	Groundedness float64 `json:"groundedness"`
	Completeness float64 `json:"completeness"`
	Overall      float64 `json:"overall"`
}

// Refine iteratively improves the best available draft answer. Scoring is a
// local heuristic; only the rewrite itself consults a model, so a missing
// client degrades to scoring the draft once and keeping it.
type Refine struct {
	client string
}

// NewRefine creates the stage bound to the named client.
func NewRefine(client string) *Refine { return &Refine{client: client} }

func (*Refine) Name() string { return stage.NameRefine }
func (*Refine) InputKeys() []string {
	return []string{
		stage.KeyQueryText, stage.KeyTeacherAnswer, stage.KeyStudentAnswer,
		stage.KeyRetrievalNotes, stage.KeyDecomposeSteps,
	}
}
func (*Refine) OutputKeys() []string {
	return []string{stage.KeyRefineFinal, stage.KeyRefineHistory}
}
func (*Refine) Cacheable() bool         { return false }
func (*Refine) Idempotent() bool        { return true }
func (*Refine) Capabilities() []string  { return []string{stage.CapNeedsTeacher} }

// Run writes refine.final and refine.score_history.
//
// Expectations:
//   - No draft on the scratchpad → empty final, empty history, no error
//   - Stops after max_iterations rounds or when a round improves the
//     overall score by less than epsilon
//   - A rewrite that scores worse than the incumbent is discarded
//   - Model failure mid-loop keeps the best draft so far, no error
func (s *Refine) Run(ctx context.Context, req stage.Request) (stage.Output, error) {
	draft := req.View.GetString(stage.KeyTeacherAnswer)
	if draft == "" {
		draft = req.View.GetString(stage.KeyStudentAnswer)
	}
	if draft == "" {
		return stage.Output{
			Writes: map[string]any{stage.KeyRefineFinal: "", stage.KeyRefineHistory: []RoundScore{}},
			Notes:  "no draft to refine",
		}, nil
	}

	maxIter := configInt(req.Config, "max_iterations", defaultRefineIterations)
	epsilon := configFloat(req.Config, "epsilon", defaultRefineEpsilon)
	query := req.View.GetString(stage.KeyQueryText)

	best := draft
	bestScore := s.score(req.View, query, best, 1)
	history := []RoundScore{bestScore}
	var totalCost int64
	var tokensIn, tokensOut int

	rt := req.Runtime
	for round := 2; round <= maxIter+1; round++ {
		if rt == nil || rt.Clients == nil || !rt.Clients.Has(s.client) {
			break
		}
		if ctx.Err() != nil {
			break
		}

		weaknesses := describeWeaknesses(bestScore)
		if weaknesses == "" {
			break
		}
		gen, err := rt.Clients.Generate(ctx, s.client,
			fmt.Sprintf(refinePrompt, weaknesses, query, best),
			modelclient.Options{MaxTokens: 1024}, rt.Ledger)
		if err != nil {
			break
		}
		totalCost += gen.CostMicros
		tokensIn += gen.TokensIn
		tokensOut += gen.TokensOut

		candidate := strings.TrimSpace(gen.Text)
		if candidate == "" {
			break
		}
		candScore := s.score(req.View, query, candidate, round)
		history = append(history, candScore)
		if candScore.Overall <= bestScore.Overall {
			break
		}
		gain := candScore.Overall - bestScore.Overall
		best, bestScore = candidate, candScore
		if gain < epsilon {
			break
		}
	}

	return stage.Output{
		Writes: map[string]any{
			stage.KeyRefineFinal:   best,
			stage.KeyRefineHistory: history,
		},
		CostMicros: totalCost,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		Notes:      fmt.Sprintf("%d rounds, final score %.2f", len(history), bestScore.Overall),
	}, nil
}

// score judges an answer on relevance to the query, groundedness in the
// retrieved notes, and coverage of the decomposed parts.
func (s *Refine) score(view *stage.View, query, answer string, round int) RoundScore {
	lower := strings.ToLower(answer)

	relevance := termOverlap(query, lower)

	groundedness := 1.0
	if notes := scoredNotes(view, stage.KeyRetrievalNotes); len(notes) > 0 {
		grounded := 0
		for i, n := range notes {
			if i >= maxPromptNotes {
				break
			}
			if strings.Contains(answer, fmt.Sprintf("[%d]", i+1)) || termOverlap(n.Note.Text, lower) > 0.5 {
				grounded++
			}
		}
		groundedness = float64(grounded) / float64(min(len(notes), maxPromptNotes))
	}

	completeness := 1.0
	if steps := decomposedSteps(view); len(steps) > 1 {
		covered := 0
		for _, st := range steps {
			if termOverlap(st.Intent, lower) > 0.5 {
				covered++
			}
		}
		completeness = float64(covered) / float64(len(steps))
	}

	return RoundScore{
		Round:        round,
		Relevance:    relevance,
		Groundedness: groundedness,
		Completeness: completeness,
		Overall:      (relevance + groundedness + completeness) / 3,
	}
}

// describeWeaknesses names the dimensions scoring below par, for the rewrite
// prompt. Empty when nothing is weak enough to rewrite for.
func describeWeaknesses(sc RoundScore) string {
	var lines []string
	if sc.Relevance < 0.7 {
		lines = append(lines, "- Parts of the question are not addressed directly.")
	}
	if sc.Groundedness < 0.7 {
		lines = append(lines, "- Claims are not tied back to the provided background notes.")
	}
	if sc.Completeness < 0.7 {
		lines = append(lines, "- Some sub-parts of the question are missing from the answer.")
	}
	return strings.Join(lines, "\n")
}

// termOverlap is the fraction of significant terms of src that appear in the
// lowercased target.
func termOverlap(src, lowerTarget string) float64 {
	terms := significantTerms(src)
	if len(terms) == 0 {
		return 1.0
	}
	hit := 0
	for _, t := range terms {
		if strings.Contains(lowerTarget, t) {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}

func significantTerms(s string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) >= 4 {
			terms = append(terms, w)
		}
	}
	return terms
}
