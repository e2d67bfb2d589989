package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haricheung/cascade/internal/modelclient"
	"github.com/haricheung/cascade/internal/stage"
)

// maxDecomposeSteps bounds how many sub-steps a decomposition may produce.
const maxDecomposeSteps = 5

const decomposePrompt = `Break the question below into the minimum ordered sub-steps needed to answer it. Prefer ONE step for a simple question; split only when parts are genuinely separable.

Question:
%s

Output ONLY a JSON array (no wrapper, no markdown, no prose):
[
  {"seq": 1, "intent": "<one-sentence sub-question>"}
]`

// Step is one ordered sub-step of a decomposed query.
type Step struct {
	Seq    int    `json:"seq"`
	Intent string `json:"intent"`
}

// Decompose breaks the query into ordered sub-steps. Model failure falls
// back to a sentence-split heuristic, so the stage itself never fails the
// plan on model errors.
type Decompose struct {
	client string
}

// NewDecompose creates the stage bound to the named (student) client.
func NewDecompose(client string) *Decompose { return &Decompose{client: client} }

func (*Decompose) Name() string            { return stage.NameDecompose }
func (*Decompose) InputKeys() []string     { return []string{stage.KeyQueryText} }
func (*Decompose) OutputKeys() []string    { return []string{stage.KeyDecomposeSteps} }
func (*Decompose) Cacheable() bool         { return true }
func (*Decompose) Idempotent() bool        { return true }
func (*Decompose) Capabilities() []string  { return []string{stage.CapNeedsStudent} }

// Run writes decompose.steps.
//
// Expectations:
//   - Steps are sequentially numbered from 1, at most maxDecomposeSteps
//   - Model failure falls back to heuristic sentence splitting
//   - A query with no split points yields a single step
func (s *Decompose) Run(ctx context.Context, req stage.Request) (stage.Output, error) {
	query := req.View.GetString(stage.KeyQueryText)

	rt := req.Runtime
	if rt != nil && rt.Clients != nil && rt.Clients.Has(s.client) {
		gen, err := rt.Clients.Generate(ctx, s.client, fmt.Sprintf(decomposePrompt, query), modelclient.Options{MaxTokens: 512}, rt.Ledger)
		if err == nil {
			if steps := parseSteps(gen.Text); len(steps) > 0 {
				return stage.Output{
					Writes:     map[string]any{stage.KeyDecomposeSteps: steps},
					CostMicros: gen.CostMicros,
					TokensIn:   gen.TokensIn,
					TokensOut:  gen.TokensOut,
				}, nil
			}
		} else {
			slog.Debug("[DECOMPOSE] model failed, using heuristic split", "error", err)
		}
	}

	return stage.Output{
		Writes: map[string]any{stage.KeyDecomposeSteps: heuristicSteps(query)},
		Notes:  "heuristic split",
	}, nil
}

func parseSteps(raw string) []Step {
	var steps []Step
	if err := json.Unmarshal([]byte(stripFences(raw)), &steps); err != nil {
		return nil
	}
	out := steps[:0]
	for _, st := range steps {
		if strings.TrimSpace(st.Intent) == "" {
			continue
		}
		st.Seq = len(out) + 1
		out = append(out, st)
		if len(out) == maxDecomposeSteps {
			break
		}
	}
	return out
}

// heuristicSteps splits on sentence-ish boundaries and clause separators.
func heuristicSteps(query string) []Step {
	parts := strings.FieldsFunc(query, func(r rune) bool {
		return r == '.' || r == ';' || r == '?'
	})
	var steps []Step
	for _, p := range parts {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		steps = append(steps, Step{Seq: len(steps) + 1, Intent: p})
		if len(steps) == maxDecomposeSteps {
			break
		}
	}
	if len(steps) == 0 {
		steps = []Step{{Seq: 1, Intent: strings.TrimSpace(query)}}
	}
	return steps
}
