package stages

import (
	"context"
	"fmt"

	"github.com/haricheung/cascade/internal/stage"
	"github.com/haricheung/cascade/internal/types"
)

// StepResult is the outcome of one recursive sub-step.
type StepResult struct {
	Seq      int    `json:"seq"`
	Intent   string `json:"intent"`
	Answer   string `json:"answer"`
	Terminal string `json:"terminal"`
}

// Recurse runs each decomposed step through a restricted sub-pipeline. Each
// step spends a slice of the parent budget; a failed step records an empty
// answer rather than failing the stage.
type Recurse struct{}

// NewRecurse creates the stage.
func NewRecurse() *Recurse { return &Recurse{} }

func (*Recurse) Name() string { return stage.NameRecurse }
func (*Recurse) InputKeys() []string {
	return []string{stage.KeyQueryText, stage.KeyQueryTenant, stage.KeyDecomposeSteps}
}
func (*Recurse) OutputKeys() []string { return []string{stage.KeyRecurseResults} }
func (*Recurse) Cacheable() bool      { return false }
func (*Recurse) Idempotent() bool     { return false }
func (*Recurse) Capabilities() []string {
	return []string{stage.CapRecursive, stage.CapNeedsStudent}
}

// Run executes sub-steps in order and writes recurse.step_results.
//
// Expectations:
//   - Depth at or past MaxDepth writes an empty result list, no error
//   - Each step gets an equal slice of the remaining parent budget
//   - A failed or aborted step yields an entry with its terminal state
//   - Stops early when the parent budget is exhausted or ctx is done
func (*Recurse) Run(ctx context.Context, req stage.Request) (stage.Output, error) {
	results := []StepResult{}
	rt := req.Runtime
	if rt == nil || rt.Sub == nil || rt.Depth >= rt.MaxDepth {
		return stage.Output{
			Writes: map[string]any{stage.KeyRecurseResults: results},
			Notes:  "recursion unavailable at this depth",
		}, nil
	}

	steps := decomposedSteps(req.View)
	if len(steps) == 0 {
		return stage.Output{Writes: map[string]any{stage.KeyRecurseResults: results}}, nil
	}

	var totalCost int64
	tenant := req.View.GetString(stage.KeyQueryTenant)
	for _, st := range steps {
		if ctx.Err() != nil {
			return stage.Output{}, types.WrapError(types.KindCancelled, "recursion interrupted", ctx.Err())
		}
		if rt.Ledger != nil && rt.Ledger.Exhausted() {
			break
		}

		var sub types.Budget
		if rt.Ledger != nil {
			sub = rt.Ledger.Restrict(len(steps))
		}
		res, err := rt.Sub.ExecuteSub(ctx, types.Query{Text: st.Intent, TenantID: tenant}, sub, rt.Depth+1)
		if err != nil {
			results = append(results, StepResult{Seq: st.Seq, Intent: st.Intent, Terminal: string(types.TerminalFailed)})
			continue
		}
		results = append(results, StepResult{
			Seq:      st.Seq,
			Intent:   st.Intent,
			Answer:   res.Answer,
			Terminal: string(res.Terminal),
		})
		totalCost += res.Totals.CostMicros
		// Sub-pipelines account against their own ledgers; fold their spend
		// back into the parent here.
		if rt.Ledger != nil {
			rt.Ledger.Charge(res.Totals.CostMicros, res.Totals.TokensIn, res.Totals.TokensOut)
		}
	}

	return stage.Output{
		Writes:     map[string]any{stage.KeyRecurseResults: results},
		CostMicros: totalCost,
		Notes:      fmt.Sprintf("%d/%d steps completed", len(results), len(steps)),
	}, nil
}

// decomposedSteps reads decompose.steps, tolerating the concrete slice type
// the decomposition stage writes.
func decomposedSteps(view *stage.View) []Step {
	val, ok := view.Get(stage.KeyDecomposeSteps)
	if !ok {
		return nil
	}
	steps, _ := val.([]Step)
	return steps
}
