// Package router maps (query, difficulty, domain, budget, feature gates) to
// an ordered StagePlan. Policy is the difficulty-threshold table; plan
// validation runs before anything executes.
package router

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/haricheung/cascade/internal/config"
	"github.com/haricheung/cascade/internal/stage"
	"github.com/haricheung/cascade/internal/types"
)

// Stage name aliases for the policy table.
const (
	StageDomainDetect    = stage.NameDomainDetect
	StageQueryExpand     = stage.NameQueryExpand
	StageRetrieve        = stage.NameRetrieve
	StageTeacherCall     = stage.NameTeacherCall
	StageStudentCall     = stage.NameStudentCall
	StageDecompose       = stage.NameDecompose
	StageRecurse         = stage.NameRecurse
	StageContextAssembly = stage.NameContextAssembly
	StageRefine          = stage.NameRefine
	StageSynthesize      = stage.NameSynthesize
)

// groupPrelude tags the stages that fan out concurrently at plan start.
const groupPrelude = "prelude"

// Options narrow a single plan beyond the global gates.
type Options struct {
	// EnabledStages, when non-empty, is an allow-list of stage names.
	EnabledStages []string
	// DisabledStages is a deny-list applied after the allow-list.
	DisabledStages []string
	// NeedsRefinement adds the refine stage.
	NeedsRefinement bool
	// Depth is the current recursion depth; recursion is only planned at
	// depth < MaxDepth.
	Depth    int
	MaxDepth int
}

// Router builds plans.
type Router struct {
	thresholds config.Thresholds
	registry   *stage.Registry
}

// New creates a Router over the given stage registry.
func New(thresholds config.Thresholds, registry *stage.Registry) *Router {
	return &Router{thresholds: thresholds, registry: registry}
}

// row is one candidate plan entry with its marginal-value threshold used for
// budget trimming (lower threshold drops first).
type row struct {
	name      string
	threshold float64
	group     string
	required  bool
	cfg       map[string]any
}

// Build produces the plan for one execution.
//
// Expectations:
//   - DomainDetect, Retrieve, and Synthesize are always planned (gates and
//     allow/deny lists aside); Synthesize is always last and never elided
//   - Each threshold row joins the plan when difficulty >= threshold
//   - StudentCall is planned whenever TeacherCall is (fallback) or as the
//     base generator when the teacher gate is off but the threshold passed
//   - Recurse is elided at or beyond the recursion depth cap
//   - The plan never exceeds budget.MaxStages; lowest-threshold optional
//     stages are dropped first
//   - Unknown stage names in the allow/deny lists are an input error
func (r *Router) Build(q types.Query, diff types.Difficulty, budget types.Budget, feats config.Features, opts Options) (types.StagePlan, error) {
	if err := r.checkStageNames(opts.EnabledStages); err != nil {
		return types.StagePlan{}, err
	}
	if err := r.checkStageNames(opts.DisabledStages); err != nil {
		return types.StagePlan{}, err
	}

	d := diff.Score
	teacherPlanned := d >= r.thresholds.Teacher && feats.Teacher && budget.MaxTeacherCalls > 0
	studentPlanned := d >= r.thresholds.Teacher && feats.Student && budget.MaxStudentCalls > 0

	rows := []row{
		{name: StageDomainDetect, threshold: 0, group: groupPrelude, required: true},
	}
	if feats.Memory {
		rows = append(rows, row{name: StageRetrieve, threshold: 0, group: groupPrelude, required: true})
	}
	if d >= r.thresholds.Expand && feats.Expand {
		rows = append(rows, row{name: StageQueryExpand, threshold: r.thresholds.Expand, group: groupPrelude})
	}
	if teacherPlanned {
		rows = append(rows, row{name: StageTeacherCall, threshold: r.thresholds.Teacher})
	}
	if studentPlanned {
		rows = append(rows, row{name: StageStudentCall, threshold: r.thresholds.Teacher})
	}
	if d >= r.thresholds.Decompose && feats.Decompose {
		rows = append(rows, row{name: StageDecompose, threshold: r.thresholds.Decompose})
	}
	if d >= r.thresholds.Recurse && feats.Recurse && opts.Depth < opts.MaxDepth {
		rows = append(rows, row{name: StageRecurse, threshold: r.thresholds.Recurse})
	}
	if d >= r.thresholds.Context && feats.Context {
		rows = append(rows, row{name: StageContextAssembly, threshold: r.thresholds.Context})
	}
	if opts.NeedsRefinement && feats.Refine {
		// Refinement is flag-driven, not threshold-driven; it is the last
		// stage to be trimmed before the always-rows.
		rows = append(rows, row{name: StageRefine, threshold: 0.99})
	}

	rows = r.applyLists(rows, opts)
	rows = trimToBudget(rows, budget.MaxStages)

	specs := make([]types.StageSpec, 0, len(rows)+1)
	available := lo.SliceToMap(stage.InitialKeys(), func(k string) (string, struct{}) { return k, struct{}{} })
	// Prelude group members see only the initial scratchpad, so group-internal
	// ordering cannot matter. Keys become visible to later rows only after
	// the whole group, matching the scheduler's barrier.
	var pendingGroup []string
	flushGroup := func() {
		for _, k := range pendingGroup {
			available[k] = struct{}{}
		}
		pendingGroup = nil
	}
	prevGroup := ""
	for _, rw := range rows {
		if rw.group == "" || rw.group != prevGroup {
			flushGroup()
		}
		prevGroup = rw.group
		st, ok := r.registry.Get(rw.name)
		if !ok {
			return types.StagePlan{}, types.NewError(types.KindPlanning, "stage not registered: "+rw.name)
		}
		inputs := lo.Filter(st.InputKeys(), func(k string, _ int) bool {
			_, ok := available[k]
			return ok
		})
		specs = append(specs, types.StageSpec{
			Stage:         rw.name,
			Config:        rw.cfg,
			InputKeys:     inputs,
			OutputKeys:    st.OutputKeys(),
			Cacheable:     st.Cacheable(),
			Idempotent:    st.Idempotent(),
			ParallelGroup: rw.group,
		})
		if rw.group != "" {
			pendingGroup = append(pendingGroup, st.OutputKeys()...)
		} else {
			for _, k := range st.OutputKeys() {
				available[k] = struct{}{}
			}
		}
	}
	flushGroup()

	// Terminal synthesize always runs, even on a zero-stage budget.
	synth, ok := r.registry.Get(StageSynthesize)
	if !ok {
		return types.StagePlan{}, types.NewError(types.KindPlanning, "stage not registered: "+StageSynthesize)
	}
	specs = append(specs, types.StageSpec{
		Stage: StageSynthesize,
		InputKeys: lo.Filter(synth.InputKeys(), func(k string, _ int) bool {
			_, ok := available[k]
			return ok
		}),
		OutputKeys: synth.OutputKeys(),
		Idempotent: synth.Idempotent(),
	})

	plan := types.StagePlan{Specs: specs}
	if err := Validate(plan, stage.InitialKeys()); err != nil {
		return types.StagePlan{}, err
	}
	return plan, nil
}

func (r *Router) checkStageNames(names []string) error {
	for _, n := range names {
		if _, ok := r.registry.Get(n); !ok {
			return types.NewError(types.KindInput, "unknown stage in allow/deny list: "+n)
		}
	}
	return nil
}

func (r *Router) applyLists(rows []row, opts Options) []row {
	if len(opts.EnabledStages) > 0 {
		allowed := lo.SliceToMap(opts.EnabledStages, func(n string) (string, struct{}) { return n, struct{}{} })
		rows = lo.Filter(rows, func(rw row, _ int) bool {
			_, ok := allowed[rw.name]
			return ok || rw.required
		})
	}
	denied := lo.SliceToMap(opts.DisabledStages, func(n string) (string, struct{}) { return n, struct{}{} })
	return lo.Filter(rows, func(rw row, _ int) bool {
		_, deny := denied[rw.name]
		return !deny
	})
}

// trimToBudget drops optional rows lowest-threshold-first until the plan
// (plus the terminal synthesize) fits the stage cap. A nil cap means no
// limit; an explicit cap of zero leaves only the terminal synthesize.
// Required rows drop only after every optional row is gone.
func trimToBudget(rows []row, maxStages *int) []row {
	if maxStages == nil {
		return rows
	}
	if *maxStages <= 0 {
		return nil
	}
	budgetRows := *maxStages - 1 // synthesize takes one slot
	for len(rows) > budgetRows {
		idx := -1
		lowest := 2.0
		for i, rw := range rows {
			if rw.required {
				continue
			}
			if rw.threshold < lowest {
				lowest = rw.threshold
				idx = i
			}
		}
		if idx == -1 {
			// Only required rows left; drop from the end (synthesize is not
			// in rows and survives regardless).
			rows = rows[:len(rows)-1]
			continue
		}
		rows = append(rows[:idx], rows[idx+1:]...)
	}
	return rows
}

// Validate checks the static planning properties: every spec's inputs are
// produced by an earlier stage (outside its own parallel group) or present
// initially, and output keys within a parallel group are pairwise disjoint.
//
// Expectations:
//   - A spec reading a key no earlier stage produces is a planning error
//   - Two group members writing the same key is a planning error
//   - Keys written inside a group are not readable by members of that group
func Validate(plan types.StagePlan, initialKeys []string) error {
	available := make(map[string]struct{}, len(initialKeys))
	for _, k := range initialKeys {
		available[k] = struct{}{}
	}

	specs := plan.Specs
	for i := 0; i < len(specs); {
		j := i + 1
		if specs[i].ParallelGroup != "" {
			for j < len(specs) && specs[j].ParallelGroup == specs[i].ParallelGroup {
				j++
			}
		}
		group := specs[i:j]

		seen := make(map[string]string)
		for _, sp := range group {
			for _, k := range sp.InputKeys {
				if _, ok := available[k]; !ok {
					return types.NewError(types.KindPlanning,
						fmt.Sprintf("stage %s reads %q which no earlier stage produces", sp.Stage, k))
				}
			}
			for _, k := range sp.OutputKeys {
				if prev, dup := seen[k]; dup && len(group) > 1 {
					return types.NewError(types.KindPlanning,
						fmt.Sprintf("parallel group %q: stages %s and %s both write %q", sp.ParallelGroup, prev, sp.Stage, k))
				}
				seen[k] = sp.Stage
			}
		}
		for k := range seen {
			available[k] = struct{}{}
		}
		i = j
	}
	return nil
}

// Describe renders a compact plan summary for logs: stage names in order
// with parallel groups bracketed.
func Describe(plan types.StagePlan) string {
	names := make([]string, 0, len(plan.Specs))
	for _, sp := range plan.Specs {
		if sp.ParallelGroup != "" {
			names = append(names, sp.Stage+"["+sp.ParallelGroup+"]")
		} else {
			names = append(names, sp.Stage)
		}
	}
	return fmt.Sprintf("%v", names)
}
