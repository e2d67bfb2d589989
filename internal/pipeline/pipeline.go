// Package pipeline is the façade over the whole engine: validate, estimate,
// plan, execute, trace. One Pipeline serves many concurrent sessions.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/haricheung/cascade/internal/cache"
	"github.com/haricheung/cascade/internal/clock"
	"github.com/haricheung/cascade/internal/config"
	"github.com/haricheung/cascade/internal/difficulty"
	"github.com/haricheung/cascade/internal/embed"
	"github.com/haricheung/cascade/internal/memory"
	"github.com/haricheung/cascade/internal/modelclient"
	"github.com/haricheung/cascade/internal/router"
	"github.com/haricheung/cascade/internal/scheduler"
	"github.com/haricheung/cascade/internal/stage"
	"github.com/haricheung/cascade/internal/trace"
	"github.com/haricheung/cascade/internal/types"
)

// maxRecursionDepth is the hard cap on configured recursion depth.
const maxRecursionDepth = 3

// Options tune one execution.
type Options struct {
	DomainHint     string
	TenantID       string
	Budget         types.Budget
	EnabledStages  []string
	DisabledStages []string
	// NeedsRefinement adds the refinement stage to the plan.
	NeedsRefinement bool
	// Trace keeps the full scratchpad snapshot on the closed session.
	Trace bool
	// DeterministicSeed, when non-zero, seeds session ids and fixes the
	// merge order of parallel groups.
	DeterministicSeed int64
	// RecursionDepthMax overrides the configured depth cap when positive.
	RecursionDepthMax int
}

// Deps are the pipeline's collaborators, injected at construction.
type Deps struct {
	Clock    clock.Clock
	Clients  *modelclient.Registry
	Memory   *memory.Store
	Embedder embed.Embedder
	Traces   *trace.Store
	Cache    *cache.Cache
	Stages   *stage.Registry
}

// Pipeline executes queries.
type Pipeline struct {
	cfg       config.Config
	clk       clock.Clock
	clients   *modelclient.Registry
	memory    *memory.Store
	embedder  embed.Embedder
	traces    *trace.Store
	stages    *stage.Registry
	router    *router.Router
	scheduler *scheduler.Scheduler
	estimator *difficulty.Estimator
	ids       *clock.IDSource
}

// New wires a Pipeline from its dependencies. A nil Deps.Clock defaults to
// the wall clock; Memory, Cache, and Embedder may be nil and the affected
// stages degrade.
func New(cfg config.Config, deps Deps) *Pipeline {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	traces := deps.Traces
	if traces == nil {
		traces = trace.New(clk)
	}
	return &Pipeline{
		cfg:       cfg,
		clk:       clk,
		clients:   deps.Clients,
		memory:    deps.Memory,
		embedder:  deps.Embedder,
		traces:    traces,
		stages:    deps.Stages,
		router:    router.New(cfg.RouterThresholds, deps.Stages),
		scheduler: scheduler.New(deps.Stages, deps.Cache, traces, clk, cfg),
		estimator: difficulty.New(difficulty.DefaultWeights()),
		ids:       clock.NewIDSource(clk),
	}
}

// Execute runs one query through the full pipeline.
//
// Expectations:
//   - Empty or oversized query text fails with an input error and no session
//   - Unknown stage names in the allow/deny lists fail the same way
//   - A zero-value budget is filled from the configured defaults; in a
//     partial budget only an omitted stage cap takes its default
//   - Every execution that planned successfully returns a Result with a
//     session id, a terminal state, and totals, even on abort
func (p *Pipeline) Execute(ctx context.Context, text string, opts Options) (types.Result, error) {
	if strings.TrimSpace(text) == "" {
		return types.Result{}, types.NewError(types.KindInput, "empty query")
	}
	if len(text) > types.MaxQueryBytes {
		return types.Result{}, types.NewError(types.KindInput,
			fmt.Sprintf("query exceeds %d bytes", types.MaxQueryBytes))
	}
	if err := validBudget(opts.Budget); err != nil {
		return types.Result{}, err
	}

	q := types.Query{
		Text:       text,
		DomainHint: opts.DomainHint,
		TenantID:   opts.TenantID,
		Trace:      opts.Trace,
	}
	return p.run(ctx, q, opts, 0)
}

// ExecuteSub runs a restricted sub-pipeline for the recursion stage. The sub
// session shares the trace store (each step is independently inspectable) but
// spends only its own derived budget.
func (p *Pipeline) ExecuteSub(ctx context.Context, q types.Query, budget types.Budget, depth int) (types.Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return types.Result{}, types.NewError(types.KindInput, "empty sub-query")
	}
	return p.run(ctx, q, Options{TenantID: q.TenantID, Budget: budget}, depth)
}

func (p *Pipeline) run(ctx context.Context, q types.Query, opts Options, depth int) (types.Result, error) {
	budget := p.fillBudget(opts.Budget)
	diff := p.estimator.Estimate(q, 0)
	feats := p.cfg.FeaturesFor(q.TenantID)

	maxDepth := p.cfg.RecursionDepthMax
	if opts.RecursionDepthMax > 0 {
		maxDepth = opts.RecursionDepthMax
	}
	if maxDepth > maxRecursionDepth {
		maxDepth = maxRecursionDepth
	}

	plan, err := p.router.Build(q, diff, budget, feats, router.Options{
		EnabledStages:   opts.EnabledStages,
		DisabledStages:  opts.DisabledStages,
		NeedsRefinement: opts.NeedsRefinement,
		Depth:           depth,
		MaxDepth:        maxDepth,
	})
	if err != nil {
		return types.Result{}, err
	}

	ids := p.ids
	if opts.DeterministicSeed != 0 {
		ids = clock.NewSeededIDSource(p.clk, opts.DeterministicSeed)
	}
	sessionID := ids.NewID()

	slog.Info("[PIPELINE] session start", "session", sessionID, "tenant", q.TenantID,
		"difficulty", fmt.Sprintf("%.2f", diff.Score), "depth", depth, "plan", router.Describe(plan))

	p.traces.Begin(types.Session{ID: sessionID, Query: q, Plan: plan})

	ledger := types.NewLedger(budget, p.clk.Now)
	pad := stage.NewScratchpad(q)
	rt := &stage.Runtime{
		Clients:  p.clients,
		Memory:   p.memory,
		Embedder: p.embedder,
		Ledger:   ledger,
		Logger:   slog.Default(),
		Sub:      p,
		Seed:     opts.DeterministicSeed,
		Depth:    depth,
		MaxDepth: maxDepth,
	}

	terminal, summary := p.scheduler.Run(ctx, sessionID, plan, pad, rt, q, diff)

	snapshot := pad.Snapshot()
	result := types.Result{
		SessionID:    sessionID,
		Answer:       padString(snapshot, stage.KeyFinalAnswer),
		Provenance:   padStrings(snapshot, stage.KeyFinalProvenance),
		Totals:       ledger.Totals(),
		Terminal:     terminal,
		ErrorSummary: summary,
	}

	var kept map[string]any
	if opts.Trace {
		kept = snapshot
	}
	p.traces.Close(sessionID, result, kept)

	if terminal == types.TerminalOK && depth == 0 {
		p.remember(q, snapshot, result)
	}

	slog.Info("[PIPELINE] session end", "session", sessionID, "terminal", terminal,
		"cost_micros", result.Totals.CostMicros, "stages", result.Totals.Stages)
	return result, nil
}

// remember writes a reasoning-bank note for a completed top-level session so
// similar future queries retrieve it.
func (p *Pipeline) remember(q types.Query, snapshot map[string]any, result types.Result) {
	if p.memory == nil || p.embedder == nil || result.Answer == "" {
		return
	}
	if lo.Contains(result.Provenance, "degraded") {
		return
	}
	note := types.MemoryNote{
		ID:        uuid.NewString(),
		Tenant:    q.TenantID,
		Domain:    padString(snapshot, stage.KeyDomainLabel),
		Embedding: p.embedder.Embed(q.Text),
		Text:      q.Text + "\n" + result.Answer,
		CreatedAt: p.clk.Now().Format("2006-01-02T15:04:05Z07:00"),
	}
	if _, err := p.memory.Upsert(context.Background(), note); err != nil {
		slog.Warn("[PIPELINE] memory write-back failed", "session", result.SessionID, "error", err)
	}
}

// GetTrace returns the recorded session for id.
func (p *Pipeline) GetTrace(id string) (types.Session, bool) {
	return p.traces.Get(id)
}

// MemorySummary reports the reasoning-bank note counts per tenant and domain.
func (p *Pipeline) MemorySummary() map[string]int {
	if p.memory == nil {
		return nil
	}
	return p.memory.Summary()
}

// fillBudget substitutes the configured defaults for an entirely unspecified
// budget. A partially specified budget keeps its explicit zeros as hard
// zeros; only an omitted stage cap (nil) still takes the default, so a
// caller capping wall time and cost gets the normal plan shape rather than
// a synthesize-only one.
func (p *Pipeline) fillBudget(b types.Budget) types.Budget {
	if b == (types.Budget{}) {
		b = types.Budget{
			MaxWallMillis:   p.cfg.DefaultMaxWallMs,
			MaxCostMicros:   p.cfg.DefaultMaxCostMicros,
			MaxTeacherCalls: p.cfg.DefaultMaxTeacherCalls,
			MaxStudentCalls: p.cfg.DefaultMaxStudentCalls,
		}
	}
	if b.MaxStages == nil {
		b.MaxStages = lo.ToPtr(p.cfg.DefaultMaxStages)
	}
	return b
}

func validBudget(b types.Budget) error {
	if b.MaxWallMillis < 0 || b.MaxCostMicros < 0 || b.MaxTeacherCalls < 0 ||
		b.MaxStudentCalls < 0 || (b.MaxStages != nil && *b.MaxStages < 0) {
		return types.NewError(types.KindInput, "negative budget field")
	}
	return nil
}

func padString(snapshot map[string]any, key string) string {
	s, _ := snapshot[key].(string)
	return s
}

func padStrings(snapshot map[string]any, key string) []string {
	switch v := snapshot[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
