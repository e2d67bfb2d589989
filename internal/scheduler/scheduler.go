// Package scheduler executes a StagePlan: sequential stages in order,
// adjacent same-group specs concurrently, with per-stage caching, bounded
// retries, budget guards, and trace events for every transition.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haricheung/cascade/internal/cache"
	"github.com/haricheung/cascade/internal/clock"
	"github.com/haricheung/cascade/internal/config"
	"github.com/haricheung/cascade/internal/stage"
	"github.com/haricheung/cascade/internal/trace"
	"github.com/haricheung/cascade/internal/types"
)

// Scheduler walks plans. One instance serves all sessions; per-session state
// lives in the scratchpad and ledger.
type Scheduler struct {
	registry *stage.Registry
	cache    *cache.Cache
	traces   *trace.Store
	clk      clock.Clock
	retry    config.Retry
	grace    time.Duration
	cacheTTL time.Duration
}

// New creates a Scheduler. cache may be nil to disable result caching.
func New(registry *stage.Registry, c *cache.Cache, traces *trace.Store, clk clock.Clock, cfg config.Config) *Scheduler {
	return &Scheduler{
		registry: registry,
		cache:    c,
		traces:   traces,
		clk:      clk,
		retry:    cfg.SchedulerRetry,
		grace:    time.Duration(cfg.StageGraceMs) * time.Millisecond,
		cacheTTL: cfg.CacheDefaultTTL,
	}
}

// stageResult is one stage invocation's outcome, held until its merge turn.
type stageResult struct {
	spec     types.StageSpec
	output   stage.Output
	cacheHit bool
	err      error
}

// Run executes plan over pad and returns the session's terminal state plus a
// short error summary ("" when terminal is ok).
//
// Expectations:
//   - Adjacent specs sharing a ParallelGroup run concurrently; their writes
//     merge in plan order after the whole group finishes
//   - A cacheable stage served from cache emits an end event with the cache
//     flag set and charges nothing
//   - Idempotent stages retry on retryable kinds up to the configured
//     attempts, with a retry event before each re-attempt
//   - Budget exhaustion mid-plan skips every remaining stage except the
//     terminal synthesize and yields aborted_budget
//   - Caller cancellation yields cancelled; synthesize still runs on a
//     detached grace context
//   - A scratchpad merge conflict is internal and terminal
func (s *Scheduler) Run(ctx context.Context, sessionID string, plan types.StagePlan, pad *stage.Scratchpad, rt *stage.Runtime, q types.Query, diff types.Difficulty) (types.TerminalState, string) {
	terminal := types.TerminalOK
	summary := ""
	abort := func(t types.TerminalState, why string) {
		if terminal == types.TerminalOK {
			terminal, summary = t, why
		}
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
		i = j

		// Once aborted, only the terminal synthesize still runs.
		if terminal != types.TerminalOK && group[0].Stage != stage.NameSynthesize {
			continue
		}

		if rt.Ledger != nil && rt.Ledger.Exhausted() && group[0].Stage != stage.NameSynthesize {
			abort(types.TerminalAbortedBudget, "budget exhausted before "+group[0].Stage)
			continue
		}
		if ctx.Err() != nil && group[0].Stage != stage.NameSynthesize {
			abort(types.TerminalCancelled, "cancelled before "+group[0].Stage)
			continue
		}

		results := s.runGroup(ctx, sessionID, group, pad, rt, q, diff, terminal)

		for _, res := range results {
			if res.err != nil {
				kind := types.KindOf(res.err)
				switch kind {
				case types.KindBudget:
					abort(types.TerminalAbortedBudget, res.spec.Stage+": "+res.err.Error())
				case types.KindCancelled:
					abort(types.TerminalCancelled, res.spec.Stage+": "+res.err.Error())
				default:
					if res.spec.Stage == stage.NameSynthesize {
						abort(types.TerminalFailed, res.spec.Stage+": "+res.err.Error())
					} else {
						slog.Debug("[SCHED] stage degraded", "session", sessionID, "stage", res.spec.Stage, "kind", kind)
					}
				}
				continue
			}
			if len(res.output.Writes) > 0 {
				if err := pad.Merge(res.output.Writes); err != nil {
					s.traces.Emit(types.StageEvent{
						SessionID: sessionID, Stage: res.spec.Stage, Phase: types.PhaseError,
						StartedAt: s.clk.Now(), ErrorKind: types.KindInternal, Notes: err.Error(),
					})
					abort(types.TerminalFailed, res.spec.Stage+": "+err.Error())
				}
			}
		}
	}

	return terminal, summary
}

// runGroup executes one group (possibly a single stage) and returns results
// in deterministic merge order.
func (s *Scheduler) runGroup(ctx context.Context, sessionID string, group []types.StageSpec, pad *stage.Scratchpad, rt *stage.Runtime, q types.Query, diff types.Difficulty, terminal types.TerminalState) []stageResult {
	results := make([]stageResult, len(group))

	if len(group) == 1 {
		results[0] = s.runStage(ctx, sessionID, group[0], pad, rt, q, diff, terminal)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for idx, spec := range group {
			idx, spec := idx, spec
			g.Go(func() error {
				results[idx] = s.runStage(gctx, sessionID, spec, pad, rt, q, diff, terminal)
				return nil
			})
		}
		_ = g.Wait()
	}

	if rt.Seed != 0 && len(results) > 1 {
		sort.SliceStable(results, func(a, b int) bool {
			return results[a].spec.Stage < results[b].spec.Stage
		})
	}
	return results
}

// runStage drives one stage through its attempt loop, emitting start, retry,
// and end/error events.
func (s *Scheduler) runStage(ctx context.Context, sessionID string, spec types.StageSpec, pad *stage.Scratchpad, rt *stage.Runtime, q types.Query, diff types.Difficulty, terminal types.TerminalState) stageResult {
	res := stageResult{spec: spec}

	st, ok := s.registry.Get(spec.Stage)
	if !ok {
		res.err = types.NewError(types.KindPlanning, "stage not registered: "+spec.Stage)
		return res
	}

	started := s.clk.Now()
	s.traces.Emit(types.StageEvent{
		SessionID: sessionID, Stage: spec.Stage, Phase: types.PhaseStart, StartedAt: started,
	})

	sctx, cancel := s.stageContext(ctx, spec, rt, terminal)
	defer cancel()

	req := stage.Request{
		Query:      q,
		Difficulty: diff,
		View:       pad.ViewFor(spec.InputKeys),
		Config:     spec.Config,
		Runtime:    rt,
	}

	attempts := s.retry.MaxAttempts
	if attempts < 1 || !spec.Idempotent {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		res.output, res.cacheHit, res.err = s.invoke(sctx, st, spec, req)
		if res.err == nil || !types.Retryable(res.err) || attempt == attempts {
			break
		}
		s.traces.Emit(types.StageEvent{
			SessionID: sessionID, Stage: spec.Stage, Phase: types.PhaseRetry,
			StartedAt: s.clk.Now(), ErrorKind: types.KindOf(res.err),
			Notes: fmt.Sprintf("attempt %d/%d", attempt, attempts),
		})
		if err := s.backoff(sctx, attempt); err != nil {
			res.err = types.WrapError(types.KindCancelled, "retry backoff interrupted", err)
			break
		}
	}

	ended := s.clk.Now()
	if res.err != nil {
		s.traces.Emit(types.StageEvent{
			SessionID: sessionID, Stage: spec.Stage, Phase: types.PhaseError,
			StartedAt: started, EndedAt: ended,
			ErrorKind: types.KindOf(res.err), Notes: res.err.Error(),
		})
		return res
	}

	// Model costs are charged by the client registry at call time; the
	// scheduler only counts the stage itself.
	if rt.Ledger != nil {
		rt.Ledger.ChargeStage()
	}
	ev := types.StageEvent{
		SessionID: sessionID, Stage: spec.Stage, Phase: types.PhaseEnd,
		StartedAt: started, EndedAt: ended,
		CacheHit: res.cacheHit, Notes: res.output.Notes,
	}
	if !res.cacheHit {
		ev.CostMicros = res.output.CostMicros
		ev.TokensIn = res.output.TokensIn
		ev.TokensOut = res.output.TokensOut
	}
	s.traces.Emit(ev)
	return res
}

// stageContext derives the per-stage context: bounded by the remaining wall
// budget, or detached onto a grace window for the terminal synthesize of an
// already cancelled or aborted session.
func (s *Scheduler) stageContext(ctx context.Context, spec types.StageSpec, rt *stage.Runtime, terminal types.TerminalState) (context.Context, context.CancelFunc) {
	if spec.Stage == stage.NameSynthesize && (terminal != types.TerminalOK || ctx.Err() != nil) {
		return context.WithTimeout(context.WithoutCancel(ctx), s.grace)
	}
	if rt.Ledger != nil {
		if rem := rt.Ledger.RemainingWall(); rem > 0 {
			return context.WithTimeout(ctx, rem)
		}
	}
	return context.WithCancel(ctx)
}

// invoke runs the stage once, through the cache when the spec allows it.
func (s *Scheduler) invoke(ctx context.Context, st stage.Stage, spec types.StageSpec, req stage.Request) (stage.Output, bool, error) {
	if s.cache == nil || !spec.Cacheable {
		out, err := st.Run(ctx, req)
		return out, false, err
	}

	key := cache.Key(spec.Stage, req.View.Inputs(), spec.Config, strings.Join(st.Capabilities(), ","))
	v, hit, err := s.cache.GetOrCompute(ctx, key, s.cacheTTL, func(cctx context.Context) (any, error) {
		out, err := st.Run(cctx, req)
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return stage.Output{}, false, err
	}
	out, ok := v.(stage.Output)
	if !ok {
		return stage.Output{}, false, types.NewError(types.KindInternal, "cache returned foreign value for "+spec.Stage)
	}
	return out, hit, nil
}

// backoff sleeps exponential-with-jitter before the next attempt, honoring
// ctx.
func (s *Scheduler) backoff(ctx context.Context, attempt int) error {
	base := time.Duration(s.retry.BaseBackoffMs) * time.Millisecond
	d := base << (attempt - 1)
	if s.retry.JitterMs > 0 {
		d += time.Duration(rand.Int63n(s.retry.JitterMs)) * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
