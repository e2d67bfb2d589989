package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/cascade/internal/cache"
	"github.com/haricheung/cascade/internal/clock"
	"github.com/haricheung/cascade/internal/config"
	"github.com/haricheung/cascade/internal/stage"
	"github.com/haricheung/cascade/internal/trace"
	"github.com/haricheung/cascade/internal/types"
)

// fakeStage is a scriptable stage for scheduler tests.
type fakeStage struct {
	name       string
	inputs     []string
	outputs    []string
	cacheable  bool
	idempotent bool
	run        func(ctx context.Context, req stage.Request) (stage.Output, error)
}

func (s *fakeStage) Name() string          { return s.name }
func (s *fakeStage) InputKeys() []string   { return s.inputs }
func (s *fakeStage) OutputKeys() []string  { return s.outputs }
func (s *fakeStage) Cacheable() bool       { return s.cacheable }
func (s *fakeStage) Idempotent() bool      { return s.idempotent }
func (*fakeStage) Capabilities() []string  { return nil }
func (s *fakeStage) Run(ctx context.Context, req stage.Request) (stage.Output, error) {
	return s.run(ctx, req)
}

// writerStage returns an idempotent stage writing key=value.
func writerStage(name, key string, value any) *fakeStage {
	return &fakeStage{
		name: name, outputs: []string{key}, idempotent: true,
		run: func(context.Context, stage.Request) (stage.Output, error) {
			return stage.Output{Writes: map[string]any{key: value}}, nil
		},
	}
}

type fixture struct {
	sched  *Scheduler
	reg    *stage.Registry
	traces *trace.Store
	cache  *cache.Cache
}

func newFixture(stages ...*fakeStage) *fixture {
	clk := clock.Real{}
	reg := stage.NewRegistry()
	for _, s := range stages {
		reg.Register(s)
	}
	cfg := config.Default()
	cfg.SchedulerRetry = config.Retry{MaxAttempts: 3, BaseBackoffMs: 1, JitterMs: 1}
	traces := trace.New(clk)
	c := cache.New(clk, 128, time.Minute)
	return &fixture{
		sched:  New(reg, c, traces, clk, cfg),
		reg:    reg,
		traces: traces,
		cache:  c,
	}
}

func spec(s *fakeStage, group string) types.StageSpec {
	return types.StageSpec{
		Stage:         s.name,
		InputKeys:     s.inputs,
		OutputKeys:    s.outputs,
		Cacheable:     s.cacheable,
		Idempotent:    s.idempotent,
		ParallelGroup: group,
	}
}

func runPlan(t *testing.T, f *fixture, ctx context.Context, plan types.StagePlan, budget types.Budget) (types.TerminalState, string, *stage.Scratchpad, types.Session) {
	t.Helper()
	q := types.Query{Text: "q", TenantID: "t1"}
	pad := stage.NewScratchpad(q)
	ledger := types.NewLedger(budget, time.Now)
	rt := &stage.Runtime{Ledger: ledger}
	f.traces.Begin(types.Session{ID: "s1", Query: q, Plan: plan})
	terminal, summary := f.sched.Run(ctx, "s1", plan, pad, rt, q, types.Difficulty{Score: 0.5})
	sess, _ := f.traces.Get("s1")
	return terminal, summary, pad, sess
}

func phases(sess types.Session, name string) []types.EventPhase {
	var out []types.EventPhase
	for _, ev := range sess.Events {
		if ev.Stage == name {
			out = append(out, ev.Phase)
		}
	}
	return out
}

func bigBudget() types.Budget {
	return types.Budget{MaxWallMillis: 60_000, MaxCostMicros: 1 << 40, MaxStages: lo.ToPtr(100)}
}

// --- Sequential execution ---

func TestRun_SequentialMergesAndEmits(t *testing.T) {
	// Stages run in order, writes land on the scratchpad, and each stage
	// emits a start and an end event
	a := writerStage("a", "a.out", "1")
	b := writerStage("b", "b.out", "2")
	f := newFixture(a, b)

	plan := types.StagePlan{Specs: []types.StageSpec{spec(a, ""), spec(b, "")}}
	terminal, _, pad, sess := runPlan(t, f, context.Background(), plan, bigBudget())

	assert.Equal(t, types.TerminalOK, terminal)
	snap := pad.Snapshot()
	assert.Equal(t, "1", snap["a.out"])
	assert.Equal(t, "2", snap["b.out"])
	assert.Equal(t, []types.EventPhase{types.PhaseStart, types.PhaseEnd}, phases(sess, "a"))
	assert.Equal(t, []types.EventPhase{types.PhaseStart, types.PhaseEnd}, phases(sess, "b"))
}

// --- Parallel groups ---

func TestRun_ParallelGroupMergesAllWrites(t *testing.T) {
	// Adjacent same-group specs run together; both writes are visible after
	// the group barrier
	started := make(chan string, 2)
	release := make(chan struct{})
	mk := func(name, key string) *fakeStage {
		return &fakeStage{
			name: name, outputs: []string{key}, idempotent: true,
			run: func(ctx context.Context, _ stage.Request) (stage.Output, error) {
				started <- name
				select {
				case <-release:
				case <-ctx.Done():
					return stage.Output{}, ctx.Err()
				}
				return stage.Output{Writes: map[string]any{key: name}}, nil
			},
		}
	}
	a, b := mk("a", "a.out"), mk("b", "b.out")
	f := newFixture(a, b)

	done := make(chan struct{})
	go func() {
		// Both members must start before either finishes, proving overlap.
		<-started
		<-started
		close(release)
		close(done)
	}()

	plan := types.StagePlan{Specs: []types.StageSpec{spec(a, "g"), spec(b, "g")}}
	terminal, _, pad, _ := runPlan(t, f, context.Background(), plan, bigBudget())
	<-done

	assert.Equal(t, types.TerminalOK, terminal)
	snap := pad.Snapshot()
	assert.Equal(t, "a", snap["a.out"])
	assert.Equal(t, "b", snap["b.out"])
}

// --- Retry ---

func TestRun_RetryableFailureRetriesWithEvent(t *testing.T) {
	// An idempotent stage failing with a retryable kind is re-attempted, with
	// a retry event between attempts
	attempts := 0
	flaky := &fakeStage{
		name: "flaky", outputs: []string{"flaky.out"}, idempotent: true,
		run: func(context.Context, stage.Request) (stage.Output, error) {
			attempts++
			if attempts == 1 {
				return stage.Output{}, types.NewError(types.KindRetryable, "transient")
			}
			return stage.Output{Writes: map[string]any{"flaky.out": "ok"}}, nil
		},
	}
	f := newFixture(flaky)

	plan := types.StagePlan{Specs: []types.StageSpec{spec(flaky, "")}}
	terminal, _, pad, sess := runPlan(t, f, context.Background(), plan, bigBudget())

	assert.Equal(t, types.TerminalOK, terminal)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "ok", pad.Snapshot()["flaky.out"])
	assert.Contains(t, phases(sess, "flaky"), types.PhaseRetry)
}

func TestRun_NonIdempotentStageNotRetried(t *testing.T) {
	// A non-idempotent stage fails without re-attempts and the plan degrades
	attempts := 0
	once := &fakeStage{
		name: "once", outputs: []string{"once.out"}, idempotent: false,
		run: func(context.Context, stage.Request) (stage.Output, error) {
			attempts++
			return stage.Output{}, types.NewError(types.KindRetryable, "transient")
		},
	}
	f := newFixture(once)

	plan := types.StagePlan{Specs: []types.StageSpec{spec(once, "")}}
	terminal, _, _, _ := runPlan(t, f, context.Background(), plan, bigBudget())

	// Optional stage failure degrades, it does not fail the session.
	assert.Equal(t, types.TerminalOK, terminal)
	assert.Equal(t, 1, attempts)
}

// --- Budget abort ---

func TestRun_BudgetExhaustionSkipsToSynthesize(t *testing.T) {
	// Once the ledger is exhausted remaining stages are skipped, the terminal
	// synthesize still runs, and the session ends aborted_budget
	spender := &fakeStage{
		name: "spender", outputs: []string{"spend.out"}, idempotent: true,
		run: func(_ context.Context, req stage.Request) (stage.Output, error) {
			req.Runtime.Ledger.Charge(1000, 0, 0)
			return stage.Output{Writes: map[string]any{"spend.out": "x"}}, nil
		},
	}
	skippedRan := false
	skipped := &fakeStage{
		name: "skipped", outputs: []string{"skip.out"}, idempotent: true,
		run: func(context.Context, stage.Request) (stage.Output, error) {
			skippedRan = true
			return stage.Output{}, nil
		},
	}
	synthRan := false
	synth := &fakeStage{
		name: stage.NameSynthesize, outputs: []string{stage.KeyFinalAnswer}, idempotent: true,
		run: func(context.Context, stage.Request) (stage.Output, error) {
			synthRan = true
			return stage.Output{Writes: map[string]any{stage.KeyFinalAnswer: "degraded"}}, nil
		},
	}
	f := newFixture(spender, skipped, synth)

	plan := types.StagePlan{Specs: []types.StageSpec{spec(spender, ""), spec(skipped, ""), spec(synth, "")}}
	budget := types.Budget{MaxWallMillis: 60_000, MaxCostMicros: 500, MaxStages: lo.ToPtr(10)}
	terminal, summary, pad, _ := runPlan(t, f, context.Background(), plan, budget)

	assert.Equal(t, types.TerminalAbortedBudget, terminal)
	assert.False(t, skippedRan, "stage after exhaustion must be skipped")
	assert.True(t, synthRan, "synthesize must still run")
	assert.Equal(t, "degraded", pad.Snapshot()[stage.KeyFinalAnswer])
	assert.Contains(t, summary, "budget")
}

// --- Cancellation ---

func TestRun_CancellationStillSynthesizes(t *testing.T) {
	// A cancelled caller context yields cancelled, but synthesize runs on a
	// detached grace context
	neverRan := false
	work := &fakeStage{
		name: "work", outputs: []string{"w.out"}, idempotent: true,
		run: func(context.Context, stage.Request) (stage.Output, error) {
			neverRan = true
			return stage.Output{}, nil
		},
	}
	synthRan := false
	synth := &fakeStage{
		name: stage.NameSynthesize, outputs: []string{stage.KeyFinalAnswer}, idempotent: true,
		run: func(ctx context.Context, _ stage.Request) (stage.Output, error) {
			synthRan = true
			require.NoError(t, ctx.Err(), "synthesize must get a live context")
			return stage.Output{Writes: map[string]any{stage.KeyFinalAnswer: "partial"}}, nil
		},
	}
	f := newFixture(work, synth)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := types.StagePlan{Specs: []types.StageSpec{spec(work, ""), spec(synth, "")}}
	terminal, _, pad, _ := runPlan(t, f, ctx, plan, bigBudget())

	assert.Equal(t, types.TerminalCancelled, terminal)
	assert.False(t, neverRan, "work stage must be skipped after cancel")
	assert.True(t, synthRan)
	assert.Equal(t, "partial", pad.Snapshot()[stage.KeyFinalAnswer])
}

// --- Cache ---

func TestRun_CacheableStageHitsAcrossSessions(t *testing.T) {
	// The same cacheable stage with identical inputs computes once; the
	// second session gets a cache-hit end event
	computes := 0
	cached := &fakeStage{
		name: "cached", inputs: []string{stage.KeyQueryText}, outputs: []string{"c.out"},
		cacheable: true, idempotent: true,
		run: func(context.Context, stage.Request) (stage.Output, error) {
			computes++
			return stage.Output{Writes: map[string]any{"c.out": "v"}}, nil
		},
	}
	f := newFixture(cached)
	plan := types.StagePlan{Specs: []types.StageSpec{spec(cached, "")}}

	run := func(id string) types.Session {
		q := types.Query{Text: "q", TenantID: "t1"}
		pad := stage.NewScratchpad(q)
		rt := &stage.Runtime{Ledger: types.NewLedger(bigBudget(), time.Now)}
		f.traces.Begin(types.Session{ID: id})
		f.sched.Run(context.Background(), id, plan, pad, rt, q, types.Difficulty{})
		sess, _ := f.traces.Get(id)
		return sess
	}

	first := run("s1")
	second := run("s2")

	assert.Equal(t, 1, computes)
	assert.False(t, lastEnd(first).CacheHit)
	assert.True(t, lastEnd(second).CacheHit)
}

func lastEnd(sess types.Session) types.StageEvent {
	for i := len(sess.Events) - 1; i >= 0; i-- {
		if sess.Events[i].Phase == types.PhaseEnd {
			return sess.Events[i]
		}
	}
	return types.StageEvent{}
}

// --- Merge conflicts ---

func TestRun_MergeConflictFailsSession(t *testing.T) {
	// Two sequential stages writing the same key is an internal failure
	a := writerStage("a", "dup.key", "1")
	b := writerStage("b", "dup.key", "2")
	f := newFixture(a, b)

	plan := types.StagePlan{Specs: []types.StageSpec{spec(a, ""), spec(b, "")}}
	terminal, summary, _, _ := runPlan(t, f, context.Background(), plan, bigBudget())

	assert.Equal(t, types.TerminalFailed, terminal)
	assert.Contains(t, summary, "dup.key")
}
