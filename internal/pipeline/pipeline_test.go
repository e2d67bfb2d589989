package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/cascade/internal/cache"
	"github.com/haricheung/cascade/internal/clock"
	"github.com/haricheung/cascade/internal/config"
	"github.com/haricheung/cascade/internal/modelclient"
	"github.com/haricheung/cascade/internal/stage"
	"github.com/haricheung/cascade/internal/stages"
	"github.com/haricheung/cascade/internal/types"
)

// hardQuery scores above the expand, teacher, and decompose thresholds.
const hardQuery = "Explain RAFT consensus, cite sources"

// countingClient answers with a fixed text, or a typed error, counting calls.
type countingClient struct {
	text  string
	kind  types.ErrorKind
	calls int
}

func (c *countingClient) Generate(context.Context, string, modelclient.Options) (modelclient.Generation, error) {
	c.calls++
	if c.kind != "" {
		return modelclient.Generation{}, types.NewError(c.kind, "scripted failure")
	}
	return modelclient.Generation{Text: c.text, TokensIn: 20, TokensOut: 10, CostMicros: 100}, nil
}

type env struct {
	pipe    *Pipeline
	teacher *countingClient
	student *countingClient
}

// newEnv wires a pipeline with in-process model clients, a shared cache, and
// no memory store. Retries are tightened so failure paths stay fast.
func newEnv() *env {
	cfg := config.Default()
	cfg.SchedulerRetry = config.Retry{MaxAttempts: 2, BaseBackoffMs: 1, JitterMs: 0}

	teacher := &countingClient{text: "Raft elects a single leader per term."}
	student := &countingClient{text: "A leader is chosen by majority vote."}
	clients := modelclient.NewRegistry()
	clients.Register(modelclient.ClientConfig{
		Name: "teacher", Client: teacher, Identity: "teacher",
		Retry: modelclient.RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond},
	})
	clients.Register(modelclient.ClientConfig{
		Name: "student", Client: student, Identity: "student",
		Retry: modelclient.RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond},
	})

	reg := stage.NewRegistry()
	stages.RegisterBuiltins(reg, "teacher", "student", cfg.DenyPatterns)

	clk := clock.Real{}
	pipe := New(cfg, Deps{
		Clock:   clk,
		Clients: clients,
		Cache:   cache.New(clk, 256, time.Minute),
		Stages:  reg,
	})
	return &env{pipe: pipe, teacher: teacher, student: student}
}

// directOpts keeps plans free of decomposition so single-answer assertions
// hold.
func directOpts() Options {
	return Options{DisabledStages: []string{stage.NameDecompose, stage.NameRecurse}}
}

// --- Input validation ---

func TestExecute_EmptyQueryRejected(t *testing.T) {
	// Empty and whitespace-only queries fail with an input error, no session
	e := newEnv()
	for _, text := range []string{"", "   \t\n"} {
		res, err := e.pipe.Execute(context.Background(), text, Options{})
		assert.Equal(t, types.KindInput, types.KindOf(err))
		assert.Empty(t, res.SessionID)
	}
}

func TestExecute_OversizedQueryRejected(t *testing.T) {
	// A query over the byte cap is refused before planning
	e := newEnv()
	_, err := e.pipe.Execute(context.Background(), strings.Repeat("a", types.MaxQueryBytes+1), Options{})
	assert.Equal(t, types.KindInput, types.KindOf(err))
}

func TestExecute_NegativeBudgetRejected(t *testing.T) {
	// Negative budget fields are an input error before any stage runs
	e := newEnv()
	for _, b := range []types.Budget{
		{MaxCostMicros: -1},
		{MaxWallMillis: -1},
		{MaxTeacherCalls: -1},
		{MaxStages: lo.ToPtr(-1)},
	} {
		res, err := e.pipe.Execute(context.Background(), "q", Options{Budget: b})
		assert.Equal(t, types.KindInput, types.KindOf(err), "budget %+v", b)
		assert.Empty(t, res.SessionID)
	}
}

// --- End to end ---

func TestExecute_EasyQueryWithoutModelsDegrades(t *testing.T) {
	// With no clients and no memory an easy query still completes ok, with
	// the degraded fallback answer
	cfg := config.Default()
	reg := stage.NewRegistry()
	stages.RegisterBuiltins(reg, "teacher", "student", nil)
	pipe := New(cfg, Deps{Stages: reg})

	res, err := pipe.Execute(context.Background(), "2+2=?", Options{DomainHint: "math"})
	require.NoError(t, err)
	assert.Equal(t, types.TerminalOK, res.Terminal)
	assert.NotEmpty(t, res.SessionID)
	assert.NotEmpty(t, res.Answer)
	assert.Contains(t, res.Provenance, "degraded")
	assert.Greater(t, res.Totals.Stages, 0)
}

func TestExecute_TeacherAnswerWins(t *testing.T) {
	// A hard query routes through the teacher; its answer is final with
	// teacher provenance, and the student is skipped as generator
	e := newEnv()
	res, err := e.pipe.Execute(context.Background(), hardQuery, directOpts())
	require.NoError(t, err)
	assert.Equal(t, types.TerminalOK, res.Terminal)
	assert.Equal(t, e.teacher.text, res.Answer)
	assert.Contains(t, res.Provenance, "teacher")
	assert.Equal(t, 1, res.Totals.TeacherCalls)
	assert.Equal(t, 1, e.teacher.calls)
}

func TestExecute_StudentAnswersWhenTeacherFails(t *testing.T) {
	// A persistently failing teacher degrades its stage; the planned student
	// call takes over and its answer is final
	e := newEnv()
	e.teacher.kind = types.KindRetryable

	res, err := e.pipe.Execute(context.Background(), hardQuery, directOpts())
	require.NoError(t, err)
	assert.Equal(t, types.TerminalOK, res.Terminal)
	assert.Equal(t, e.student.text, res.Answer)
	assert.Contains(t, res.Provenance, "student")
	// Two scheduler attempts, each reserving one teacher call that then fails.
	assert.Equal(t, 2, e.teacher.calls)
	assert.Equal(t, 2, res.Totals.TeacherCalls)
}

func TestExecute_OpenTeacherBreakerFallsToStudent(t *testing.T) {
	// With the teacher breaker tripping on the first failure, the second
	// scheduler attempt sees a circuit-open error instead of another client's
	// output; the stage degrades and the planned student answers
	cfg := config.Default()
	cfg.SchedulerRetry = config.Retry{MaxAttempts: 2, BaseBackoffMs: 1, JitterMs: 0}

	teacher := &countingClient{kind: types.KindRetryable}
	student := &countingClient{text: "A leader is chosen by majority vote."}
	clients := modelclient.NewRegistry()
	clients.Register(modelclient.ClientConfig{
		Name: "teacher", Client: teacher, Identity: "teacher",
		Retry:   modelclient.RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond},
		Breaker: modelclient.BreakerPolicy{Failures: 1, Cooldown: time.Minute},
	})
	clients.Register(modelclient.ClientConfig{
		Name: "student", Client: student, Identity: "student",
		Retry: modelclient.RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond},
	})

	reg := stage.NewRegistry()
	stages.RegisterBuiltins(reg, "teacher", "student", cfg.DenyPatterns)
	clk := clock.Real{}
	pipe := New(cfg, Deps{Clock: clk, Clients: clients, Cache: cache.New(clk, 256, time.Minute), Stages: reg})

	res, err := pipe.Execute(context.Background(), hardQuery, directOpts())
	require.NoError(t, err)
	assert.Equal(t, types.TerminalOK, res.Terminal)
	assert.Equal(t, student.text, res.Answer)
	assert.Contains(t, res.Provenance, "student")
	// Only the first attempt reaches the client; the breaker refuses the rest.
	assert.Equal(t, 1, teacher.calls)

	sess, ok := pipe.GetTrace(res.SessionID)
	require.True(t, ok)
	open := false
	for _, ev := range sess.Events {
		if ev.Stage == stage.NameTeacherCall && ev.ErrorKind == types.KindCircuitOpen {
			open = true
		}
	}
	assert.True(t, open, "teacher_call should record the circuit-open error")
}

func TestExecute_DenyPatternWithholdsAnswer(t *testing.T) {
	// An answer matching a deny pattern is replaced and flagged in provenance
	e := newEnv()
	e.teacher.text = "lorem ipsum dolor sit amet"

	res, err := e.pipe.Execute(context.Background(), hardQuery, directOpts())
	require.NoError(t, err)
	assert.NotContains(t, res.Answer, "lorem ipsum")
	assert.Contains(t, res.Provenance, "policy:denied")
}

func TestExecute_ZeroCostBudgetKeepsBasePlan(t *testing.T) {
	// A wall-only budget with explicit zero cost and zero call caps still
	// plans the base detect/retrieve/synthesize shape; the omitted stage cap
	// takes the default rather than reading as zero
	e := newEnv()
	res, err := e.pipe.Execute(context.Background(), "2+2=?", Options{
		Budget: types.Budget{MaxWallMillis: 2000},
	})
	require.NoError(t, err)
	assert.Equal(t, types.TerminalOK, res.Terminal)
	assert.NotEmpty(t, res.Answer)
	assert.Equal(t, int64(0), res.Totals.CostMicros)
	assert.Equal(t, 0, e.teacher.calls)
	assert.Equal(t, 0, e.student.calls)

	sess, ok := e.pipe.GetTrace(res.SessionID)
	require.True(t, ok)
	var names []string
	for _, sp := range sess.Plan.Specs {
		names = append(names, sp.Stage)
	}
	assert.Equal(t, []string{stage.NameDomainDetect, stage.NameRetrieve, stage.NameSynthesize}, names)

	synthEnds := 0
	for _, ev := range sess.Events {
		if ev.Stage == stage.NameSynthesize && ev.Phase == types.PhaseEnd {
			synthEnds++
		}
	}
	assert.Equal(t, 1, synthEnds)
}

func TestExecute_ExplicitZeroMaxStagesSynthesizeOnly(t *testing.T) {
	// An explicit budget with max_stages 0 is taken literally: only the
	// terminal synthesize runs and the answer is the degraded notice
	e := newEnv()
	res, err := e.pipe.Execute(context.Background(), hardQuery, Options{
		Budget: types.Budget{MaxWallMillis: 60_000, MaxCostMicros: 1_000_000, MaxStages: lo.ToPtr(0)},
	})
	require.NoError(t, err)
	assert.Equal(t, types.TerminalOK, res.Terminal)
	assert.Equal(t, 1, res.Totals.Stages)
	assert.Contains(t, res.Provenance, "degraded")
	assert.Equal(t, 0, e.teacher.calls)
	assert.Equal(t, 0, e.student.calls)
}

func TestExecute_DefaultsFillUnspecifiedBudget(t *testing.T) {
	// A zero-value budget gets the configured defaults, so a full plan runs
	e := newEnv()
	res, err := e.pipe.Execute(context.Background(), hardQuery, directOpts())
	require.NoError(t, err)
	assert.Greater(t, res.Totals.Stages, 1)
}

// --- Determinism ---

func TestExecute_DeterministicSeedReproducesSessionID(t *testing.T) {
	// The same seed yields the same session id; different seeds diverge
	e := newEnv()
	opts := directOpts()
	opts.DeterministicSeed = 42

	r1, err := e.pipe.Execute(context.Background(), hardQuery, opts)
	require.NoError(t, err)
	r2, err := e.pipe.Execute(context.Background(), hardQuery, opts)
	require.NoError(t, err)
	assert.Equal(t, r1.SessionID, r2.SessionID)

	opts.DeterministicSeed = 43
	r3, err := e.pipe.Execute(context.Background(), hardQuery, opts)
	require.NoError(t, err)
	assert.NotEqual(t, r1.SessionID, r3.SessionID)
}

// --- Caching ---

func TestExecute_ExpansionCachedAcrossSessions(t *testing.T) {
	// The cacheable expansion stage computes once for identical queries; the
	// second session records a cache hit for it
	e := newEnv()

	_, err := e.pipe.Execute(context.Background(), hardQuery, directOpts())
	require.NoError(t, err)
	studentCallsAfterFirst := e.student.calls

	res2, err := e.pipe.Execute(context.Background(), hardQuery, directOpts())
	require.NoError(t, err)
	assert.Equal(t, studentCallsAfterFirst, e.student.calls, "expansion must be served from cache")

	sess, ok := e.pipe.GetTrace(res2.SessionID)
	require.True(t, ok)
	hit := false
	for _, ev := range sess.Events {
		if ev.Stage == stage.NameQueryExpand && ev.Phase == types.PhaseEnd && ev.CacheHit {
			hit = true
		}
	}
	assert.True(t, hit, "second session should hit the expansion cache")
}

// --- Tracing ---

func TestGetTrace_RecordsSession(t *testing.T) {
	// A traced execution leaves a queryable session with events, a result,
	// and the scratchpad snapshot
	e := newEnv()
	opts := directOpts()
	opts.Trace = true

	res, err := e.pipe.Execute(context.Background(), hardQuery, opts)
	require.NoError(t, err)

	sess, ok := e.pipe.GetTrace(res.SessionID)
	require.True(t, ok)
	assert.NotEmpty(t, sess.Events)
	require.NotNil(t, sess.Result)
	assert.Equal(t, res.Answer, sess.Result.Answer)
	assert.Equal(t, types.TerminalOK, sess.Terminal)
	assert.NotEmpty(t, sess.Scratchpad)
	assert.Contains(t, sess.Scratchpad, stage.KeyFinalAnswer)

	_, ok = e.pipe.GetTrace("no-such-session")
	assert.False(t, ok)
}
