package stages

import (
	"context"
	"strings"
	"testing"

	"github.com/haricheung/cascade/internal/stage"
	"github.com/haricheung/cascade/internal/types"
)

// request builds a stage.Request over a fresh scratchpad seeded with q plus
// extra pre-written keys, viewed through the stage's declared inputs.
func request(t *testing.T, st stage.Stage, q types.Query, extra map[string]any) stage.Request {
	t.Helper()
	pad := stage.NewScratchpad(q)
	if len(extra) > 0 {
		if err := pad.Merge(extra); err != nil {
			t.Fatalf("seed scratchpad: %v", err)
		}
	}
	return stage.Request{
		Query:   q,
		View:    pad.ViewFor(st.InputKeys()),
		Runtime: &stage.Runtime{},
	}
}

// --- DomainDetect ---

func TestDomainDetect_HintWins(t *testing.T) {
	// A caller-provided hint is returned verbatim with full confidence
	st := NewDomainDetect()
	out, err := st.Run(context.Background(), request(t, st, types.Query{Text: "anything", DomainHint: "legal"}, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Writes[stage.KeyDomainLabel] != "legal" {
		t.Errorf("label = %v", out.Writes[stage.KeyDomainLabel])
	}
	if out.Writes[stage.KeyDomainConfidence] != 1.0 {
		t.Errorf("confidence = %v", out.Writes[stage.KeyDomainConfidence])
	}
}

func TestDomainDetect_KeywordVote(t *testing.T) {
	// Dominant keyword hits pick the domain; no hits fall back to general
	cases := []struct {
		text string
		want string
	}{
		// clear systems vocabulary
		{"explain raft consensus replication", "systems"},
		// clear math vocabulary
		{"prove the theorem and calculate the integral", "math"},
		// nothing recognizable
		{"hello there", "general"},
	}
	st := NewDomainDetect()
	for _, tc := range cases {
		out, err := st.Run(context.Background(), request(t, st, types.Query{Text: tc.text}, nil))
		if err != nil {
			t.Fatalf("run %q: %v", tc.text, err)
		}
		if got := out.Writes[stage.KeyDomainLabel]; got != tc.want {
			t.Errorf("label(%q) = %v, want %s", tc.text, got, tc.want)
		}
	}
}

// --- QueryExpand ---

func TestQueryExpand_NoClientDegradesToOriginal(t *testing.T) {
	// Without a client the only variant is the original query, no error
	st := NewQueryExpand("student")
	out, err := st.Run(context.Background(), request(t, st, types.Query{Text: "what is raft"}, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	variants, _ := out.Writes[stage.KeyExpandVariants].([]string)
	if len(variants) != 1 || variants[0] != "what is raft" {
		t.Errorf("variants = %v", variants)
	}
}

// --- Decompose ---

func TestDecompose_HeuristicSplit(t *testing.T) {
	// Without a client the query splits on sentence boundaries, numbered from 1
	st := NewDecompose("student")
	out, err := st.Run(context.Background(), request(t, st, types.Query{Text: "Explain raft. Compare it to paxos; list tradeoffs"}, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	steps, _ := out.Writes[stage.KeyDecomposeSteps].([]Step)
	if len(steps) != 3 {
		t.Fatalf("steps = %v, want 3", steps)
	}
	for i, s := range steps {
		if s.Seq != i+1 {
			t.Errorf("step %d has seq %d", i, s.Seq)
		}
	}
}

func TestDecompose_UnsplittableQueryYieldsOneStep(t *testing.T) {
	// A query with no split points becomes a single step
	st := NewDecompose("student")
	out, _ := st.Run(context.Background(), request(t, st, types.Query{Text: "explain raft"}, nil))
	steps, _ := out.Writes[stage.KeyDecomposeSteps].([]Step)
	if len(steps) != 1 || steps[0].Intent != "explain raft" {
		t.Errorf("steps = %v", steps)
	}
}

func TestParseSteps_FenceTolerant(t *testing.T) {
	// Model output wrapped in markdown fences still parses, capped and renumbered
	raw := "```json\n[{\"seq\": 9, \"intent\": \"a\"}, {\"seq\": 1, \"intent\": \"b\"}, {\"intent\": \"  \"}]\n```"
	steps := parseSteps(raw)
	if len(steps) != 2 {
		t.Fatalf("steps = %v", steps)
	}
	if steps[0].Seq != 1 || steps[0].Intent != "a" || steps[1].Seq != 2 {
		t.Errorf("renumbering wrong: %v", steps)
	}
}

// --- StudentCall ---

func TestStudentCall_SkipsWhenTeacherAnswered(t *testing.T) {
	// With a teacher answer present the student skips at zero cost
	st := NewStudentCall("student")
	req := request(t, st, types.Query{Text: "q"}, map[string]any{stage.KeyTeacherAnswer: "teacher says 42"})
	out, err := st.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.CostMicros != 0 {
		t.Errorf("cost = %d, want 0", out.CostMicros)
	}
	if out.Writes[stage.KeyStudentAnswer] != "" {
		t.Errorf("student answer = %v, want empty", out.Writes[stage.KeyStudentAnswer])
	}
	if !strings.Contains(out.Notes, "skipped") {
		t.Errorf("notes = %q", out.Notes)
	}
}

// --- ContextAssembly ---

func TestContextAssembly_FoldsUpstreamMaterial(t *testing.T) {
	// The playbook quotes domain, retrieved notes, and decomposed parts
	st := NewContextAssembly()
	req := request(t, st, types.Query{Text: "q"}, map[string]any{
		stage.KeyDomainLabel: "systems",
		stage.KeyRetrievalNotes: []types.ScoredNote{
			{Note: types.MemoryNote{Text: "raft uses randomized election timeouts"}, Score: 0.9},
		},
		stage.KeyDecomposeSteps: []Step{{Seq: 1, Intent: "explain raft"}, {Seq: 2, Intent: "compare to paxos"}},
	})
	out, err := st.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	playbook, _ := out.Writes[stage.KeyContextPlaybook].(string)
	for _, want := range []string{"systems", "randomized election timeouts", "compare to paxos"} {
		if !strings.Contains(playbook, want) {
			t.Errorf("playbook missing %q:\n%s", want, playbook)
		}
	}
}

func TestContextAssembly_EmptyUpstreamEmptyPlaybook(t *testing.T) {
	// With no upstream material the playbook is empty, not an error
	st := NewContextAssembly()
	out, err := st.Run(context.Background(), request(t, st, types.Query{Text: "q"}, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got, _ := out.Writes[stage.KeyContextPlaybook].(string); got != "" {
		t.Errorf("playbook = %q, want empty", got)
	}
}

// --- Refine ---

func TestRefine_NoDraftNoError(t *testing.T) {
	// Without any draft the stage writes empties and succeeds
	st := NewRefine("teacher")
	out, err := st.Run(context.Background(), request(t, st, types.Query{Text: "q"}, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Writes[stage.KeyRefineFinal] != "" {
		t.Errorf("final = %v", out.Writes[stage.KeyRefineFinal])
	}
}

func TestRefine_NoClientKeepsDraft(t *testing.T) {
	// Without a rewrite client the best available draft is scored and kept
	st := NewRefine("teacher")
	req := request(t, st, types.Query{Text: "explain raft consensus"}, map[string]any{
		stage.KeyTeacherAnswer: "raft consensus elects a leader and replicates a log to explain fault tolerance",
	})
	out, err := st.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	final, _ := out.Writes[stage.KeyRefineFinal].(string)
	if !strings.Contains(final, "raft consensus") {
		t.Errorf("final = %q", final)
	}
	history, _ := out.Writes[stage.KeyRefineHistory].([]RoundScore)
	if len(history) != 1 {
		t.Errorf("history rounds = %d, want 1", len(history))
	}
}

func TestRefine_PrefersTeacherDraftOverStudent(t *testing.T) {
	// The teacher draft is the refinement base when both drafts exist
	st := NewRefine("teacher")
	req := request(t, st, types.Query{Text: "q"}, map[string]any{
		stage.KeyTeacherAnswer: "teacher draft",
		stage.KeyStudentAnswer: "student draft",
	})
	out, _ := st.Run(context.Background(), req)
	if got, _ := out.Writes[stage.KeyRefineFinal].(string); got != "teacher draft" {
		t.Errorf("final = %q, want the teacher draft", got)
	}
}

// --- Synthesize ---

func TestSynthesize_SourcePriority(t *testing.T) {
	// refined > teacher > student > retrieval summary > degraded notice
	cases := []struct {
		name  string
		extra map[string]any
		want  string
		prov  string
	}{
		{
			"refined wins over everything",
			map[string]any{
				stage.KeyRefineFinal:   "refined",
				stage.KeyTeacherAnswer: "teacher",
				stage.KeyStudentAnswer: "student",
			},
			"refined", "refine",
		},
		{
			"teacher beats student",
			map[string]any{stage.KeyTeacherAnswer: "teacher", stage.KeyStudentAnswer: "student"},
			"teacher", "teacher",
		},
		{
			"student stands alone",
			map[string]any{stage.KeyStudentAnswer: "student"},
			"student", "student",
		},
		{
			"nothing at all degrades",
			nil,
			degradedAnswer, "degraded",
		},
	}
	st := NewSynthesize(nil)
	for _, tc := range cases {
		out, err := st.Run(context.Background(), request(t, st, types.Query{Text: "q"}, tc.extra))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got := out.Writes[stage.KeyFinalAnswer]; got != tc.want {
			t.Errorf("%s: answer = %v, want %q", tc.name, got, tc.want)
		}
		prov, _ := out.Writes[stage.KeyFinalProvenance].([]string)
		if len(prov) == 0 || prov[0] != tc.prov {
			t.Errorf("%s: provenance = %v, want leading %q", tc.name, prov, tc.prov)
		}
	}
}

func TestSynthesize_RetrievalSummaryFallback(t *testing.T) {
	// With only retrieval notes the answer summarizes them
	st := NewSynthesize(nil)
	req := request(t, st, types.Query{Text: "q"}, map[string]any{
		stage.KeyRetrievalNotes: []types.ScoredNote{
			{Note: types.MemoryNote{Text: "raft elects leaders"}, Score: 0.8},
		},
	})
	out, _ := st.Run(context.Background(), req)
	answer, _ := out.Writes[stage.KeyFinalAnswer].(string)
	if !strings.Contains(answer, "raft elects leaders") {
		t.Errorf("answer = %q", answer)
	}
	prov, _ := out.Writes[stage.KeyFinalProvenance].([]string)
	if len(prov) != 1 || prov[0] != "retrieval" {
		t.Errorf("provenance = %v", prov)
	}
}

func TestSynthesize_DenyPatternReplacesAnswer(t *testing.T) {
	// An answer matching a deny pattern is withheld and marked in provenance
	st := NewSynthesize([]string{`(?i)lorem ipsum`})
	req := request(t, st, types.Query{Text: "q"}, map[string]any{
		stage.KeyTeacherAnswer: "Lorem ipsum dolor sit amet",
	})
	out, _ := st.Run(context.Background(), req)
	if got := out.Writes[stage.KeyFinalAnswer]; got != deniedAnswer {
		t.Errorf("answer = %v, want the policy notice", got)
	}
	prov, _ := out.Writes[stage.KeyFinalProvenance].([]string)
	found := false
	for _, p := range prov {
		if p == "policy:denied" {
			found = true
		}
	}
	if !found {
		t.Errorf("provenance = %v, missing policy:denied", prov)
	}
}

func TestSynthesize_CitationsCarriedIntoProvenance(t *testing.T) {
	// Teacher citations ride along as cite: entries
	st := NewSynthesize(nil)
	req := request(t, st, types.Query{Text: "q"}, map[string]any{
		stage.KeyTeacherAnswer:    "see [1]",
		stage.KeyTeacherCitations: []string{"[1]"},
	})
	out, _ := st.Run(context.Background(), req)
	prov, _ := out.Writes[stage.KeyFinalProvenance].([]string)
	if len(prov) != 2 || prov[1] != "cite:[1]" {
		t.Errorf("provenance = %v", prov)
	}
}

// --- Recurse ---

func TestRecurse_DepthCapWritesEmptyResults(t *testing.T) {
	// At the depth cap recursion degrades to an empty result list
	st := NewRecurse()
	pad := stage.NewScratchpad(types.Query{Text: "q"})
	_ = pad.Merge(map[string]any{stage.KeyDecomposeSteps: []Step{{Seq: 1, Intent: "a"}}})
	req := stage.Request{
		Query:   types.Query{Text: "q"},
		View:    pad.ViewFor(st.InputKeys()),
		Runtime: &stage.Runtime{Depth: 1, MaxDepth: 1, Sub: subExecFunc(nil)},
	}
	out, err := st.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	results, _ := out.Writes[stage.KeyRecurseResults].([]StepResult)
	if len(results) != 0 {
		t.Errorf("results = %v, want empty", results)
	}
}

// subExecFunc adapts a function to stage.SubExecutor.
type subExecFunc func(ctx context.Context, q types.Query, b types.Budget, depth int) (types.Result, error)

func (f subExecFunc) ExecuteSub(ctx context.Context, q types.Query, b types.Budget, depth int) (types.Result, error) {
	if f == nil {
		return types.Result{}, nil
	}
	return f(ctx, q, b, depth)
}

func TestRecurse_RunsEachStepThroughSubExecutor(t *testing.T) {
	// Each decomposed step becomes one sub-execution; answers are collected
	st := NewRecurse()
	pad := stage.NewScratchpad(types.Query{Text: "q", TenantID: "t1"})
	_ = pad.Merge(map[string]any{stage.KeyDecomposeSteps: []Step{
		{Seq: 1, Intent: "part one"},
		{Seq: 2, Intent: "part two"},
	}})
	var seen []string
	sub := subExecFunc(func(_ context.Context, q types.Query, _ types.Budget, depth int) (types.Result, error) {
		seen = append(seen, q.Text)
		if depth != 1 {
			t.Errorf("sub depth = %d, want 1", depth)
		}
		return types.Result{Answer: "answer to " + q.Text, Terminal: types.TerminalOK}, nil
	})
	req := stage.Request{
		Query:   types.Query{Text: "q", TenantID: "t1"},
		View:    pad.ViewFor(st.InputKeys()),
		Runtime: &stage.Runtime{Depth: 0, MaxDepth: 1, Sub: sub},
	}
	out, err := st.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	results, _ := out.Writes[stage.KeyRecurseResults].([]StepResult)
	if len(results) != 2 || results[1].Answer != "answer to part two" {
		t.Errorf("results = %v", results)
	}
	if len(seen) != 2 {
		t.Errorf("sub executions = %v", seen)
	}
}
