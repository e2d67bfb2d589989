// Package stage defines the uniform stage contract, the stage registry, and
// the per-session scratchpad. Everything the scheduler executes, built-in or
// external, implements Stage.
package stage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haricheung/cascade/internal/embed"
	"github.com/haricheung/cascade/internal/memory"
	"github.com/haricheung/cascade/internal/modelclient"
	"github.com/haricheung/cascade/internal/types"
)

// Well-known scratchpad keys. Keys are namespaced "<stage>.<field>"; the
// initial scratchpad is seeded with the query.* keys.
const (
	KeyQueryText        = "query.text"
	KeyQueryDomainHint  = "query.domain_hint"
	KeyQueryTenant      = "query.tenant"
	KeyDomainLabel      = "domain.label"
	KeyDomainConfidence = "domain.confidence"
	KeyExpandVariants   = "expand.variants"
	KeyRetrievalNotes   = "retrieval.notes"
	KeyRetrievalUsedVar = "retrieval.used_variants"
	KeyTeacherAnswer    = "teacher.answer"
	KeyTeacherCitations = "teacher.citations"
	KeyStudentAnswer    = "student.answer"
	KeyDecomposeSteps   = "decompose.steps"
	KeyRecurseResults   = "recurse.step_results"
	KeyContextPlaybook  = "context.playbook"
	KeyRefineFinal      = "refine.final"
	KeyRefineHistory    = "refine.score_history"
	KeyFinalAnswer      = "final.answer"
	KeyFinalProvenance  = "final.provenance"
)

// Built-in stage names. The router's policy table and the registry bindings
// both reference these.
const (
	NameDomainDetect    = "domain_detect"
	NameQueryExpand     = "query_expand"
	NameRetrieve        = "retrieve"
	NameTeacherCall     = "teacher_call"
	NameStudentCall     = "student_call"
	NameDecompose       = "decompose"
	NameRecurse         = "recurse"
	NameContextAssembly = "context_assembly"
	NameRefine          = "refine"
	NameSynthesize      = "synthesize"
)

// Capability tags a stage can declare.
const (
	CapNeedsTeacher = "needs-teacher"
	CapNeedsStudent = "needs-student"
	CapNeedsMemory  = "needs-memory"
	CapRecursive    = "recursive"
)

// SubExecutor runs a restricted sub-pipeline. The recursion stage depends on
// this interface rather than on the pipeline package to avoid a cycle; the
// facade implements it.
type SubExecutor interface {
	ExecuteSub(ctx context.Context, query types.Query, budget types.Budget, depth int) (types.Result, error)
}

// Runtime carries the shared collaborators a stage may use. All fields may be
// nil; stages must degrade rather than fail when a collaborator is absent.
type Runtime struct {
	Clients  *modelclient.Registry
	Memory   *memory.Store
	Embedder embed.Embedder
	Ledger   *types.Ledger
	Logger   *slog.Logger
	Sub      SubExecutor

	// Seed is the deterministic seed for this session; zero means none.
	Seed int64
	// Depth is the current recursion depth (0 at top level).
	Depth int
	// MaxDepth caps recursion; the recursion stage elides itself beyond it.
	MaxDepth int
}

// Request is the input to one stage invocation.
type Request struct {
	Query      types.Query
	Difficulty types.Difficulty
	View       *View
	Config     map[string]any
	Runtime    *Runtime
}

// Output is what a stage returns: scratchpad writes to merge plus a cost and
// token summary for the trace event.
type Output struct {
	Writes     map[string]any
	CostMicros int64
	TokensIn   int
	TokensOut  int
	Notes      string
}

// Stage is the uniform contract. Declarations (keys, cacheability,
// idempotency) are static; Run must honor ctx cancellation within a bounded
// interval for CPU work.
type Stage interface {
	Name() string
	InputKeys() []string
	OutputKeys() []string
	Cacheable() bool
	Idempotent() bool
	Capabilities() []string
	Run(ctx context.Context, req Request) (Output, error)
}

// ---------------------------------------------------------------------------
// Scratchpad
// ---------------------------------------------------------------------------

// Scratchpad is the per-session typed key-value store. Writes are
// append-only: a second write to an existing key is a logic error.
type Scratchpad struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewScratchpad seeds the scratchpad with the query keys.
func NewScratchpad(q types.Query) *Scratchpad {
	return &Scratchpad{values: map[string]any{
		KeyQueryText:       q.Text,
		KeyQueryDomainHint: q.DomainHint,
		KeyQueryTenant:     q.TenantID,
	}}
}

// InitialKeys lists the keys present before any stage runs.
func InitialKeys() []string {
	return []string{KeyQueryText, KeyQueryDomainHint, KeyQueryTenant}
}

// Merge applies writes atomically. Any key that already exists fails the
// whole merge and nothing is written.
//
// Expectations:
//   - Writing a fresh key succeeds
//   - Writing an existing key returns a KindInternal error naming the key
//   - A failed merge leaves the scratchpad unchanged
func (s *Scratchpad) Merge(writes map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range writes {
		if _, exists := s.values[k]; exists {
			return types.NewError(types.KindInternal, fmt.Sprintf("scratchpad overwrite of %q", k))
		}
	}
	for k, v := range writes {
		s.values[k] = v
	}
	return nil
}

// Snapshot returns a shallow copy of all values.
func (s *Scratchpad) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// ViewFor returns a read view restricted to the given input keys.
func (s *Scratchpad) ViewFor(inputKeys []string) *View {
	allowed := make(map[string]struct{}, len(inputKeys))
	for _, k := range inputKeys {
		allowed[k] = struct{}{}
	}
	return &View{pad: s, allowed: allowed}
}

// View is a stage's read window onto the scratchpad: only declared input
// keys are visible.
type View struct {
	pad     *Scratchpad
	allowed map[string]struct{}
}

// Get returns the value for key. Undeclared keys read as absent; a stage
// never observes data it did not declare.
func (v *View) Get(key string) (any, bool) {
	if _, ok := v.allowed[key]; !ok {
		return nil, false
	}
	v.pad.mu.RLock()
	defer v.pad.mu.RUnlock()
	val, ok := v.pad.values[key]
	return val, ok
}

// GetString returns the string value for key, or "" when absent or not a
// string.
func (v *View) GetString(key string) string {
	val, ok := v.Get(key)
	if !ok {
		return ""
	}
	s, _ := val.(string)
	return s
}

// GetStrings returns a string slice for key, accepting []string or []any.
func (v *View) GetStrings(key string) []string {
	val, ok := v.Get(key)
	if !ok {
		return nil
	}
	switch t := val.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Inputs materializes the view as a map for cache key construction.
func (v *View) Inputs() map[string]any {
	v.pad.mu.RLock()
	defer v.pad.mu.RUnlock()
	out := make(map[string]any, len(v.allowed))
	for k := range v.allowed {
		if val, ok := v.pad.values[k]; ok {
			out[k] = val
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry maps stage names to implementations. Concrete stages register at
// startup; there is no dynamic loading.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

// Register adds st under its own name. Re-registering a name replaces it.
func (r *Registry) Register(st Stage) {
	r.mu.Lock()
	r.stages[st.Name()] = st
	r.mu.Unlock()
}

// Get returns the stage registered under name.
func (r *Registry) Get(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stages[name]
	return st, ok
}

// Names returns all registered stage names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for n := range r.stages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
