// Package types holds the shared data model for the cascade engine: queries,
// budgets, plans, sessions, trace events, and the error taxonomy every
// component classifies against.
package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxQueryBytes is the hard upper bound on query text length.
const MaxQueryBytes = 32 * 1024

// Query is the immutable input to one pipeline execution.
type Query struct {
	Text       string `json:"text"`
	DomainHint string `json:"domain_hint,omitempty"`
	TenantID   string `json:"tenant_id"`
	Trace      bool   `json:"trace"`
}

// Budget is the compound resource envelope for one session. Every field is a
// hard cap; any one of them running out aborts the remainder of the plan.
//
// MaxStages is a pointer so an omitted cap (nil, filled from the configured
// default) is distinguishable from an explicit zero, which plans only the
// terminal synthesize.
type Budget struct {
	MaxWallMillis   int64 `json:"max_wall_ms"`
	MaxCostMicros   int64 `json:"max_cost_micros"`
	MaxTeacherCalls int   `json:"max_teacher_calls"`
	MaxStudentCalls int   `json:"max_student_calls"`
	MaxStages       *int  `json:"max_stages,omitempty"`
}

// Totals accumulates actual consumption over a session.
type Totals struct {
	CostMicros   int64 `json:"cost_micros"`
	WallMillis   int64 `json:"wall_ms"`
	TokensIn     int   `json:"tokens_in"`
	TokensOut    int   `json:"tokens_out"`
	TeacherCalls int   `json:"teacher_calls"`
	StudentCalls int   `json:"student_calls"`
	Stages       int   `json:"stages"`
}

// DifficultyFeatures is the explicit feature vector behind a difficulty score.
type DifficultyFeatures struct {
	TokenCount        int     `json:"token_count"`
	EntityCount       int     `json:"entity_count"`
	MultiIntent       bool    `json:"multi_intent"`
	DomainUncertainty float64 `json:"domain_uncertainty"`
	ContextLength     int     `json:"context_length"`
}

// Difficulty is a score in [0,1] plus the features that produced it.
// Higher difficulty buys a more expensive plan.
type Difficulty struct {
	Score    float64            `json:"score"`
	Features DifficultyFeatures `json:"features"`
}

// StageSpec names one stage invocation inside a plan.
type StageSpec struct {
	Stage         string         `json:"stage"`
	Config        map[string]any `json:"config,omitempty"`
	InputKeys     []string       `json:"input_keys"`
	OutputKeys    []string       `json:"output_keys"`
	Cacheable     bool           `json:"cacheable"`
	Idempotent    bool           `json:"idempotent"`
	ParallelGroup string         `json:"parallel_group,omitempty"`
}

// StagePlan is the ordered stage sequence the scheduler walks. Adjacent specs
// sharing a ParallelGroup tag run concurrently.
type StagePlan struct {
	Specs []StageSpec `json:"specs"`
}

// EventPhase labels a trace event within a stage's lifecycle.
type EventPhase string

const (
	PhaseStart EventPhase = "start"
	PhaseEnd   EventPhase = "end"
	PhaseError EventPhase = "error"
	PhaseRetry EventPhase = "retry"
)

// StageEvent is one trace record. Seq is assigned at emission and is strictly
// monotonic per session.
type StageEvent struct {
	SessionID  string     `json:"session_id"`
	Seq        int        `json:"seq"`
	Stage      string     `json:"stage"`
	Phase      EventPhase `json:"phase"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    time.Time  `json:"ended_at,omitzero"`
	CostMicros int64      `json:"cost_micros,omitempty"`
	TokensIn   int        `json:"tokens_in,omitempty"`
	TokensOut  int        `json:"tokens_out,omitempty"`
	CacheHit   bool       `json:"cache_hit,omitempty"`
	ErrorKind  ErrorKind  `json:"error_kind,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// TerminalState is the final disposition of a session.
type TerminalState string

const (
	TerminalOK            TerminalState = "ok"
	TerminalFailed        TerminalState = "failed"
	TerminalAbortedBudget TerminalState = "aborted_budget"
	TerminalCancelled     TerminalState = "cancelled"
)

// Session is the full record of one execution: input, plan, every event, the
// closing scratchpad snapshot, and the result.
type Session struct {
	ID         string         `json:"id"`
	Query      Query          `json:"query"`
	Plan       StagePlan      `json:"plan"`
	Events     []StageEvent   `json:"events"`
	Scratchpad map[string]any `json:"scratchpad,omitempty"`
	Result     *Result        `json:"result,omitempty"`
	Terminal   TerminalState  `json:"terminal"`
	Totals     Totals         `json:"totals"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at,omitzero"`
}

// Result is what the pipeline facade returns for every execution that got as
// far as creating a session.
type Result struct {
	SessionID    string        `json:"session_id"`
	Answer       string        `json:"answer"`
	Provenance   []string      `json:"provenance"`
	Totals       Totals        `json:"totals"`
	Terminal     TerminalState `json:"terminal"`
	ErrorSummary string        `json:"error_summary,omitempty"`
}

// MemoryNote is one durable embedding-indexed record in the reasoning bank.
type MemoryNote struct {
	ID           string    `json:"id"`
	Tenant       string    `json:"tenant"`
	Domain       string    `json:"domain"`
	Embedding    []float32 `json:"embedding"`
	Text         string    `json:"text"`
	CreatedAt    string    `json:"created_at"`
	HelpfulCount int       `json:"helpful_count"`
	HarmfulCount int       `json:"harmful_count"`
	TombstonedAt string    `json:"tombstoned_at,omitempty"`
}

// ScoredNote pairs a retrieved note with its cosine similarity to the query.
type ScoredNote struct {
	Note  MemoryNote `json:"note"`
	Score float64    `json:"score"`
}

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// ErrorKind classifies an error for routing decisions: only Retryable,
// RateLimited, and Transport errors are retried, and only on idempotent
// stages; everything else either degrades or terminates the session.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindInput       ErrorKind = "input"
	KindPlanning    ErrorKind = "planning"
	KindRetryable   ErrorKind = "retryable"
	KindRateLimited ErrorKind = "rate_limited"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindPolicy      ErrorKind = "policy"
	KindInvalid     ErrorKind = "invalid"
	KindTransport   ErrorKind = "transport"
	KindBudget      ErrorKind = "budget_exceeded"
	KindCancelled   ErrorKind = "cancelled"
	KindInternal    ErrorKind = "internal"
)

// Error is a typed error carrying its taxonomy kind. Components wrap adapter
// failures in an Error so the scheduler can classify without string matching.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError wraps err with a kind. A nil err yields nil.
func WrapError(kind ErrorKind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrorKind from err.
//
// Expectations:
//   - Returns KindNone for nil
//   - Returns the kind of the outermost *Error in the chain
//   - Returns KindCancelled for context cancellation wrappers
//   - Returns KindInternal for any other non-nil error
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// Retryable reports whether err's kind is in the retry envelope.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRetryable, KindRateLimited, KindTransport:
		return true
	}
	return false
}

// Sentinels shared across packages.
var (
	ErrBudgetExceeded = NewError(KindBudget, "budget exceeded")
	ErrCircuitOpen    = NewError(KindCircuitOpen, "circuit open")
	ErrCancelled      = NewError(KindCancelled, "cancelled")
)
