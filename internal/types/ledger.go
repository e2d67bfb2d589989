package types

import (
	"sync"
	"time"
)

// Ledger tracks consumption against a Budget over one session. It is shared
// by the scheduler (stage accounting) and the model client registry
// (synchronous pre-call refusal), so all methods are safe for concurrent use.
//
// Consumption is monotonic: totals only grow. A charge may transiently push a
// total past its cap; the scheduler's per-stage guard aborts the plan on the
// next check, which is the behavior the session-close invariant allows.
type Ledger struct {
	mu      sync.Mutex
	budget  Budget
	totals  Totals
	started time.Time
	now     func() time.Time
}

// NewLedger creates a Ledger for budget, timing wall-clock from now().
func NewLedger(budget Budget, now func() time.Time) *Ledger {
	return &Ledger{budget: budget, started: now(), now: now}
}

// Budget returns the declared budget.
func (l *Ledger) Budget() Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget
}

// Totals returns a snapshot of consumption so far, with wall time refreshed.
func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.totals
	t.WallMillis = l.now().Sub(l.started).Milliseconds()
	return t
}

// Charge adds one stage's actual consumption.
func (l *Ledger) Charge(costMicros int64, tokensIn, tokensOut int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totals.CostMicros += costMicros
	l.totals.TokensIn += tokensIn
	l.totals.TokensOut += tokensOut
}

// ChargeStage counts one completed stage.
func (l *Ledger) ChargeStage() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totals.Stages++
}

// ReserveCall atomically checks and counts one model call for the named
// identity ("teacher" or "student"). It refuses when the per-identity call
// cap or the cost cap is already exhausted.
//
// Expectations:
//   - Returns ErrBudgetExceeded when teacher calls are at MaxTeacherCalls
//   - Returns ErrBudgetExceeded when student calls are at MaxStudentCalls
//   - Returns ErrBudgetExceeded when cost consumed >= MaxCostMicros
//   - Increments the matching call counter on success
//   - Identities other than teacher/student are only cost-checked
func (l *Ledger) ReserveCall(identity string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.budget.MaxCostMicros >= 0 && l.totals.CostMicros >= l.budget.MaxCostMicros {
		return ErrBudgetExceeded
	}
	switch identity {
	case "teacher":
		if l.totals.TeacherCalls >= l.budget.MaxTeacherCalls {
			return ErrBudgetExceeded
		}
		l.totals.TeacherCalls++
	case "student":
		if l.totals.StudentCalls >= l.budget.MaxStudentCalls {
			return ErrBudgetExceeded
		}
		l.totals.StudentCalls++
	}
	return nil
}

// Exhausted reports whether any budget dimension has run out.
func (l *Ledger) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.totals.CostMicros >= l.budget.MaxCostMicros && l.budget.MaxCostMicros > 0 {
		return true
	}
	if l.budget.MaxWallMillis > 0 && l.now().Sub(l.started).Milliseconds() >= l.budget.MaxWallMillis {
		return true
	}
	return false
}

// RemainingWall returns the wall-clock time left, or zero when exhausted.
func (l *Ledger) RemainingWall() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.budget.MaxWallMillis <= 0 {
		return 0
	}
	rem := time.Duration(l.budget.MaxWallMillis)*time.Millisecond - l.now().Sub(l.started)
	if rem < 0 {
		return 0
	}
	return rem
}

// Restrict derives a child budget for a sub-pipeline: each field is the
// smaller of the remaining parent allowance and the parent cap divided by n.
// Used by the recursion stage so sub-steps cannot outspend the session.
func (l *Ledger) Restrict(n int) Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < 1 {
		n = 1
	}
	div := func(v int64) int64 {
		if v <= 0 {
			return 0
		}
		return v / int64(n)
	}
	rem := func(cap int64, used int64) int64 {
		if cap <= 0 {
			return 0
		}
		if used >= cap {
			return 0
		}
		return cap - used
	}
	b := Budget{
		MaxWallMillis: min(div(l.budget.MaxWallMillis), rem(l.budget.MaxWallMillis, l.now().Sub(l.started).Milliseconds())),
		MaxCostMicros: min(div(l.budget.MaxCostMicros), rem(l.budget.MaxCostMicros, l.totals.CostMicros)),
	}
	if l.budget.MaxStages != nil {
		stages := *l.budget.MaxStages
		b.MaxStages = &stages
	}
	if c := l.budget.MaxTeacherCalls - l.totals.TeacherCalls; c > 0 {
		b.MaxTeacherCalls = c / n
	}
	if c := l.budget.MaxStudentCalls - l.totals.StudentCalls; c > 0 {
		b.MaxStudentCalls = c / n
	}
	return b
}
