package stage

import (
	"context"
	"testing"

	"github.com/haricheung/cascade/internal/types"
)

// --- Scratchpad ---

func TestScratchpad_SeededWithQueryKeys(t *testing.T) {
	// NewScratchpad exposes the query keys to views that declare them
	pad := NewScratchpad(types.Query{Text: "q", DomainHint: "math", TenantID: "t1"})
	view := pad.ViewFor(InitialKeys())
	if got := view.GetString(KeyQueryText); got != "q" {
		t.Errorf("query.text = %q", got)
	}
	if got := view.GetString(KeyQueryDomainHint); got != "math" {
		t.Errorf("query.domain_hint = %q", got)
	}
	if got := view.GetString(KeyQueryTenant); got != "t1" {
		t.Errorf("query.tenant = %q", got)
	}
}

func TestScratchpad_MergeRejectsOverwrite(t *testing.T) {
	// A merge touching an existing key fails whole and writes nothing
	pad := NewScratchpad(types.Query{Text: "q"})
	if err := pad.Merge(map[string]any{KeyDomainLabel: "math"}); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	err := pad.Merge(map[string]any{
		KeyDomainLabel:    "code",
		KeyExpandVariants: []string{"v"},
	})
	if types.KindOf(err) != types.KindInternal {
		t.Fatalf("overwrite merge error = %v, want internal kind", err)
	}
	// The non-conflicting key from the failed merge must be absent too.
	if _, ok := pad.Snapshot()[KeyExpandVariants]; ok {
		t.Error("failed merge leaked a write")
	}
	if pad.Snapshot()[KeyDomainLabel] != "math" {
		t.Error("original value changed")
	}
}

// --- View ---

func TestView_HidesUndeclaredKeys(t *testing.T) {
	// A view only sees its declared input keys
	pad := NewScratchpad(types.Query{Text: "q"})
	_ = pad.Merge(map[string]any{KeyDomainLabel: "math"})

	view := pad.ViewFor([]string{KeyQueryText})
	if _, ok := view.Get(KeyDomainLabel); ok {
		t.Error("view leaked an undeclared key")
	}
	if got := view.GetString(KeyQueryText); got != "q" {
		t.Errorf("declared key unreadable: %q", got)
	}
}

func TestView_GetStringsAcceptsBothSliceShapes(t *testing.T) {
	// GetStrings reads []string and []any alike
	pad := NewScratchpad(types.Query{Text: "q"})
	_ = pad.Merge(map[string]any{
		KeyExpandVariants:  []string{"a", "b"},
		KeyFinalProvenance: []any{"teacher", "cite:[1]"},
	})
	view := pad.ViewFor([]string{KeyExpandVariants, KeyFinalProvenance})
	if got := view.GetStrings(KeyExpandVariants); len(got) != 2 {
		t.Errorf("[]string shape = %v", got)
	}
	if got := view.GetStrings(KeyFinalProvenance); len(got) != 2 || got[0] != "teacher" {
		t.Errorf("[]any shape = %v", got)
	}
}

// --- Registry ---

type fakeStage struct{ name string }

func (s fakeStage) Name() string          { return s.name }
func (fakeStage) InputKeys() []string     { return nil }
func (fakeStage) OutputKeys() []string    { return nil }
func (fakeStage) Cacheable() bool         { return false }
func (fakeStage) Idempotent() bool        { return true }
func (fakeStage) Capabilities() []string  { return nil }
func (fakeStage) Run(context.Context, Request) (Output, error) {
	return Output{}, nil
}

func TestRegistry_RegisterAndNames(t *testing.T) {
	// Names returns registered stages sorted
	r := NewRegistry()
	r.Register(fakeStage{name: "zeta"})
	r.Register(fakeStage{name: "alpha"})
	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("names = %v", names)
	}
	if _, ok := r.Get("alpha"); !ok {
		t.Error("registered stage not found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("unregistered stage found")
	}
}
