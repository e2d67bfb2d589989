package stages

import (
	"context"

	"github.com/haricheung/cascade/internal/stage"
	"github.com/haricheung/cascade/internal/types"
)

// defaultRetrieveK is how many notes retrieval returns when unconfigured.
const defaultRetrieveK = 5

// Retrieve searches the reasoning bank for notes similar to the query. It
// runs in the prelude parallel group, so it reads only the initial query
// keys; expansion variants land in the same group and are not yet visible.
type Retrieve struct{}

// NewRetrieve creates the stage.
func NewRetrieve() *Retrieve { return &Retrieve{} }

func (*Retrieve) Name() string { return stage.NameRetrieve }
func (*Retrieve) InputKeys() []string {
	return []string{stage.KeyQueryText, stage.KeyQueryTenant, stage.KeyQueryDomainHint}
}
func (*Retrieve) OutputKeys() []string {
	return []string{stage.KeyRetrievalNotes, stage.KeyRetrievalUsedVar}
}
func (*Retrieve) Cacheable() bool        { return true }
func (*Retrieve) Idempotent() bool       { return true }
func (*Retrieve) Capabilities() []string { return []string{stage.CapNeedsMemory} }

// Run embeds the query and writes the ranked notes.
//
// Expectations:
//   - Memory or embedder absent → empty note list, no error
//   - Notes are ranked by similarity, at most k
//   - retrieval.used_variants is false (prelude runs before expansion)
func (*Retrieve) Run(ctx context.Context, req stage.Request) (stage.Output, error) {
	k := configInt(req.Config, "k", defaultRetrieveK)
	writes := map[string]any{
		stage.KeyRetrievalNotes:   []types.ScoredNote{},
		stage.KeyRetrievalUsedVar: false,
	}

	rt := req.Runtime
	if rt == nil || rt.Memory == nil || rt.Embedder == nil {
		return stage.Output{Writes: writes, Notes: "memory unavailable"}, nil
	}

	query := req.View.GetString(stage.KeyQueryText)
	tenant := req.View.GetString(stage.KeyQueryTenant)
	domain := req.View.GetString(stage.KeyQueryDomainHint)
	notes := rt.Memory.SearchSimilar(ctx, rt.Embedder.Embed(query), tenant, domain, k)
	if notes == nil {
		notes = []types.ScoredNote{}
	}
	writes[stage.KeyRetrievalNotes] = notes
	return stage.Output{Writes: writes}, nil
}
