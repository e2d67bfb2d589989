package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haricheung/cascade/internal/modelclient"
	"github.com/haricheung/cascade/internal/stage"
)

// defaultVariantCount caps how many paraphrases expansion asks for.
const defaultVariantCount = 3

const expandPrompt = `Rewrite the following query as up to %d distinct paraphrases that preserve its meaning but vary the wording. They will be used for retrieval, so favor concrete noun phrases over pronouns.

Query:
%s

Output ONLY a JSON array of strings (no wrapper, no markdown, no prose).`

// QueryExpand produces paraphrase variants with the student client. It never
// fails the plan: on any model error the original query is the only variant.
type QueryExpand struct {
	client string
}

// NewQueryExpand creates the stage bound to the named (student) client.
func NewQueryExpand(client string) *QueryExpand { return &QueryExpand{client: client} }

func (*QueryExpand) Name() string             { return stage.NameQueryExpand }
func (*QueryExpand) InputKeys() []string      { return []string{stage.KeyQueryText} }
func (*QueryExpand) OutputKeys() []string     { return []string{stage.KeyExpandVariants} }
func (*QueryExpand) Cacheable() bool          { return true }
func (*QueryExpand) Idempotent() bool         { return true }
func (*QueryExpand) Capabilities() []string   { return []string{stage.CapNeedsStudent} }

// Run asks for paraphrases and writes expand.variants.
//
// Expectations:
//   - Writes at most N variants, the original query always first
//   - Model failure degrades to the original query only, with no error
//   - Variant count N is configurable via config "variants"
func (s *QueryExpand) Run(ctx context.Context, req stage.Request) (stage.Output, error) {
	query := req.View.GetString(stage.KeyQueryText)
	n := configInt(req.Config, "variants", defaultVariantCount)
	variants := []string{query}

	rt := req.Runtime
	if rt == nil || rt.Clients == nil || !rt.Clients.Has(s.client) {
		return stage.Output{Writes: map[string]any{stage.KeyExpandVariants: variants}, Notes: "no client; original only"}, nil
	}

	gen, err := rt.Clients.Generate(ctx, s.client, fmt.Sprintf(expandPrompt, n, query), modelclient.Options{MaxTokens: 256}, rt.Ledger)
	if err != nil {
		slog.Debug("[EXPAND] degraded to original query", "error", err)
		return stage.Output{Writes: map[string]any{stage.KeyExpandVariants: variants}, Notes: "degraded: " + err.Error()}, nil
	}

	for _, v := range parseStringArray(gen.Text) {
		if v != query && len(variants) < n+1 {
			variants = append(variants, v)
		}
	}
	return stage.Output{
		Writes:     map[string]any{stage.KeyExpandVariants: variants},
		CostMicros: gen.CostMicros,
		TokensIn:   gen.TokensIn,
		TokensOut:  gen.TokensOut,
	}, nil
}

// configInt reads an integer config value with a default; JSON-decoded
// configs deliver numbers as float64.
func configInt(cfg map[string]any, key string, def int) int {
	if cfg == nil {
		return def
	}
	switch v := cfg[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// configFloat reads a float config value with a default.
func configFloat(cfg map[string]any, key string, def float64) float64 {
	if cfg == nil {
		return def
	}
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
