package stages

import (
	"context"
	"strings"

	"github.com/haricheung/cascade/internal/stage"
)

// minDomainConfidence is the score below which detection falls back to
// "general".
const minDomainConfidence = 0.34

// domainKeywords maps a domain label to its signal words. Detection is a
// pure keyword vote; it errors never.
var domainKeywords = map[string][]string{
	"code":    {"code", "function", "compile", "bug", "golang", "python", "library", "api", "stack trace", "error"},
	"math":    {"sum", "integral", "equation", "prove", "theorem", "calculate", "probability", "matrix"},
	"systems": {"consensus", "raft", "paxos", "distributed", "latency", "throughput", "cluster", "replication", "cache"},
	"science": {"experiment", "hypothesis", "molecule", "physics", "chemistry", "biology", "cell"},
	"legal":   {"contract", "liability", "statute", "court", "clause", "regulation"},
	"finance": {"revenue", "interest", "portfolio", "equity", "tax", "invoice", "market"},
}

// DomainDetect classifies the query into a domain label with a confidence.
// A domain hint on the query wins outright.
type DomainDetect struct{}

// NewDomainDetect creates the stage.
func NewDomainDetect() *DomainDetect { return &DomainDetect{} }

func (*DomainDetect) Name() string { return stage.NameDomainDetect }
func (*DomainDetect) InputKeys() []string {
	return []string{stage.KeyQueryText, stage.KeyQueryDomainHint}
}
func (*DomainDetect) OutputKeys() []string {
	return []string{stage.KeyDomainLabel, stage.KeyDomainConfidence}
}
func (*DomainDetect) Cacheable() bool         { return true }
func (*DomainDetect) Idempotent() bool        { return true }
func (*DomainDetect) Capabilities() []string  { return nil }

// Run votes keywords per domain and writes the winning label.
//
// Expectations:
//   - A non-empty domain hint is returned verbatim with confidence 1.0
//   - The label with the highest keyword hit share wins
//   - Low confidence (or no hits) yields "general"
//   - Never returns an error
func (*DomainDetect) Run(ctx context.Context, req stage.Request) (stage.Output, error) {
	if hint := req.View.GetString(stage.KeyQueryDomainHint); hint != "" {
		return stage.Output{Writes: map[string]any{
			stage.KeyDomainLabel:      hint,
			stage.KeyDomainConfidence: 1.0,
		}}, nil
	}

	text := strings.ToLower(req.View.GetString(stage.KeyQueryText))
	bestLabel := "general"
	bestHits := 0
	totalHits := 0
	for label, words := range domainKeywords {
		hits := 0
		for _, w := range words {
			if strings.Contains(text, w) {
				hits++
			}
		}
		totalHits += hits
		// Strict > plus sorted-stable map behavior is not guaranteed; break
		// label ties alphabetically so detection stays deterministic.
		if hits > bestHits || (hits == bestHits && hits > 0 && label < bestLabel) {
			bestHits = hits
			bestLabel = label
		}
	}

	confidence := 0.0
	if totalHits > 0 {
		confidence = float64(bestHits) / float64(totalHits)
	}
	if confidence < minDomainConfidence {
		bestLabel = "general"
	}
	return stage.Output{Writes: map[string]any{
		stage.KeyDomainLabel:      bestLabel,
		stage.KeyDomainConfidence: confidence,
	}}, nil
}
