// Package difficulty estimates how hard a query is, as a score in [0,1].
// The estimator is a weighted sum over explicit features followed by a
// logistic squash; it is pure and deterministic for a given config.
package difficulty

import (
	"math"
	"strings"
	"unicode"

	"github.com/haricheung/cascade/internal/types"
)

// Weights parameterize the estimator. The defaults are tuned so a short
// single-intent query with a known domain lands well under the expand
// threshold and a long multi-intent query with no domain hint clears the
// decompose threshold.
type Weights struct {
	TokenCount        float64
	EntityCount       float64
	MultiIntent       float64
	DomainUncertainty float64
	ContextLength     float64
	Bias              float64
}

// DefaultWeights returns the baseline weights.
func DefaultWeights() Weights {
	return Weights{
		TokenCount:        0.06,
		EntityCount:       0.35,
		MultiIntent:       1.3,
		DomainUncertainty: 1.0,
		ContextLength:     0.002,
		Bias:              -2.4,
	}
}

// multiIntentMarkers signal that a query carries more than one request.
var multiIntentMarkers = []string{
	" and ", " then ", " also ", "; ", ", ", " as well as ", " plus ",
}

// Estimator computes difficulty scores.
type Estimator struct {
	weights Weights
}

// New creates an Estimator. Zero-value weights take the defaults.
func New(w Weights) *Estimator {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &Estimator{weights: w}
}

// Estimate scores the query. Ties at a routing threshold break toward higher
// difficulty because the router compares with >=.
//
// Expectations:
//   - Score is always in [0,1]
//   - Identical input and config yield identical output
//   - Longer queries never score lower than a prefix of themselves
//   - Missing domain hint raises the score via the uncertainty feature
func (e *Estimator) Estimate(q types.Query, contextLength int) types.Difficulty {
	f := types.DifficultyFeatures{
		TokenCount:    len(strings.Fields(q.Text)),
		EntityCount:   countEntities(q.Text),
		MultiIntent:   isMultiIntent(q.Text),
		ContextLength: contextLength,
	}
	if q.DomainHint == "" {
		f.DomainUncertainty = 1.0
	}

	w := e.weights
	sum := w.Bias +
		w.TokenCount*float64(f.TokenCount) +
		w.EntityCount*float64(f.EntityCount) +
		w.DomainUncertainty*f.DomainUncertainty +
		w.ContextLength*float64(f.ContextLength)
	if f.MultiIntent {
		sum += w.MultiIntent
	}

	return types.Difficulty{Score: logistic(sum), Features: f}
}

// countEntities approximates distinct named entities as distinct capitalized
// words that are not sentence-initial.
func countEntities(text string) int {
	seen := make(map[string]struct{})
	words := strings.Fields(text)
	for i, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if trimmed == "" {
			continue
		}
		runes := []rune(trimmed)
		if !unicode.IsUpper(runes[0]) {
			continue
		}
		// Sentence-initial capitals are not entity evidence.
		if i == 0 || strings.HasSuffix(words[i-1], ".") || strings.HasSuffix(words[i-1], "?") || strings.HasSuffix(words[i-1], "!") {
			continue
		}
		seen[trimmed] = struct{}{}
	}
	return len(seen)
}

func isMultiIntent(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range multiIntentMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return strings.Count(text, "?") > 1
}

func logistic(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
