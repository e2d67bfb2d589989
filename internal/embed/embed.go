// Package embed defines the embedding contract and ships a deterministic
// local embedder so the engine runs with no remote dependencies. Real
// embedding providers implement Embedder and plug in through the pipeline.
package embed

import (
	"hash/fnv"
	"math"
	"strings"
)

// Dimension is the fixed vector dimension of the local embedder.
const Dimension = 128

// Embedder turns text into a fixed-dimension vector. Output must be
// deterministic for identical input within one model version.
type Embedder interface {
	Embed(text string) []float32
	Dim() int
}

// Local is a feature-hash embedder: tokens are hashed into a fixed number of
// buckets with a signed second hash, then the vector is L2-normalized. It is
// not a semantic model; it gives stable, cheap similarity that makes
// near-duplicate text score close to 1.0, which is what the memory store's
// dedup merge needs.
type Local struct{}

func (Local) Dim() int { return Dimension }

// Embed hashes the lowercased tokens of text into a normalized vector.
//
// Expectations:
//   - Identical input yields identical output
//   - Case and surrounding whitespace do not change the output
//   - Output has length Dimension and unit L2 norm (zero vector for empty text)
func (Local) Embed(text string) []float32 {
	vec := make([]float32, Dimension)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % Dimension)
		sign := float32(1)
		if (sum>>16)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}
	return normalize(vec)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Cosine computes the cosine similarity of two vectors. Mismatched lengths
// or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
