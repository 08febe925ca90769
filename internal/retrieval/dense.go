package retrieval

import (
	"math"

	"github.com/danielpatrickdp/cuidado/internal/memory"
)

const cosineEpsilon = 1e-9

// #region dense
// Dense ranks embedded fragments by cosine similarity to queryVec and
// returns at most k, best first. Fragments without an embedding are skipped.
func Dense(frags []memory.Fragment, queryVec []float32, k int) []Retrieved {
	if len(queryVec) == 0 || k <= 0 {
		return nil
	}
	var hits []Retrieved
	for _, f := range frags {
		if !f.HasEmbedding() {
			continue
		}
		hits = append(hits, Retrieved{
			ID:    f.ID,
			Text:  f.Text,
			Tags:  f.Tags,
			Score: Cosine(queryVec, f.Embedding),
			Mode:  ModeDense,
		})
	}
	sortByScore(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// #endregion dense

// #region cosine
// Cosine computes cosine similarity over the union of indices of a and b,
// treating missing components as zero. All-zero inputs score 0.
func Cosine(a, b []float32) float64 {
	n := max(len(a), len(b))
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		var x, y float64
		if i < len(a) {
			x = float64(a[i])
		}
		if i < len(b) {
			y = float64(b[i])
		}
		dot += x * y
		normA += x * x
		normB += y * y
	}
	return dot / (math.Sqrt(normA)*math.Sqrt(normB) + cosineEpsilon)
}

// #endregion cosine
