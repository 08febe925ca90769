package retrieval

// #region modes
const (
	ModeDense = "dense"
	ModeBM25  = "bm25"
)

// #endregion modes

// #region params
// Params holds the ranking constants for lexical scoring and fusion.
type Params struct {
	K1    float64 // BM25 term-frequency saturation
	B     float64 // BM25 length normalization
	Kappa float64 // RRF rank offset
}

// DefaultParams returns k1=1.5, b=0.75, kappa=60.
func DefaultParams() Params {
	return Params{
		K1:    1.5,
		B:     0.75,
		Kappa: 60,
	}
}

// #endregion params

// #region retrieved
// Retrieved is a single ranked hit from one search strategy.
type Retrieved struct {
	ID    string
	Text  string
	Tags  []string
	Score float64 // BM25 weight or cosine similarity
	Mode  string  // ModeDense | ModeBM25
}

// #endregion retrieved

// #region evidence
// Evidence is a fused hit annotated with the sub-scores it earned in each ranking.
type Evidence struct {
	Retrieved
	Dense float64 // cosine score, 0 if absent from the dense ranking
	BM25  float64 // BM25 score, 0 if absent from the lexical ranking
}

// IDs returns the fragment ids of the given evidence, in order.
func IDs(items []Evidence) []string {
	ids := make([]string, len(items))
	for i, e := range items {
		ids[i] = e.ID
	}
	return ids
}

// DenseScores returns the dense sub-scores of the given evidence, in order.
func DenseScores(items []Evidence) []float64 {
	scores := make([]float64, len(items))
	for i, e := range items {
		scores[i] = e.Dense
	}
	return scores
}

// #endregion evidence
