package retrieval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/cuidado/internal/memory"
)

func corpus() []memory.Fragment {
	return []memory.Fragment{
		{ID: "a", Text: "The system uses bullets and TLDR for fast reading.", Embedding: []float32{1, 0, 0}},
		{ID: "b", Text: "Retrieval first, then answer with context.", Embedding: []float32{0, 1, 0}},
		{ID: "c", Text: "Unrelated note about cooking pasta.", Embedding: []float32{0, 0, 1}},
	}
}

// #region tokenize-tests
func TestTokenize(t *testing.T) {
	got := Tokenize("It's a well-known TL;DR -- x y2 'quoted'")
	assert.Equal(t, []string{"it's", "well-known", "tl", "dr", "y2", "quoted"}, got)
}

func TestQueryTermsDropStopwordsAndDuplicates(t *testing.T) {
	assert.Equal(t, []string{"tldr", "bullets"}, queryTerms("the TLDR and bullets, tldr"))
	assert.Empty(t, queryTerms("the and of"))
}

// #endregion tokenize-tests

// #region bm25-tests
func TestBM25Relevance(t *testing.T) {
	hits := BM25(corpus(), "TLDR bullets", 3, DefaultParams())
	require.NotEmpty(t, hits)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, ModeBM25, hits[0].Mode)
	for _, h := range hits {
		assert.Greater(t, h.Score, 0.0)
	}
}

func TestBM25ExcludesNonOverlapping(t *testing.T) {
	hits := BM25(corpus(), "TLDR bullets", 3, DefaultParams())
	assert.Len(t, hits, 1, "only the fragment sharing a query term should score")
}

func TestBM25Deterministic(t *testing.T) {
	frags := append(corpus(), memory.Fragment{ID: "d", Text: "bullets bullets everywhere"})
	first := BM25(frags, "bullets reading", 5, DefaultParams())
	for i := 0; i < 20; i++ {
		again := BM25(frags, "bullets reading", 5, DefaultParams())
		require.Equal(t, first, again)
	}
}

func TestBM25EmptyInputs(t *testing.T) {
	assert.Empty(t, BM25(nil, "bullets", 3, DefaultParams()))
	assert.Empty(t, BM25(corpus(), "", 3, DefaultParams()))
	assert.Empty(t, BM25(corpus(), "the and of", 3, DefaultParams()))
	assert.Empty(t, BM25(corpus(), "bullets", 0, DefaultParams()))
}

func TestBM25TruncatesToK(t *testing.T) {
	frags := []memory.Fragment{
		{ID: "1", Text: "memory memory"},
		{ID: "2", Text: "memory"},
		{ID: "3", Text: "memory notes"},
	}
	hits := BM25(frags, "memory", 2, DefaultParams())
	assert.Len(t, hits, 2)
}

func TestBM25KnownScore(t *testing.T) {
	// Single document, single matching term: N=1, df=1, len=avgLen.
	frags := []memory.Fragment{{ID: "x", Text: "ranking"}}
	hits := BM25(frags, "ranking", 1, DefaultParams())
	require.Len(t, hits, 1)
	wantIDF := math.Log(1 + (1-1+0.5)/(1+0.5))
	want := wantIDF * (1 * 2.5) / (1 + 1.5)
	assert.InDelta(t, want, hits[0].Score, 1e-9)
}

func TestIDFDefinedForZeroDF(t *testing.T) {
	v := idf(10, 0)
	assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	assert.Greater(t, v, 0.0)
}

// #endregion bm25-tests

// #region dense-tests
func TestDenseRanking(t *testing.T) {
	hits := Dense(corpus(), []float32{0.9, 0.1, 0}, 2)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
	assert.Equal(t, ModeDense, hits[0].Mode)
}

func TestDenseSkipsUnembedded(t *testing.T) {
	frags := []memory.Fragment{
		{ID: "x", Text: "no vector"},
		{ID: "y", Text: "vector", Embedding: []float32{1}},
	}
	hits := Dense(frags, []float32{1}, 5)
	require.Len(t, hits, 1)
	assert.Equal(t, "y", hits[0].ID)
}

func TestDenseEmptyQueryVector(t *testing.T) {
	assert.Empty(t, Dense(corpus(), nil, 3))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
	// Missing trailing components count as zero.
	assert.InDelta(t, Cosine([]float32{1, 1, 0}, []float32{1, 0, 0}), Cosine([]float32{1, 1}, []float32{1}), 1e-9)
}

// #endregion dense-tests

// #region fusion-tests
func TestFuseNonEmptyNoFabrication(t *testing.T) {
	a := []Retrieved{{ID: "1", Mode: ModeDense, Score: 0.9}, {ID: "2", Mode: ModeDense, Score: 0.5}}
	b := []Retrieved{{ID: "3", Mode: ModeBM25, Score: 7}, {ID: "1", Mode: ModeBM25, Score: 2}}

	fused := Fuse([][]Retrieved{a, b}, 60, 10)
	require.NotEmpty(t, fused)

	inputs := map[string]bool{"1": true, "2": true, "3": true}
	for _, e := range fused {
		assert.True(t, inputs[e.ID], "fabricated id %s", e.ID)
	}
	assert.Len(t, fused, 3)
	assert.Equal(t, "1", fused[0].ID, "item present in both lists ranks first")
}

func TestFuseAbsentContributesZero(t *testing.T) {
	a := []Retrieved{{ID: "1", Mode: ModeDense}}
	b := []Retrieved{{ID: "2", Mode: ModeBM25}}
	fused := Fuse([][]Retrieved{a, b}, 60, 10)
	require.Len(t, fused, 2)
	for _, e := range fused {
		assert.InDelta(t, 1.0/61, e.Score, 1e-12)
	}
	assert.Equal(t, "1", fused[0].ID, "ties keep first-seen order")
}

func TestFuseScaleInvariant(t *testing.T) {
	a := []Retrieved{{ID: "1", Score: 0.9, Mode: ModeDense}, {ID: "2", Score: 0.4, Mode: ModeDense}, {ID: "3", Score: 0.1, Mode: ModeDense}}
	b := []Retrieved{{ID: "3", Score: 5, Mode: ModeBM25}, {ID: "4", Score: 2, Mode: ModeBM25}}

	base := Fuse([][]Retrieved{a, b}, 60, 10)

	scaled := make([]Retrieved, len(b))
	for i, r := range b {
		r.Score *= 1000
		scaled[i] = r
	}
	again := Fuse([][]Retrieved{a, scaled}, 60, 10)

	assert.Equal(t, IDs(base), IDs(again))
}

func TestFusePayloadPrefersFirstList(t *testing.T) {
	a := []Retrieved{{ID: "1", Text: "dense text", Mode: ModeDense, Score: 0.8}}
	b := []Retrieved{{ID: "1", Text: "bm25 text", Mode: ModeBM25, Score: 3.2}}
	fused := Fuse([][]Retrieved{a, b}, 60, 5)
	require.Len(t, fused, 1)
	assert.Equal(t, "dense text", fused[0].Text)
	assert.Equal(t, 0.8, fused[0].Dense)
	assert.Equal(t, 3.2, fused[0].BM25)
	assert.InDelta(t, 2.0/61, fused[0].Score, 1e-12)
}

func TestFuseDuplicateWithinList(t *testing.T) {
	a := []Retrieved{{ID: "1", Mode: ModeDense}, {ID: "1", Mode: ModeDense}}
	fused := Fuse([][]Retrieved{a}, 60, 5)
	require.Len(t, fused, 1)
	assert.InDelta(t, 1.0/61, fused[0].Score, 1e-12)
}

func TestFuseTruncates(t *testing.T) {
	a := []Retrieved{{ID: "1"}, {ID: "2"}, {ID: "3"}}
	assert.Len(t, Fuse([][]Retrieved{a}, 60, 2), 2)
	assert.Empty(t, Fuse([][]Retrieved{a}, 60, 0))
}

// #endregion fusion-tests

// #region hybrid-tests
func TestHybridAnnotatesSubScores(t *testing.T) {
	frags := corpus()
	ev := Hybrid(frags, []float32{1, 0, 0}, "TLDR bullets", 3, DefaultParams())
	require.NotEmpty(t, ev)
	assert.Equal(t, "a", ev[0].ID)
	assert.InDelta(t, 1.0, ev[0].Dense, 1e-6)
	assert.Greater(t, ev[0].BM25, 0.0)

	for _, e := range ev[1:] {
		assert.Equal(t, 0.0, e.BM25, "fragment %s has no lexical overlap", e.ID)
	}
}

func TestHybridLexicalOnlyWithoutQueryVector(t *testing.T) {
	ev := Hybrid(corpus(), nil, "retrieval answer", 3, DefaultParams())
	require.Len(t, ev, 1)
	assert.Equal(t, "b", ev[0].ID)
	assert.Equal(t, 0.0, ev[0].Dense)
}

func TestHybridEmpty(t *testing.T) {
	assert.Empty(t, Hybrid(nil, []float32{1}, "q", 3, DefaultParams()))
}

func TestDenseScoresHelper(t *testing.T) {
	ev := []Evidence{{Dense: 0.8}, {Dense: 0.7}}
	assert.Equal(t, []float64{0.8, 0.7}, DenseScores(ev))
}

// #endregion hybrid-tests
