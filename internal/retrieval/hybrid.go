package retrieval

import (
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/cuidado/internal/memory"
)

// #region hybrid
// Hybrid runs lexical and dense ranking side by side over frags and fuses
// them. Each evidence item carries its dense and BM25 sub-scores. Embeddings
// must already be present; Hybrid does no I/O.
func Hybrid(frags []memory.Fragment, queryVec []float32, query string, k int, params Params) []Evidence {
	if len(frags) == 0 || k <= 0 {
		return nil
	}

	var dense, lexical []Retrieved
	var g errgroup.Group
	g.Go(func() error {
		dense = Dense(frags, queryVec, k)
		return nil
	})
	g.Go(func() error {
		lexical = BM25(frags, query, k, params)
		return nil
	})
	_ = g.Wait()

	return Fuse([][]Retrieved{dense, lexical}, params.Kappa, k)
}

// #endregion hybrid

// #region sort
func sortEvidence(items []Evidence) {
	slices.SortStableFunc(items, func(a, b Evidence) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
}

// #endregion sort
