package retrieval

// #region fuse
// Fuse merges ranked lists with Reciprocal Rank Fusion. Each list adds
// 1/(kappa+rank) for the items it contains (rank is 1-based); absent items
// add nothing. The payload of an item comes from the first list holding it.
// Returns at most k items, best first, ties kept in first-seen order.
func Fuse(lists [][]Retrieved, kappa float64, k int) []Evidence {
	if k <= 0 {
		return nil
	}
	index := make(map[string]int)
	var fused []Evidence

	for _, list := range lists {
		seen := make(map[string]bool, len(list))
		for pos, item := range list {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true

			i, ok := index[item.ID]
			if !ok {
				i = len(fused)
				index[item.ID] = i
				fused = append(fused, Evidence{Retrieved: item})
				fused[i].Score = 0
			}
			fused[i].Score += 1 / (kappa + float64(pos+1))
			switch item.Mode {
			case ModeDense:
				fused[i].Dense = item.Score
			case ModeBM25:
				fused[i].BM25 = item.Score
			}
		}
	}

	sortEvidence(fused)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused
}

// #endregion fuse
