package retrieval

import (
	"math"
	"slices"

	"github.com/danielpatrickdp/cuidado/internal/memory"
)

// #region bm25
// BM25 ranks frags against query with Okapi BM25 and returns at most k hits
// with a positive score, best first. Corpus statistics (N, df, average length)
// are computed over frags on every call.
func BM25(frags []memory.Fragment, query string, k int, params Params) []Retrieved {
	if len(frags) == 0 || k <= 0 {
		return nil
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil
	}

	docs := make([]map[string]int, len(frags))
	lengths := make([]int, len(frags))
	df := make(map[string]int, len(terms))
	totalLen := 0

	for i, f := range frags {
		tokens := Tokenize(f.Text)
		tf := make(map[string]int, len(tokens))
		for _, t := range tokens {
			tf[t]++
		}
		for t := range tf {
			if !stopwords[t] {
				df[t]++
			}
		}
		docs[i] = tf
		lengths[i] = len(tokens)
		totalLen += len(tokens)
	}

	n := float64(len(frags))
	avgLen := float64(totalLen) / n

	var hits []Retrieved
	for i, f := range frags {
		var score float64
		for _, term := range terms {
			freq := docs[i][term]
			if freq == 0 {
				continue
			}
			score += termScore(float64(freq), float64(lengths[i]), avgLen, idf(n, float64(df[term])), params)
		}
		if score <= 0 {
			continue
		}
		hits = append(hits, Retrieved{
			ID:    f.ID,
			Text:  f.Text,
			Tags:  f.Tags,
			Score: score,
			Mode:  ModeBM25,
		})
	}

	sortByScore(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// #endregion bm25

// #region scoring
// idf is the BM25+ style inverse document frequency; defined for df = 0.
func idf(n, df float64) float64 {
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

func termScore(freq, docLen, avgLen, idf float64, p Params) float64 {
	norm := 1.0
	if avgLen > 0 {
		norm = docLen / avgLen
	}
	return idf * (freq * (p.K1 + 1)) / (freq + p.K1*(1-p.B+p.B*norm))
}

// sortByScore orders hits best first, keeping input order among ties.
func sortByScore(hits []Retrieved) {
	slices.SortStableFunc(hits, func(a, b Retrieved) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
}

// #endregion scoring
