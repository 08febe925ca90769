package signals

import (
	"math"
	"regexp"
	"slices"
	"strings"
)

// #region patterns
var (
	hedgeRe = regexp.MustCompile(`(?i)\b(maybe|perhaps|probably|it seems|it appears|might|could|unsure|unclear)\b`)
	riskRe  = regexp.MustCompile(`(?i)\b(drug|dosage|medical|finance|investment|legal|weapon|explosive|hack|password|paywall|pii)\b`)
	wordRe  = regexp.MustCompile(`\b[\w'-]+\b`)
)

// #endregion patterns

// #region computer
// Computer derives control signals from retrieval support and lexical features.
// It makes no model calls.
type Computer struct {
	config Config
}

// NewComputer creates a Computer with the given configuration.
func NewComputer(config Config) *Computer {
	if config.LengthNorm <= 0 {
		config.LengthNorm = DefaultConfig().LengthNorm
	}
	if config.SupportTopN <= 0 {
		config.SupportTopN = DefaultConfig().SupportTopN
	}
	return &Computer{config: config}
}

// Compute returns the four clamped signals for one turn.
func (c *Computer) Compute(in Input) ControlSignals {
	support := c.support(in.RetrievalScores)
	hedge := indicator(hedgeRe.MatchString(in.Draft))
	risk := indicator(riskRe.MatchString(in.UserMessage) || riskRe.MatchString(in.Draft))

	length := in.TokensApprox
	if length <= 0 {
		length = len(in.Draft)
	}
	lenPenalty := clamp(float64(length) / c.config.LengthNorm)

	u := clamp(0.55*(1-support) + 0.35*hedge + 0.10*lenPenalty)
	n := clamp(0.6*(1-support) + 0.4*UniqueWordRatio(in.UserMessage))
	s := clamp(0.7*support + 0.2*(1-hedge) + 0.1*(1-math.Abs(lenPenalty-0.3)))
	v := clamp(0.6*risk + 0.3*clamp(in.Criticality) + 0.1*u)

	return ControlSignals{
		Uncertainty: u,
		Novelty:     n,
		Stability:   s,
		ValueAtRisk: v,
	}
}

// #endregion computer

// #region support
// support is the clamped mean of the top-N scores, 0 when there are none.
func (c *Computer) support(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sorted := slices.Clone(scores)
	slices.SortFunc(sorted, func(a, b float64) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	if len(sorted) > c.config.SupportTopN {
		sorted = sorted[:c.config.SupportTopN]
	}
	var sum float64
	for _, s := range sorted {
		sum += s
	}
	return clamp(sum / float64(len(sorted)))
}

// #endregion support

// #region helpers
// UniqueWordRatio is distinct/total over lower-cased words longer than two characters.
func UniqueWordRatio(text string) float64 {
	var words []string
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if len(w) > 2 {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return 0
	}
	uniq := make(map[string]struct{}, len(words))
	for _, w := range words {
		uniq[w] = struct{}{}
	}
	return float64(len(uniq)) / float64(len(words))
}

// HasRiskTerms reports whether text mentions a risk-domain keyword.
func HasRiskTerms(text string) bool {
	return riskRe.MatchString(text)
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// clamp restricts v to [0, 1]; NaN maps to 0.
func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
