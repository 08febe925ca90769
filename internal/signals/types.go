package signals

import "github.com/danielpatrickdp/cuidado/internal/memory"

// #region control-signals
// ControlSignals summarizes how much care a turn needs. Every field is in [0,1].
type ControlSignals struct {
	Uncertainty float64 `json:"uncertainty"`
	Novelty     float64 `json:"novelty"`
	Stability   float64 `json:"stability"`
	ValueAtRisk float64 `json:"valueAtRisk"`
}

// Record converts the signals to their persisted form.
func (s ControlSignals) Record() memory.SignalsRecord {
	return memory.SignalsRecord{
		Uncertainty: s.Uncertainty,
		Novelty:     s.Novelty,
		Stability:   s.Stability,
		ValueAtRisk: s.ValueAtRisk,
	}
}

// FromRecord rebuilds signals from an outcome card.
func FromRecord(r memory.SignalsRecord) ControlSignals {
	return ControlSignals{
		Uncertainty: r.Uncertainty,
		Novelty:     r.Novelty,
		Stability:   r.Stability,
		ValueAtRisk: r.ValueAtRisk,
	}
}

// #endregion control-signals

// #region config
// Config holds the tuning knobs for signal computation.
type Config struct {
	LengthNorm  float64 // characters at which the length penalty saturates
	SupportTopN int     // scores averaged into the support estimate
}

// DefaultConfig returns the standard knobs.
func DefaultConfig() Config {
	return Config{
		LengthNorm:  1600,
		SupportTopN: 3,
	}
}

// #endregion config

// #region input
// Input bundles what is known about a turn once a draft exists.
type Input struct {
	UserMessage     string
	Draft           string
	RetrievalScores []float64 // support scores of the evidence used, ideally in [0,1]
	TokensApprox    int       // length proxy; the draft's character count when 0
	Criticality     float64   // optional external weight in [0,1]
}

// #endregion input
