package memory

import (
	"context"
	"time"
)

// DefaultTrust is assigned to fragments appended without an explicit trust score.
const DefaultTrust = 0.6

// #region fragment
// Fragment is a unit of retrievable memory. Text and tags never change after
// insert; Embedding is filled lazily and is empty until then.
type Fragment struct {
	ID        string
	CreatedAt time.Time
	Text      string
	Tags      []string
	Source    string
	Trust     float64
	Embedding []float32
}

// HasEmbedding reports whether the fragment has been embedded.
func (f Fragment) HasEmbedding() bool {
	return len(f.Embedding) > 0
}

// #endregion fragment

// #region outcome-card
// Outcome values recorded on an OutcomeCard.
const (
	OutcomeWin  = "win"
	OutcomeFail = "fail"
)

// PlanRecord is the planner output as persisted with an outcome.
type PlanRecord struct {
	Mode      string   `json:"mode"`
	Steps     []string `json:"steps"`
	Rationale string   `json:"rationale,omitempty"`
}

// SignalsRecord is the control-signal snapshot persisted with an outcome.
type SignalsRecord struct {
	Uncertainty float64 `json:"uncertainty"`
	Novelty     float64 `json:"novelty"`
	Stability   float64 `json:"stability"`
	ValueAtRisk float64 `json:"valueAtRisk"`
}

// OutcomeCard records the terminal result of one turn.
type OutcomeCard struct {
	ID        string
	CreatedAt time.Time
	Task      string
	Plan      PlanRecord
	Outcome   string // OutcomeWin | OutcomeFail
	Lesson    string
	Citations []string
	Signals   SignalsRecord
}

// #endregion outcome-card

// #region concept
// Concept is a label mined from fragment tags and text, with an aggregate weight.
type Concept struct {
	ID     string
	Label  string
	Weight float64
}

// #endregion concept

// #region embedder
// Embedder turns texts into vectors, one per input in the same order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// #endregion embedder
