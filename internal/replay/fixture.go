package replay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/cuidado/internal/memory"
)

// #region fixture-types

// Fixture is the top-level YAML structure for a replay fixture.
type Fixture struct {
	Description     string                  `yaml:"description"`
	Config          FixtureConfig           `yaml:"config"`
	Cards           []FixtureCard           `yaml:"cards"`
	ExpectedResults []FixtureExpectedResult `yaml:"expected_results"`
}

// FixtureConfig mirrors Config with flat YAML keys.
type FixtureConfig struct {
	ThresholdU float64 `yaml:"threshold_u"`
	ThresholdN float64 `yaml:"threshold_n"`
	ThresholdV float64 `yaml:"threshold_v"`
	TriggerU   float64 `yaml:"trigger_u"`
	TriggerN   float64 `yaml:"trigger_n"`
	TriggerV   float64 `yaml:"trigger_v"`
}

// FixtureSignals mirrors memory.SignalsRecord.
type FixtureSignals struct {
	Uncertainty float64 `yaml:"u"`
	Novelty     float64 `yaml:"n"`
	Stability   float64 `yaml:"s"`
	ValueAtRisk float64 `yaml:"v"`
}

// FixtureCard is one recorded outcome.
type FixtureCard struct {
	ID        string         `yaml:"id"`
	Task      string         `yaml:"task"`
	Outcome   string         `yaml:"outcome"`
	Lesson    string         `yaml:"lesson"`
	Mode      string         `yaml:"mode"`
	Steps     []string       `yaml:"steps"`
	Citations []string       `yaml:"citations,omitempty"`
	Signals   FixtureSignals `yaml:"signals"`
}

// FixtureExpectedResult captures the expected action per card.
type FixtureExpectedResult struct {
	ID     string `yaml:"id"`
	Action Action `yaml:"action"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToCard converts a FixtureCard to an outcome card.
func (fc *FixtureCard) ToCard() memory.OutcomeCard {
	return memory.OutcomeCard{
		ID:        fc.ID,
		Task:      fc.Task,
		Outcome:   fc.Outcome,
		Lesson:    fc.Lesson,
		Citations: fc.Citations,
		Plan:      memory.PlanRecord{Mode: fc.Mode, Steps: fc.Steps},
		Signals: memory.SignalsRecord{
			Uncertainty: fc.Signals.Uncertainty,
			Novelty:     fc.Signals.Novelty,
			Stability:   fc.Signals.Stability,
			ValueAtRisk: fc.Signals.ValueAtRisk,
		},
	}
}

// ToCards converts every fixture card.
func (f *Fixture) ToCards() []memory.OutcomeCard {
	out := make([]memory.OutcomeCard, len(f.Cards))
	for i := range f.Cards {
		out[i] = f.Cards[i].ToCard()
	}
	return out
}

// ToConfig converts a FixtureConfig to a replay Config. Zero fields keep the defaults.
func (fc *FixtureConfig) ToConfig() Config {
	cfg := DefaultConfig()
	setIf(&cfg.Planner.ThresholdU, fc.ThresholdU)
	setIf(&cfg.Planner.ThresholdN, fc.ThresholdN)
	setIf(&cfg.Planner.ThresholdV, fc.ThresholdV)
	setIf(&cfg.Gate.TriggerU, fc.TriggerU)
	setIf(&cfg.Gate.TriggerN, fc.TriggerN)
	setIf(&cfg.Gate.TriggerV, fc.TriggerV)
	return cfg
}

func setIf(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

// #endregion fixture-loader

// #region fixture-export

// BuildFixture snapshots cards and the actions they replay to under cfg,
// so later threshold changes show up as drift.
func BuildFixture(description string, cards []memory.OutcomeCard, cfg Config) Fixture {
	results, _ := Run(cards, cfg)
	f := Fixture{
		Description: description,
		Config: FixtureConfig{
			ThresholdU: cfg.Planner.ThresholdU,
			ThresholdN: cfg.Planner.ThresholdN,
			ThresholdV: cfg.Planner.ThresholdV,
			TriggerU:   cfg.Gate.TriggerU,
			TriggerN:   cfg.Gate.TriggerN,
			TriggerV:   cfg.Gate.TriggerV,
		},
		Cards:           make([]FixtureCard, len(cards)),
		ExpectedResults: make([]FixtureExpectedResult, len(cards)),
	}
	for i, c := range cards {
		f.Cards[i] = FixtureCard{
			ID:        c.ID,
			Task:      c.Task,
			Outcome:   c.Outcome,
			Lesson:    c.Lesson,
			Mode:      c.Plan.Mode,
			Steps:     c.Plan.Steps,
			Citations: c.Citations,
			Signals: FixtureSignals{
				Uncertainty: c.Signals.Uncertainty,
				Novelty:     c.Signals.Novelty,
				Stability:   c.Signals.Stability,
				ValueAtRisk: c.Signals.ValueAtRisk,
			},
		}
		f.ExpectedResults[i] = FixtureExpectedResult{ID: c.ID, Action: results[i].Action}
	}
	return f
}

// WriteFixture encodes f as YAML at path.
func WriteFixture(path string, f Fixture) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// #endregion fixture-export
