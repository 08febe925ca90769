package planner

import (
	"github.com/danielpatrickdp/cuidado/internal/memory"
	"github.com/danielpatrickdp/cuidado/internal/signals"
)

// #region mode
// Mode is the response strategy for a turn.
type Mode string

const (
	ModeFast       Mode = "fast"
	ModeThoughtful Mode = "thoughtful"
)

// #endregion mode

// #region step
// Step names one stage of response construction.
type Step string

const (
	StepRetrieve        Step = "retrieve"
	StepRetrieveBroaden Step = "retrieve_broaden"
	StepComposePolicy   Step = "compose_policy_surface"
	StepStructureFirst  Step = "structure_first"
	StepAddDisclaimer   Step = "add_disclaimer"
	StepDirectAnswer    Step = "direct_answer"
	StepReflectPass     Step = "reflect_pass"
	StepReasoningHelper Step = "reasoning_helper"
)

// #endregion step

// #region config
// Config holds the thresholds that switch a turn to thoughtful mode.
type Config struct {
	ThresholdU float64
	ThresholdN float64
	ThresholdV float64
}

// DefaultConfig returns tU=0.55, tN=0.55, tV=0.50.
func DefaultConfig() Config {
	return Config{
		ThresholdU: 0.55,
		ThresholdN: 0.55,
		ThresholdV: 0.50,
	}
}

// #endregion config

// #region decision
const (
	rationaleFast       = "Confidence adequate; low risk; deliver concise answer."
	rationaleThoughtful = "High uncertainty/novelty/risk; use structure and checks."
)

// Decision is the planner output for a turn.
type Decision struct {
	Mode          Mode
	Steps         []Step
	Rationale     string
	EvidenceCount int
}

// StepNames returns the steps as plain strings.
func (d Decision) StepNames() []string {
	out := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		out[i] = string(s)
	}
	return out
}

// Record converts the decision to its persisted form.
func (d Decision) Record() memory.PlanRecord {
	return memory.PlanRecord{
		Mode:      string(d.Mode),
		Steps:     d.StepNames(),
		Rationale: d.Rationale,
	}
}

// WithHelper returns a copy of d with the helper step prepended.
func (d Decision) WithHelper() Decision {
	steps := make([]Step, 0, len(d.Steps)+1)
	steps = append(steps, StepReasoningHelper)
	steps = append(steps, d.Steps...)
	d.Steps = steps
	return d
}

// #endregion decision

// #region plan
// Plan picks fast or thoughtful mode from the signals. Each call is
// independent; there is no state carried between turns.
func Plan(sig signals.ControlSignals, evidenceCount int, cfg Config) Decision {
	thoughtful := sig.Uncertainty >= cfg.ThresholdU ||
		sig.Novelty >= cfg.ThresholdN ||
		sig.ValueAtRisk >= cfg.ThresholdV

	if !thoughtful {
		return Decision{
			Mode:          ModeFast,
			Steps:         []Step{StepRetrieve, StepComposePolicy, StepDirectAnswer},
			Rationale:     rationaleFast,
			EvidenceCount: evidenceCount,
		}
	}

	steps := []Step{StepRetrieveBroaden, StepComposePolicy, StepStructureFirst}
	if sig.ValueAtRisk >= cfg.ThresholdV {
		steps = append(steps, StepAddDisclaimer)
	}
	steps = append(steps, StepDirectAnswer)
	if sig.Uncertainty >= cfg.ThresholdU {
		steps = append(steps, StepReflectPass)
	}
	return Decision{
		Mode:          ModeThoughtful,
		Steps:         steps,
		Rationale:     rationaleThoughtful,
		EvidenceCount: evidenceCount,
	}
}

// #endregion plan
