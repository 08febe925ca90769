package replay

import (
	"slices"
	"strings"

	"github.com/danielpatrickdp/cuidado/internal/gate"
	"github.com/danielpatrickdp/cuidado/internal/memory"
	"github.com/danielpatrickdp/cuidado/internal/planner"
	"github.com/danielpatrickdp/cuidado/internal/signals"
)

// #region types
// Action is the verdict for one replayed outcome.
type Action string

const (
	ActionUnchanged   Action = "unchanged"
	ActionModeChange  Action = "mode_change"
	ActionStepsChange Action = "steps_change"
	ActionSkipped     Action = "skipped"
)

const preBlockPrefix = "Blocked by safety pre-check"

// Config bundles the planner thresholds and helper triggers for a replay run.
type Config struct {
	Planner planner.Config
	Gate    gate.Config
}

// DefaultConfig returns the production planner and gate defaults.
func DefaultConfig() Config {
	return Config{
		Planner: planner.DefaultConfig(),
		Gate:    gate.DefaultConfig(),
	}
}

// Result captures how one recorded outcome plans under the replay config.
type Result struct {
	CardID   string
	Task     string
	Outcome  string
	Action   Action
	Reason   string
	Signals  signals.ControlSignals
	Recorded memory.PlanRecord
	Decision planner.Decision

	ModeChanged  bool
	StepsChanged bool

	// Helper eligibility ignores the feature flag and the hourly budget.
	HelperTriggers []gate.TriggerType
	HelperRecorded bool
	HelperChanged  bool
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Total          int
	Fast           int
	Thoughtful     int
	Changed        int
	HelperEligible int
	HelperChanged  int
	Skipped        int
}

// #endregion types

// #region run
// Run re-plans every card from its stored signals. Cards blocked before a
// draft existed carry no signals and are skipped. Operates entirely in memory.
func Run(cards []memory.OutcomeCard, cfg Config) ([]Result, Summary) {
	results := make([]Result, 0, len(cards))
	for _, card := range cards {
		results = append(results, replayCard(card, cfg))
	}
	return results, Summarize(results)
}

func replayCard(card memory.OutcomeCard, cfg Config) Result {
	r := Result{
		CardID:   card.ID,
		Task:     card.Task,
		Outcome:  card.Outcome,
		Recorded: card.Plan,
	}
	if strings.HasPrefix(card.Lesson, preBlockPrefix) {
		r.Action = ActionSkipped
		r.Reason = "blocked before planning"
		return r
	}

	r.Signals = signals.FromRecord(card.Signals)
	r.Decision = planner.Plan(r.Signals, len(card.Citations), cfg.Planner)
	r.HelperTriggers = gate.Triggers(r.Signals, cfg.Gate)
	r.HelperRecorded = slices.Contains(card.Plan.Steps, string(planner.StepReasoningHelper))
	r.HelperChanged = r.HelperRecorded != (len(r.HelperTriggers) > 0)

	// The helper step is prepended at runtime, never by the planner.
	recorded := slices.DeleteFunc(slices.Clone(card.Plan.Steps), func(s string) bool {
		return s == string(planner.StepReasoningHelper)
	})
	r.ModeChanged = card.Plan.Mode != string(r.Decision.Mode)
	r.StepsChanged = !slices.Equal(recorded, r.Decision.StepNames())

	switch {
	case r.ModeChanged:
		r.Action = ActionModeChange
		r.Reason = card.Plan.Mode + " -> " + string(r.Decision.Mode)
	case r.StepsChanged:
		r.Action = ActionStepsChange
		r.Reason = strings.Join(recorded, ">") + " -> " + strings.Join(r.Decision.StepNames(), ">")
	default:
		r.Action = ActionUnchanged
	}
	return r
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Action == ActionSkipped {
			s.Skipped++
			continue
		}
		switch r.Decision.Mode {
		case planner.ModeFast:
			s.Fast++
		case planner.ModeThoughtful:
			s.Thoughtful++
		}
		if r.Action != ActionUnchanged {
			s.Changed++
		}
		if len(r.HelperTriggers) > 0 {
			s.HelperEligible++
		}
		if r.HelperChanged {
			s.HelperChanged++
		}
	}
	return s
}

// #endregion run
