package gate

import (
	"fmt"
	"strings"

	"github.com/danielpatrickdp/cuidado/internal/signals"
)

// #region gate
// Gate decides whether a turn escalates to the helper model.
type Gate struct {
	config Config
	budget *Budget
}

// NewGate creates a gate with its own budget.
func NewGate(config Config) *Gate {
	return &Gate{
		config: config,
		budget: NewBudget(config.MaxPerHour, config.Window),
	}
}

// NewGateWithBudget creates a gate that draws from an existing budget.
func NewGateWithBudget(config Config, budget *Budget) *Gate {
	return &Gate{config: config, budget: budget}
}

// Budget exposes the gate's budget so callers can refund failed calls.
func (g *Gate) Budget() *Budget {
	return g.budget
}

// #endregion gate

// #region evaluate
// Evaluate checks the feature flag, then the signal triggers, then takes a
// unit from the budget. A positive decision carries the reservation.
func (g *Gate) Evaluate(sig signals.ControlSignals) Decision {
	if !g.config.Enabled {
		return Decision{Engage: false, Reason: "helper disabled"}
	}

	triggers := Triggers(sig, g.config)
	if len(triggers) == 0 {
		return Decision{
			Engage: false,
			Reason: fmt.Sprintf("below triggers: U=%.2f N=%.2f V=%.2f", sig.Uncertainty, sig.Novelty, sig.ValueAtRisk),
		}
	}

	res, ok := g.budget.Reserve()
	if !ok {
		return Decision{
			Engage:   false,
			Reason:   fmt.Sprintf("hourly budget exhausted (%d calls)", g.config.MaxPerHour),
			Triggers: triggers,
		}
	}

	return Decision{
		Engage:      true,
		Reason:      "triggered by " + joinTriggers(triggers),
		Triggers:    triggers,
		Reservation: res,
	}
}

// Triggers lists the signals at or above their helper thresholds.
func Triggers(sig signals.ControlSignals, cfg Config) []TriggerType {
	var out []TriggerType
	if sig.Uncertainty >= cfg.TriggerU {
		out = append(out, TriggerUncertainty)
	}
	if sig.Novelty >= cfg.TriggerN {
		out = append(out, TriggerNovelty)
	}
	if sig.ValueAtRisk >= cfg.TriggerV {
		out = append(out, TriggerValueAtRisk)
	}
	return out
}

// #endregion evaluate

// #region helpers
func joinTriggers(ts []TriggerType) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// #endregion helpers
