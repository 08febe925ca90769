package gate

import "time"

// #region trigger-type
// TriggerType names the signal that crossed its helper threshold.
type TriggerType string

const (
	TriggerUncertainty TriggerType = "uncertainty"
	TriggerNovelty     TriggerType = "novelty"
	TriggerValueAtRisk TriggerType = "value_at_risk"
)

// #endregion trigger-type

// #region gate-config
// Config holds the helper feature flag, trigger thresholds and hourly cap.
type Config struct {
	Enabled    bool
	TriggerU   float64
	TriggerN   float64
	TriggerV   float64
	MaxPerHour int
	Window     time.Duration
}

// DefaultConfig returns the standard triggers with the helper disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		TriggerU:   0.65,
		TriggerN:   0.65,
		TriggerV:   0.55,
		MaxPerHour: 30,
		Window:     time.Hour,
	}
}

// #endregion gate-config

// #region decision
// Decision is the output of a gate evaluation.
type Decision struct {
	Engage      bool
	Reason      string
	Triggers    []TriggerType
	Reservation *Reservation // non-nil when Engage is true; refund it if the call fails
}

// #endregion decision
