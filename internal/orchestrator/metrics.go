package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danielpatrickdp/cuidado/internal/safety"
)

// #region metrics
// Metrics exposes Prometheus collectors that report turn activity.
type Metrics struct {
	turns        *prometheus.CounterVec
	helperCalls  *prometheus.CounterVec
	safetyFlags  *prometheus.CounterVec
	turnDuration prometheus.Histogram
	evidence     prometheus.Histogram
}

// MustNewMetrics registers the collectors on reg. Collectors that are already
// registered are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cuidado",
			Name:      "turns_total",
			Help:      "Turns by terminal outcome (win, fail, error, rejected).",
		}, []string{"outcome"}),
		helperCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cuidado",
			Name:      "helper_calls_total",
			Help:      "Helper escalations by result (engaged, fallback, skipped_budget).",
		}, []string{"result"}),
		safetyFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cuidado",
			Name:      "safety_flags_total",
			Help:      "Safety flags raised by stage and flag id.",
		}, []string{"stage", "flag"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cuidado",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of RunTurn.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		evidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cuidado",
			Name:      "retrieval_evidence",
			Help:      "Evidence items fused per turn.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 6},
		}),
	}

	m.turns = register(reg, m.turns)
	m.helperCalls = register(reg, m.helperCalls)
	m.safetyFlags = register(reg, m.safetyFlags)
	m.turnDuration = register(reg, m.turnDuration)
	m.evidence = register(reg, m.evidence)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// #endregion metrics

// #region observers
func (m *Metrics) turn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) helper(result string) {
	if m == nil {
		return
	}
	m.helperCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) flags(stage string, flags []safety.Flag) {
	if m == nil {
		return
	}
	for _, f := range flags {
		m.safetyFlags.WithLabelValues(stage, f.ID).Inc()
	}
}

func (m *Metrics) observeTurn(d time.Duration) {
	if m == nil {
		return
	}
	m.turnDuration.Observe(d.Seconds())
}

func (m *Metrics) observeEvidence(n int) {
	if m == nil {
		return
	}
	m.evidence.Observe(float64(n))
}

// #endregion observers
