// Package metrics holds the Prometheus instrumentation for the validation pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing, so components can run uninstrumented in tests.
type Metrics struct {
	Registry *prometheus.Registry

	// Validator metrics
	ValidatorCalls    *prometheus.CounterVec
	ValidatorDuration *prometheus.HistogramVec

	// Pipeline metrics
	Validations      *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	StateTransitions *prometheus.CounterVec
	InsufficientData prometheus.Counter
	PersistFailures  prometheus.Counter

	// Trust metrics
	AgentTrustScore *prometheus.GaugeVec
	RiskLevels      *prometheus.CounterVec

	// Drift metrics
	DriftScore  *prometheus.HistogramVec
	DriftEvents *prometheus.CounterVec

	// Escalation metrics
	Escalations          *prometheus.CounterVec
	EscalationDeliveries *prometheus.CounterVec

	// Badge metrics
	BadgesGranted *prometheus.CounterVec
	BadgesRevoked *prometheus.CounterVec

	// Monitoring metrics
	MonitorCycles *prometheus.CounterVec

	// Alert metrics
	AlertsDispatched *prometheus.CounterVec
}

// New creates the metrics and registers them on reg. When reg is nil a fresh
// registry is created, so repeated construction in tests never collides.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ValidatorCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_validator_calls_total",
				Help: "Validator invocations by outcome",
			},
			[]string{"validator_id", "outcome"}, // outcome: ok, TIMEOUT, ERROR
		),
		ValidatorDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trust_validator_duration_seconds",
				Help:    "Latency of validator invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"validator_id"},
		),

		Validations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_validations_total",
				Help: "Validation requests by terminal state",
			},
			[]string{"state"},
		),
		PipelineDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trust_pipeline_duration_seconds",
				Help:    "End-to-end duration of a validation request",
				Buckets: prometheus.DefBuckets,
			},
		),
		StateTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_state_transitions_total",
				Help: "Pipeline state transitions",
			},
			[]string{"to"},
		),
		InsufficientData: f.NewCounter(
			prometheus.CounterOpts{
				Name: "trust_insufficient_data_total",
				Help: "Validation requests that could not be scored",
			},
		),
		PersistFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "trust_persist_failures_total",
				Help: "Validation records that failed to persist",
			},
		),

		AgentTrustScore: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trust_agent_score",
				Help: "Latest overall trust score per agent",
			},
			[]string{"agent_id"},
		),
		RiskLevels: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_risk_level_total",
				Help: "Computed trust scores by risk level",
			},
			[]string{"risk_level"},
		),

		DriftScore: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trust_drift_score",
				Help:    "Z-score of new trust scores against the agent baseline",
				Buckets: []float64{0.5, 1.0, 1.5, 2.0, 2.5, 3.0, 4.0, 5.0, 8.0},
			},
			[]string{"agent_id"},
		),
		DriftEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_drift_events_total",
				Help: "Drift events by severity",
			},
			[]string{"severity"},
		),

		Escalations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_escalations_total",
				Help: "Escalation cases created, by primary reason",
			},
			[]string{"reason"},
		),
		EscalationDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_escalation_deliveries_total",
				Help: "HITL submission attempts by result",
			},
			[]string{"result"}, // result: delivered, retry, exhausted
		),

		BadgesGranted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_badges_granted_total",
				Help: "Badges granted by name",
			},
			[]string{"badge"},
		),
		BadgesRevoked: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_badges_revoked_total",
				Help: "Badges revoked by name",
			},
			[]string{"badge"},
		),

		MonitorCycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_monitor_cycles_total",
				Help: "Continuous monitoring cycles by result",
			},
			[]string{"result"}, // result: started, skipped, failed
		),

		AlertsDispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trust_alerts_dispatched_total",
				Help: "Alerts handed to notification channels",
			},
			[]string{"channel", "result"},
		),
	}
}

// ObserveValidator records one validator invocation.
func (m *Metrics) ObserveValidator(validatorID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ValidatorCalls.WithLabelValues(validatorID, outcome).Inc()
	m.ValidatorDuration.WithLabelValues(validatorID).Observe(d.Seconds())
}

// ObserveTransition counts a pipeline state transition.
func (m *Metrics) ObserveTransition(to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(to).Inc()
}

// ObserveValidation records a finished validation request.
func (m *Metrics) ObserveValidation(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(state).Inc()
	m.PipelineDuration.Observe(d.Seconds())
}

// ObserveInsufficientData counts an unscorable request.
func (m *Metrics) ObserveInsufficientData() {
	if m == nil {
		return
	}
	m.InsufficientData.Inc()
}

// ObservePersistFailure counts a failed atomic write.
func (m *Metrics) ObservePersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

// ObserveScore records a computed trust score.
func (m *Metrics) ObserveScore(agentID string, score float64, risk string) {
	if m == nil {
		return
	}
	m.AgentTrustScore.WithLabelValues(agentID).Set(score)
	m.RiskLevels.WithLabelValues(risk).Inc()
}

// ObserveDrift records a drift check and, when severity is set, an event.
func (m *Metrics) ObserveDrift(agentID string, z float64, severity string) {
	if m == nil {
		return
	}
	m.DriftScore.WithLabelValues(agentID).Observe(z)
	if severity != "" {
		m.DriftEvents.WithLabelValues(severity).Inc()
	}
}

// ObserveEscalation counts a created escalation case.
func (m *Metrics) ObserveEscalation(reason string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(reason).Inc()
}

// ObserveEscalationDelivery counts a HITL submission attempt.
func (m *Metrics) ObserveEscalationDelivery(result string) {
	if m == nil {
		return
	}
	m.EscalationDeliveries.WithLabelValues(result).Inc()
}

// ObserveBadges counts granted and revoked badges.
func (m *Metrics) ObserveBadges(granted, revoked []string) {
	if m == nil {
		return
	}
	for _, b := range granted {
		m.BadgesGranted.WithLabelValues(b).Inc()
	}
	for _, b := range revoked {
		m.BadgesRevoked.WithLabelValues(b).Inc()
	}
}

// ObserveMonitorCycle counts a monitoring tick outcome.
func (m *Metrics) ObserveMonitorCycle(result string) {
	if m == nil {
		return
	}
	m.MonitorCycles.WithLabelValues(result).Inc()
}

// ObserveAlert counts an alert delivery on a channel.
func (m *Metrics) ObserveAlert(channel, result string) {
	if m == nil {
		return
	}
	m.AlertsDispatched.WithLabelValues(channel, result).Inc()
}
