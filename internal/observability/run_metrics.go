package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RunMetrics collects Prometheus metrics for the plan-and-execute runtime.
//
// Tracked series:
//   - Run outcomes by terminal event type
//   - Plan sizes and planning latency
//   - Step dispatch outcomes by result code
//   - LLM stage latency by stage name
//   - Cooldown requeues and plan patches
type RunMetrics struct {
	// RunsTotal counts finished runs.
	// Labels: terminal (summary|cancelled|done)
	RunsTotal *prometheus.CounterVec

	// PlanSteps observes the number of steps per generated plan.
	PlanSteps prometheus.Histogram

	// StageDuration measures LLM stage latency in seconds.
	// Labels: stage (judge|prethought|plan|arggen|fixargs|evaluate|reflect|summarize|patch|audit)
	StageDuration *prometheus.HistogramVec

	// StepResults counts emitted tool results.
	// Labels: ai_name, code
	StepResults *prometheus.CounterVec

	// StepDuration measures tool dispatch latency in seconds.
	// Labels: ai_name
	StepDuration *prometheus.HistogramVec

	// CooldownRequeues counts COOLDOWN_ACTIVE requeues.
	// Labels: ai_name
	CooldownRequeues *prometheus.CounterVec

	// PlanPatches counts plan-patch hook outcomes.
	// Labels: action (patch|stop|continue)
	PlanPatches *prometheus.CounterVec

	// ActiveRuns gauges currently registered runs.
	ActiveRuns prometheus.Gauge
}

// NewRunMetrics registers the runtime metric set on the given registerer.
// Passing nil uses the default registerer.
func NewRunMetrics(reg prometheus.Registerer) *RunMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &RunMetrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "planexec_runs_total",
			Help: "Finished runs by terminal event type.",
		}, []string{"terminal"}),

		PlanSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "planexec_plan_steps",
			Help:    "Steps per generated plan.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "planexec_stage_duration_seconds",
			Help:    "LLM stage latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),

		StepResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "planexec_step_results_total",
			Help: "Emitted tool results by code.",
		}, []string{"ai_name", "code"}),

		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "planexec_step_duration_seconds",
			Help:    "Tool dispatch latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"ai_name"}),

		CooldownRequeues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "planexec_cooldown_requeues_total",
			Help: "Steps requeued on COOLDOWN_ACTIVE.",
		}, []string{"ai_name"}),

		PlanPatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "planexec_plan_patches_total",
			Help: "Plan-patch hook outcomes.",
		}, []string{"action"}),

		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "planexec_active_runs",
			Help: "Currently registered runs.",
		}),
	}
}
