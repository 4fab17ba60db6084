// Package metrics exposes the orchestrator's operational surface as
// Prometheus collectors: queue depth, lease counts, dispatch outcome
// counts, and per-agent latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles the collectors a single orchestrator process registers
// once at startup and shares across the dispatcher and ingress adapters.
type Registry struct {
	TasksLeased       prometheus.Counter
	TasksCompleted    *prometheus.CounterVec
	TaskAttempts      prometheus.Histogram
	ActiveTasks       prometheus.Gauge
	DeadLetterTotal   prometheus.Counter
	AgentDuration     *prometheus.HistogramVec
	BuildsByStatus    *prometheus.GaugeVec
	TasksByStatus     *prometheus.GaugeVec
	IngressDeliveries *prometheus.CounterVec
}

// NewRegistry constructs and registers all collectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		TasksLeased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ciflow",
			Subsystem: "dispatcher",
			Name:      "tasks_leased_total",
			Help:      "Total number of tasks successfully leased by a worker.",
		}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ciflow",
			Subsystem: "dispatcher",
			Name:      "tasks_completed_total",
			Help:      "Total tasks completed, partitioned by outcome (success, retry, failed).",
		}, []string{"outcome"}),
		TaskAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ciflow",
			Subsystem: "dispatcher",
			Name:      "task_attempts",
			Help:      "Number of attempts a task took before reaching a terminal state.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ciflow",
			Subsystem: "dispatcher",
			Name:      "active_tasks",
			Help:      "Tasks currently leased and in flight.",
		}),
		DeadLetterTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ciflow",
			Subsystem: "dispatcher",
			Name:      "dead_letters_total",
			Help:      "Total tasks that exhausted their attempt budget.",
		}),
		AgentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ciflow",
			Subsystem: "agent",
			Name:      "handle_duration_seconds",
			Help:      "Time spent inside an agent's Handle call, by task kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		BuildsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ciflow",
			Subsystem: "orchestrator",
			Name:      "builds_by_status",
			Help:      "Current number of builds in each status.",
		}, []string{"status"}),
		TasksByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ciflow",
			Subsystem: "orchestrator",
			Name:      "tasks_by_status",
			Help:      "Current number of tasks in each status.",
		}, []string{"status"}),
		IngressDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ciflow",
			Subsystem: "ingress",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries received, by outcome (created, duplicate, error).",
		}, []string{"outcome"}),
	}
}
