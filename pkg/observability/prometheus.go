package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fsmawi/wip/pkg/api"
)

// PrometheusObserver exports task and step lifecycle metrics.
type PrometheusObserver struct {
	tasksEnqueued  *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	stepsTotal     *prometheus.CounterVec
	stepErrors     *prometheus.CounterVec
	stepsStarted   *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the collectors and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		tasksEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wip_tasks_enqueued_total",
				Help: "Total number of tasks enqueued",
			},
			[]string{"type"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wip_tasks_completed_total",
				Help: "Total number of tasks that reached COMPLETE",
			},
			[]string{"type", "exit_status"},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wip_steps_total",
				Help: "Total number of steps executed",
			},
			[]string{"type", "outcome"},
		),
		stepErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wip_step_errors_total",
				Help: "Total number of steps whose state logic failed",
			},
			[]string{"type", "state"},
		),
		stepsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wip_steps_started_total",
				Help: "Total number of steps that started executing state logic",
			},
			[]string{"type"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wip_step_duration_seconds",
				Help:    "Step execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
			},
			[]string{"type"},
		),
	}

	for _, c := range []prometheus.Collector{
		o.tasksEnqueued,
		o.tasksCompleted,
		o.stepsTotal,
		o.stepErrors,
		o.stepsStarted,
		o.stepDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnTaskEnqueued(ctx context.Context, task *api.Task) {
	o.tasksEnqueued.WithLabelValues(task.TypeName).Inc()
}

func (o *PrometheusObserver) OnStepStart(ctx context.Context, task *api.Task, state string) {
	o.stepsStarted.WithLabelValues(task.TypeName).Inc()
}

func (o *PrometheusObserver) OnStepCompleted(ctx context.Context, task *api.Task, res api.StepResult, d time.Duration) {
	o.stepsTotal.WithLabelValues(task.TypeName, string(res.Outcome)).Inc()
	o.stepDuration.WithLabelValues(task.TypeName).Observe(d.Seconds())
	if res.Err != nil {
		o.stepErrors.WithLabelValues(task.TypeName, res.From).Inc()
	}
}

func (o *PrometheusObserver) OnTaskCompleted(ctx context.Context, task *api.Task) {
	o.tasksCompleted.WithLabelValues(task.TypeName, string(task.ExitStatus)).Inc()
}
