package task

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the in-process Prometheus instrumentation for a Scheduler.
// No HTTP exposition is wired by this package; callers that want a
// /metrics endpoint register Registry themselves with promhttp.
type Metrics struct {
	Registry prometheus.Registerer

	tasksSubmitted prometheus.Counter
	tasksFinished  prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksCanceled  prometheus.Counter
	tasksTimedOut  prometheus.Counter
	activeWorkers  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Registry: reg,
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "task_submitted_total",
			Help: "Total number of tasks submitted to the scheduler.",
		}),
		tasksFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "task_finished_total",
			Help: "Total number of tasks that reached the Finished state.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "task_failed_total",
			Help: "Total number of tasks that reached the Failed state.",
		}),
		tasksCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "task_canceled_total",
			Help: "Total number of tasks that reached the Canceled state.",
		}),
		tasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "task_timed_out_total",
			Help: "Total number of tasks that reached the TimedOut state.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "task_active_workers",
			Help: "Number of worker slots currently running a task body.",
		}),
	}
	for _, c := range []prometheus.Collector{m.tasksSubmitted, m.tasksFinished, m.tasksFailed, m.tasksCanceled, m.tasksTimedOut, m.activeWorkers} {
		_ = reg.Register(c)
	}
	return m
}
