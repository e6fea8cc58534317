package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kino_tasks_running",
		Help: "Number of tasks currently executing.",
	})

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kino_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal state.",
		},
		[]string{"status"},
	)

	tasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kino_tasks_submitted_total",
		Help: "Total number of tasks accepted for execution.",
	})
)

func init() {
	prometheus.MustRegister(tasksRunning)
	prometheus.MustRegister(tasksFinished)
	prometheus.MustRegister(tasksSubmitted)
}
