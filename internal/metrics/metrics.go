// Package metrics provides Prometheus collectors for the runner: task
// lifecycle, queue depth, supervisor activity and credit consumption.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runner"

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksSubmitted counts accepted submissions by whether they started at once.
var TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_submitted_total",
	Help:      "Total accepted task submissions.",
}, []string{"admission"})

// TasksRejected counts submissions refused before a task was created.
var TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_rejected_total",
	Help:      "Total rejected task submissions.",
}, []string{"code"})

// TasksFinished counts terminal transitions by state and reason.
var TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_finished_total",
	Help:      "Total tasks that reached a terminal state.",
}, []string{"state", "reason"})

// TasksRunning tracks live supervisors.
var TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tasks_running",
	Help:      "Number of currently supervised tasks.",
})

// QueueDepth tracks pending tasks as of the last admission decision.
var QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "queue_depth",
	Help:      "Number of pending tasks waiting for a slot.",
})

// TaskDuration observes wall time from start to terminal state.
var TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "task_duration_seconds",
	Help:      "Task wall-clock execution time in seconds.",
	Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
}, []string{"state"})

// QueueWait observes time from creation to start.
var QueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "queue_wait_seconds",
	Help:      "Time a task spent pending before its supervisor started.",
	Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
})

// ─── Credits ────────────────────────────────────────────────────────────────

// CreditsCharged counts credits debited by reason.
var CreditsCharged = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "credits_charged_total",
	Help:      "Total credits debited from user balances.",
}, []string{"reason"})

// DebitsDeclined counts conditional debits refused for lack of funds.
var DebitsDeclined = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "credit_debits_declined_total",
	Help:      "Total debits refused because the balance was too low.",
})

// ─── Live updates ───────────────────────────────────────────────────────────

// Subscribers tracks open live-update subscriptions.
var Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "live_subscribers",
	Help:      "Number of open live-update subscriptions.",
})

// EventsDropped counts events not delivered to a slow subscriber.
var EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "live_events_dropped_total",
	Help:      "Total live-update events dropped for slow subscribers.",
})

// Handler returns the scrape endpoint for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
