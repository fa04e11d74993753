package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type OrderMetrics struct {
	Transitions   *prometheus.CounterVec
	SweepDuration prometheus.Histogram
	SweepExpired  prometheus.Counter
	RemindersSent prometheus.Counter
	SweepErrors   prometheus.Counter
}

func NewOrderMetrics(reg prometheus.Registerer) *OrderMetrics {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rebooked",
		Subsystem: "orders",
		Name:      "transitions_total",
		Help:      "Order state transitions attempted, by transition and outcome.",
	}, []string{"transition", "outcome"})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rebooked",
		Subsystem: "orders",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of one sweeper run.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	sweepExpired := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rebooked",
		Subsystem: "orders",
		Name:      "sweep_expired_total",
		Help:      "Orders auto-cancelled for missing the commit deadline.",
	})
	remindersSent := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rebooked",
		Subsystem: "orders",
		Name:      "sweep_reminders_total",
		Help:      "Commit reminders sent to sellers.",
	})
	sweepErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rebooked",
		Subsystem: "orders",
		Name:      "sweep_errors_total",
		Help:      "Sweeper runs or per-order steps that failed.",
	})

	reg.MustRegister(transitions, sweepDuration, sweepExpired, remindersSent, sweepErrors)
	return &OrderMetrics{
		Transitions:   transitions,
		SweepDuration: sweepDuration,
		SweepExpired:  sweepExpired,
		RemindersSent: remindersSent,
		SweepErrors:   sweepErrors,
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
