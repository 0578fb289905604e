package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
	inFlight prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, queueLength func() float64) *metrics {
	f := promauto.With(reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ferry",
		Subsystem: "pipeline",
		Name:      "queue_length",
		Help:      "Number of accepted submissions waiting for a worker.",
	}, queueLength)

	return &metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferry",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Number of finished pipeline runs by terminal status.",
		}, []string{"status"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ferry",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Time from dequeue to terminal status.",
			Buckets:   prometheus.DefBuckets,
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "ferry",
			Subsystem: "pipeline",
			Name:      "runs_in_flight",
			Help:      "Number of pipeline runs currently executing.",
		}),
	}
}
