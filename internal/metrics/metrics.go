package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "offlinequeue"

var (
	once sync.Once

	queueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Operations waiting in the live queue.",
	})

	operationsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_enqueued_total",
			Help:      "Operations accepted by enqueue, by kind.",
		},
		[]string{"kind"},
	)

	operationsSynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_synced_total",
			Help:      "Operations executed successfully against the backend, by kind.",
		},
		[]string{"kind"},
	)

	operationsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_failed_total",
			Help:      "Failed execution attempts, by kind.",
		},
		[]string{"kind"},
	)

	operationsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_dropped_total",
			Help:      "Operations dropped after exhausting retries, by kind.",
		},
		[]string{"kind"},
	)

	drainPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "drain_passes_total",
		Help:      "Drain passes that executed at least one operation.",
	})

	drainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "drain_duration_seconds",
		Help:      "Wall time of a drain pass.",
		Buckets:   prometheus.DefBuckets,
	})

	connectivityGood = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connectivity_good",
		Help:      "1 when the last observed connection was good.",
	})

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			queueLength,
			operationsEnqueued,
			operationsSynced,
			operationsFailed,
			operationsDropped,
			drainPasses,
			drainDuration,
			connectivityGood,
			httpRequests,
		)
	})
}

func SetQueueLength(n int) {
	queueLength.Set(float64(n))
}

func IncEnqueued(kind string) {
	operationsEnqueued.WithLabelValues(kind).Inc()
}

func IncSynced(kind string) {
	operationsSynced.WithLabelValues(kind).Inc()
}

func IncFailed(kind string) {
	operationsFailed.WithLabelValues(kind).Inc()
}

func IncDropped(kind string) {
	operationsDropped.WithLabelValues(kind).Inc()
}

// ObserveDrain records one completed drain pass.
func ObserveDrain(d time.Duration) {
	drainPasses.Inc()
	drainDuration.Observe(d.Seconds())
}

func SetConnectivity(good bool) {
	if good {
		connectivityGood.Set(1)
		return
	}
	connectivityGood.Set(0)
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
