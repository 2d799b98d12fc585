package lockmanager

import "github.com/prometheus/client_golang/prometheus"

var (
	lockWaitsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "txncore",
			Subsystem: "lockmanager",
			Name:      "waits_total",
			Help:      "Counter of lock acquisitions that had to wait.",
		})

	lockTimeoutCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "txncore",
			Subsystem: "lockmanager",
			Name:      "wait_timeouts_total",
			Help:      "Counter of lock waits that exceeded their timeout.",
		})

	deadlockCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "txncore",
			Subsystem: "lockmanager",
			Name:      "deadlocks_total",
			Help:      "Counter of deadlock cycles broken by victim abort.",
		})

	lockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "txncore",
			Subsystem: "lockmanager",
			Name:      "wait_duration_seconds",
			Help:      "Bucketed histogram of lock wait duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	heldLocksGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "txncore",
			Subsystem: "lockmanager",
			Name:      "held_locks",
			Help:      "Gauge of currently granted locks.",
		})
)

func init() {
	prometheus.MustRegister(lockWaitsCounter)
	prometheus.MustRegister(lockTimeoutCounter)
	prometheus.MustRegister(deadlockCounter)
	prometheus.MustRegister(lockWaitDuration)
	prometheus.MustRegister(heldLocksGauge)
}
