package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RateLimitRemaining tracks the last observed remaining allowance per provider
	RateLimitRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamguard_ratelimit_remaining",
			Help: "Last observed remaining allowance for a provider",
		},
		[]string{"provider", "kind"},
	)

	// RateLimitLimit tracks the last observed window limit per provider
	RateLimitLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamguard_ratelimit_limit",
			Help: "Last observed window limit for a provider",
		},
		[]string{"provider", "kind"},
	)

	// RateLimitRejections counts 429-style rejections recorded by the tracker
	RateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_ratelimit_rejections_total",
			Help: "Total number of provider rejections carrying a retry-after hint",
		},
		[]string{"provider"},
	)

	// QueueRequests tracks the number of queued requests by status
	QueueRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamguard_queue_requests",
			Help: "Number of requests known to the queue, by status",
		},
		[]string{"status"},
	)

	// QueueDispatchTotal counts dispatch attempts
	QueueDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_queue_dispatch_total",
			Help: "Total number of dispatch attempts",
		},
		[]string{"provider", "priority"},
	)

	// QueueRetryTotal counts requeues, split by retry tier
	QueueRetryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_queue_retry_total",
			Help: "Total number of requeued attempts by retry tier",
		},
		[]string{"provider", "tier"},
	)

	// QueuePersistErrors counts failed writes of the pending set
	QueuePersistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamguard_queue_persist_errors_total",
			Help: "Total number of failed pending-set saves",
		},
	)

	// StreamStaleTotal counts stale detections
	StreamStaleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamguard_stream_stale_total",
			Help: "Total number of streams detected as stale",
		},
	)

	// StreamRecoveryTotal counts recovery attempts by result
	StreamRecoveryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamguard_stream_recovery_total",
			Help: "Total number of stream recovery attempts",
		},
		[]string{"result"},
	)
)

func init() {
	// Register metrics with the default registry
	prometheus.MustRegister(RateLimitRemaining)
	prometheus.MustRegister(RateLimitLimit)
	prometheus.MustRegister(RateLimitRejections)
	prometheus.MustRegister(QueueRequests)
	prometheus.MustRegister(QueueDispatchTotal)
	prometheus.MustRegister(QueueRetryTotal)
	prometheus.MustRegister(QueuePersistErrors)
	prometheus.MustRegister(StreamStaleTotal)
	prometheus.MustRegister(StreamRecoveryTotal)
}
