package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lightkeyd",
		Subsystem: "dispatch",
		Name:      "cache_hits_total",
		Help:      "Jobs answered from the result cache",
	})
	cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lightkeyd",
		Subsystem: "dispatch",
		Name:      "cache_misses_total",
		Help:      "Jobs that required inference",
	})
	coalescedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lightkeyd",
		Subsystem: "dispatch",
		Name:      "coalesced_total",
		Help:      "Submissions that reused an in-flight identical request",
	})
	attemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lightkeyd",
		Subsystem: "dispatch",
		Name:      "attempts_total",
		Help:      "Inference attempts by outcome",
	}, []string{"outcome"})
	jobsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lightkeyd",
		Subsystem: "dispatch",
		Name:      "jobs_failed_total",
		Help:      "Jobs that exhausted their retry budget",
	})
	inferenceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lightkeyd",
		Subsystem: "dispatch",
		Name:      "inference_duration_seconds",
		Help:      "Duration of successful inference calls",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(cacheHitsTotal, cacheMissesTotal, coalescedTotal,
		attemptsTotal, jobsFailedTotal, inferenceDuration)
}
