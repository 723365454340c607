// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConsentOperationsTotal counts lifecycle operations by outcome
	// (ok, idempotent, or the failure kind).
	ConsentOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consent_operations_total",
		Help: "The total number of consent lifecycle operations by outcome",
	}, []string{"operation", "outcome"})

	ConsentOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consent_operation_duration_seconds",
		Help:    "The consent lifecycle operation duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	ConsentCacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consent_cache_lookups_total",
		Help: "The total number of consent cache lookups by result",
	}, []string{"result"})

	AuditQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "consent_audit_queue_depth",
		Help: "The number of audit entries waiting to be flushed by sink",
	}, []string{"sink"})

	// AuditEntriesTotal counts audit entries by sink and outcome (written, failed, dropped).
	AuditEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consent_audit_entries_total",
		Help: "The total number of audit entries by sink and outcome",
	}, []string{"sink", "outcome"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consent_http_requests_total",
		Help: "The total number of HTTP requests by route and status code",
	}, []string{"route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consent_http_request_duration_seconds",
		Help:    "The HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	RateLimitExceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consent_rate_limit_exceeded_total",
		Help: "The total number of requests rejected by the partner rate limiter",
	})
)
