package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GitHub client metrics
	RateLimitRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orgguard_github_rate_limit_remaining",
			Help: "Remaining GitHub API quota as reported by the last response",
		},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgguard_github_requests_total",
			Help: "Total GitHub API requests by operation and outcome",
		},
		[]string{"op", "outcome"}, // outcome: ok, rate_limited, auth, not_found, server, error
	)

	// Scan metrics
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgguard_scans_total",
			Help: "Total scans run by outcome",
		},
		[]string{"outcome"}, // completed, failed
	)

	ScanDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orgguard_scan_duration_seconds",
			Help:    "Duration of full organization scans",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}, // 1s to 30m
		},
	)

	ViolationsFoundTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgguard_violations_found_total",
			Help: "Total policy violations recorded by policy type",
		},
		[]string{"policy"},
	)

	// Action metrics
	ActionsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgguard_actions_executed_total",
			Help: "Total remediation actions executed by action and status",
		},
		[]string{"action", "status"}, // status: success, failed, skipped
	)

	// Webhook metrics
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgguard_webhook_deliveries_total",
			Help: "Total webhook deliveries by event and outcome",
		},
		[]string{"event", "outcome"}, // outcome: accepted, rejected, ignored
	)

	// Job queue metrics
	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orgguard_jobs_queued",
			Help: "Number of jobs currently pending in the queue",
		},
	)

	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orgguard_jobs_processed_total",
			Help: "Total jobs processed by method and outcome",
		},
		[]string{"method", "outcome"}, // outcome: done, retried, dead
	)
)
