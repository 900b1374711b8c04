// Package metrics declares the Prometheus collectors Kestrel exports.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scan metrics
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_scans_total",
			Help: "Total number of scan runs by final status",
		},
		[]string{"status"},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_scan_duration_seconds",
			Help:    "Scan run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	DetectorRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_detector_runs_total",
			Help: "Detector executions by outcome",
		},
		[]string{"detector", "outcome"}, // outcome: ok, failed, timeout
	)

	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_detector_duration_seconds",
			Help:    "Detector execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"detector"},
	)

	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_findings_total",
			Help: "Findings emitted by detectors",
		},
		[]string{"pattern", "severity"},
	)

	ConsolidatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_consolidated_findings_total",
			Help: "Consolidated findings that passed the run confidence floor",
		},
		[]string{"severity"},
	)

	PromotionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_promotion_failures_total",
			Help: "Consolidated findings that failed case promotion",
		},
	)

	// Case metrics
	CasesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_cases_created_total",
			Help: "Cases opened, by type and source",
		},
		[]string{"type", "source"},
	)

	CaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_case_transitions_total",
			Help: "Committed case lifecycle transitions",
		},
		[]string{"event", "to"},
	)

	CaseConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_case_conflicts_total",
			Help: "Optimistic concurrency conflicts on case writes",
		},
	)

	ApprovalsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_approvals_denied_total",
			Help: "Action approvals refused by the approval gate",
		},
		[]string{"level"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"method", "route", "code"},
	)
)
