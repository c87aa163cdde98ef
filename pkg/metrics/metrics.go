// Package metrics exposes the Prometheus counters, gauges and histograms
// shared by the scheduler, dispatcher and scan-job binaries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReposDiscoveredTotal counts candidates surfaced by a discovery sweep.
	ReposDiscoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repos_discovered_total",
		Help: "Total number of repository candidates surfaced by discovery sweeps.",
	})

	// ReposEnqueuedTotal counts successful enqueue operations, by priority class.
	ReposEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repos_enqueued_total",
		Help: "Total number of repositories enqueued for scanning.",
	}, []string{"priority"})

	// DiscoverySweepDuration measures one full discovery loop body.
	DiscoverySweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "discovery_sweep_duration_seconds",
		Help:    "Duration of a single discovery scheduler sweep.",
		Buckets: prometheus.DefBuckets,
	})

	// JobsDispatchedTotal counts cluster jobs created by the dispatch worker.
	JobsDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scan_jobs_dispatched_total",
		Help: "Total number of scan jobs created by the dispatch worker.",
	})

	// JobsDispatchFailedTotal counts create() failures at the dispatcher.
	JobsDispatchFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scan_jobs_dispatch_failed_total",
		Help: "Total number of scan job creation failures.",
	})

	// DispatchCycleDuration measures one full dispatch worker loop body.
	DispatchCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_cycle_duration_seconds",
		Help:    "Duration of a single dispatch worker cycle.",
		Buckets: prometheus.DefBuckets,
	})

	// QueueDepthGauge reports the number of entries in each queue status.
	QueueDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scan_queue_depth",
		Help: "Current number of scan_queue entries, by status.",
	}, []string{"status"})

	// ActiveScanJobsGauge reports jobs with at least one active pod.
	ActiveScanJobsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scan_jobs_active",
		Help: "Current number of scan jobs with at least one active pod.",
	})

	// RateLimitRemainingGauge tracks the upstream API's last observed
	// remaining quota, by api type (core/search).
	RateLimitRemainingGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "github_rate_limit_remaining",
		Help: "Last observed remaining GitHub API rate-limit quota.",
	}, []string{"api_type"})

	// GitHubAPICallsTotal counts outbound GitHub API calls, by endpoint class.
	GitHubAPICallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_api_calls_total",
		Help: "Total number of outbound GitHub API calls.",
	}, []string{"endpoint"})

	// GitHubAPIErrorsTotal counts outbound GitHub API failures.
	GitHubAPIErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_api_errors_total",
		Help: "Total number of failed outbound GitHub API calls.",
	}, []string{"endpoint"})

	// ScanJobsCompletedTotal counts terminal scan jobs, by terminal status.
	ScanJobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scan_jobs_completed_total",
		Help: "Total number of scan jobs that reached a terminal status.",
	}, []string{"status"})

	// ScanJobDuration measures a scan job's full clone-to-ingest pipeline.
	ScanJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scan_job_duration_seconds",
		Help:    "Duration of a scan job's clone, download, analyze and ingest pipeline.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// ScanJobStepDuration breaks a scan job's duration down by pipeline step.
	ScanJobStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scan_job_step_duration_seconds",
		Help:    "Duration of an individual scan job pipeline step.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"step"})

	// FindingsIngestedTotal counts findings persisted, by severity.
	FindingsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "findings_ingested_total",
		Help: "Total number of findings persisted during ingest.",
	}, []string{"severity"})

	// FindingsSkippedSafeTotal counts findings suppressed by the safe-file allow-list.
	FindingsSkippedSafeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "findings_skipped_safe_total",
		Help: "Total number of findings suppressed because the path/hash matched a safe file.",
	})
)

// Timer measures elapsed wall-clock time for ad-hoc duration recording,
// mirroring the simple start/elapsed helper used across the binaries.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time elapsed since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordScanJobStep records the timer's elapsed duration against the named
// pipeline step histogram.
func (t *Timer) RecordScanJobStep(step string) {
	ScanJobStepDuration.WithLabelValues(step).Observe(t.Elapsed().Seconds())
}

// RecordDispatchCycle records the timer's elapsed duration against the
// dispatch cycle histogram.
func (t *Timer) RecordDispatchCycle() {
	DispatchCycleDuration.Observe(t.Elapsed().Seconds())
}

// RecordDiscoverySweep records the timer's elapsed duration against the
// discovery sweep histogram.
func (t *Timer) RecordDiscoverySweep() {
	DiscoverySweepDuration.Observe(t.Elapsed().Seconds())
}
