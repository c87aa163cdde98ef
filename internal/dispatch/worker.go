// Package dispatch implements the Dispatch Worker loop of spec §4.E: admit
// queued entries under the concurrent-job ceiling and the upstream
// rate-limit budget, materialize a cluster job per entry, and garbage
// collect terminal jobs hourly.
package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"

	"github.com/aarondewes/ghscanner/internal/k8sjobs"
	"github.com/aarondewes/ghscanner/internal/scanmodel"
	"github.com/aarondewes/ghscanner/pkg/metrics"
)

const (
	minRemainingBudget = scanmodel.RateLimitBuffer
	requestsPerJob     = scanmodel.DefaultRequestsPerJob
	terminalJobMaxAge  = 24 * time.Hour
	gcInterval         = time.Hour
)

// QueueStore is the subset of queuestore.Store the dispatch worker needs.
type QueueStore interface {
	ClaimQueued(ctx context.Context, limit int) ([]scanmodel.ClaimedEntry, error)
	MarkProcessing(ctx context.Context, queueID int64, jobIdentity string) error
	MarkTerminal(ctx context.Context, queueID int64, status string, errMsg *string) error
}

// GitHubClient is the subset of githubapi.Client the dispatch worker needs.
type GitHubClient interface {
	WaitIfNeeded(ctx context.Context, minRemaining int) (bool, error)
	CalculateSafeJobs(ctx context.Context, requestsPerJob int) (int, error)
}

// JobClient is the subset of k8sjobs.JobClient the dispatch worker needs.
type JobClient interface {
	Create(ctx context.Context, spec k8sjobs.JobSpec) error
	CountActive(ctx context.Context, selector string) (int, error)
	List(ctx context.Context, selector string) ([]batchv1.Job, error)
	DeleteForeground(ctx context.Context, name string) error
}

// Config holds the dispatch worker's runtime settings.
type Config struct {
	DatabaseURL   string
	GitHubToken   string
	Image         string
	Selector      string
	MaxConcurrent int
	PollInterval  time.Duration
}

// Worker runs the dispatch loop.
type Worker struct {
	store  QueueStore
	github GitHubClient
	jobs   JobClient
	log    *logrus.Logger
	cfg    Config
}

// New builds a Worker.
func New(store QueueStore, github GitHubClient, jobs JobClient, log *logrus.Logger, cfg Config) *Worker {
	return &Worker{store: store, github: github, jobs: jobs, log: log, cfg: cfg}
}

// Run executes the dispatch loop forever: one cycle per PollInterval, plus
// an independently-ticking hourly garbage-collection sweep.
func (w *Worker) Run(ctx context.Context) error {
	gcTicker := time.NewTicker(gcInterval)
	defer gcTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-gcTicker.C:
				w.garbageCollectSafe(ctx)
			}
		}
	}()

	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.log.WithField("panic", r).Error("dispatch cycle panicked")
				}
			}()

			timer := metrics.NewTimer()
			if err := w.cycle(ctx); err != nil {
				w.log.WithError(err).Error("dispatch cycle failed")
			}
			timer.RecordDispatchCycle()
		}()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *Worker) cycle(ctx context.Context) error {
	proceed, err := w.github.WaitIfNeeded(ctx, minRemainingBudget)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	rateLimitSlots, err := w.github.CalculateSafeJobs(ctx, requestsPerJob)
	if err != nil {
		return err
	}
	if rateLimitSlots <= 0 {
		return nil
	}

	active, err := w.jobs.CountActive(ctx, w.cfg.Selector)
	if err != nil {
		return err
	}
	metrics.ActiveScanJobsGauge.Set(float64(active))

	free := w.cfg.MaxConcurrent - active
	if free <= 0 {
		return nil
	}

	slots := free
	if rateLimitSlots < slots {
		slots = rateLimitSlots
	}
	if slots <= 0 {
		return nil
	}

	entries, err := w.store.ClaimQueued(ctx, slots)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		w.dispatchEntry(ctx, entry)
	}
	return nil
}

// dispatchEntry derives the deterministic job name, creates the cluster
// job, and transitions the queue entry accordingly. A create failure marks
// the entry failed rather than leaving it stuck queued.
func (w *Worker) dispatchEntry(ctx context.Context, entry scanmodel.ClaimedEntry) {
	jobName := scanmodel.DeriveJobName(entry.Owner, entry.Name, entry.QueueID)

	spec := k8sjobs.JobSpec{
		Name:  jobName,
		Image: w.cfg.Image,
		Env: map[string]string{
			"REPO_URL":     entry.URL,
			"DATABASE_URL": w.cfg.DatabaseURL,
			"GITHUB_TOKEN": w.cfg.GitHubToken,
		},
		Labels: map[string]string{
			"scan-id": strconv.FormatInt(entry.QueueID, 10),
		},
	}

	if err := w.jobs.Create(ctx, spec); err != nil {
		w.log.WithError(err).WithField("job", jobName).Error("failed to create scan job")
		errMsg := "Failed to create job"
		if mErr := w.store.MarkTerminal(ctx, entry.QueueID, scanmodel.QueueStatusFailed, &errMsg); mErr != nil {
			w.log.WithError(mErr).WithField("queue_id", entry.QueueID).Error("failed to mark queue entry failed")
		}
		metrics.JobsDispatchFailedTotal.Inc()
		return
	}

	if err := w.store.MarkProcessing(ctx, entry.QueueID, jobName); err != nil {
		w.log.WithError(err).WithField("queue_id", entry.QueueID).Error("failed to mark queue entry processing")
		return
	}
	metrics.JobsDispatchedTotal.Inc()
}

func (w *Worker) garbageCollectSafe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("garbage collection panicked")
		}
	}()
	if err := w.garbageCollect(ctx); err != nil {
		w.log.WithError(err).Error("garbage collection failed")
	}
}

// garbageCollect deletes terminal jobs whose completion_time is older than
// 24h, with Foreground propagation.
func (w *Worker) garbageCollect(ctx context.Context) error {
	jobs, err := w.jobs.List(ctx, w.cfg.Selector)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-terminalJobMaxAge)
	for _, job := range jobs {
		if job.Status.CompletionTime == nil {
			continue
		}
		if job.Status.CompletionTime.Time.After(cutoff) {
			continue
		}
		if err := w.jobs.DeleteForeground(ctx, job.Name); err != nil {
			w.log.WithError(err).WithField("job", job.Name).Warn("failed to delete terminal job")
		}
	}
	return nil
}
