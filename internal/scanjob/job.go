// Package scanjob implements the single-shot Scan Job of spec §4.F: clone,
// download workflow files, analyze, and ingest findings for one
// repository.
package scanjob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/aarondewes/ghscanner/internal/errors"
	"github.com/aarondewes/ghscanner/internal/scanmodel"
	"github.com/aarondewes/ghscanner/pkg/metrics"
	"github.com/aarondewes/ghscanner/pkg/shared/logging"
)

const (
	cloneTimeout    = 5 * time.Minute
	downloadTimeout = 10 * time.Minute
	analyzeTimeout  = 10 * time.Minute
	minRemainingBudget = 100
)

var tracer = otel.Tracer("github.com/aarondewes/ghscanner/internal/scanjob")

// QueueStore is the subset of queuestore.Store the scan job needs.
type QueueStore interface {
	UpsertRepository(ctx context.Context, url, owner, name string, hasActions bool) (int64, error)
	SetRepositoryScanStatus(ctx context.Context, repositoryID int64, status string, scanError *string) error
	FindQueueEntryForRepository(ctx context.Context, repositoryID int64) (*scanmodel.QueueEntry, error)
	MarkProcessing(ctx context.Context, queueID int64, jobIdentity string) error
	MarkTerminal(ctx context.Context, queueID int64, status string, errMsg *string) error
	IsFileSafe(ctx context.Context, filePath, fileHash string) (bool, error)
	UpsertBranch(ctx context.Context, repositoryID int64, name string) (int64, error)
	InsertFinding(ctx context.Context, f scanmodel.Finding) (int64, error)
	RecordScanHistory(ctx context.Context, entry scanmodel.ScanHistoryEntry) error
}

// GitHubClient is the subset of githubapi.Client the scan job needs.
type GitHubClient interface {
	WaitIfNeeded(ctx context.Context, minRemaining int) (bool, error)
}

// Config holds the scan job's runtime settings, sourced from environment
// variables by cmd/scanjob.
type Config struct {
	RepoURL     string
	GitHubToken string
	JobIdentity string
}

// Job runs one clone-download-analyze-ingest pass for a single repository.
type Job struct {
	store  QueueStore
	github GitHubClient
	runner Runner
	log    *logrus.Logger
	cfg    Config
}

// New builds a Job.
func New(store QueueStore, github GitHubClient, runner Runner, log *logrus.Logger, cfg Config) *Job {
	return &Job{store: store, github: github, runner: runner, log: log, cfg: cfg}
}

// Run executes the full pipeline. A non-nil error means the process should
// exit non-zero.
func (j *Job) Run(ctx context.Context) error {
	owner, name, err := scanmodel.ParseRepoURL(j.cfg.RepoURL)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "failed to parse repository url")
	}

	proceed, err := j.github.WaitIfNeeded(ctx, minRemainingBudget)
	if err != nil {
		return err
	}
	if !proceed {
		return errors.New(errors.ErrorTypeRateLimit, "aborting scan: rate limit budget exhausted")
	}

	repositoryID, err := j.store.UpsertRepository(ctx, j.cfg.RepoURL, owner, name, true)
	if err != nil {
		return err
	}
	if err := j.store.SetRepositoryScanStatus(ctx, repositoryID, scanmodel.ScanStatusScanning, nil); err != nil {
		return err
	}

	startedAt := time.Now()
	jobTimer := metrics.NewTimer()

	var queueID int64
	if entry, err := j.store.FindQueueEntryForRepository(ctx, repositoryID); err != nil {
		j.log.WithError(err).Warn("failed to locate queue entry")
	} else if entry != nil {
		queueID = entry.ID
		if err := j.store.MarkProcessing(ctx, queueID, j.cfg.JobIdentity); err != nil {
			j.log.WithError(err).Warn("failed to mark queue entry processing")
		}
	}

	stagingRoot, err := os.MkdirTemp("", "ghscanner-scan-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create staging directory")
	}
	defer os.RemoveAll(stagingRoot)

	cloneDir := filepath.Join(stagingRoot, "repo")
	if err := j.runStep(ctx, "clone", cloneTimeout, func(stepCtx context.Context) error {
		return j.runner.Clone(stepCtx, j.cloneURL(), cloneDir)
	}); err != nil {
		metrics.ScanJobDuration.Observe(jobTimer.Elapsed().Seconds())
		j.failScan(ctx, repositoryID, queueID, startedAt, 0, err)
		return err
	}

	workflowsRoot := filepath.Join(stagingRoot, "workflows")
	if err := j.runStep(ctx, "download", downloadTimeout, func(stepCtx context.Context) error {
		return j.runner.DownloadWorkflows(stepCtx, owner, name, workflowsRoot)
	}); err != nil {
		metrics.ScanJobDuration.Observe(jobTimer.Elapsed().Seconds())
		j.failScan(ctx, repositoryID, queueID, startedAt, 0, err)
		return err
	}

	var raw []scanmodel.RawFinding
	if err := j.runStep(ctx, "analyze", analyzeTimeout, func(stepCtx context.Context) error {
		var analyzeErr error
		raw, analyzeErr = j.runner.Analyze(stepCtx, workflowsRoot)
		return analyzeErr
	}); err != nil {
		metrics.ScanJobDuration.Observe(jobTimer.Elapsed().Seconds())
		j.failScan(ctx, repositoryID, queueID, startedAt, 0, err)
		return err
	}

	count, err := j.ingest(ctx, repositoryID, workflowsRoot, raw)
	metrics.ScanJobDuration.Observe(jobTimer.Elapsed().Seconds())
	if err != nil {
		j.failScan(ctx, repositoryID, queueID, startedAt, count, err)
		return err
	}

	if err := j.store.SetRepositoryScanStatus(ctx, repositoryID, scanmodel.ScanStatusCompleted, nil); err != nil {
		j.log.WithError(err).Warn("failed to mark repository completed")
	}
	if queueID != 0 {
		if err := j.store.MarkTerminal(ctx, queueID, scanmodel.QueueStatusCompleted, nil); err != nil {
			j.log.WithError(err).Warn("failed to mark queue entry completed")
		}
	}
	if err := j.store.RecordScanHistory(ctx, scanmodel.ScanHistoryEntry{
		RepositoryID:         repositoryID,
		QueueEntryID:         queueID,
		Status:               scanmodel.QueueStatusCompleted,
		VulnerabilitiesFound: count,
		DurationSeconds:      int(time.Since(startedAt).Seconds()),
		StartedAt:            startedAt,
		CompletedAt:          time.Now(),
	}); err != nil {
		j.log.WithError(err).Warn("failed to record scan history")
	}

	metrics.ScanJobsCompletedTotal.WithLabelValues(scanmodel.QueueStatusCompleted).Inc()
	return nil
}

// failScan marks the repository and queue entry failed and records a
// scan_history row for the attempt, regardless of where in the pipeline
// the failure occurred.
func (j *Job) failScan(ctx context.Context, repositoryID, queueID int64, startedAt time.Time, count int, cause error) {
	errMsg := cause.Error()
	if err := j.store.SetRepositoryScanStatus(ctx, repositoryID, scanmodel.ScanStatusFailed, &errMsg); err != nil {
		j.log.WithError(err).Warn("failed to mark repository failed")
	}
	if queueID != 0 {
		if err := j.store.MarkTerminal(ctx, queueID, scanmodel.QueueStatusFailed, &errMsg); err != nil {
			j.log.WithError(err).Warn("failed to mark queue entry failed")
		}
	}
	if err := j.store.RecordScanHistory(ctx, scanmodel.ScanHistoryEntry{
		RepositoryID:         repositoryID,
		QueueEntryID:         queueID,
		Status:               scanmodel.QueueStatusFailed,
		VulnerabilitiesFound: count,
		DurationSeconds:      int(time.Since(startedAt).Seconds()),
		Error:                &errMsg,
		StartedAt:            startedAt,
		CompletedAt:          time.Now(),
	}); err != nil {
		j.log.WithError(err).Warn("failed to record scan history")
	}
	metrics.ScanJobsCompletedTotal.WithLabelValues(scanmodel.QueueStatusFailed).Inc()
}

// cloneURL injects the GitHub token as basic-auth userinfo when one is
// available and the URL is https.
func (j *Job) cloneURL() string {
	if j.cfg.GitHubToken == "" || !strings.HasPrefix(j.cfg.RepoURL, "https://") {
		return j.cfg.RepoURL
	}
	return "https://" + j.cfg.GitHubToken + "@" + strings.TrimPrefix(j.cfg.RepoURL, "https://")
}

func (j *Job) runStep(ctx context.Context, step string, timeout time.Duration, fn func(context.Context) error) error {
	stepCtx, span := tracer.Start(ctx, step)
	defer span.End()

	stepCtx, cancel := context.WithTimeout(stepCtx, timeout)
	defer cancel()

	timer := metrics.NewTimer()
	err := fn(stepCtx)
	timer.RecordScanJobStep(step)

	if err != nil {
		j.log.WithError(err).WithFields(logging.NewFields().Operation(step).ToLogrus()).Warn("scan step reported an error")
	}
	return err
}
