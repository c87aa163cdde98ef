// Package discovery implements the Discovery Scheduler loop of spec §4.D:
// periodic candidate discovery via search and owner expansion, queuing
// repositories that pass the has-actions/not-archived/not-recently-scanned
// filters.
package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aarondewes/ghscanner/internal/githubapi"
	"github.com/aarondewes/ghscanner/internal/queuestore"
	"github.com/aarondewes/ghscanner/pkg/metrics"
	"github.com/aarondewes/ghscanner/pkg/shared/logging"
)

const (
	discoveryQuery   = "stars:>100 archived:false"
	candidatePriority = 10
	ownerPriority     = 5
	staleAfter        = 7 * 24 * time.Hour
	errorRetrySleep   = 300 * time.Second
)

// QueueStore is the subset of queuestore.Store the scheduler needs.
type QueueStore interface {
	UpsertRepository(ctx context.Context, url, owner, name string, hasActions bool) (int64, error)
	Enqueue(ctx context.Context, repositoryID int64, priority int) (int64, error)
	RepositoryLastScannedAt(ctx context.Context, repositoryID int64) (*time.Time, error)
}

// GitHubClient is the subset of githubapi.Client the scheduler needs.
type GitHubClient interface {
	SearchTopRepositories(ctx context.Context, query string, maxResults int) ([]githubapi.RepoMeta, error)
	ListOwnerRepositories(ctx context.Context, owner string) ([]githubapi.RepoMeta, error)
	HasRecentActionRuns(ctx context.Context, owner, name string) bool
}

// Scheduler runs the discovery loop.
type Scheduler struct {
	store  QueueStore
	github GitHubClient
	log    *logrus.Logger

	scanInterval  time.Duration
	topReposCount int
	debugMode     bool
}

// New builds a Scheduler.
func New(store QueueStore, github GitHubClient, log *logrus.Logger, scanInterval time.Duration, topReposCount int, debugMode bool) *Scheduler {
	return &Scheduler{
		store:         store,
		github:        github,
		log:           log,
		scanInterval:  scanInterval,
		topReposCount: topReposCount,
		debugMode:     debugMode,
	}
}

// Run executes the discovery loop forever, one sweep per scanInterval. In
// debug mode it runs exactly one sweep and returns.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithField("panic", r).Error("discovery sweep panicked")
				}
			}()

			timer := metrics.NewTimer()
			if err := s.sweep(ctx); err != nil {
				s.log.WithError(err).Error("discovery sweep failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(errorRetrySleep):
				}
			}
			timer.RecordDiscoverySweep()
		}()

		if s.debugMode {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.scanInterval):
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) error {
	candidates, err := s.github.SearchTopRepositories(ctx, discoveryQuery, s.topReposCount)
	if err != nil {
		return err
	}

	owners := map[string]struct{}{}
	for _, candidate := range candidates {
		owners[candidate.Owner] = struct{}{}
		s.processCandidateSafe(ctx, candidate, candidatePriority)
	}
	metrics.ReposDiscoveredTotal.Add(float64(len(candidates)))

	return s.expandOwners(ctx, owners)
}

func (s *Scheduler) expandOwners(ctx context.Context, owners map[string]struct{}) error {
	expansionCeiling := 2 * s.topReposCount

	var mu sync.Mutex
	expanded := 0

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for owner := range owners {
		owner := owner
		g.Go(func() error {
			mu.Lock()
			if expanded > expansionCeiling {
				mu.Unlock()
				return nil
			}
			mu.Unlock()

			results, err := s.github.ListOwnerRepositories(ctx, owner)
			if err != nil {
				s.log.WithError(err).WithField("owner", owner).Warn("owner expansion failed")
				return nil
			}

			for _, candidate := range results {
				mu.Lock()
				if expanded > expansionCeiling {
					mu.Unlock()
					break
				}
				expanded++
				mu.Unlock()

				s.processCandidateSafe(ctx, candidate, ownerPriority)
			}
			return nil
		})
	}

	return g.Wait()
}

func (s *Scheduler) processCandidateSafe(ctx context.Context, candidate githubapi.RepoMeta, priority int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("candidate processing panicked")
		}
	}()
	if err := s.processCandidate(ctx, candidate, priority); err != nil {
		s.log.WithError(err).WithFields(logging.DiscoveryFields("process_candidate", candidate.Owner).ToLogrus()).
			Warn("failed to process candidate")
	}
}

func (s *Scheduler) processCandidate(ctx context.Context, candidate githubapi.RepoMeta, priority int) error {
	if candidate.Owner == "" || candidate.Name == "" || candidate.URL == "" {
		return nil
	}
	if candidate.Archived {
		return nil
	}
	if !s.github.HasRecentActionRuns(ctx, candidate.Owner, candidate.Name) {
		return nil
	}

	if s.debugMode {
		s.log.WithFields(logging.DiscoveryFields("would_enqueue", candidate.Owner).ToLogrus()).Info("debug mode: would enqueue")
		return nil
	}

	repositoryID, err := s.store.UpsertRepository(ctx, candidate.URL, candidate.Owner, candidate.Name, true)
	if err != nil {
		return err
	}

	lastScannedAt, err := s.store.RepositoryLastScannedAt(ctx, repositoryID)
	if err != nil {
		return err
	}
	if lastScannedAt != nil && time.Since(*lastScannedAt) < staleAfter {
		return nil
	}

	_, err = s.store.Enqueue(ctx, repositoryID, priority)
	if err != nil {
		if errors.Is(err, queuestore.ErrAlreadyQueued) {
			return nil
		}
		return err
	}
	metrics.ReposEnqueuedTotal.WithLabelValues(priorityLabel(priority)).Inc()
	return nil
}

func priorityLabel(priority int) string {
	switch priority {
	case candidatePriority:
		return "10"
	case ownerPriority:
		return "5"
	default:
		return "other"
	}
}
