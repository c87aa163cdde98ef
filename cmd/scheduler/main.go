// Command scheduler runs the Discovery Scheduler long-lived loop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aarondewes/ghscanner/internal/config"
	"github.com/aarondewes/ghscanner/internal/database"
	"github.com/aarondewes/ghscanner/internal/discovery"
	"github.com/aarondewes/ghscanner/internal/githubapi"
	"github.com/aarondewes/ghscanner/internal/queuestore"
	"github.com/aarondewes/ghscanner/internal/scanmodel"
	"github.com/aarondewes/ghscanner/pkg/metrics"
)

func main() {
	log := newLogger()

	cfg := config.DefaultSchedulerConfig()
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid scheduler configuration")
	}

	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		metricsPort = "8080"
	}
	metricsServer := metrics.NewServer(metricsPort, log)
	metricsServer.StartAsync()

	var store discovery.QueueStore
	if !cfg.DebugMode {
		db, err := database.ConnectURL(cfg.DatabaseURL, log)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		defer db.Close()

		if err := database.Migrate(db); err != nil {
			log.WithError(err).Fatal("failed to run migrations")
		}
		store = queuestore.New(db)
	}

	github := githubapi.New(cfg.GitHubToken, persisterFor(store), log)

	scheduler := discovery.New(
		store,
		github,
		log,
		time.Duration(cfg.ScanInterval)*time.Second,
		cfg.TopReposCount,
		cfg.DebugMode,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("discovery scheduler exited with error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Stop(shutdownCtx)
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	if os.Getenv("LOG_FORMAT") == "text" {
		log.SetFormatter(&logrus.TextFormatter{})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// persisterFor adapts a possibly-nil QueueStore (debug mode runs without a
// database) into a githubapi.RateLimitPersister that no-ops when absent.
func persisterFor(store discovery.QueueStore) githubapi.RateLimitPersister {
	if persister, ok := store.(githubapi.RateLimitPersister); ok {
		return persister
	}
	return noopPersister{}
}

type noopPersister struct{}

func (noopPersister) AppendRateLimitSample(context.Context, scanmodel.RateLimitSample) error {
	return nil
}
