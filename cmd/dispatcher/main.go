// Command dispatcher runs the Dispatch Worker long-lived loop.
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
	"github.com/aarondewes/ghscanner/internal/dispatch"
	"github.com/aarondewes/ghscanner/internal/githubapi"
	"github.com/aarondewes/ghscanner/internal/k8sjobs"
	"github.com/aarondewes/ghscanner/internal/queuestore"
	"github.com/aarondewes/ghscanner/pkg/metrics"
)

const workerSelector = "app=github-scanner,component=worker"

func main() {
	log := newLogger()

	cfg := config.DefaultDispatcherConfig()
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid dispatcher configuration")
	}

	metricsServer := metrics.NewServer(cfg.MetricsPort, log)
	metricsServer.StartAsync()

	db, err := database.ConnectURL(cfg.DatabaseURL, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}
	store := queuestore.New(db)

	github := githubapi.New(cfg.GitHubToken, store, log)

	jobClient, err := k8sjobs.NewJobClient(cfg.Namespace, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build kubernetes job client")
	}

	worker := dispatch.New(store, github, jobClient, log, dispatch.Config{
		DatabaseURL:   cfg.DatabaseURL,
		GitHubToken:   cfg.GitHubToken,
		Image:         cfg.WorkerImage,
		Selector:      workerSelector,
		MaxConcurrent: cfg.MaxConcurrentJobs,
		PollInterval:  time.Duration(cfg.PollInterval) * time.Second,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("dispatch worker exited with error")
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
