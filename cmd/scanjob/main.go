// Command scanjob runs a single-shot repository scan: clone, download
// workflow files, analyze, and ingest findings.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aarondewes/ghscanner/internal/config"
	"github.com/aarondewes/ghscanner/internal/database"
	"github.com/aarondewes/ghscanner/internal/githubapi"
	"github.com/aarondewes/ghscanner/internal/queuestore"
	"github.com/aarondewes/ghscanner/internal/scanjob"
)

func main() {
	log := newLogger()

	cfg := config.DefaultScanJobConfig()
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid scan job configuration")
	}

	db, err := database.ConnectURL(cfg.DatabaseURL, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	store := queuestore.New(db)
	github := githubapi.New(cfg.GitHubToken, store, log)
	runner := scanjob.NewSubprocessRunner(
		os.Getenv("GIT_BINARY"),
		os.Getenv("WORKFLOW_DOWNLOADER_PATH"),
		os.Getenv("ANALYZER_PATH"),
		log,
	)

	job := scanjob.New(store, github, runner, log, scanjob.Config{
		RepoURL:     cfg.RepoURL,
		GitHubToken: cfg.GitHubToken,
		JobIdentity: fmt.Sprintf("scanjob-%s", uuid.NewString()),
	})

	if err := job.Run(context.Background()); err != nil {
		log.WithError(err).Error("scan job failed")
		os.Exit(1)
	}
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
