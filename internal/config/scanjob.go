package config

import (
	"os"

	"github.com/aarondewes/ghscanner/internal/errors"
)

// ScanJobConfig holds the Scan Job's settings, entirely environment
// supplied: the job is single-shot and never reads flags.
type ScanJobConfig struct {
	RepoURL     string
	DatabaseURL string
	GitHubToken string
}

// DefaultScanJobConfig returns a zero-value config; Scan Job has no
// defaultable settings. REPO_URL and DATABASE_URL are required input,
// GITHUB_TOKEN is optional.
func DefaultScanJobConfig() *ScanJobConfig {
	return &ScanJobConfig{}
}

// LoadFromEnv reads the Scan Job's required and optional inputs.
func (c *ScanJobConfig) LoadFromEnv() {
	c.RepoURL = os.Getenv("REPO_URL")
	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.GitHubToken = os.Getenv("GITHUB_TOKEN")
}

// Validate enforces the External Interfaces contract: REPO_URL and
// DATABASE_URL are required; GITHUB_TOKEN is optional (warn-once applies).
func (c *ScanJobConfig) Validate() error {
	if c.RepoURL == "" {
		return errors.NewValidationError("REPO_URL is required")
	}
	if c.DatabaseURL == "" {
		return errors.NewValidationError("DATABASE_URL is required")
	}
	return nil
}
