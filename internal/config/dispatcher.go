package config

import (
	"os"
	"strconv"

	"github.com/aarondewes/ghscanner/internal/errors"
)

// DispatcherConfig holds the Dispatch Worker's settings.
type DispatcherConfig struct {
	DatabaseURL       string
	GitHubToken       string
	Namespace         string
	MaxConcurrentJobs int
	PollInterval      int // seconds
	WorkerImage       string
	MetricsPort       string
}

const defaultWorkerImage = "ghcr.io/aarondewes/github-scanner-worker:main"

// DefaultDispatcherConfig matches the authoritative defaults of §6.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		Namespace:         "default",
		MaxConcurrentJobs: 10,
		PollInterval:      30,
		WorkerImage:       defaultWorkerImage,
		MetricsPort:       "8080",
	}
}

// LoadFromEnv overlays environment variables, accepting either
// KUBERNETES_NAMESPACE or KUEUE_NAMESPACE for the namespace setting.
func (c *DispatcherConfig) LoadFromEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.GitHubToken = v
	}
	if v := os.Getenv("KUBERNETES_NAMESPACE"); v != "" {
		c.Namespace = v
	} else if v := os.Getenv("KUEUE_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollInterval = n
		}
	}
	if v := os.Getenv("WORKER_IMAGE"); v != "" {
		c.WorkerImage = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		c.MetricsPort = v
	}
}

// Validate enforces the External Interfaces contract.
func (c *DispatcherConfig) Validate() error {
	if c.DatabaseURL == "" {
		return errors.NewValidationError("DATABASE_URL is required")
	}
	if c.GitHubToken == "" {
		return errors.NewValidationError("GITHUB_TOKEN is required")
	}
	if c.MaxConcurrentJobs <= 0 {
		return errors.NewValidationError("max concurrent jobs must be greater than 0")
	}
	if c.PollInterval <= 0 {
		return errors.NewValidationError("poll interval must be greater than 0")
	}
	return nil
}
