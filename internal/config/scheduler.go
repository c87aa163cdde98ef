// Package config holds the per-binary environment-driven configuration
// structs for the Discovery Scheduler, Dispatch Worker and Scan Job, each
// following the same DefaultConfig/LoadFromEnv/Validate shape.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/aarondewes/ghscanner/internal/errors"
)

// SchedulerConfig holds the Discovery Scheduler's settings.
type SchedulerConfig struct {
	DatabaseURL  string
	GitHubToken  string
	ScanInterval int // seconds
	TopReposCount int
	DebugMode    bool
}

// DefaultSchedulerConfig matches the authoritative defaults of §6.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		ScanInterval:  86400,
		TopReposCount: 10000,
		DebugMode:     false,
	}
}

// LoadFromEnv overlays environment variables onto the config, silently
// keeping defaults for unset or unparseable numeric values.
func (c *SchedulerConfig) LoadFromEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.GitHubToken = v
	}
	if v := os.Getenv("SCAN_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ScanInterval = n
		}
	}
	if v := os.Getenv("TOP_REPOS_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TopReposCount = n
		}
	}
	if v := os.Getenv("DEBUG_MODE"); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			c.DebugMode = true
		}
	}
}

// Validate enforces the External Interfaces contract: DATABASE_URL is
// required except in debug mode.
func (c *SchedulerConfig) Validate() error {
	if !c.DebugMode && c.DatabaseURL == "" {
		return errors.NewValidationError("DATABASE_URL is required unless DEBUG_MODE is set")
	}
	if c.ScanInterval <= 0 {
		return errors.NewValidationError("scan interval must be greater than 0")
	}
	if c.TopReposCount <= 0 {
		return errors.NewValidationError("top repos count must be greater than 0")
	}
	return nil
}
