// Package database wires the Postgres connection pool shared by the
// Discovery Scheduler, Dispatch Worker and Scan Job binaries.
package database

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/aarondewes/ghscanner/internal/errors"
)

// Config holds Postgres connection settings.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns the queue store's default connection settings.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "scanner",
		Database:        "github_scanner",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// LoadFromEnv overlays DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME/DB_SSL_MODE,
// silently keeping defaults for unset or unparseable values.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.SSLMode = v
	}
}

// Validate enforces the shape of a connectable Config.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.NewValidationError("database host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.NewValidationError("database port must be between 1 and 65535")
	}
	if c.User == "" {
		return errors.NewValidationError("database user is required")
	}
	if c.Database == "" {
		return errors.NewValidationError("database name is required")
	}
	if c.MaxOpenConns <= 0 {
		return errors.NewValidationError("max open connections must be greater than 0")
	}
	if c.MaxIdleConns < 0 {
		return errors.NewValidationError("max idle connections must be non-negative")
	}
	return nil
}

// ConnectionString renders a libpq-style key/value DSN, omitting the
// password entirely when unset so default configs don't log "password=".
func (c *Config) ConnectionString() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode)
	if c.Password != "" {
		dsn += fmt.Sprintf(" password=%s", c.Password)
	}
	return dsn
}

// ConnectURL opens a pgx/v5 stdlib pool through sqlx against a single
// libpq/URL-style DSN (the DATABASE_URL each binary's environment-variable
// configuration supplies), applying the same default pool sizing Connect
// does for a Config.
func ConnectURL(databaseURL string, logger *logrus.Logger) (*sqlx.DB, error) {
	if databaseURL == "" {
		return nil, errors.NewValidationError("database url is required")
	}

	db, err := sqlx.Connect("pgx", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to open database connection")
	}

	defaults := DefaultConfig()
	db.SetMaxOpenConns(defaults.MaxOpenConns)
	db.SetMaxIdleConns(defaults.MaxIdleConns)
	db.SetConnMaxLifetime(defaults.ConnMaxLifetime)
	db.SetConnMaxIdleTime(defaults.ConnMaxIdleTime)

	logger.Info("connected to database")
	return db, nil
}

// Connect validates config, opens a pgx/v5 stdlib pool through sqlx and
// applies the pool-sizing settings. It does not ping; callers decide
// whether to verify connectivity eagerly.
func Connect(config *Config, logger *logrus.Logger) (*sqlx.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid database configuration")
	}

	db, err := sqlx.Connect("pgx", config.ConnectionString())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to open database connection")
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	logger.WithFields(logrus.Fields{
		"host":     config.Host,
		"database": config.Database,
	}).Info("connected to database")

	return db, nil
}
