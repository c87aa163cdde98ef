package database

import (
	"embed"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/aarondewes/ghscanner/internal/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies all pending goose migrations embedded under
// internal/database/migrations against db.
func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "failed to set migration dialect")
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "failed to apply migrations")
	}
	return nil
}
