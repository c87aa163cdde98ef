// Package queuestore implements the transactional Queue Store operations
// of spec §4.A against Postgres via jmoiron/sqlx, following the teacher's
// repository-style wrapping of *sqlx.DB.
package queuestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aarondewes/ghscanner/internal/errors"
	"github.com/aarondewes/ghscanner/internal/scanmodel"
)

// Store wraps a *sqlx.DB with the queue store's transactional operations.
type Store struct {
	db *sqlx.DB
}

// New wraps db in a Store.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// UpsertRepository inserts or, on (owner, name) conflict, replaces the
// repository's url, returning its stable id.
func (s *Store) UpsertRepository(ctx context.Context, url, owner, name string, hasActions bool) (int64, error) {
	const query = `
		INSERT INTO repositories (owner, name, url, has_actions)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, name) DO UPDATE SET url = EXCLUDED.url
		RETURNING id`

	var id int64
	if err := s.db.GetContext(ctx, &id, query, owner, name, url, hasActions); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to upsert repository")
	}
	return id, nil
}

// RepositoryLastScannedAt returns the repository's last_scanned_at, or nil
// if it has never been scanned.
func (s *Store) RepositoryLastScannedAt(ctx context.Context, repositoryID int64) (*time.Time, error) {
	var lastScannedAt sql.NullTime
	err := s.db.GetContext(ctx, &lastScannedAt, `SELECT last_scanned_at FROM repositories WHERE id = $1`, repositoryID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to read repository last_scanned_at")
	}
	if !lastScannedAt.Valid {
		return nil, nil
	}
	return &lastScannedAt.Time, nil
}

// SetRepositoryScanStatus updates a repository's scan_status and, for
// "scanning", stamps last_scanned_at; for terminal statuses it also clears
// or sets last_error.
func (s *Store) SetRepositoryScanStatus(ctx context.Context, repositoryID int64, status string, scanError *string) error {
	const query = `
		UPDATE repositories
		SET scan_status = $2,
		    last_error = $3,
		    last_scanned_at = CASE WHEN $2 = 'scanning' THEN now() ELSE last_scanned_at END,
		    first_scanned_at = COALESCE(first_scanned_at, CASE WHEN $2 = 'scanning' THEN now() END)
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, repositoryID, status, scanError); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "failed to update repository scan status")
	}
	return nil
}

// ErrAlreadyQueued signals enqueue's invariant-2 failure: a queued or
// processing entry already exists for the repository.
var ErrAlreadyQueued = errors.NewInvariantError("repository already has an active queue entry")

// Enqueue inserts a new queued entry for repositoryID, failing with
// ErrAlreadyQueued iff one is already {queued, processing}. Runs inside a
// serializable transaction so the partial unique index's check-then-act is
// race-free under invariant 2.
func (s *Store) Enqueue(ctx context.Context, repositoryID int64, priority int) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to begin enqueue transaction")
	}
	defer tx.Rollback()

	var existing int64
	err = tx.GetContext(ctx, &existing, `
		SELECT id FROM scan_queue
		WHERE repository_id = $1 AND status IN ('queued', 'processing')
		LIMIT 1`, repositoryID)
	switch {
	case err == nil:
		return 0, ErrAlreadyQueued
	case err != sql.ErrNoRows:
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to check existing queue entry")
	}

	var queueID int64
	err = tx.GetContext(ctx, &queueID, `
		INSERT INTO scan_queue (repository_id, priority, status)
		VALUES ($1, $2, 'queued')
		RETURNING id`, repositoryID, priority)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to insert queue entry")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to commit enqueue transaction")
	}
	return queueID, nil
}

// ClaimQueued selects up to limit queued entries ordered priority DESC,
// queued_at ASC without mutating them; the claim completes with
// MarkProcessing.
func (s *Store) ClaimQueued(ctx context.Context, limit int) ([]scanmodel.ClaimedEntry, error) {
	const query = `
		SELECT q.id AS queue_id, q.repository_id, r.url, r.owner, r.name, q.priority
		FROM scan_queue q
		JOIN repositories r ON r.id = q.repository_id
		WHERE q.status = 'queued'
		ORDER BY q.priority DESC, q.queued_at ASC
		LIMIT $1`

	var rows []struct {
		QueueID      int64  `db:"queue_id"`
		RepositoryID int64  `db:"repository_id"`
		URL          string `db:"url"`
		Owner        string `db:"owner"`
		Name         string `db:"name"`
		Priority     int    `db:"priority"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to claim queued entries")
	}

	entries := make([]scanmodel.ClaimedEntry, len(rows))
	for i, r := range rows {
		entries[i] = scanmodel.ClaimedEntry{
			QueueID:      r.QueueID,
			RepositoryID: r.RepositoryID,
			URL:          r.URL,
			Owner:        r.Owner,
			Name:         r.Name,
			Priority:     r.Priority,
		}
	}
	return entries, nil
}

// MarkProcessing transitions queued -> processing, stamping started_at and
// job_identity. It is a no-op if the entry is already processing under the
// same job_identity, and fails for any other current status.
func (s *Store) MarkProcessing(ctx context.Context, queueID int64, jobIdentity string) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "failed to begin mark-processing transaction")
	}
	defer tx.Rollback()

	var status string
	var currentJobIdentity sql.NullString
	err = tx.QueryRowxContext(ctx, `
		SELECT status, job_identity FROM scan_queue WHERE id = $1 FOR UPDATE`, queueID).
		Scan(&status, &currentJobIdentity)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("queue entry not found")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "failed to read queue entry")
	}

	if status == scanmodel.QueueStatusProcessing {
		if currentJobIdentity.String == jobIdentity {
			return nil
		}
		return errors.NewInvariantError("queue entry already processing under a different job identity")
	}
	if status != scanmodel.QueueStatusQueued {
		return errors.NewInvariantError("queue entry is not in a claimable status")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE scan_queue
		SET status = 'processing', started_at = now(), job_identity = $2
		WHERE id = $1`, queueID, jobIdentity)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "failed to mark queue entry processing")
	}

	return tx.Commit()
}

// MarkTerminal transitions an entry to completed or failed, stamping
// completed_at and the error message.
func (s *Store) MarkTerminal(ctx context.Context, queueID int64, status string, errMsg *string) error {
	const query = `
		UPDATE scan_queue
		SET status = $2, completed_at = now(), error_message = $3
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, queueID, status, errMsg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "failed to mark queue entry terminal")
	}
	return nil
}

// FindQueueEntryForRepository locates the queue entry a Scan Job should
// self-attach to: prefer processing, else queued, ordered priority DESC,
// queued_at ASC, taking the first match.
func (s *Store) FindQueueEntryForRepository(ctx context.Context, repositoryID int64) (*scanmodel.QueueEntry, error) {
	const query = `
		SELECT id, repository_id, priority, status, attempts, max_attempts,
		       error_message, job_identity, queued_at, started_at, completed_at
		FROM scan_queue
		WHERE repository_id = $1 AND status IN ('processing', 'queued')
		ORDER BY (status = 'processing') DESC, priority DESC, queued_at ASC
		LIMIT 1`

	var row queueEntryRow
	err := s.db.GetContext(ctx, &row, query, repositoryID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to locate queue entry")
	}
	entry := row.toModel()
	return &entry, nil
}

type queueEntryRow struct {
	ID           int64          `db:"id"`
	RepositoryID int64          `db:"repository_id"`
	Priority     int            `db:"priority"`
	Status       string         `db:"status"`
	Attempts     int            `db:"attempts"`
	MaxAttempts  int            `db:"max_attempts"`
	ErrorMessage sql.NullString `db:"error_message"`
	JobIdentity  sql.NullString `db:"job_identity"`
	QueuedAt     time.Time      `db:"queued_at"`
	StartedAt    sql.NullTime   `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

func (r queueEntryRow) toModel() scanmodel.QueueEntry {
	entry := scanmodel.QueueEntry{
		ID:           r.ID,
		RepositoryID: r.RepositoryID,
		Priority:     r.Priority,
		Status:       r.Status,
		Attempts:     r.Attempts,
		MaxAttempts:  r.MaxAttempts,
		QueuedAt:     r.QueuedAt,
	}
	if r.ErrorMessage.Valid {
		entry.ErrorMessage = &r.ErrorMessage.String
	}
	if r.JobIdentity.Valid {
		entry.JobIdentity = &r.JobIdentity.String
	}
	if r.StartedAt.Valid {
		entry.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		entry.CompletedAt = &r.CompletedAt.Time
	}
	return entry
}
