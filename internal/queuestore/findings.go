package queuestore

import (
	"context"
	"database/sql"

	"github.com/aarondewes/ghscanner/internal/errors"
	"github.com/aarondewes/ghscanner/internal/scanmodel"
)

// UpsertSafeFile inserts or, on (file_path, file_hash) conflict, replaces
// reason/marker and refreshes marked_at.
func (s *Store) UpsertSafeFile(ctx context.Context, filePath string, fileHash *string, reason, markedBy string) (int64, error) {
	const query = `
		INSERT INTO safe_files (file_path, file_hash, reason, marked_by, marked_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (file_path, COALESCE(file_hash, ''))
		DO UPDATE SET reason = EXCLUDED.reason, marked_by = EXCLUDED.marked_by, marked_at = now()
		RETURNING id`

	var id int64
	if err := s.db.GetContext(ctx, &id, query, filePath, fileHash, reason, markedBy); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to upsert safe file")
	}
	return id, nil
}

// ListSafeFiles returns every SafeFile row.
func (s *Store) ListSafeFiles(ctx context.Context) ([]scanmodel.SafeFile, error) {
	const query = `SELECT id, file_path, file_hash, reason, marked_by, marked_at FROM safe_files`

	var rows []safeFileRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to list safe files")
	}

	files := make([]scanmodel.SafeFile, len(rows))
	for i, r := range rows {
		files[i] = r.toModel()
	}
	return files, nil
}

// DeleteSafeFile removes a safe-file entry by id.
func (s *Store) DeleteSafeFile(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM safe_files WHERE id = $1`, id); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "failed to delete safe file")
	}
	return nil
}

// IsFileSafe reports whether any SafeFile row matches path AND (hash IS
// NULL OR hash = provided).
func (s *Store) IsFileSafe(ctx context.Context, filePath, fileHash string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM safe_files
			WHERE file_path = $1 AND (file_hash IS NULL OR file_hash = $2)
		)`

	var safe bool
	if err := s.db.GetContext(ctx, &safe, query, filePath, fileHash); err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to check safe file")
	}
	return safe, nil
}

// BulkIgnoreByFile flips every open finding matching (path, hash) to
// ignored, stamping manual_analysis, analyzed_by and analyzed_at.
func (s *Store) BulkIgnoreByFile(ctx context.Context, filePath string, fileHash *string, marker string) (int64, error) {
	const query = `
		UPDATE findings
		SET status = 'ignored',
		    manual_analysis = COALESCE(manual_analysis || E'\n', '') || 'marked safe by ' || $3,
		    analyzed_by = $3,
		    analyzed_at = now()
		WHERE status = 'open' AND file_path = $1 AND ($2::text IS NULL OR file_hash IS NULL OR file_hash = $2)`

	result, err := s.db.ExecContext(ctx, query, filePath, fileHash, marker)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to bulk-ignore findings")
	}
	return result.RowsAffected()
}

// UpsertBranch inserts or, on (repository_id, name) conflict, refreshes
// last_scanned_at, returning the branch id.
func (s *Store) UpsertBranch(ctx context.Context, repositoryID int64, name string) (int64, error) {
	const query = `
		INSERT INTO branches (repository_id, name, last_scanned_at)
		VALUES ($1, $2, now())
		ON CONFLICT (repository_id, name) DO UPDATE SET last_scanned_at = now()
		RETURNING id`

	var id int64
	if err := s.db.GetContext(ctx, &id, query, repositoryID, name); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to upsert branch")
	}
	return id, nil
}

// InsertFinding inserts a new finding; callers must have already consulted
// IsFileSafe.
func (s *Store) InsertFinding(ctx context.Context, f scanmodel.Finding) (int64, error) {
	const query = `
		INSERT INTO findings (
			repository_id, branch_id, file_path, file_hash, kind, severity, title,
			description, line_number, code_snippet, recommendation, cwe, cvss, status
		) VALUES (
			:repository_id, :branch_id, :file_path, :file_hash, :kind, :severity, :title,
			:description, :line_number, :code_snippet, :recommendation, :cwe, :cvss, :status
		) RETURNING id`

	params := map[string]interface{}{
		"repository_id":  f.RepositoryID,
		"branch_id":      f.BranchID,
		"file_path":      f.FilePath,
		"file_hash":      nullableString(f.FileHash),
		"kind":           f.Kind,
		"severity":       f.Severity,
		"title":          f.Title,
		"description":    f.Description,
		"line_number":    f.LineNumber,
		"code_snippet":   f.CodeSnippet,
		"recommendation": f.Recommendation,
		"cwe":            f.CWE,
		"cvss":           f.CVSS,
		"status":         scanmodel.FindingStatusOpen,
	}

	stmt, err := s.db.PrepareNamedContext(ctx, query)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to prepare insert-finding statement")
	}
	defer stmt.Close()

	var id int64
	if err := stmt.GetContext(ctx, &id, params); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "failed to insert finding")
	}
	return id, nil
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// AppendRateLimitSample records a rate-limit observation for api_type.
func (s *Store) AppendRateLimitSample(ctx context.Context, sample scanmodel.RateLimitSample) error {
	const query = `
		INSERT INTO rate_limit_samples (api_type, limit_value, remaining, reset_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.ExecContext(ctx, query, sample.APIType, sample.Limit, sample.Remaining, sample.ResetAt); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "failed to append rate limit sample")
	}
	return nil
}

// RecordScanHistory appends a terminal-attempt history entry.
func (s *Store) RecordScanHistory(ctx context.Context, entry scanmodel.ScanHistoryEntry) error {
	const query = `
		INSERT INTO scan_history (
			repository_id, queue_id, status, vulnerabilities_found, duration_seconds,
			error, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		entry.RepositoryID, entry.QueueEntryID, entry.Status, entry.VulnerabilitiesFound,
		entry.DurationSeconds, entry.Error, entry.StartedAt, entry.CompletedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "failed to record scan history")
	}
	return nil
}

type safeFileRow struct {
	ID       int64          `db:"id"`
	FilePath string         `db:"file_path"`
	FileHash sql.NullString `db:"file_hash"`
	Reason   sql.NullString `db:"reason"`
	MarkedBy sql.NullString `db:"marked_by"`
	MarkedAt sql.NullTime   `db:"marked_at"`
}

func (r safeFileRow) toModel() scanmodel.SafeFile {
	sf := scanmodel.SafeFile{ID: r.ID, FilePath: r.FilePath}
	if r.FileHash.Valid {
		sf.FileHash = &r.FileHash.String
	}
	if r.Reason.Valid {
		sf.Reason = &r.Reason.String
	}
	if r.MarkedBy.Valid {
		sf.MarkedBy = &r.MarkedBy.String
	}
	if r.MarkedAt.Valid {
		sf.MarkedAt = r.MarkedAt.Time
	}
	return sf
}
