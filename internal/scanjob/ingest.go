package scanjob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/aarondewes/ghscanner/internal/scanmodel"
	"github.com/aarondewes/ghscanner/pkg/metrics"
)

const hashBlockSize = 4096

// ingest runs spec §4.F step 8 over every raw finding the analyzer
// reported, filtering safe-listed files and persisting the rest. A single
// finding that fails to persist is logged and skipped; it never aborts
// the remaining findings or the scan as a whole. It returns the number of
// findings actually inserted.
func (j *Job) ingest(ctx context.Context, repositoryID int64, stagingRoot string, raw []scanmodel.RawFinding) (int, error) {
	inserted := 0

	for _, rf := range raw {
		absPath := rf.FilePath
		if !filepath.IsAbs(absPath) {
			absPath = filepath.Join(stagingRoot, rf.FilePath)
		}

		fileHash := hashFile(absPath)
		cleanPath := scanmodel.CleanFilePath(rf.FilePath)

		safe, err := j.store.IsFileSafe(ctx, cleanPath, fileHash)
		if err != nil {
			j.log.WithError(err).WithField("file_path", cleanPath).Warn("failed to check safe-file list, skipping finding")
			continue
		}
		if safe {
			metrics.FindingsSkippedSafeTotal.Inc()
			continue
		}

		branch := scanmodel.ExtractBranchFromPath(rf.FilePath)
		branchID, err := j.store.UpsertBranch(ctx, repositoryID, branch)
		if err != nil {
			j.log.WithError(err).WithField("file_path", cleanPath).Warn("failed to upsert branch, skipping finding")
			continue
		}

		severity := scanmodel.MapSeverity(rf.Kind)
		finding := scanmodel.Finding{
			RepositoryID:   repositoryID,
			BranchID:       &branchID,
			FilePath:       cleanPath,
			FileHash:       fileHash,
			Kind:           rf.Kind,
			Severity:       severity,
			Title:          scanmodel.DeriveTitle(rf.Message),
			Description:    rf.Message,
			LineNumber:     rf.Line,
			CodeSnippet:    rf.Snippet,
			Recommendation: scanmodel.Recommendation(rf.Kind),
		}

		if _, err := j.store.InsertFinding(ctx, finding); err != nil {
			j.log.WithError(err).WithField("file_path", cleanPath).Warn("failed to insert finding, skipping")
			continue
		}
		inserted++
		metrics.FindingsIngestedTotal.WithLabelValues(severity).Inc()
	}

	return inserted, nil
}

// hashFile computes the finding file's SHA-256 in 4 KiB blocks, returning
// an empty hash on any read failure rather than failing ingest.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, hashBlockSize)
	if _, err := io.CopyBuffer(hasher, f, buf); err != nil {
		return ""
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
