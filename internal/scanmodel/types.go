package scanmodel

import "time"

// Repository mirrors the Repository entity: identity (owner, name) unique,
// scan lifecycle tracked via ScanStatus.
type Repository struct {
	ID             int64
	URL            string
	Owner          string
	Name           string
	HasActions     bool
	ScanStatus     string
	LastError      *string
	FirstScannedAt *time.Time
	LastScannedAt  *time.Time
}

const (
	ScanStatusNever     = "never"
	ScanStatusScanning  = "scanning"
	ScanStatusCompleted = "completed"
	ScanStatusFailed    = "failed"
)

// Branch mirrors the Branch entity, created lazily on first finding.
type Branch struct {
	ID            int64
	RepositoryID  int64
	Name          string
	LastScannedAt *time.Time
}

// QueueEntry mirrors the QueueEntry entity and its state machine:
// queued -> processing -> {completed, failed}.
type QueueEntry struct {
	ID           int64
	RepositoryID int64
	Priority     int
	Status       string
	Attempts     int
	MaxAttempts  int
	ErrorMessage *string
	JobIdentity  *string
	QueuedAt     time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

const (
	QueueStatusQueued     = "queued"
	QueueStatusProcessing = "processing"
	QueueStatusCompleted  = "completed"
	QueueStatusFailed     = "failed"
)

// ClaimedEntry is the projection claim_queued returns: a queue entry joined
// with just enough repository identity to materialize a cluster job.
type ClaimedEntry struct {
	QueueID      int64
	RepositoryID int64
	URL          string
	Owner        string
	Name         string
	Priority     int
}

// Finding mirrors the Finding entity.
type Finding struct {
	ID             int64
	RepositoryID   int64
	BranchID       *int64
	FilePath       string
	FileHash       string
	Kind           string
	Severity       string
	Title          string
	Description    string
	LineNumber     *int
	CodeSnippet    string
	Recommendation string
	CWE            *string
	CVSS           *float64
	Status         string
	ManualAnalysis *string
	AnalyzedBy     *string
	AnalyzedAt     *time.Time
	DetectedAt     time.Time
}

const (
	FindingStatusOpen          = "open"
	FindingStatusConfirmed     = "confirmed"
	FindingStatusIgnored       = "ignored"
	FindingStatusFalsePositive = "false_positive"
)

const maxTitleLength = 512

// DeriveTitle truncates an analyzer message to the Finding.title limit.
func DeriveTitle(message string) string {
	if len(message) > maxTitleLength {
		return message[:maxTitleLength]
	}
	return message
}

// SafeFile mirrors the SafeFile entity. A nil FileHash matches any content
// at FilePath; a non-nil FileHash matches only that content.
type SafeFile struct {
	ID       int64
	FilePath string
	FileHash *string
	Reason   *string
	MarkedBy *string
	MarkedAt time.Time
}

// RateLimitSample mirrors the append-only RateLimitSample entity.
type RateLimitSample struct {
	APIType   string
	Limit     int
	Remaining int
	ResetAt   time.Time
	SampledAt time.Time
}

const (
	APITypeCore   = "core"
	APITypeSearch = "search"
)

// ScanHistoryEntry mirrors the per-attempt ScanHistoryEntry entity.
type ScanHistoryEntry struct {
	RepositoryID         int64
	QueueEntryID         int64
	Status               string
	VulnerabilitiesFound int
	DurationSeconds      int
	Error                *string
	StartedAt            time.Time
	CompletedAt          time.Time
}

// RawFinding is the "duck typed" payload an external analyzer reports: a
// tagged record with optional fields. Unknown Kind values are never a
// reason to fail ingest.
type RawFinding struct {
	Message    string
	FilePath   string
	Line       *int
	Column     *int
	Kind       string
	Snippet    string
	EndColumn  *int
}
