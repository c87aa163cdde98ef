package scanmodel

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	invalidJobNameChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedDashes       = regexp.MustCompile(`-+`)
)

const maxJobNameLength = 63

// DeriveJobName builds the deterministic Kubernetes Job name associating a
// queue entry with its batch job: "scan-{owner}-{name}-{queueID}",
// lowercased, with runs of non [a-z0-9-] characters collapsed to a single
// dash, truncated to 63 characters, and trimmed of leading/trailing dashes.
// Determinism here is what makes dispatcher re-submission idempotent: the
// same (owner, name, queueID) always yields the same name.
func DeriveJobName(owner, name string, queueID int64) string {
	raw := strings.ToLower(fmt.Sprintf("scan-%s-%s-%d", owner, name, queueID))
	raw = invalidJobNameChars.ReplaceAllString(raw, "-")
	raw = repeatedDashes.ReplaceAllString(raw, "-")
	if len(raw) > maxJobNameLength {
		raw = raw[:maxJobNameLength]
	}
	return strings.Trim(raw, "-")
}
