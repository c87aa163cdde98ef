package scanmodel

import "strings"

// CleanFilePath normalizes a finding's file path to begin at the workflow
// root. Input paths look like "octoscan-output/owner/repo/branch/.github/
// workflows/ci.yml"; the output keeps only ".github/workflows/ci.yml". If
// no ".github" path component is present the original path is returned
// unchanged.
func CleanFilePath(filePath string) string {
	parts := strings.Split(filePath, "/")
	for i, part := range parts {
		if part == ".github" {
			return strings.Join(parts[i:], "/")
		}
	}
	return filePath
}

// ExtractBranchFromPath recovers the branch name from the same staging
// layout CleanFilePath consumes: the path component immediately preceding
// ".github". Falls back to "main" when ".github" is absent, or is the
// first component (no preceding branch segment).
func ExtractBranchFromPath(filePath string) string {
	parts := strings.Split(filePath, "/")
	for i, part := range parts {
		if part == ".github" && i > 0 {
			return parts[i-1]
		}
	}
	return "main"
}
