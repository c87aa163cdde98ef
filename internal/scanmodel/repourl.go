package scanmodel

import (
	"fmt"
	"regexp"
)

var repoURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`github\.com[:/]([^/]+)/([^/.]+)`),
	regexp.MustCompile(`github\.com/([^/]+)/([^/]+)\.git`),
}

// ParseRepoURL extracts (owner, name) from a repository URL, trying the two
// authoritative patterns in order: "host[:/]owner/name" then
// "host/owner/name.git". Returns an error if neither matches.
func ParseRepoURL(url string) (owner, name string, err error) {
	for _, pattern := range repoURLPatterns {
		if m := pattern.FindStringSubmatch(url); m != nil {
			return m[1], m[2], nil
		}
	}
	return "", "", fmt.Errorf("invalid repository URL: %s", url)
}
