package scanmodel

import "time"

// RateLimitBuffer is the reserve of core-API requests never spent on scan
// jobs, kept so the scheduler and the control-plane loops themselves always
// have budget left.
const RateLimitBuffer = 500

// DefaultRequestsPerJob is the estimated number of GitHub API calls a single
// scan job consumes, used by CalculateSafeJobs.
const DefaultRequestsPerJob = 50

// CalculateSafeJobs returns how many new scan jobs can safely start given
// the remaining core-API budget: max(0, (remaining - buffer) / requestsPerJob).
func CalculateSafeJobs(remaining int, requestsPerJob int) int {
	if requestsPerJob <= 0 {
		requestsPerJob = DefaultRequestsPerJob
	}
	available := remaining - RateLimitBuffer
	if available < 0 {
		available = 0
	}
	return available / requestsPerJob
}

// WaitDecision is the outcome of WaitIfNeeded: either proceed immediately,
// proceed after sleeping Sleep, or skip the cycle entirely.
type WaitDecision struct {
	Proceed bool
	Sleep   time.Duration
}

// maxWaitBeforeSkip bounds how long a caller will sleep in place; beyond
// this the caller should skip the cycle instead of blocking.
const maxWaitBeforeSkip = 900 * time.Second

// WaitIfNeeded decides whether to sleep or skip given the current
// remaining budget and time until reset. If remaining is already at or
// above minRemaining, it proceeds without sleeping. If remaining is low and
// the reset is near (<= 900s), it proceeds after sleeping until reset+5s.
// If the reset is further out, it skips the cycle rather than blocking.
func WaitIfNeeded(remaining, minRemaining int, resetIn time.Duration) WaitDecision {
	if remaining >= minRemaining {
		return WaitDecision{Proceed: true}
	}
	if resetIn <= 0 {
		return WaitDecision{Proceed: true}
	}
	if resetIn <= maxWaitBeforeSkip {
		return WaitDecision{Proceed: true, Sleep: resetIn + 5*time.Second}
	}
	return WaitDecision{Proceed: false}
}
