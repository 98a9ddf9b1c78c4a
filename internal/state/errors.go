package state

import "errors"

var (
	// ErrNotFound is returned by lookups for unknown sessions.
	ErrNotFound = errors.New("session not found")

	// ErrSuperseded rejects an asset re-upload for a (session, camera) pair
	// whose active asset has already been consumed by a scheduled job.
	ErrSuperseded = errors.New("asset already consumed by a scheduled job")

	// ErrStateRegression rejects a session update that would move the state
	// machine backward.
	ErrStateRegression = errors.New("session state cannot move backward")
)

// stateRank orders session states for the monotonic-forward check. COMPLETE
// and FAILED share a rank: both are terminal, and FAILED may reopen to
// PROCESSING via allowedTransition.
func stateRank(s string) int {
	switch s {
	case SessionOpen:
		return 1
	case SessionReady:
		return 2
	case SessionProcessing:
		return 3
	case SessionComplete, SessionFailed:
		return 4
	default:
		return 0
	}
}

func allowedTransition(from, to string) bool {
	if from == to {
		return true
	}
	if from == SessionFailed && to == SessionProcessing {
		return true
	}
	if from == SessionComplete {
		return false
	}
	if to == SessionOpen {
		return false
	}
	return stateRank(to) > stateRank(from)
}
