package domain

// JobState is a step of the remote job lifecycle
type JobState string

// Job state constants
const (
	JobStateReceived  JobState = "RECEIVED"
	JobStateEstimated JobState = "ESTIMATED"
	JobStateQueued    JobState = "QUEUED"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
)

// Hold status constants
const (
	HoldStatusHeld      = "HELD"
	HoldStatusCommitted = "COMMITTED"
	HoldStatusReleased  = "RELEASED"
)

// Bundle status constants
const (
	BundleStatusAvailable = "AVAILABLE"
	BundleStatusExpired   = "EXPIRED"
)

// transitions lists the allowed next states for every state.
var transitions = map[JobState][]JobState{
	JobStateReceived:  {JobStateEstimated, JobStateCancelled},
	JobStateEstimated: {JobStateQueued, JobStateCancelled},
	JobStateQueued:    {JobStateRunning, JobStateFailed, JobStateCancelled},
	JobStateRunning:   {JobStateSucceeded, JobStateFailed, JobStateCancelled},
}

// IsTerminal reports whether no further transition can leave s
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state
func (s JobState) Valid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
