package workflow

// Status is the workflow lifecycle state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusAwaitingReview Status = "awaiting_review"
	StatusResuming       Status = "resuming"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further transitions are valid from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the closed transition table. Running→Running covers node
// boundaries within the pipeline. Resuming routes by review decision:
// approve continues Running, reject lands Completed with no downstream
// publish, needs_investigation lands Cancelled.
var transitions = map[Status][]Status{
	StatusPending:        {StatusRunning, StatusCancelled},
	StatusRunning:        {StatusRunning, StatusAwaitingReview, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingReview: {StatusResuming, StatusCancelled},
	StatusResuming:       {StatusRunning, StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from→to is a valid state machine edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether the sequence of statuses is a prefix of a valid
// path through the state machine, starting at Pending.
func ValidPath(path []Status) bool {
	if len(path) == 0 {
		return true
	}
	if path[0] != StatusPending {
		return false
	}
	for i := 1; i < len(path); i++ {
		if !CanTransition(path[i-1], path[i]) {
			return false
		}
	}
	return true
}
