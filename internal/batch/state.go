package batch

// State is the lifecycle state of an analysis session.
type State int

const (
	StateIdle State = iota
	StateProfilePhase
	StatePairPhase
	StatePaused
	StateCompleted
	StateCancelled
	StateFailed
)

// String returns the label used in logs, metrics and archived runs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProfilePhase:
		return "profiles"
	case StatePairPhase:
		return "pairs"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session has finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// MarshalText lets the state appear as its label in JSON documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
