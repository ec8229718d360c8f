package worker

// State is the lifecycle state of one worker process.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateShuttingDown
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Running reports whether a process may be alive and accepting commands.
func (s State) Running() bool {
	return s == StateStarting || s == StateReady
}

// Terminal reports whether the supervisor is done with its process.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}
