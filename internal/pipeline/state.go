package pipeline

import "fmt"

// State is the lifecycle position of the job owned by a Service.
type State string

const (
	StateIdle        State = "idle"
	StateExtracting  State = "extracting"
	StateSplitting   State = "splitting"
	StateTranslating State = "translating"
	StateMerging     State = "merging"
	StateCompleted   State = "completed"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

// Active reports whether s is a working stage.
func (s State) Active() bool {
	switch s {
	case StateExtracting, StateSplitting, StateTranslating, StateMerging:
		return true
	default:
		return false
	}
}

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// isValidTransition enforces the job state machine edges. Stages advance
// linearly; Failed is reachable from every active stage and Cancelled from
// every stage except Merging.
func isValidTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateExtracting
	case StateExtracting:
		return to == StateSplitting || to == StateFailed || to == StateCancelled
	case StateSplitting:
		return to == StateTranslating || to == StateFailed || to == StateCancelled
	case StateTranslating:
		return to == StateMerging || to == StateFailed || to == StateCancelled
	case StateMerging:
		return to == StateCompleted || to == StateFailed
	case StateCompleted, StateFailed, StateCancelled:
		return to == StateIdle
	default:
		return false
	}
}

type transitionError struct {
	from, to State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.from, e.to)
}
