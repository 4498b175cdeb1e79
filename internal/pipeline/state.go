package pipeline

import "fmt"

// State is a phase of one pipeline run.
type State int

const (
	Uncalibrated State = iota
	Calibrating
	SteadyState
	Terminated
)

func (s State) String() string {
	switch s {
	case Uncalibrated:
		return "uncalibrated"
	case Calibrating:
		return "calibrating"
	case SteadyState:
		return "steady_state"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}
