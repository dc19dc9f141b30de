package spawner

import "fmt"

// Phase is where a session is in its lifecycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
)

// String returns the string representation of a Phase.
func (p Phase) String() string {
	return string(p)
}

// Active reports whether the session holds, or is acquiring, remote resources.
func (p Phase) Active() bool {
	return p == PhaseStarting || p == PhaseRunning || p == PhaseStopping
}

// transitions lists the phases reachable from each phase. Stopped is final;
// a new start creates a new Session.
var transitions = map[Phase][]Phase{
	PhaseIdle:     {PhaseStarting, PhaseRunning, PhaseStopping, PhaseStopped},
	PhaseStarting: {PhaseRunning, PhaseStopping, PhaseStopped},
	PhaseRunning:  {PhaseStopping, PhaseStopped},
	PhaseStopping: {PhaseStopped},
	PhaseStopped:  nil,
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when an operation would move a session along an
// edge the table does not allow.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition %s -> %s", e.From, e.To)
}
