package worker

// State is the worker loop's current phase.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateHandling
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateHandling:
		return "handling"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
