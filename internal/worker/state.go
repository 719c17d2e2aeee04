package worker

// State is a step of the worker state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StatePolling
	StateProcessing
	StateSending
	StateBackoff
	StateStopping
	StateTerminated
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateConnecting: "connecting",
	StatePolling:    "polling",
	StateProcessing: "processing",
	StateSending:    "sending",
	StateBackoff:    "backoff",
	StateStopping:   "stopping",
	StateTerminated: "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
