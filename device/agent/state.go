package agent

import "fmt"

// State is the lifecycle state of the agent
type State int

// All states. An agent moves forward through them; any state before
// Terminating can move to Terminating.
const (
	Unprovisioned State = iota
	Provisioning
	Provisioned
	Connecting
	Connected
	Running
	Terminating
	Terminated
)

var stateNames = [...]string{
	Unprovisioned: "unprovisioned",
	Provisioning:  "provisioning",
	Provisioned:   "provisioned",
	Connecting:    "connecting",
	Connected:     "connected",
	Running:       "running",
	Terminating:   "terminating",
	Terminated:    "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// canMoveTo returns true if to is a legal successor of s
func (s State) canMoveTo(to State) bool {
	switch {
	case to == Terminating:
		return s < Terminating
	case s == Unprovisioned:
		// settings from an earlier run skip provisioning
		return to == Provisioning || to == Provisioned
	default:
		return to == s+1
	}
}
