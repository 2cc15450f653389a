package sandbox

// State is a point in a sandbox's construction lifecycle. The master sees
// Created through Ready and Released; the guard logs the phases in between
// and ends in Solitary.
type State int

const (
	StateCreated State = iota
	StateValidated
	StateSpawning
	StatePrivateRoot
	StateProcMount
	StateLoopMount
	StateOverlayMount
	StateUserNamespace
	StateReady
	StateSolitary
	StateReleased
	StateFailed
)

var stateNames = [...]string{
	StateCreated:       "created",
	StateValidated:     "validated",
	StateSpawning:      "spawning",
	StatePrivateRoot:   "private_root",
	StateProcMount:     "proc_mount",
	StateLoopMount:     "loop_mount",
	StateOverlayMount:  "overlay_mount",
	StateUserNamespace: "user_namespace",
	StateReady:         "ready",
	StateSolitary:      "solitary",
	StateReleased:      "released",
	StateFailed:        "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
