package monitor

// State is the lifecycle state of a Manager. Transitions are
// serialized by the manager lock, readers always observe a
// consistent state plus error pair.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateMonitoring
	StateFailed
)

var stateNames = map[State]string{
	StateDisconnected: "DISCONNECTED",
	StateConnecting:   "CONNECTING",
	StateConnected:    "CONNECTED",
	StateMonitoring:   "MONITORING",
	StateFailed:       "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}
