package bridge

// State describes where the bridge is in its lifecycle. Transitions:
//
//	Disconnected -> Connecting -> Subscribed -> Running -> ShuttingDown -> Stopped
//
// A broker-side disconnect moves Running back to Connecting; the
// subscription is reestablished on reconnect.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
