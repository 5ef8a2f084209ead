package watcher

// State is the lifecycle stage of a Watcher.
//
//	Idle -> Connecting -> Subscribed -> Consuming -> Faulted -> Connecting
//	                                               \-> Stopped
//
// Faulted always leads back to Connecting while the retry budget lasts.
// Stopped is terminal.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateConsuming
	StateFaulted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateConsuming:
		return "consuming"
	case StateFaulted:
		return "faulted"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
