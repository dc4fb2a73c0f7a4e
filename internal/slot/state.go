package slot

// State is the lifecycle state of one physical connection.
//
// The legal transitions are:
//
//	Disconnected -> Connecting            explicit connect request
//	Connecting   -> AwaitingAuth          driver emitted a pairing artifact
//	Connecting   -> Connected             driver authenticated without pairing
//	AwaitingAuth -> Connected             driver reported successful auth
//	Connecting/AwaitingAuth -> Disconnected  timeout or all drivers exhausted
//	Connected    -> Degraded              repeated send failures in window
//	Connected/Degraded -> Disconnected    driver close or operator disconnect
//
// Any state can reach Disconnected via operator disconnect.
type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingAuth
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingAuth:
		return "awaiting_auth"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	default:
		return "invalid"
	}
}

// Eligible reports whether a slot in this state may carry outbound traffic.
func (s State) Eligible() bool { return s == Connected }
