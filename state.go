package call

type State int

const (
	StateIdle State = iota
	// StateIncomingRingPending: the peer's offer is in the store but has not
	// been accepted.
	StateIncomingRingPending
	// StateNegotiating: local media and connection exist; offer or answer in flight.
	StateNegotiating
	// StateConnected: remote description applied and remote media expected.
	StateConnected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIncomingRingPending:
		return "incoming-ring-pending"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Role decides which candidate sub-collection a party writes to.
type Role string

const (
	RoleNone   Role = ""
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Peer returns the role on the other end of the call.
func (r Role) Peer() Role {
	switch r {
	case RoleCaller:
		return RoleCallee
	case RoleCallee:
		return RoleCaller
	default:
		return RoleNone
	}
}
