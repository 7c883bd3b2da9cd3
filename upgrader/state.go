package upgrader

// State is a step of the upgrade pipeline.
type State uint8

const (
	// StateRaw is an unauthenticated connection straight from the transport.
	StateRaw State = iota
	// StateEncrypting covers security negotiation and the handshake.
	StateEncrypting
	// StateEncrypted means the handshake finished and traffic is encrypted.
	StateEncrypted
	// StateMuxing covers muxer selection and session setup.
	StateMuxing
	// StateUpgraded is the terminal success state.
	StateUpgraded
	// StateFailed is the terminal failure state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRaw:
		return "raw"
	case StateEncrypting:
		return "encrypting"
	case StateEncrypted:
		return "encrypted"
	case StateMuxing:
		return "muxing"
	case StateUpgraded:
		return "upgraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateUpgraded || s == StateFailed
}

// Direction is the side of the connection we are on.
type Direction uint8

const (
	// DirInbound is a connection accepted from a remote dialer.
	DirInbound Direction = iota
	// DirOutbound is a connection we dialed.
	DirOutbound
)

func (d Direction) String() string {
	if d == DirOutbound {
		return "outbound"
	}
	return "inbound"
}

// StateObserver is notified of every state transition of an upgrade. It is
// called synchronously on the upgrading goroutine and must not block.
type StateObserver func(connID string, dir Direction, from, to State)
