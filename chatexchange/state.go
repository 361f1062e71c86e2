package chatexchange

// RoomState is the lifecycle state of a joined room.
type RoomState int

const (
	// StateJoining covers fetching the token and roster and opening the socket.
	StateJoining RoomState = iota

	// StateActive means the socket is open and scheduled tasks are running.
	StateActive

	// StateLeft is terminal. Leave and Close move any state here.
	StateLeft
)

// String returns the string representation of a RoomState.
func (s RoomState) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}
