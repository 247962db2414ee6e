package session

// State is the connection state of a session.
type State int

const (
	// Idle means Start has not been called yet.
	Idle State = iota

	// Connecting means a relay connection is being opened or a reconnect is
	// scheduled.
	Connecting

	// Open means the relay connection is up.
	Open

	// Closed means the session was stopped.
	Closed

	// Demo means the relay was given up on and the session is simulated.
	Demo
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Demo:
		return "demo"
	default:
		return "unknown"
	}
}

// Connected reports whether messages can currently be exchanged.
func (s State) Connected() bool {
	return s == Open || s == Demo
}
