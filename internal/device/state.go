package device

// State is a device's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	// Invalidated means the host radio went away. The device returns to
	// Disconnected when power comes back.
	Invalidated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Invalidated:
		return "invalidated"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[State][]State{
	Disconnected:  {Connecting},
	Connecting:    {Connected, Disconnected, Disconnecting},
	Connected:     {Disconnecting, Disconnected},
	Disconnecting: {Disconnected},
	Invalidated:   {Disconnected},
}

// CanTransition reports whether from -> to is a legal state change. Any state
// may become Invalidated.
func CanTransition(from, to State) bool {
	if to == Invalidated {
		return from != Invalidated
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
