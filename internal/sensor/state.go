package sensor

import (
	"fmt"
	"strings"
)

// ConnectionState mirrors the link state reported by the transport.
// Ordinals follow the values transports report on the wire.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Ready
	Disconnecting
	Invalid
)

var stateNames = [...]string{
	Disconnected:  "disconnected",
	Connecting:    "connecting",
	Connected:     "connected",
	Ready:         "ready",
	Disconnecting: "disconnecting",
	Invalid:       "invalid",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name so JSON and YAML output stay readable.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	st, err := ParseConnectionState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseConnectionState converts a state name (case-insensitive) to a ConnectionState.
func ParseConnectionState(name string) (ConnectionState, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, v := range stateNames {
		if v == n {
			return ConnectionState(i), nil
		}
	}
	return Invalid, fmt.Errorf("unknown connection state %q", name)
}

// resets reports whether entering this state wipes the session's derived state.
func (s ConnectionState) resets() bool {
	return s == Disconnected || s == Invalid
}
