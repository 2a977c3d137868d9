package lifetime

import "fmt"

// LeaseState represents where a lease is in its lifecycle.
type LeaseState int

const (
	// StateNull indicates the lease has no time-based lifetime and is never swept.
	StateNull LeaseState = iota
	// StateInitial indicates the lease was created but not yet activated.
	StateInitial
	// StateActive indicates the lease is tracked and has time remaining.
	StateActive
	// StateRenewing indicates the lease ran out of time and its sponsors are being asked.
	StateRenewing
	// StateExpired indicates the lease expired. It is terminal.
	StateExpired
)

// String returns the string representation of the state.
func (s LeaseState) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StateInitial:
		return "INITIAL"
	case StateActive:
		return "ACTIVE"
	case StateRenewing:
		return "RENEWING"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal returns true if no further transitions can occur.
func (s LeaseState) IsTerminal() bool {
	return s == StateExpired
}

// IsLive returns true if the lease is being supervised by a manager.
func (s LeaseState) IsLive() bool {
	return s == StateActive || s == StateRenewing
}

// MarshalText encodes the state by name.
func (s LeaseState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *LeaseState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "NULL":
		*s = StateNull
	case "INITIAL":
		*s = StateInitial
	case "ACTIVE":
		*s = StateActive
	case "RENEWING":
		*s = StateRenewing
	case "EXPIRED":
		*s = StateExpired
	default:
		return fmt.Errorf("unknown lease state %q", text)
	}
	return nil
}
