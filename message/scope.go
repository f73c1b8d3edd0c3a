package message

import (
	"fmt"
)

// ScopeState is the device's current physical activity.
type ScopeState int

// Scope states
const (
	ScopeUndefined ScopeState = iota
	ScopeFree
	ScopeMoving
	ScopeCollecting
	ScopeSpec
	ScopeInterrupted
)

var scopeStateNames = map[ScopeState]string{
	ScopeUndefined:   "SS_UNDEFINED",
	ScopeFree:        "SS_FREE",
	ScopeMoving:      "SS_MOVING",
	ScopeCollecting:  "SS_COLLECTING",
	ScopeSpec:        "SS_SPEC",
	ScopeInterrupted: "SS_INTERRUPTED",
}

// String returns the wire name of the state.
func (s ScopeState) String() string {
	if name, ok := scopeStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SS_%d", int(s))
}

// MarshalText encodes the state by name.
func (s ScopeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *ScopeState) UnmarshalText(text []byte) error {
	for state, name := range scopeStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown scope state %q", text)
}

// IsCollecting reports whether the device is acquiring data.
func (s ScopeState) IsCollecting() bool {
	return s == ScopeCollecting || s == ScopeSpec
}

// ScopeStateMsg announces a ScopeState change.
type ScopeStateMsg struct {
	State ScopeState `json:"scope_state" cbor:"scope_state"`
}

// MessageType implements Payload.
func (m *ScopeStateMsg) MessageType() string { return TypeScopeStateMsg }

// Validate implements Payload.
func (m *ScopeStateMsg) Validate() error {
	if _, ok := scopeStateNames[m.State]; !ok {
		return invalid(TypeScopeStateMsg, "unknown state %d", int(m.State))
	}
	return nil
}
