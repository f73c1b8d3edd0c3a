package message

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ControlMode is the mode the router arbitrates under.
type ControlMode int

// Control modes
const (
	ModeUndefined ControlMode = iota
	ModeManual
	ModeAutomated
	ModeProblem
)

var controlModeNames = map[ControlMode]string{
	ModeUndefined: "CM_UNDEFINED",
	ModeManual:    "CM_MANUAL",
	ModeAutomated: "CM_AUTOMATED",
	ModeProblem:   "CM_PROBLEM",
}

func (m ControlMode) String() string {
	if name, ok := controlModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("CM_%d", int(m))
}

// MarshalText encodes the mode by name.
func (m ControlMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name; see ParseControlMode.
func (m *ControlMode) UnmarshalText(text []byte) error {
	mode, err := ParseControlMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// ParseControlMode parses a control mode name, case-insensitively and with
// or without the "CM_" prefix: "CM_MANUAL", "MANUAL" and "manual" are the
// same mode.
func ParseControlMode(s string) (ControlMode, error) {
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "CM_") {
		name = "CM_" + name
	}
	for mode, known := range controlModeNames {
		if known == name {
			return mode, nil
		}
	}
	return ModeUndefined, fmt.Errorf("unknown control mode %q", s)
}

// ExperimentProblem is a fault tag that revokes exclusive control.
type ExperimentProblem string

// Known problem tags. Any non-empty string is a valid tag.
const (
	ProblemTipShapeChanged    ExperimentProblem = "EP_TIP_SHAPE_CHANGED"
	ProblemDeviceMalfunction  ExperimentProblem = "EP_DEVICE_MALFUNCTION"
	ProblemFeedbackNonOptimal ExperimentProblem = "EP_FEEDBACK_NON_OPTIMAL"
	ProblemDriftCorrection    ExperimentProblem = "EP_DRIFT_CORRECTION"
)

// ControlState is the router's aggregate arbitration state.
type ControlState struct {
	Mode              ControlMode         `json:"control_mode" cbor:"control_mode"`
	ClientInControlID string              `json:"client_in_control_id,omitempty" cbor:"client_in_control_id,omitempty"`
	Problems          []ExperimentProblem `json:"problems_set,omitempty" cbor:"problems_set,omitempty"`
}

// MessageType implements Payload.
func (s *ControlState) MessageType() string { return TypeControlState }

// Validate checks that the mode is PROBLEM exactly when problems are set.
func (s *ControlState) Validate() error {
	if s.Mode == ModeUndefined {
		return nil
	}
	if (s.Mode == ModeProblem) != (len(s.Problems) > 0) {
		return invalid(TypeControlState, "mode %s with %d problems", s.Mode, len(s.Problems))
	}
	return nil
}

// HasProblem reports whether tag is among the active problems.
func (s *ControlState) HasProblem(tag ExperimentProblem) bool {
	return slices.Contains(s.Problems, tag)
}

// Equal compares two states; problem order is ignored.
func (s *ControlState) Equal(other *ControlState) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Mode != other.Mode || s.ClientInControlID != other.ClientInControlID {
		return false
	}
	if len(s.Problems) != len(other.Problems) {
		return false
	}
	a := sortedProblems(s.Problems)
	b := sortedProblems(other.Problems)
	return slices.Equal(a, b)
}

// Clone returns a deep copy.
func (s *ControlState) Clone() *ControlState {
	c := *s
	c.Problems = slices.Clone(s.Problems)
	return &c
}

func sortedProblems(in []ExperimentProblem) []ExperimentProblem {
	out := slices.Clone(in)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
