package message

import (
	"time"
)

// ProbePosition places the probe for a spectroscopy.
type ProbePosition struct {
	Point Point2d `json:"point" cbor:"point"`
	Units string  `json:"units,omitempty" cbor:"units,omitempty"`
}

// MessageType implements Payload.
func (p *ProbePosition) MessageType() string { return TypeProbePosition }

// Validate implements Payload.
func (p *ProbePosition) Validate() error { return nil }

// SpecParameters1d describes a point spectroscopy.
type SpecParameters1d struct {
	ProbePosition ProbePosition `json:"probe_position" cbor:"probe_position"`
	NumPoints     int           `json:"num_points,omitempty" cbor:"num_points,omitempty"`
}

// MessageType implements Payload.
func (p *SpecParameters1d) MessageType() string { return TypeSpecParameters1d }

// Validate implements Payload.
func (p *SpecParameters1d) Validate() error {
	if p.NumPoints < 0 {
		return invalid(TypeSpecParameters1d, "negative point count")
	}
	return nil
}

// Spec1d is a completed spectroscopy. Type names the measurement (for
// example "iv" or "didv") and selects its cache bucket.
type Spec1d struct {
	Params    SpecParameters1d `json:"params" cbor:"params"`
	Type      string           `json:"type,omitempty" cbor:"type,omitempty"`
	Names     []string         `json:"names,omitempty" cbor:"names,omitempty"`
	Units     []string         `json:"units,omitempty" cbor:"units,omitempty"`
	Timestamp time.Time        `json:"timestamp" cbor:"timestamp"`
	Values    [][]float64      `json:"values,omitempty" cbor:"values,omitempty"`
}

// MessageType implements Payload.
func (s *Spec1d) MessageType() string { return TypeSpec1d }

// Validate implements Payload.
func (s *Spec1d) Validate() error {
	if len(s.Units) > 0 && len(s.Units) != len(s.Names) {
		return invalid(TypeSpec1d, "%d units for %d names", len(s.Units), len(s.Names))
	}
	for i, row := range s.Values {
		if len(row) != len(s.Names) {
			return invalid(TypeSpec1d, "row %d has %d values for %d names", i, len(row), len(s.Names))
		}
	}
	return nil
}

// ParameterMsg gets or sets a generic device parameter. An empty Value in a
// request means "get".
type ParameterMsg struct {
	Parameter string `json:"parameter" cbor:"parameter"`
	Value     string `json:"value,omitempty" cbor:"value,omitempty"`
	Units     string `json:"units,omitempty" cbor:"units,omitempty"`
}

// MessageType implements Payload.
func (p *ParameterMsg) MessageType() string { return TypeParameterMsg }

// Validate implements Payload.
func (p *ParameterMsg) Validate() error {
	if p.Parameter == "" {
		return invalid(TypeParameterMsg, "parameter name is required")
	}
	return nil
}

// IsSet reports whether the message asks to set the parameter.
func (p *ParameterMsg) IsSet() bool {
	return p.Value != ""
}
