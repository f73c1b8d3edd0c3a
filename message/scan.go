package message

import (
	"time"
)

// Point2d is a position in physical units.
type Point2d struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
}

// Size2d is a physical extent. A zero X means "unspecified" for routing.
type Size2d struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
}

// Resolution is a pixel count.
type Resolution struct {
	X int `json:"x" cbor:"x"`
	Y int `json:"y" cbor:"y"`
}

// ScanParameters2d describes a 2D scan region.
type ScanParameters2d struct {
	TopLeft    Point2d    `json:"top_left" cbor:"top_left"`
	Size       Size2d     `json:"size" cbor:"size"`
	Units      string     `json:"units,omitempty" cbor:"units,omitempty"`
	Angle      float64    `json:"angle,omitempty" cbor:"angle,omitempty"`
	Resolution Resolution `json:"resolution" cbor:"resolution"`
}

// MessageType implements Payload.
func (p *ScanParameters2d) MessageType() string { return TypeScanParameters2d }

// Validate implements Payload.
func (p *ScanParameters2d) Validate() error {
	if p.Size.X < 0 || p.Size.Y < 0 {
		return invalid(TypeScanParameters2d, "negative size %vx%v", p.Size.X, p.Size.Y)
	}
	if p.Resolution.X < 0 || p.Resolution.Y < 0 {
		return invalid(TypeScanParameters2d, "negative resolution")
	}
	return nil
}

// Scan2d is one channel of a completed 2D scan. Values are row-major with
// Resolution.X columns.
type Scan2d struct {
	Params    ScanParameters2d `json:"params" cbor:"params"`
	Channel   string           `json:"channel,omitempty" cbor:"channel,omitempty"`
	Units     string           `json:"units,omitempty" cbor:"units,omitempty"`
	Timestamp time.Time        `json:"timestamp" cbor:"timestamp"`
	Values    []float64        `json:"values,omitempty" cbor:"values,omitempty"`
}

// MessageType implements Payload.
func (s *Scan2d) MessageType() string { return TypeScan2d }

// Validate implements Payload.
func (s *Scan2d) Validate() error {
	if err := s.Params.Validate(); err != nil {
		return err
	}
	want := s.Params.Resolution.X * s.Params.Resolution.Y
	if len(s.Values) > 0 && len(s.Values) != want {
		return invalid(TypeScan2d, "%d values for resolution %dx%d",
			len(s.Values), s.Params.Resolution.X, s.Params.Resolution.Y)
	}
	return nil
}

// ZCtrlParameters configures the z feedback loop.
type ZCtrlParameters struct {
	FeedbackOn       bool    `json:"feedback_on" cbor:"feedback_on"`
	ProportionalGain float64 `json:"proportional_gain" cbor:"proportional_gain"`
	IntegralGain     float64 `json:"integral_gain" cbor:"integral_gain"`
	Setpoint         float64 `json:"setpoint" cbor:"setpoint"`
}

// MessageType implements Payload.
func (z *ZCtrlParameters) MessageType() string { return TypeZCtrlParameters }

// Validate implements Payload.
func (z *ZCtrlParameters) Validate() error {
	if z.ProportionalGain < 0 || z.IntegralGain < 0 {
		return invalid(TypeZCtrlParameters, "negative gain")
	}
	return nil
}
