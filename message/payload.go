// Package message defines the typed objects exchanged between afspm
// processes: scope state, control state, scans, spectra and parameters.
//
// Every object implements Payload. MessageType is the stable type name used
// as the default envelope and as the registry key when decoding.
//
// Example:
//
//	scan := &message.Scan2d{
//	    Params:  message.ScanParameters2d{Size: message.Size2d{X: 100, Y: 100}},
//	    Channel: "Z",
//	}
//	scan.MessageType() // "Scan2d"
package message

import "fmt"

// Payload represents an object that can be published or carried by a
// control request.
type Payload interface {
	// MessageType returns the stable type name of the object.
	MessageType() string

	// Validate checks field consistency. Returns nil if valid.
	Validate() error
}

// Type names
const (
	TypeScopeStateMsg    = "ScopeStateMsg"
	TypeControlState     = "ControlState"
	TypeScanParameters2d = "ScanParameters2d"
	TypeScan2d           = "Scan2d"
	TypeProbePosition    = "ProbePosition"
	TypeSpecParameters1d = "SpecParameters1d"
	TypeSpec1d           = "Spec1d"
	TypeZCtrlParameters  = "ZCtrlParameters"
	TypeParameterMsg     = "ParameterMsg"
)

// Factory returns a new zero value for a type name, or nil if unknown.
func Factory(messageType string) Payload {
	switch messageType {
	case TypeScopeStateMsg:
		return &ScopeStateMsg{}
	case TypeControlState:
		return &ControlState{}
	case TypeScanParameters2d:
		return &ScanParameters2d{}
	case TypeScan2d:
		return &Scan2d{}
	case TypeProbePosition:
		return &ProbePosition{}
	case TypeSpecParameters1d:
		return &SpecParameters1d{}
	case TypeSpec1d:
		return &Spec1d{}
	case TypeZCtrlParameters:
		return &ZCtrlParameters{}
	case TypeParameterMsg:
		return &ParameterMsg{}
	default:
		return nil
	}
}

// Defaults returns one zero-valued sample per known type, in a fixed order.
// Registries seed themselves from it.
func Defaults() []Payload {
	return []Payload{
		&ScopeStateMsg{},
		&ControlState{},
		&ScanParameters2d{},
		&Scan2d{},
		&ProbePosition{},
		&SpecParameters1d{},
		&Spec1d{},
		&ZCtrlParameters{},
		&ParameterMsg{},
	}
}

func invalid(messageType, format string, args ...any) error {
	return fmt.Errorf("%s: %s", messageType, fmt.Sprintf(format, args...))
}
