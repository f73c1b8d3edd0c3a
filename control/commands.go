package control

import "github.com/c360/afspm/message"

// StartScan starts a scan with the current scan parameters.
func StartScan() Request { return Request{Kind: ReqStartScan} }

// StopScan stops a running scan.
func StopScan() Request { return Request{Kind: ReqStopScan} }

// StartSpec starts a spectroscopy at the current probe position.
func StartSpec() Request { return Request{Kind: ReqStartSpec} }

// StopSpec stops a running spectroscopy.
func StopSpec() Request { return Request{Kind: ReqStopSpec} }

// SetScanParams sets the scan region.
func SetScanParams(p message.ScanParameters2d) Request {
	return Request{Kind: ReqSetScanParams, Payload: &p}
}

// SetProbePos moves the probe for a spectroscopy.
func SetProbePos(p message.ProbePosition) Request {
	return Request{Kind: ReqSetProbePos, Payload: &p}
}

// SetZCtrlParams configures the feedback loop.
func SetZCtrlParams(p message.ZCtrlParameters) Request {
	return Request{Kind: ReqSetZCtrlParams, Payload: &p}
}

// GetParam reads a device parameter.
func GetParam(name string) Request {
	return Request{Kind: ReqParam, Payload: &message.ParameterMsg{Parameter: name}}
}

// SetParam writes a device parameter.
func SetParam(name, value, units string) Request {
	return Request{Kind: ReqParam, Payload: &message.ParameterMsg{Parameter: name, Value: value, Units: units}}
}

// RequestControl asks for exclusive control under mode.
func RequestControl(mode message.ControlMode) Request {
	return Request{Kind: ReqRequestCtrl, Mode: mode}
}

// ReleaseControl gives control back.
func ReleaseControl() Request { return Request{Kind: ReqReleaseCtrl} }

// AddProblem flags an experiment problem.
func AddProblem(tag message.ExperimentProblem) Request {
	return Request{Kind: ReqAddExpProblem, Problem: tag}
}

// RemoveProblem clears an experiment problem.
func RemoveProblem(tag message.ExperimentProblem) Request {
	return Request{Kind: ReqRemoveExpProblem, Problem: tag}
}

// SetControlMode switches the router between manual and automated mode.
func SetControlMode(mode message.ControlMode) Request {
	return Request{Kind: ReqSetControlMode, Mode: mode}
}

// EndExperiment shuts the experiment down.
func EndExperiment() Request { return Request{Kind: ReqEndExperiment} }
