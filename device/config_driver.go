package device

import (
	"context"
	"strconv"

	"github.com/c360/afspm/control"
	"github.com/c360/afspm/message"
)

// ConfigDriver implements the request hooks and parameter polls of a Driver
// through generic parameters and actions. Embed it and add PollScopeState,
// PollScans and PollSpecs to get a complete Driver.
type ConfigDriver struct {
	caps *Capabilities
}

// NewConfigDriver wraps caps, which must offer ScanParams and
// RequiredActions.
func NewConfigDriver(caps *Capabilities) (*ConfigDriver, error) {
	if err := caps.Require(ScanParams, RequiredActions); err != nil {
		return nil, err
	}
	return &ConfigDriver{caps: caps}, nil
}

// Capabilities implements Driver.
func (d *ConfigDriver) Capabilities() *Capabilities {
	return d.caps
}

// OnStartScan implements Driver.
func (d *ConfigDriver) OnStartScan(ctx context.Context) control.ResponseCode {
	return d.caps.Execute(ctx, ActionStartScan)
}

// OnStopScan implements Driver.
func (d *ConfigDriver) OnStopScan(ctx context.Context) control.ResponseCode {
	return d.caps.Execute(ctx, ActionStopScan)
}

// OnStartSpec implements Driver.
func (d *ConfigDriver) OnStartSpec(ctx context.Context) control.ResponseCode {
	return d.caps.Execute(ctx, ActionStartSignal)
}

// OnStopSpec implements Driver.
func (d *ConfigDriver) OnStopSpec(ctx context.Context) control.ResponseCode {
	return d.caps.Execute(ctx, ActionStopSignal)
}

type setting struct {
	name  string
	value string
	units string
}

// apply sets each value in order and stops at the first failure.
func (d *ConfigDriver) apply(ctx context.Context, settings []setting) control.ResponseCode {
	for _, s := range settings {
		if code := d.caps.SetParam(ctx, s.name, s.value, s.units); code != control.RepSuccess {
			return code
		}
	}
	return control.RepSuccess
}

// OnSetScanParams implements Driver. The angle is only set when the device
// supports it.
func (d *ConfigDriver) OnSetScanParams(ctx context.Context, p message.ScanParameters2d) control.ResponseCode {
	settings := []setting{
		{ParamScanTopLeftX, formatFloat(p.TopLeft.X), p.Units},
		{ParamScanTopLeftY, formatFloat(p.TopLeft.Y), p.Units},
		{ParamScanSizeX, formatFloat(p.Size.X), p.Units},
		{ParamScanSizeY, formatFloat(p.Size.Y), p.Units},
		{ParamScanResolutionX, strconv.Itoa(p.Resolution.X), ""},
		{ParamScanResolutionY, strconv.Itoa(p.Resolution.Y), ""},
	}
	if d.caps.HasParam(ParamScanAngle) {
		settings = append(settings, setting{ParamScanAngle, formatFloat(p.Angle), ""})
	}
	return d.apply(ctx, settings)
}

// OnSetProbePos implements Driver.
func (d *ConfigDriver) OnSetProbePos(ctx context.Context, p message.ProbePosition) control.ResponseCode {
	return d.apply(ctx, []setting{
		{ParamProbePosX, formatFloat(p.Point.X), p.Units},
		{ParamProbePosY, formatFloat(p.Point.Y), p.Units},
	})
}

// OnSetZCtrlParams implements Driver. The feedback switch is only set when
// the device supports it.
func (d *ConfigDriver) OnSetZCtrlParams(ctx context.Context, p message.ZCtrlParameters) control.ResponseCode {
	settings := []setting{
		{ParamZCtrlSetpoint, formatFloat(p.Setpoint), ""},
		{ParamZCtrlPGain, formatFloat(p.ProportionalGain), ""},
		{ParamZCtrlIGain, formatFloat(p.IntegralGain), ""},
	}
	if d.caps.HasParam(ParamZCtrlFeedback) {
		settings = append(settings, setting{ParamZCtrlFeedback, strconv.FormatBool(p.FeedbackOn), ""})
	}
	return d.apply(ctx, settings)
}

type pollError struct {
	param string
	code  control.ResponseCode
}

func (e *pollError) Error() string {
	return "poll " + e.param + ": " + e.code.String()
}

func (d *ConfigDriver) float(ctx context.Context, name, units string) (float64, error) {
	raw, _, code := d.caps.GetParam(ctx, name, units)
	if code != control.RepSuccess {
		return 0, &pollError{param: name, code: code}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &pollError{param: name, code: control.RepParamError}
	}
	return v, nil
}

func (d *ConfigDriver) optionalFloat(ctx context.Context, name string) (float64, error) {
	if !d.caps.HasParam(name) {
		return 0, nil
	}
	return d.float(ctx, name, "")
}

// PollScanParams implements Driver. Lengths are reported in the unit of the
// scan size parameter.
func (d *ConfigDriver) PollScanParams(ctx context.Context) (message.ScanParameters2d, error) {
	var p message.ScanParameters2d
	d.caps.mu.RLock()
	p.Units = d.caps.params[ParamScanSizeX].Unit
	d.caps.mu.RUnlock()

	var err error
	lengths := []struct {
		name string
		dst  *float64
	}{
		{ParamScanTopLeftX, &p.TopLeft.X},
		{ParamScanTopLeftY, &p.TopLeft.Y},
		{ParamScanSizeX, &p.Size.X},
		{ParamScanSizeY, &p.Size.Y},
	}
	for _, l := range lengths {
		if *l.dst, err = d.float(ctx, l.name, p.Units); err != nil {
			return message.ScanParameters2d{}, err
		}
	}

	resX, err := d.float(ctx, ParamScanResolutionX, "")
	if err != nil {
		return message.ScanParameters2d{}, err
	}
	resY, err := d.float(ctx, ParamScanResolutionY, "")
	if err != nil {
		return message.ScanParameters2d{}, err
	}
	p.Resolution = message.Resolution{X: int(resX), Y: int(resY)}

	if p.Angle, err = d.optionalFloat(ctx, ParamScanAngle); err != nil {
		return message.ScanParameters2d{}, err
	}
	return p, nil
}

// PollZCtrlParams implements Driver. Unsupported fields stay zero.
func (d *ConfigDriver) PollZCtrlParams(ctx context.Context) (message.ZCtrlParameters, error) {
	var z message.ZCtrlParameters
	var err error
	if z.Setpoint, err = d.optionalFloat(ctx, ParamZCtrlSetpoint); err != nil {
		return z, err
	}
	if z.ProportionalGain, err = d.optionalFloat(ctx, ParamZCtrlPGain); err != nil {
		return z, err
	}
	if z.IntegralGain, err = d.optionalFloat(ctx, ParamZCtrlIGain); err != nil {
		return z, err
	}
	if d.caps.HasParam(ParamZCtrlFeedback) {
		raw, _, code := d.caps.GetParam(ctx, ParamZCtrlFeedback, "")
		if code != control.RepSuccess {
			return z, &pollError{param: ParamZCtrlFeedback, code: code}
		}
		z.FeedbackOn, _ = strconv.ParseBool(raw)
	}
	return z, nil
}
