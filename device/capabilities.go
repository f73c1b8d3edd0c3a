package device

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"sync"

	"github.com/c360/afspm/control"
	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
)

// Generic parameter names understood by every translator.
const (
	ParamScanTopLeftX    = "scan-top-left-x"
	ParamScanTopLeftY    = "scan-top-left-y"
	ParamScanSizeX       = "scan-size-x"
	ParamScanSizeY       = "scan-size-y"
	ParamScanAngle       = "scan-angle"
	ParamScanResolutionX = "scan-resolution-x"
	ParamScanResolutionY = "scan-resolution-y"
	ParamZCtrlFeedback   = "zctrl-feedback"
	ParamZCtrlSetpoint   = "zctrl-setpoint"
	ParamZCtrlPGain      = "zctrl-pgain"
	ParamZCtrlIGain      = "zctrl-igain"
	ParamProbePosX       = "probe-pos-x"
	ParamProbePosY       = "probe-pos-y"
	ParamScanSpeed       = "scan-speed"
	ParamTipBias         = "tip-bias-voltage"
)

// Generic action names.
const (
	ActionStartScan   = "start-scan"
	ActionStopScan    = "stop-scan"
	ActionStartSignal = "start-signal"
	ActionStopSignal  = "stop-signal"
)

// RequiredActions must be present for a translator to start.
var RequiredActions = []string{ActionStartScan, ActionStopScan}

// ScanParams are set together by REQ_SET_SCAN_PARAMS. A ConfigDriver needs
// all of them; ParamScanAngle is optional.
var ScanParams = []string{
	ParamScanTopLeftX, ParamScanTopLeftY,
	ParamScanSizeX, ParamScanSizeY,
	ParamScanResolutionX, ParamScanResolutionY,
}

// ValueType is the kind of value a parameter holds.
type ValueType string

// Value types
const (
	TypeFloat  ValueType = "float"
	TypeInt    ValueType = "int"
	TypeBool   ValueType = "bool"
	TypeString ValueType = "string"
)

// Range bounds a numeric parameter, inclusive.
type Range struct {
	Min, Max float64
}

// ParamHandler reads and writes one parameter. Values exchanged with Get and
// Set are strings in Unit. A nil Set makes the parameter read-only.
type ParamHandler struct {
	Unit  string
	Type  ValueType
	Range *Range
	Get   func(ctx context.Context) (string, error)
	Set   func(ctx context.Context, value string) error
}

// ActionHandler performs one device action.
type ActionHandler struct {
	Execute func(ctx context.Context) error
}

// Capabilities maps generic parameter and action names to handlers.
type Capabilities struct {
	mu      sync.RWMutex
	params  map[string]ParamHandler
	actions map[string]ActionHandler
}

// NewCapabilities returns an empty registry.
func NewCapabilities() *Capabilities {
	return &Capabilities{
		params:  make(map[string]ParamHandler),
		actions: make(map[string]ActionHandler),
	}
}

// RegisterParam adds or replaces a parameter handler.
func (c *Capabilities) RegisterParam(name string, h ParamHandler) {
	if h.Type == "" {
		h.Type = TypeFloat
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params[name] = h
}

// RegisterAction adds or replaces an action handler.
func (c *Capabilities) RegisterAction(name string, h ActionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[name] = h
}

// HasParam reports whether name is registered.
func (c *Capabilities) HasParam(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.params[name]
	return ok
}

// HasAction reports whether name is registered.
func (c *Capabilities) HasAction(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.actions[name]
	return ok
}

// Params lists the registered parameter names, sorted.
func (c *Capabilities) Params() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.params))
	for name := range c.params {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Actions lists the registered action names, sorted.
func (c *Capabilities) Actions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.actions))
	for name := range c.actions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Require returns an ErrMissingCapability error naming everything absent.
func (c *Capabilities) Require(params, actions []string) error {
	var missing []string
	for _, p := range params {
		if !c.HasParam(p) {
			missing = append(missing, "param "+p)
		}
	}
	for _, a := range actions {
		if !c.HasAction(a) {
			missing = append(missing, "action "+a)
		}
	}
	if len(missing) > 0 {
		return errors.WrapFatal(errors.ErrMissingCapability, "Capabilities", "Require", fmt.Sprint(missing))
	}
	return nil
}

func (c *Capabilities) param(name string) (ParamHandler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.params[name]
	return h, ok
}

// GetParam reads name, converted to units when given. It returns the value
// and the units it is expressed in.
func (c *Capabilities) GetParam(ctx context.Context, name, units string) (string, string, control.ResponseCode) {
	h, ok := c.param(name)
	if !ok || h.Get == nil {
		return "", "", control.RepParamNotSupported
	}
	raw, err := h.Get(ctx)
	if err != nil {
		return "", "", control.RepParamError
	}
	if !h.numeric() || units == "" || units == h.Unit {
		return raw, h.Unit, control.RepSuccess
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", "", control.RepParamError
	}
	converted, err := ConvertUnits(v, h.Unit, units)
	if err != nil {
		return "", "", control.RepParamInvalid
	}
	return formatFloat(converted), units, control.RepSuccess
}

// SetParam writes value, given in units, to name. Numeric values are
// converted to the parameter's unit and checked against its range.
func (c *Capabilities) SetParam(ctx context.Context, name, value, units string) control.ResponseCode {
	h, ok := c.param(name)
	if !ok || h.Set == nil {
		return control.RepParamNotSupported
	}

	out, code := h.normalize(value, units)
	if code != control.RepSuccess {
		return code
	}
	if err := h.Set(ctx, out); err != nil {
		return control.RepParamError
	}
	return control.RepSuccess
}

func (h ParamHandler) numeric() bool {
	return h.Type == TypeFloat || h.Type == TypeInt
}

func (h ParamHandler) normalize(value, units string) (string, control.ResponseCode) {
	switch h.Type {
	case TypeString:
		return value, control.RepSuccess
	case TypeBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return "", control.RepParamInvalid
		}
		return strconv.FormatBool(b), control.RepSuccess
	}

	v, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return "", control.RepParamInvalid
	}
	if h.Type == TypeInt && v != math.Trunc(v) {
		return "", control.RepParamInvalid
	}
	if v, err = ConvertUnits(v, units, h.Unit); err != nil {
		return "", control.RepParamInvalid
	}
	if h.Range != nil && (v < h.Range.Min || v > h.Range.Max) {
		return "", control.RepParamInvalid
	}
	if h.Type == TypeInt {
		// A unit conversion can leave float noise on a whole number.
		return strconv.FormatInt(int64(math.Round(v)), 10), control.RepSuccess
	}
	return formatFloat(v), control.RepSuccess
}

// HandleParam answers a REQ_PARAM payload. An empty value reads the
// parameter; otherwise it is set and read back.
func (c *Capabilities) HandleParam(ctx context.Context, p *message.ParameterMsg) (control.ResponseCode, *message.ParameterMsg) {
	if p == nil || p.Parameter == "" {
		return control.RepParamInvalid, nil
	}
	if p.IsSet() {
		if code := c.SetParam(ctx, p.Parameter, p.Value, p.Units); code != control.RepSuccess {
			return code, nil
		}
	}
	value, units, code := c.GetParam(ctx, p.Parameter, p.Units)
	if code != control.RepSuccess {
		return code, nil
	}
	return control.RepSuccess, &message.ParameterMsg{Parameter: p.Parameter, Value: value, Units: units}
}

// Execute runs an action.
func (c *Capabilities) Execute(ctx context.Context, action string) control.ResponseCode {
	c.mu.RLock()
	h, ok := c.actions[action]
	c.mu.RUnlock()
	if !ok || h.Execute == nil {
		return control.RepActionNotSupported
	}
	if err := h.Execute(ctx); err != nil {
		return control.RepActionError
	}
	return control.RepSuccess
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
