// Package sim is a simulated microscope. Moving, scanning and spectroscopy
// take configurable durations; completed scans and spectra are synthesized.
package sim

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/c360/afspm/device"
	"github.com/c360/afspm/message"
)

// Device keys of the simulated controller.
const (
	KeyTopLeftX    = "ScanOffsetX"
	KeyTopLeftY    = "ScanOffsetY"
	KeySizeX       = "ScanSizeX"
	KeySizeY       = "ScanSizeY"
	KeyAngle       = "ScanAngle"
	KeyPointsX     = "ScanPoints"
	KeyPointsY     = "ScanLines"
	KeyFeedback    = "FeedbackEnabled"
	KeySetpoint    = "Setpoint"
	KeyPGain       = "ProportionalGain"
	KeyIGain       = "IntegralGain"
	KeyProbeX      = "ProbeX"
	KeyProbeY      = "ProbeY"
	KeyScanSpeed   = "ScanSpeed"
	KeyBias        = "Bias"
	KeyStartScan   = "DoScan"
	KeyStopScan    = "StopScan"
	KeyStartSignal = "DoSpectroscopy"
	KeyStopSignal  = "StopSpectroscopy"
)

// CapabilityConfig maps the generic names onto the simulated controller.
func CapabilityConfig() device.CapabilityConfig {
	length := func(key string) device.ParamConfig {
		return device.ParamConfig{Key: key, Unit: "nm", Range: []float64{-50000, 50000}}
	}
	return device.CapabilityConfig{
		Params: map[string]device.ParamConfig{
			device.ParamScanTopLeftX:    length(KeyTopLeftX),
			device.ParamScanTopLeftY:    length(KeyTopLeftY),
			device.ParamScanSizeX:       {Key: KeySizeX, Unit: "nm", Range: []float64{0, 50000}},
			device.ParamScanSizeY:       {Key: KeySizeY, Unit: "nm", Range: []float64{0, 50000}},
			device.ParamScanAngle:       {Key: KeyAngle, Unit: "deg", Range: []float64{-360, 360}},
			device.ParamScanResolutionX: {Key: KeyPointsX, Type: device.TypeInt, Range: []float64{1, 4096}},
			device.ParamScanResolutionY: {Key: KeyPointsY, Type: device.TypeInt, Range: []float64{1, 4096}},
			device.ParamZCtrlFeedback:   {Key: KeyFeedback, Type: device.TypeBool},
			device.ParamZCtrlSetpoint:   {Key: KeySetpoint, Unit: "V"},
			device.ParamZCtrlPGain:      {Key: KeyPGain, Range: []float64{0, 100}},
			device.ParamZCtrlIGain:      {Key: KeyIGain, Range: []float64{0, 100}},
			device.ParamProbePosX:       length(KeyProbeX),
			device.ParamProbePosY:       length(KeyProbeY),
			device.ParamScanSpeed:       {Key: KeyScanSpeed, Range: []float64{0, 100000}},
			device.ParamTipBias:         {Key: KeyBias, Unit: "V", Range: []float64{-10, 10}},
		},
		Actions: map[string]string{
			device.ActionStartScan:   KeyStartScan,
			device.ActionStopScan:    KeyStopScan,
			device.ActionStartSignal: KeyStartSignal,
			device.ActionStopSignal:  KeyStopSignal,
		},
	}
}

// Config configures the simulation.
type Config struct {
	MoveDuration time.Duration
	ScanDuration time.Duration
	SpecDuration time.Duration
	// Channels are produced per scan, "Z" if empty.
	Channels []string
	// SpecType names the spectroscopy, "iv" if empty.
	SpecType string
	// Now is the clock, time.Now if nil.
	Now func() time.Time
	// Capabilities overrides the mapping onto simulator keys,
	// CapabilityConfig() if nil.
	Capabilities *device.CapabilityConfig
}

var moveKeys = map[string]bool{
	KeyTopLeftX: true,
	KeyTopLeftY: true,
	KeySizeX:    true,
	KeySizeY:    true,
	KeyAngle:    true,
	KeyProbeX:   true,
	KeyProbeY:   true,
}

// Microscope is the simulated controller. It implements device.Backend.
type Microscope struct {
	mu        sync.Mutex
	cfg       Config
	values    map[string]string
	state     message.ScopeState
	busyUntil time.Time
	scans     []*message.Scan2d
	specs     []*message.Spec1d
}

// NewMicroscope returns a free microscope with a 1 µm, 32x32 scan region.
func NewMicroscope(cfg Config) *Microscope {
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"Z"}
	}
	if cfg.SpecType == "" {
		cfg.SpecType = "iv"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Microscope{
		cfg:   cfg,
		state: message.ScopeFree,
		values: map[string]string{
			KeyTopLeftX:  "0",
			KeyTopLeftY:  "0",
			KeySizeX:     "1000",
			KeySizeY:     "1000",
			KeyAngle:     "0",
			KeyPointsX:   "32",
			KeyPointsY:   "32",
			KeyFeedback:  "true",
			KeySetpoint:  "0.1",
			KeyPGain:     "1",
			KeyIGain:     "0.5",
			KeyProbeX:    "0",
			KeyProbeY:    "0",
			KeyScanSpeed: "1000",
			KeyBias:      "0.5",
		},
	}
}

// GetParam implements device.Backend.
func (m *Microscope) GetParam(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", fmt.Errorf("sim: no parameter %q", key)
	}
	return v, nil
}

// SetParam implements device.Backend. Setting the scan region or probe
// position moves the probe, even to where it already is.
func (m *Microscope) SetParam(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		return fmt.Errorf("sim: no parameter %q", key)
	}
	m.advanceLocked()
	if moveKeys[key] {
		m.beginLocked(message.ScopeMoving, m.cfg.MoveDuration)
	}
	m.values[key] = value
	return nil
}

// Execute implements device.Backend.
func (m *Microscope) Execute(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked()

	switch key {
	case KeyStartScan:
		m.beginLocked(message.ScopeCollecting, m.cfg.ScanDuration)
	case KeyStartSignal:
		m.beginLocked(message.ScopeSpec, m.cfg.SpecDuration)
	case KeyStopScan, KeyStopSignal:
		m.state = message.ScopeFree
		m.busyUntil = time.Time{}
	default:
		return fmt.Errorf("sim: no action %q", key)
	}
	return nil
}

func (m *Microscope) beginLocked(state message.ScopeState, d time.Duration) {
	m.state = state
	m.busyUntil = m.cfg.Now().Add(d)
}

// advanceLocked completes the running activity once its time is up.
func (m *Microscope) advanceLocked() {
	if m.state == message.ScopeFree || m.cfg.Now().Before(m.busyUntil) {
		return
	}
	switch m.state {
	case message.ScopeCollecting:
		m.scans = m.synthesizeScans()
	case message.ScopeSpec:
		m.specs = []*message.Spec1d{m.synthesizeSpec()}
	}
	m.state = message.ScopeFree
}

// State returns the current scope state.
func (m *Microscope) State() message.ScopeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked()
	return m.state
}

// Scans returns the last completed scan.
func (m *Microscope) Scans() []*message.Scan2d {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked()
	return m.scans
}

// Specs returns the last completed spectroscopy.
func (m *Microscope) Specs() []*message.Spec1d {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked()
	return m.specs
}

func (m *Microscope) float(key string) float64 {
	v, _ := strconv.ParseFloat(m.values[key], 64)
	return v
}

func (m *Microscope) scanParamsLocked() message.ScanParameters2d {
	return message.ScanParameters2d{
		TopLeft:    message.Point2d{X: m.float(KeyTopLeftX), Y: m.float(KeyTopLeftY)},
		Size:       message.Size2d{X: m.float(KeySizeX), Y: m.float(KeySizeY)},
		Units:      "nm",
		Angle:      m.float(KeyAngle),
		Resolution: message.Resolution{X: int(m.float(KeyPointsX)), Y: int(m.float(KeyPointsY))},
	}
}

// synthesizeScans renders a smooth surface over the scan region, one image
// per channel.
func (m *Microscope) synthesizeScans() []*message.Scan2d {
	params := m.scanParamsLocked()
	now := m.cfg.Now()
	nx, ny := params.Resolution.X, params.Resolution.Y

	scans := make([]*message.Scan2d, 0, len(m.cfg.Channels))
	for c, channel := range m.cfg.Channels {
		values := make([]float64, 0, nx*ny)
		for j := range ny {
			y := params.TopLeft.Y + params.Size.Y*float64(j)/float64(max(ny-1, 1))
			for i := range nx {
				x := params.TopLeft.X + params.Size.X*float64(i)/float64(max(nx-1, 1))
				values = append(values, math.Sin(x/100)*math.Cos(y/100)+float64(c))
			}
		}
		scans = append(scans, &message.Scan2d{
			Params:    params,
			Channel:   channel,
			Units:     "nm",
			Timestamp: now,
			Values:    values,
		})
	}
	return scans
}

func (m *Microscope) synthesizeSpec() *message.Spec1d {
	const points = 64
	values := make([][]float64, points)
	bias := m.float(KeyBias)
	for i := range values {
		v := -bias + 2*bias*float64(i)/float64(points-1)
		values[i] = []float64{v, math.Sinh(v)}
	}
	return &message.Spec1d{
		Params: message.SpecParameters1d{
			ProbePosition: message.ProbePosition{
				Point: message.Point2d{X: m.float(KeyProbeX), Y: m.float(KeyProbeY)},
				Units: "nm",
			},
			NumPoints: points,
		},
		Type:      m.cfg.SpecType,
		Names:     []string{"bias", "current"},
		Units:     []string{"V", "nA"},
		Timestamp: m.cfg.Now(),
		Values:    values,
	}
}

// Driver is a device.Driver for the simulated microscope.
type Driver struct {
	*device.ConfigDriver
	scope *Microscope
}

var _ device.Driver = (*Driver)(nil)

// NewDriver builds a simulated microscope and its driver.
func NewDriver(cfg Config) (*Driver, error) {
	scope := NewMicroscope(cfg)
	mapping := CapabilityConfig()
	if cfg.Capabilities != nil {
		mapping = *cfg.Capabilities
	}
	caps, err := device.BuildCapabilities(mapping, scope, device.RequiredActions...)
	if err != nil {
		return nil, err
	}
	cd, err := device.NewConfigDriver(caps)
	if err != nil {
		return nil, err
	}
	return &Driver{ConfigDriver: cd, scope: scope}, nil
}

// Microscope exposes the simulated controller.
func (d *Driver) Microscope() *Microscope {
	return d.scope
}

// PollScopeState implements device.Driver.
func (d *Driver) PollScopeState(context.Context) (message.ScopeState, error) {
	return d.scope.State(), nil
}

// PollScans implements device.Driver.
func (d *Driver) PollScans(context.Context) ([]*message.Scan2d, error) {
	return d.scope.Scans(), nil
}

// PollSpecs implements device.Driver.
func (d *Driver) PollSpecs(context.Context) ([]*message.Spec1d, error) {
	return d.scope.Specs(), nil
}
