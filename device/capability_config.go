package device

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/c360/afspm/errors"
)

// Backend is the device-specific side of a configured translator: raw
// parameter access and action calls, addressed by device keys.
type Backend interface {
	GetParam(ctx context.Context, key string) (string, error)
	SetParam(ctx context.Context, key, value string) error
	Execute(ctx context.Context, key string) error
}

// ParamConfig maps one generic parameter to the device.
type ParamConfig struct {
	// Key is the device's own name for the parameter.
	Key      string    `toml:"key" yaml:"key" json:"key"`
	Unit     string    `toml:"unit" yaml:"unit" json:"unit,omitempty"`
	Type     ValueType `toml:"type" yaml:"type" json:"type,omitempty"`
	Range    []float64 `toml:"range" yaml:"range" json:"range,omitempty"`
	ReadOnly bool      `toml:"read_only" yaml:"read_only" json:"read_only,omitempty"`
}

// CapabilityConfig is the declarative mapping of generic parameters and
// actions, keyed by generic name.
//
//	[params.scan-size-x]
//	key = "ScanSize"
//	unit = "nm"
//	range = [0, 50000]
//
//	[actions]
//	start-scan = "DoScan"
type CapabilityConfig struct {
	Params  map[string]ParamConfig `toml:"params" yaml:"params" json:"params"`
	Actions map[string]string      `toml:"actions" yaml:"actions" json:"actions"`
}

// LoadCapabilityConfig reads a TOML, YAML or JSON file, chosen by extension.
func LoadCapabilityConfig(path string) (CapabilityConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CapabilityConfig{}, errors.WrapInvalid(err, "device", "LoadCapabilityConfig", "read "+path)
	}
	return ParseCapabilityConfig(data, strings.TrimPrefix(filepath.Ext(path), "."))
}

// ParseCapabilityConfig decodes data in format "toml", "yaml"/"yml" or "json".
func ParseCapabilityConfig(data []byte, format string) (CapabilityConfig, error) {
	var cfg CapabilityConfig
	var err error
	switch strings.ToLower(format) {
	case "toml":
		err = toml.Unmarshal(data, &cfg)
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &cfg)
	case "json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return CapabilityConfig{}, errors.WrapInvalid(errors.ErrInvalidConfig, "device", "ParseCapabilityConfig", err.Error())
	}
	return cfg, nil
}

// Validate checks every entry.
func (c CapabilityConfig) Validate() error {
	for name, p := range c.Params {
		if p.Key == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "device", "Validate", "param "+name+" has no key")
		}
		switch p.Type {
		case "", TypeFloat, TypeInt, TypeBool, TypeString:
		default:
			return errors.WrapInvalid(errors.ErrInvalidConfig, "device", "Validate",
				fmt.Sprintf("param %s has unknown type %q", name, p.Type))
		}
		if len(p.Range) != 0 && (len(p.Range) != 2 || p.Range[0] > p.Range[1]) {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "device", "Validate",
				fmt.Sprintf("param %s has bad range %v", name, p.Range))
		}
		if _, _, ok := splitUnit(p.Unit); p.Unit != "" && !ok {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "device", "Validate",
				fmt.Sprintf("param %s has unknown unit %q", name, p.Unit))
		}
	}
	for name, key := range c.Actions {
		if key == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "device", "Validate", "action "+name+" has no key")
		}
	}
	return nil
}

// BuildCapabilities registers a handler per configured entry, each calling
// backend with the device key. It fails if any required action is missing.
func BuildCapabilities(cfg CapabilityConfig, backend Backend, required ...string) (*Capabilities, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	caps := NewCapabilities()
	for name, p := range cfg.Params {
		key := p.Key
		h := ParamHandler{
			Unit: p.Unit,
			Type: p.Type,
			Get: func(ctx context.Context) (string, error) {
				return backend.GetParam(ctx, key)
			},
		}
		if len(p.Range) == 2 {
			h.Range = &Range{Min: p.Range[0], Max: p.Range[1]}
		}
		if !p.ReadOnly {
			h.Set = func(ctx context.Context, value string) error {
				return backend.SetParam(ctx, key, value)
			}
		}
		caps.RegisterParam(name, h)
	}
	for name, key := range cfg.Actions {
		caps.RegisterAction(name, ActionHandler{
			Execute: func(ctx context.Context) error {
				return backend.Execute(ctx, key)
			},
		})
	}

	if err := caps.Require(nil, required); err != nil {
		return nil, err
	}
	return caps, nil
}
