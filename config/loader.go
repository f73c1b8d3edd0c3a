package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AFSPM"

type format int

const (
	formatJSON format = iota
	formatYAML
	formatTOML
)

func formatFor(path string) (format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, true
	case ".yaml", ".yml":
		return formatYAML, true
	case ".toml":
		return formatTOML, true
	}
	return 0, false
}

// Loader builds a Config from defaults, file layers and the environment.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file. Later layers override earlier ones,
// key by key.
func (l *Loader) AddLayer(path string) {
	if path != "" {
		l.layers = append(l.layers, path)
	}
}

// EnableValidation enables or disables validation at the end of Load.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies defaults, each layer, then environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		if err := l.applyFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyFile decodes path on top of cfg. Keys absent from the file keep their
// current value.
func (l *Loader) applyFile(cfg *Config, path string) error {
	data, err := safeReadFile(path)
	if err != nil {
		return err
	}
	f, _ := formatFor(path)

	switch f {
	case formatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("invalid YAML: %w", err)
		}
	case formatTOML:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("invalid TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown TOML keys: %v", undecoded)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return fmt.Errorf("invalid JSON structure: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}
	return nil
}

type envOverride struct {
	name string
	set  func(cfg *Config, val string) error
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		*field(cfg) = val
		return nil
	}
}

func setDuration(field func(*Config) *Duration) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		return field(cfg).UnmarshalText([]byte(val))
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

func setBool(field func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

var envOverrides = []envOverride{
	{"NATS_URL", setString(func(c *Config) *string { return &c.Transport.URL })},
	{"NATS_TOKEN", setString(func(c *Config) *string { return &c.Transport.Token })},
	{"NATS_USERNAME", setString(func(c *Config) *string { return &c.Transport.Username })},
	{"NATS_PASSWORD", setString(func(c *Config) *string { return &c.Transport.Password })},
	{"PREFIX", setString(func(c *Config) *string { return &c.Transport.Prefix })},
	{"CODEC", setString(func(c *Config) *string { return &c.Transport.Codec })},
	{"COMPRESSION", setString(func(c *Config) *string { return &c.Transport.Compression })},
	{"ROUTER_DEVICE_TIMEOUT", setDuration(func(c *Config) *Duration { return &c.Router.DeviceTimeout })},
	{"ROUTER_INITIAL_MODE", setString(func(c *Config) *string { return &c.Router.InitialMode })},
	{"STATE_BUCKET", setString(func(c *Config) *string { return &c.Router.StateBucket })},
	{"CLIENT_TIMEOUT", setDuration(func(c *Config) *Duration { return &c.Client.Timeout })},
	{"CLIENT_RETRIES", setInt(func(c *Config) *int { return &c.Client.Retries })},
	{"CAPABILITIES", setString(func(c *Config) *string { return &c.Translator.Capabilities })},
	{"SCAN_PROBLEM", setString(func(c *Config) *string { return &c.Scan.Problem })},
	{"SCAN_RETRY_WAIT", setDuration(func(c *Config) *Duration { return &c.Scan.RetryWait })},
	{"MONITOR_ADDR", setString(func(c *Config) *string { return &c.Monitor.Addr })},
	{"METRICS_ENABLED", setBool(func(c *Config) *bool { return &c.Metrics.Enabled })},
	{"METRICS_ADDR", setString(func(c *Config) *string { return &c.Metrics.Addr })},
	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", setString(func(c *Config) *string { return &c.Log.Format })},
}

// EnvVars lists the recognized environment overrides.
func EnvVars() []string {
	out := make([]string, len(envOverrides))
	for i, o := range envOverrides {
		out[i] = EnvPrefix + "_" + o.name
	}
	return out
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		key := l.envPrefix + "_" + o.name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return err
		}
		if err := o.set(cfg, val); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}
