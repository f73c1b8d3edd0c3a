package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/afspm/envelope"
	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/transport"
	"github.com/c360/afspm/wire"
)

// Duration is a time.Duration written as a string ("500ms", "2s") in
// configuration files.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the configuration shared by every afspm process. Each process
// reads the sections it needs.
type Config struct {
	Transport  TransportConfig  `yaml:"transport"  toml:"transport"  json:"transport"`
	Cache      CacheConfig      `yaml:"cache"      toml:"cache"      json:"cache"`
	Router     RouterConfig     `yaml:"router"     toml:"router"     json:"router"`
	Client     ClientConfig     `yaml:"client"     toml:"client"     json:"client"`
	Translator TranslatorConfig `yaml:"translator" toml:"translator" json:"translator"`
	Scan       ScanConfig       `yaml:"scan"       toml:"scan"       json:"scan"`
	Monitor    MonitorConfig    `yaml:"monitor"    toml:"monitor"    json:"monitor"`
	Metrics    MetricsConfig    `yaml:"metrics"    toml:"metrics"    json:"metrics"`
	Log        LogConfig        `yaml:"log"        toml:"log"        json:"log"`
}

// TransportConfig selects the NATS server and subject namespace.
type TransportConfig struct {
	URL      string `yaml:"url"      toml:"url"      json:"url"      validate:"required,url"`
	Prefix   string `yaml:"prefix"   toml:"prefix"   json:"prefix"   validate:"required,subject"`
	Name     string `yaml:"name"     toml:"name"     json:"name,omitempty"`
	Token    string `yaml:"token"    toml:"token"    json:"token,omitempty"`
	Username string `yaml:"username" toml:"username" json:"username,omitempty"`
	Password string `yaml:"password" toml:"password" json:"password,omitempty"`
	// Codec encodes message payloads: json or cbor.
	Codec string `yaml:"codec" toml:"codec" json:"codec" validate:"oneof=json cbor"`
	// Compression wraps the codec: none, zstd or lz4.
	Compression   string   `yaml:"compression"    toml:"compression"    json:"compression"    validate:"oneof=none zstd lz4"`
	MaxReconnects int       `yaml:"max_reconnects" toml:"max_reconnects" json:"max_reconnects" validate:"gte=-1"`
	ReconnectWait Duration  `yaml:"reconnect_wait" toml:"reconnect_wait" json:"reconnect_wait" validate:"gte=0"`
	TLS           TLSConfig `yaml:"tls"            toml:"tls"            json:"tls"`
}

// TLSConfig enables TLS to the NATS server. Empty paths use the system
// roots and no client certificate.
type TLSConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Cert    string `yaml:"cert"    toml:"cert"    json:"cert,omitempty"    validate:"required_with=Key"`
	Key     string `yaml:"key"     toml:"key"     json:"key,omitempty"     validate:"required_with=Cert"`
	CA      string `yaml:"ca"      toml:"ca"      json:"ca,omitempty"`
}

// CacheConfig sizes the relay and subscriber caches.
type CacheConfig struct {
	// Histories maps an envelope (e.g. "Scan2d_Z") to its history depth.
	// Unlisted envelopes keep one message.
	Histories      map[string]int `yaml:"histories"       toml:"histories"       json:"histories,omitempty" validate:"dive,keys,required,endkeys,gte=1"`
	ReplayAttempts int            `yaml:"replay_attempts" toml:"replay_attempts" json:"replay_attempts"     validate:"gte=0"`
	ReplayTimeout  Duration       `yaml:"replay_timeout"  toml:"replay_timeout"  json:"replay_timeout"      validate:"gt=0"`
	ReplayInterval Duration       `yaml:"replay_interval" toml:"replay_interval" json:"replay_interval"     validate:"gt=0"`
}

// RouterConfig configures the control router.
type RouterConfig struct {
	DeviceTimeout Duration `yaml:"device_timeout" toml:"device_timeout" json:"device_timeout" validate:"gt=0"`
	PollInterval  Duration `yaml:"poll_interval"  toml:"poll_interval"  json:"poll_interval"  validate:"gt=0"`
	InitialMode   string   `yaml:"initial_mode"   toml:"initial_mode"   json:"initial_mode"   validate:"oneof=AUTOMATED MANUAL"`
	// StateBucket, if set, mirrors ControlState into this JetStream KV bucket.
	StateBucket string `yaml:"state_bucket" toml:"state_bucket" json:"state_bucket,omitempty" validate:"omitempty,bucket"`
}

// ClientConfig configures control clients.
type ClientConfig struct {
	Timeout    Duration `yaml:"timeout"     toml:"timeout"     json:"timeout"     validate:"gt=0"`
	Retries    int      `yaml:"retries"     toml:"retries"     json:"retries"     validate:"gte=-1"`
	RetryDelay Duration `yaml:"retry_delay" toml:"retry_delay" json:"retry_delay" validate:"gte=0"`
}

// TranslatorConfig configures the device server.
type TranslatorConfig struct {
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval" validate:"gt=0"`
	// Capabilities is a capability mapping file; empty uses the simulator's.
	Capabilities string    `yaml:"capabilities" toml:"capabilities" json:"capabilities,omitempty"`
	Sim          SimConfig `yaml:"sim"          toml:"sim"          json:"sim"`
}

// SimConfig configures the simulated microscope.
type SimConfig struct {
	MoveDuration Duration `yaml:"move_duration" toml:"move_duration" json:"move_duration" validate:"gte=0"`
	ScanDuration Duration `yaml:"scan_duration" toml:"scan_duration" json:"scan_duration" validate:"gte=0"`
	SpecDuration Duration `yaml:"spec_duration" toml:"spec_duration" json:"spec_duration" validate:"gte=0"`
	Channels     []string `yaml:"channels"      toml:"channels"      json:"channels"      validate:"min=1,dive,required"`
}

// ScanConfig configures the scan handler.
type ScanConfig struct {
	PollInterval   Duration `yaml:"poll_interval"    toml:"poll_interval"    json:"poll_interval"    validate:"gt=0"`
	RetryWait      Duration `yaml:"retry_wait"       toml:"retry_wait"       json:"retry_wait"       validate:"gt=0"`
	Problem        string   `yaml:"problem"          toml:"problem"          json:"problem,omitempty"`
	FlushOnFailure bool     `yaml:"flush_on_failure" toml:"flush_on_failure" json:"flush_on_failure"`
	Region         Region   `yaml:"region"           toml:"region"           json:"region"`
}

// Region is the area the scan handler tiles.
type Region struct {
	X           float64 `yaml:"x"            toml:"x"            json:"x"`
	Y           float64 `yaml:"y"            toml:"y"            json:"y"`
	Width       float64 `yaml:"width"        toml:"width"        json:"width"        validate:"gt=0"`
	Height      float64 `yaml:"height"       toml:"height"       json:"height"       validate:"gt=0"`
	Units       string  `yaml:"units"        toml:"units"        json:"units"        validate:"required"`
	ResolutionX int     `yaml:"resolution_x" toml:"resolution_x" json:"resolution_x" validate:"gte=1"`
	ResolutionY int     `yaml:"resolution_y" toml:"resolution_y" json:"resolution_y" validate:"gte=1"`
	Rows        int     `yaml:"rows"         toml:"rows"         json:"rows"         validate:"gte=1"`
	Cols        int     `yaml:"cols"         toml:"cols"         json:"cols"         validate:"gte=1"`
}

// MonitorConfig configures the websocket monitor.
type MonitorConfig struct {
	Addr       string `yaml:"addr"        toml:"addr"        json:"addr"        validate:"required,hostname_port"`
	Prefix     string `yaml:"prefix"      toml:"prefix"      json:"prefix"      validate:"startswith=/,endswith=/"`
	SendBuffer int    `yaml:"send_buffer" toml:"send_buffer" json:"send_buffer" validate:"gte=1"`
}

// MetricsConfig configures the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr"    toml:"addr"    json:"addr"    validate:"omitempty,hostname_port"`
	Path    string `yaml:"path"    toml:"path"    json:"path"    validate:"startswith=/"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"  toml:"level"  json:"level"  validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" json:"format" validate:"oneof=json text"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Transport: TransportConfig{
			URL:           "nats://localhost:4222",
			Prefix:        "afspm",
			Codec:         wire.CodecJSON,
			Compression:   wire.CompressionNone,
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Cache: CacheConfig{
			ReplayAttempts: 5,
			ReplayTimeout:  Duration(time.Second),
			ReplayInterval: Duration(250 * time.Millisecond),
		},
		Router: RouterConfig{
			DeviceTimeout: Duration(time.Second),
			PollInterval:  Duration(25 * time.Millisecond),
			InitialMode:   "AUTOMATED",
		},
		Client: ClientConfig{
			Timeout:    Duration(500 * time.Millisecond),
			Retries:    1,
			RetryDelay: Duration(100 * time.Millisecond),
		},
		Translator: TranslatorConfig{
			PollInterval: Duration(50 * time.Millisecond),
			Sim: SimConfig{
				MoveDuration: Duration(500 * time.Millisecond),
				ScanDuration: Duration(2 * time.Second),
				SpecDuration: Duration(time.Second),
				Channels:     []string{"Z", "Phase"},
			},
		},
		Scan: ScanConfig{
			PollInterval: Duration(50 * time.Millisecond),
			RetryWait:    Duration(5 * time.Second),
			Region: Region{
				Width:       1000,
				Height:      1000,
				Units:       "nm",
				ResolutionX: 128,
				ResolutionY: 128,
				Rows:        2,
				Cols:        2,
			},
		},
		Monitor: MonitorConfig{
			Addr:       "localhost:8090",
			Prefix:     "/monitor/",
			SendBuffer: 64,
		},
		Metrics: MetricsConfig{
			Addr: "localhost:9090",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return Defaults()
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Subjects returns the transport subjects for the configured prefix.
func (c *Config) Subjects() transport.Subjects {
	return transport.NewSubjects(c.Transport.Prefix)
}

// PayloadCodec builds the configured payload codec.
func (c *Config) PayloadCodec() (wire.Codec, error) {
	return wire.NewCodec(c.Transport.Codec, c.Transport.Compression)
}

// Registry builds an envelope registry with the configured codec and
// history depths.
func (c *Config) Registry() (*envelope.Registry, error) {
	codec, err := c.PayloadCodec()
	if err != nil {
		return nil, err
	}
	registry := envelope.NewRegistry(codec)
	for env, depth := range c.Cache.Histories {
		if err := registry.SetHistory(env, depth); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Registry", "cache.histories."+env)
		}
	}
	return registry, nil
}

// String returns the configuration as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.Transport.Token, &masked.Transport.Password} {
		if *s != "" {
			*s = "***"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SaveToFile writes the configuration as JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}
