package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 500*time.Millisecond, cfg.Client.Timeout.D())
	assert.Equal(t, 5*time.Second, cfg.Scan.RetryWait.D())
	assert.Equal(t, "afspm.router", cfg.Subjects().Router())
}

func TestLoadLayersAcrossFormats(t *testing.T) {
	base := writeFile(t, "base.yaml", `
transport:
  url: nats://scope-host:4222
  codec: cbor
  compression: zstd
router:
  device_timeout: 2s
cache:
  histories:
    Scan2d: 4
translator:
  sim:
    channels: [Z, Amplitude]
`)
	site := writeFile(t, "site.toml", `
[router]
initial_mode = "MANUAL"

[scan.region]
rows = 3
cols = 4
`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(site)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://scope-host:4222", cfg.Transport.URL)
	assert.Equal(t, "afspm", cfg.Transport.Prefix, "untouched keys keep defaults")
	assert.Equal(t, 2*time.Second, cfg.Router.DeviceTimeout.D())
	assert.Equal(t, "MANUAL", cfg.Router.InitialMode)
	assert.Equal(t, []string{"Z", "Amplitude"}, cfg.Translator.Sim.Channels)
	assert.Equal(t, 3, cfg.Scan.Region.Rows)
	assert.Equal(t, 4, cfg.Scan.Region.Cols)
	assert.Equal(t, 1000.0, cfg.Scan.Region.Width)

	registry, err := cfg.Registry()
	require.NoError(t, err)
	depth, err := registry.History("Scan2d_Z")
	require.NoError(t, err)
	assert.Equal(t, 4, depth)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "afspm.json", `{"log": {"level": "debug"}, "client": {"retries": 3}}`)
	cfg, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Client.Retries)
}

func TestEnvOverridesFiles(t *testing.T) {
	path := writeFile(t, "afspm.yaml", "log:\n  level: warn\n")
	l := newTestLoader(map[string]string{
		"AFSPM_LOG_LEVEL":       "error",
		"AFSPM_CLIENT_TIMEOUT":  "750ms",
		"AFSPM_METRICS_ENABLED": "true",
		"AFSPM_PREFIX":          "lab1.afm",
	})
	l.AddLayer(path)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, 750*time.Millisecond, cfg.Client.Timeout.D())
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "lab1.afm.pub", cfg.Subjects().Pub())
}

func TestEnvOverrideRejectsBadValue(t *testing.T) {
	_, err := newTestLoader(map[string]string{"AFSPM_CLIENT_RETRIES": "many"}).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AFSPM_CLIENT_RETRIES")
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unknown yaml key", "a.yaml", "router:\n  timeout: 1s\n", "invalid YAML"},
		{"unknown toml key", "a.toml", "[router]\ntimeout = \"1s\"\n", "unknown TOML keys"},
		{"unknown json key", "a.json", `{"routr": {}}`, "invalid JSON"},
		{"bad duration", "a.yaml", "client:\n  timeout: soon\n", "invalid duration"},
		{"bad codec", "a.yaml", "transport:\n  codec: xml\n", "transport.codec"},
		{"wildcard prefix", "a.yaml", "transport:\n  prefix: afspm.*\n", "transport.prefix"},
		{"bad mode", "a.yaml", "router:\n  initial_mode: PROBLEM\n", "router.initial_mode"},
		{"unknown envelope", "a.yaml", "cache:\n  histories:\n    Hologram: 2\n", "cache.histories"},
		{"zero history", "a.yaml", "cache:\n  histories:\n    Scan2d: 0\n", "cache.histories"},
		{"bad bucket", "a.yaml", "router:\n  state_bucket: \"control state\"\n", "router.state_bucket"},
		{"cert without key", "a.yaml", "transport:\n  tls:\n    enabled: true\n    cert: client.pem\n", "transport.tls.key"},
		{"unsupported extension", "a.ini", "x=1", "unsupported config format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader(nil).LoadFile(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateCrossField(t *testing.T) {
	cfg := Defaults()
	cfg.Client.Timeout = Duration(time.Millisecond)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client.timeout")

	cfg = Defaults()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ""
	require.Error(t, cfg.Validate())
}

func TestValidationCanBeDisabled(t *testing.T) {
	path := writeFile(t, "a.yaml", "transport:\n  codec: xml\n")
	l := newTestLoader(nil)
	l.EnableValidation(false)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "xml", cfg.Transport.Codec)
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.Token = "s3cret"
	out := cfg.String()
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, `"token": "***"`)
	assert.Equal(t, "s3cret", cfg.Transport.Token)
}

func TestSaveAndReload(t *testing.T) {
	cfg := Defaults()
	cfg.Scan.Problem = "tip-damaged"
	cfg.Cache.Histories = map[string]int{"Spec1d": 3}
	path := filepath.Join(t.TempDir(), "saved.json")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("reloaded config differs (-saved +loaded):\n%s", diff)
	}
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "[[[["}`)))
	assert.Error(t, validateJSONDepth([]byte(strings.Repeat("[", maxJSONDepth+1)+strings.Repeat("]", maxJSONDepth+1))))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [}`)))
}

func TestEnvVars(t *testing.T) {
	vars := EnvVars()
	assert.Contains(t, vars, "AFSPM_NATS_URL")
	for _, v := range vars {
		assert.True(t, strings.HasPrefix(v, EnvPrefix+"_"), v)
	}
}
