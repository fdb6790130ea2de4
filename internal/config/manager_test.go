package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)
	return m
}

func TestNewManager_CreatesDefaults(t *testing.T) {
	m := newTestManager(t)

	_, err := os.Stat(m.GetConfigPath())
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(m.GetConfigPath()), m.GetConfigDir())

	cfg := m.Get()
	assert.Equal(t, Defaults(), cfg)
	assert.True(t, cfg.Converter.StrideAware)
	assert.Equal(t, 8080, m.GetPort())
	assert.Equal(t, "info", m.GetLogLevel())
}

func TestNewManager_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_port: 9090\ncapture:\n  selector: back\n"), 0644))

	m, err := NewManager(path)
	require.NoError(t, err)

	cfg := m.Get()
	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, "back", cfg.Capture.Selector)
	assert.Equal(t, "/dev/video0", cfg.Capture.Devices.Front)
	assert.Equal(t, 30, cfg.Capture.FPS)
	assert.Equal(t, 5000, cfg.Capture.StartTimeoutMS)
	assert.Equal(t, PipelineGStreamer, cfg.VirtualSource.Pipeline)
}

func TestNewManager_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("virtual_source:\n  pipeline: ndi\n"), 0644))

	_, err := NewManager(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("server_port: [\n"), 0644))
	_, err = NewManager(path)
	assert.Error(t, err)
}

func TestManager_GetReturnsCopy(t *testing.T) {
	m := newTestManager(t)

	cfg := m.Get()
	cfg.ServerPort = 1
	cfg.Capture.Backends[0] = "mutated"

	fresh := m.Get()
	assert.Equal(t, 8080, fresh.ServerPort)
	assert.Equal(t, BackendGStreamer, fresh.Capture.Backends[0])
}

func TestManager_SetPersists(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set("capture.selector", "back"))
	require.NoError(t, m.Set("server_port", 9191))
	require.NoError(t, m.Set("converter.stride_aware", false))
	require.NoError(t, m.Set("capture.backends", "synthetic,gst-launch"))

	reloaded, err := NewManager(m.GetConfigPath())
	require.NoError(t, err)

	cfg := reloaded.Get()
	assert.Equal(t, "back", cfg.Capture.Selector)
	assert.Equal(t, 9191, cfg.ServerPort)
	assert.False(t, cfg.Converter.StrideAware)
	assert.Equal(t, []string{BackendSynthetic, BackendLaunch}, cfg.Capture.Backends)
}

func TestManager_SetRejects(t *testing.T) {
	m := newTestManager(t)

	assert.Error(t, m.Set("no_such_key", "x"))
	assert.Error(t, m.Set("capture.selector", "sideways"))
	assert.Error(t, m.Set("server_port", 70000))

	assert.Equal(t, "front", m.Get().Capture.Selector)
	assert.Equal(t, 8080, m.Get().ServerPort)
}

func TestManager_SetPortAndLogLevel(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.SetPort(9000))
	require.NoError(t, m.SetLogLevel("debug"))
	assert.Error(t, m.SetLogLevel("loud"))
	require.NoError(t, m.SetVirtualSourceID("cam-1"))

	assert.Equal(t, 9000, m.GetPort())
	assert.Equal(t, "debug", m.GetLogLevel())
	assert.Equal(t, "cam-1", m.Get().VirtualSource.ID)
}

func TestManager_GetViper(t *testing.T) {
	m := newTestManager(t)
	v := m.GetViper()

	assert.True(t, v.IsSet("capture.devices.front"))
	assert.Equal(t, "/dev/video0", v.GetString("capture.devices.front"))
	assert.Equal(t, 480, v.GetInt("capture.height"))
	assert.True(t, v.GetBool("converter.stride_aware"))
}

func TestManager_EffectiveAppliesEnv(t *testing.T) {
	m := newTestManager(t)

	t.Setenv("VCAMBRIDGE_CAPTURE_SELECTOR", "back")
	t.Setenv("VCAMBRIDGE_SERVER_PORT", "7070")
	t.Setenv("VCAMBRIDGE_VIRTUAL_SOURCE_PIPELINE", "loopback")

	cfg, err := m.Effective()
	require.NoError(t, err)
	assert.Equal(t, "back", cfg.Capture.Selector)
	assert.Equal(t, 7070, cfg.ServerPort)
	assert.Equal(t, PipelineLoopback, cfg.VirtualSource.Pipeline)

	// The file is unchanged.
	assert.Equal(t, "front", m.Get().Capture.Selector)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"port", func(c *Config) { c.ServerPort = 0 }},
		{"log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"no backends", func(c *Config) { c.Capture.Backends = nil }},
		{"unknown backend", func(c *Config) { c.Capture.Backends = []string{"pipewire"} }},
		{"selector", func(c *Config) { c.Capture.Selector = "left" }},
		{"size", func(c *Config) { c.Capture.Width = 0 }},
		{"fps", func(c *Config) { c.Capture.FPS = -1 }},
		{"start timeout", func(c *Config) { c.Capture.StartTimeoutMS = -1 }},
		{"category", func(c *Config) { c.VirtualSource.Category = "microphone" }},
		{"pipeline", func(c *Config) { c.VirtualSource.Pipeline = "ndi" }},
	}

	require.NoError(t, Defaults().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
