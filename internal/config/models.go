package config

import (
	"fmt"
	"strings"
)

// Capture backend names, in the order they are tried by default.
const (
	BackendGStreamer = "gstreamer"
	BackendLaunch    = "gst-launch"
	BackendSynthetic = "synthetic"
)

// Virtual device pipeline names.
const (
	PipelineGStreamer = "gstreamer"
	PipelineLoopback  = "loopback"
)

// Config is the persisted vcambridge configuration.
type Config struct {
	ServerPort    int                 `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel      string              `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty     bool                `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	Capture       CaptureConfig       `json:"capture" yaml:"capture" mapstructure:"capture"`
	Converter     ConverterConfig     `json:"converter" yaml:"converter" mapstructure:"converter"`
	VirtualSource VirtualSourceConfig `json:"virtual_source" yaml:"virtual_source" mapstructure:"virtual_source"`
}

// CaptureConfig selects the capture backend and camera.
type CaptureConfig struct {
	// Backends are tried in order until one binds.
	Backends  []string      `json:"backends" yaml:"backends" mapstructure:"backends"`
	Selector  string        `json:"selector" yaml:"selector" mapstructure:"selector"`
	Devices   DevicesConfig `json:"devices" yaml:"devices" mapstructure:"devices"`
	Width     int           `json:"width" yaml:"width" mapstructure:"width"`
	Height    int           `json:"height" yaml:"height" mapstructure:"height"`
	FPS       int           `json:"fps" yaml:"fps" mapstructure:"fps"`
	UsePortal bool          `json:"use_portal" yaml:"use_portal" mapstructure:"use_portal"`
	// StartTimeoutMS bounds the wait for a backend's first frame before it
	// counts as failed and the next backend is tried.
	StartTimeoutMS int `json:"start_timeout_ms" yaml:"start_timeout_ms" mapstructure:"start_timeout_ms"`
}

// DevicesConfig maps camera selectors to device nodes.
type DevicesConfig struct {
	Front string `json:"front" yaml:"front" mapstructure:"front"`
	Back  string `json:"back" yaml:"back" mapstructure:"back"`
}

// ConverterConfig configures pixel format conversion.
type ConverterConfig struct {
	// StrideAware changes two things relative to the plain copy: rows are
	// packed without their padding, and chroma is written as interleaved V/U
	// pairs instead of the V plane followed by the U plane. When false the
	// planes are copied whole, one after another.
	StrideAware bool `json:"stride_aware" yaml:"stride_aware" mapstructure:"stride_aware"`
}

// VirtualSourceConfig describes the virtual camera presented downstream.
type VirtualSourceConfig struct {
	// ID is generated on first start when empty.
	ID       string `json:"id" yaml:"id" mapstructure:"id"`
	Label    string `json:"label" yaml:"label" mapstructure:"label"`
	Category string `json:"category" yaml:"category" mapstructure:"category"`
	Pipeline string `json:"pipeline" yaml:"pipeline" mapstructure:"pipeline"`
	// Sink is a gst-launch style description of the GStreamer sink.
	Sink string `json:"sink" yaml:"sink" mapstructure:"sink"`
	// DumpPath receives the raw converted frames of the loopback pipeline.
	DumpPath string `json:"dump_path" yaml:"dump_path" mapstructure:"dump_path"`
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Capture: CaptureConfig{
			Backends: []string{BackendGStreamer, BackendLaunch, BackendSynthetic},
			Selector: "front",
			Devices: DevicesConfig{
				Front: "/dev/video0",
				Back:  "/dev/video2",
			},
			Width:          640,
			Height:         480,
			FPS:            30,
			StartTimeoutMS: 5000,
		},
		Converter: ConverterConfig{
			StrideAware: true,
		},
		VirtualSource: VirtualSourceConfig{
			Label:    "vcambridge",
			Category: "camera",
			Pipeline: PipelineGStreamer,
			Sink:     "v4l2sink device=/dev/video10 sync=false",
		},
	}
}

var validLogLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port: %d", c.ServerPort)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log_level: %s (use: trace, debug, info, warn, error)", c.LogLevel)
	}

	if len(c.Capture.Backends) == 0 {
		return fmt.Errorf("capture.backends must name at least one backend")
	}
	for _, b := range c.Capture.Backends {
		switch b {
		case BackendGStreamer, BackendLaunch, BackendSynthetic:
		default:
			return fmt.Errorf("unknown capture backend: %s", b)
		}
	}
	switch strings.ToLower(c.Capture.Selector) {
	case "", "front", "back":
	default:
		return fmt.Errorf("invalid capture.selector: %s (use: front, back)", c.Capture.Selector)
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 || c.Capture.FPS <= 0 {
		return fmt.Errorf("invalid capture format %dx%d@%d", c.Capture.Width, c.Capture.Height, c.Capture.FPS)
	}
	if c.Capture.StartTimeoutMS < 0 {
		return fmt.Errorf("invalid capture.start_timeout_ms: %d", c.Capture.StartTimeoutMS)
	}

	switch c.VirtualSource.Category {
	case "camera", "screen":
	default:
		return fmt.Errorf("invalid virtual_source.category: %s (use: camera, screen)", c.VirtualSource.Category)
	}
	switch c.VirtualSource.Pipeline {
	case PipelineGStreamer, PipelineLoopback:
	default:
		return fmt.Errorf("invalid virtual_source.pipeline: %s (use: gstreamer, loopback)", c.VirtualSource.Pipeline)
	}
	return nil
}

// clone returns a deep copy.
func (c *Config) clone() *Config {
	cp := *c
	cp.Capture.Backends = append([]string(nil), c.Capture.Backends...)
	return &cp
}
