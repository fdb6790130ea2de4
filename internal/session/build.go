package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bryanchriswhite/vcambridge/internal/capture"
	"github.com/bryanchriswhite/vcambridge/internal/config"
	"github.com/bryanchriswhite/vcambridge/internal/convert"
	"github.com/bryanchriswhite/vcambridge/internal/logger"
	"github.com/bryanchriswhite/vcambridge/internal/vdevice"
)

// FromConfig builds a session from configuration.
func FromConfig(cfg *config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var closers []io.Closer

	facility, portal, err := NewFacility(cfg.Capture)
	if err != nil {
		return nil, err
	}
	if portal != nil {
		closers = append(closers, portal)
	}

	pipeline, dump, err := NewPipeline(cfg.VirtualSource, cfg.Capture.FPS)
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}
	if dump != nil {
		closers = append(closers, dump)
	}

	category, err := vdevice.ParseCategory(cfg.VirtualSource.Category)
	if err != nil {
		return nil, err
	}
	selector, err := capture.ParseSelector(cfg.Capture.Selector)
	if err != nil {
		return nil, err
	}

	s := New(facility, pipeline, convert.New(cfg.Converter.StrideAware), Options{
		Category: category,
		SourceID: cfg.VirtualSource.ID,
		Label:    cfg.VirtualSource.Label,
		Selector: selector,
	})
	s.closers = closers
	return s, nil
}

// NewFacility builds the capture router for the configured backends. The
// returned portal is non-nil when camera access goes through
// xdg-desktop-portal and must be closed by the caller.
func NewFacility(cfg config.CaptureConfig) (*capture.Router, *capture.Portal, error) {
	devices := capture.DeviceConfig{
		Devices: map[capture.Selector]string{
			capture.SelectorFront: cfg.Devices.Front,
			capture.SelectorBack:  cfg.Devices.Back,
		},
		Width:        cfg.Width,
		Height:       cfg.Height,
		FPS:          cfg.FPS,
		StartTimeout: time.Duration(cfg.StartTimeoutMS) * time.Millisecond,
	}

	var backends []capture.Facility
	for _, name := range cfg.Backends {
		switch name {
		case config.BackendGStreamer:
			backends = append(backends, capture.NewGstFacility(devices))
		case config.BackendLaunch:
			backends = append(backends, capture.NewLaunchFacility(devices))
		case config.BackendSynthetic:
			backends = append(backends, capture.NewSyntheticFacility(cfg.Width, cfg.Height, cfg.FPS, "vcambridge"))
		default:
			return nil, nil, fmt.Errorf("unknown capture backend: %s", name)
		}
	}

	if !cfg.UsePortal {
		return capture.NewRouter(nil, backends...), nil, nil
	}

	portal, err := capture.NewPortal()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to camera portal: %w", err)
	}
	if present, err := portal.IsCameraPresent(); err != nil {
		logger.WithComponent("session").Warn().Err(err).Msg("Could not query camera portal")
	} else if !present {
		logger.WithComponent("session").Warn().Msg("Camera portal reports no camera present")
	}
	return capture.NewRouter(portal, backends...), portal, nil
}

// NewPipeline builds the configured virtual device pipeline. The returned
// closer is the loopback dump file, if any.
func NewPipeline(cfg config.VirtualSourceConfig, fps int) (vdevice.Pipeline, io.Closer, error) {
	switch cfg.Pipeline {
	case config.PipelineGStreamer:
		return vdevice.NewGstPipeline(vdevice.GstConfig{Sink: cfg.Sink, FPS: fps}), nil, nil
	case config.PipelineLoopback:
		if cfg.DumpPath == "" {
			return vdevice.NewLoopback(), nil, nil
		}
		if err := os.MkdirAll(filepath.Dir(cfg.DumpPath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create dump directory: %w", err)
		}
		f, err := os.Create(cfg.DumpPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create dump file: %w", err)
		}
		return vdevice.NewLoopback(vdevice.WithDump(f)), f, nil
	default:
		return nil, nil, fmt.Errorf("unknown virtual device pipeline: %s", cfg.Pipeline)
	}
}
