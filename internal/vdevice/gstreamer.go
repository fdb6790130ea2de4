package vdevice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bryanchriswhite/vcambridge/internal/frame"
	"github.com/bryanchriswhite/vcambridge/internal/logger"
)

// GstConfig configures a GStreamer-backed pipeline.
type GstConfig struct {
	// Sink is a gst-launch style description of the element(s) that
	// consume the frames, e.g. "v4l2sink device=/dev/video10".
	Sink string
	FPS  int
}

// GstPipeline exposes each virtual source as an appsrc-fed GStreamer
// pipeline:
//
//	appsrc → videoconvert → <sink>
//
// Selecting a source sets its pipeline to PLAYING; the started/stopped
// events are derived from the pipeline bus, so they arrive asynchronously
// once GStreamer has actually changed state.
type GstPipeline struct {
	cfg GstConfig

	obsMu    sync.Mutex
	observer Observer

	mu       sync.Mutex
	sources  map[string]*gstSource
	selected *Device
	closed   bool

	disp *dispatcher
}

type gstSource struct {
	dev      *Device
	pipeline *gst.Pipeline
	appsrc   *app.Source
	caps     string
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewGstPipeline creates a GStreamer-backed pipeline.
func NewGstPipeline(cfg GstConfig) *GstPipeline {
	if cfg.Sink == "" {
		cfg.Sink = "fakesink sync=false"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &GstPipeline{
		cfg:     cfg,
		sources: make(map[string]*gstSource),
		disp:    newDispatcher(),
	}
}

// Name returns the pipeline name
func (p *GstPipeline) Name() string {
	return "gstreamer"
}

// RegisterObserver sets the event receiver.
func (p *GstPipeline) RegisterObserver(obs Observer) {
	p.obsMu.Lock()
	p.observer = obs
	p.obsMu.Unlock()
}

// CreateVirtualSource builds the source's GStreamer pipeline in the READY
// state and posts device-added.
func (p *GstPipeline) CreateVirtualSource(category Category, id, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("gstreamer pipeline closed")
	}
	if _, exists := p.sources[id]; exists {
		return fmt.Errorf("virtual source %q already exists", id)
	}

	log := logger.WithComponent("vdevice-gst")

	gst.Init(nil)

	pipelineStr := fmt.Sprintf(
		"appsrc name=src is-live=true do-timestamp=true format=time ! "+
			"videoconvert ! "+
			"%s",
		p.cfg.Sink,
	)
	log.Debug().Str("pipeline", pipelineStr).Msg("Creating virtual source pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	srcElement, err := pipeline.GetElementByName("src")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to get appsrc: %w", err)
	}

	if err := pipeline.SetState(gst.StateReady); err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to prepare pipeline: %w", err)
	}

	dev := NewDevice(category, id, label, p)
	ctx, cancel := context.WithCancel(context.Background())
	src := &gstSource{
		dev:      dev,
		pipeline: pipeline,
		appsrc:   app.SrcFromElement(srcElement),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.sources[id] = src

	go p.monitorBus(ctx, src)

	log.Info().
		Str("id", id).
		Str("category", string(category)).
		Str("sink", p.cfg.Sink).
		Msg("Virtual source created")

	p.emit(func(obs Observer) { obs.OnDeviceAdded(dev) })
	return nil
}

// SelectVirtualSource sets dev's pipeline to PLAYING and pauses any other
// selected source. nil pauses the selected source.
func (p *GstPipeline) SelectVirtualSource(dev *Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var next *gstSource
	if dev != nil {
		var ok bool
		if next, ok = p.sources[dev.ID]; !ok {
			return fmt.Errorf("unknown virtual source %q", dev.ID)
		}
	}
	if p.selected.Same(dev) {
		return nil
	}

	if p.selected != nil {
		if prev, ok := p.sources[p.selected.ID]; ok {
			if err := prev.pipeline.SetState(gst.StatePaused); err != nil {
				logger.WithComponent("vdevice-gst").Warn().Err(err).Stringer("source", prev.dev).Msg("Failed to pause virtual source")
			}
		}
	}
	p.selected = nil

	if next != nil {
		if err := next.pipeline.SetState(gst.StatePlaying); err != nil {
			return fmt.Errorf("failed to start virtual source %s: %w", dev, err)
		}
		p.selected = next.dev
	}
	return nil
}

// DestroyVirtualSource tears down dev's pipeline and posts device-removed.
func (p *GstPipeline) DestroyVirtualSource(dev *Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyLocked(dev)
}

func (p *GstPipeline) destroyLocked(dev *Device) error {
	if dev == nil {
		return fmt.Errorf("nil virtual source")
	}
	src, ok := p.sources[dev.ID]
	if !ok {
		return fmt.Errorf("unknown virtual source %q", dev.ID)
	}
	delete(p.sources, dev.ID)
	if p.selected.Same(dev) {
		p.selected = nil
	}

	src.cancel()
	<-src.done

	src.appsrc.EndStream()
	src.pipeline.SetState(gst.StateNull)
	src.pipeline.Unref()

	logger.WithComponent("vdevice-gst").Info().Stringer("source", src.dev).Msg("Virtual source destroyed")

	p.emit(func(obs Observer) { obs.OnDeviceRemoved(src.dev) })
	return nil
}

// SubmitFrame implements FrameSink by pushing a copy of buf[:length] into
// the source's appsrc, updating caps when the geometry or format changes.
func (p *GstPipeline) SubmitFrame(dev *Device, buf []byte, length, width, height int, format frame.PixelFormat) error {
	p.mu.Lock()
	src, ok := p.sources[dev.ID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown virtual source %q", dev.ID)
	}
	caps, err := capsFor(format, width, height, p.cfg.FPS)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if caps != src.caps {
		src.appsrc.SetCaps(gst.NewCapsFromString(caps))
		src.caps = caps
		logger.WithComponent("vdevice-gst").Info().Str("caps", caps).Stringer("source", dev).Msg("Virtual source caps updated")
	}
	appsrc := src.appsrc
	p.mu.Unlock()

	if ret := appsrc.PushBuffer(gst.NewBufferFromBytes(buf[:length])); ret != gst.FlowOK {
		return fmt.Errorf("appsrc push failed: %s", ret.String())
	}

	p.emit(func(obs Observer) { obs.OnBufferReleased(dev, buf, length) })
	return nil
}

// Close destroys all sources and stops event dispatch.
func (p *GstPipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	for _, src := range p.sources {
		_ = p.destroyLocked(src.dev)
	}
	p.closed = true
	p.mu.Unlock()

	p.disp.close()
	return nil
}

// monitorBus turns pipeline state changes into lifecycle events.
func (p *GstPipeline) monitorBus(ctx context.Context, src *gstSource) {
	defer close(src.done)

	log := logger.WithComponent("vdevice-gst")
	bus := src.pipeline.GetPipelineBus()
	name := src.pipeline.GetName()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageStateChanged:
			if msg.Source() != name {
				continue
			}
			oldState, newState := msg.ParseStateChanged()
			log.Debug().
				Stringer("source", src.dev).
				Str("from", oldState.String()).
				Str("to", newState.String()).
				Msg("Virtual source pipeline state changed")

			if state, ok := deviceStateFor(oldState, newState); ok {
				p.emit(func(obs Observer) { obs.OnDeviceStateUpdated(src.dev, state) })
			}

		case gst.MessageError:
			gerr := msg.ParseError()
			log.Error().
				Str("error", gerr.Error()).
				Str("debug", gerr.DebugString()).
				Stringer("source", src.dev).
				Msg("Virtual source pipeline error")
			p.emit(func(obs Observer) { obs.OnDeviceStateUpdated(src.dev, DeviceStopped) })

		case gst.MessageEOS:
			log.Info().Stringer("source", src.dev).Msg("Virtual source reached end of stream")
		}
	}
}

// deviceStateFor maps a pipeline state transition to the lifecycle state it
// announces, if any.
func deviceStateFor(oldState, newState gst.State) (DeviceState, bool) {
	switch {
	case newState == gst.StatePlaying:
		return DeviceStarted, true
	case oldState == gst.StatePlaying && newState == gst.StatePaused:
		return DeviceStopped, true
	}
	return "", false
}

// capsFor returns the raw video caps describing a submitted buffer.
func capsFor(format frame.PixelFormat, width, height, fps int) (string, error) {
	var name string
	switch format {
	case frame.FormatNV21:
		name = "NV21"
	case frame.FormatI420:
		name = "I420"
	default:
		return "", fmt.Errorf("unsupported pixel format %s", format)
	}
	if width <= 0 || height <= 0 {
		return "", fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1", name, width, height, fps), nil
}

// emit posts an observer callback. It never takes p.mu, so the bus monitor
// can emit while a teardown holding p.mu waits for it.
func (p *GstPipeline) emit(fn func(Observer)) {
	p.obsMu.Lock()
	obs := p.observer
	p.obsMu.Unlock()
	if obs == nil {
		return
	}
	p.disp.post(func() { fn(obs) })
}
