package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/bryanchriswhite/vcambridge/internal/frame"
	"github.com/bryanchriswhite/vcambridge/internal/logger"
)

// DeviceConfig maps selectors to V4L2 device nodes and fixes the capture
// format requested from them.
type DeviceConfig struct {
	Devices map[Selector]string
	Width   int
	Height  int
	FPS     int
	// StartTimeout bounds how long Bind waits for the first frame.
	StartTimeout time.Duration
}

// Device returns the device node for selector.
func (c DeviceConfig) Device(selector Selector) (string, error) {
	dev, ok := c.Devices[selector]
	if !ok || dev == "" {
		return "", fmt.Errorf("no device configured for %s camera", selector)
	}
	return dev, nil
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	return c
}

// captureCaps is the raw format requested from the camera.
func (c DeviceConfig) captureCaps() string {
	return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d,framerate=%d/1", c.Width, c.Height, c.FPS)
}

// GstFacility captures from V4L2 cameras with an in-process GStreamer
// pipeline:
//
//	v4l2src → videoconvert → I420 → appsink
//
// Samples are polled from the appsink; each frame maps its buffer and unmaps
// it on release.
type GstFacility struct {
	cfg DeviceConfig

	mu       sync.Mutex
	bindings []*gstBinding
}

type gstBinding struct {
	selector Selector
	pipeline *gst.Pipeline
	appsink  *app.Sink
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewGstFacility creates an in-process GStreamer facility.
func NewGstFacility(cfg DeviceConfig) *GstFacility {
	return &GstFacility{cfg: cfg.withDefaults()}
}

// Name returns the facility name
func (g *GstFacility) Name() string {
	return "gstreamer"
}

// Available checks that GStreamer loads and provides v4l2src.
func (g *GstFacility) Available() bool {
	gst.Init(nil)

	elem, err := gst.NewElement("v4l2src")
	if err != nil {
		logger.WithComponent("gstreamer").Debug().Err(err).Msg("v4l2src not available")
		return false
	}
	elem.SetState(gst.StateNull)
	return true
}

// Bind starts a capture pipeline for selector and waits for its first
// frame. A pipeline error or end of stream before then fails the bind.
func (g *GstFacility) Bind(ctx context.Context, selector Selector, deliver DeliverFunc) error {
	log := logger.WithComponent("gstreamer")

	device, err := g.cfg.Device(selector)
	if err != nil {
		return err
	}
	if _, err := os.Stat(device); err != nil {
		return fmt.Errorf("camera device unavailable: %w", err)
	}

	gst.Init(nil)

	pipelineStr := fmt.Sprintf(
		"v4l2src device=%s do-timestamp=true ! "+
			"videoconvert ! "+
			"videoscale ! "+
			"%s ! "+
			"appsink name=sink emit-signals=false max-buffers=2 drop=false sync=false",
		device, g.cfg.captureCaps(),
	)
	log.Debug().Str("pipeline", pipelineStr).Msg("Creating GStreamer capture pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("failed to get appsink: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		pipeline.Unref()
		return fmt.Errorf("camera rejected capture configuration: %w", err)
	}

	bctx, cancel := context.WithCancel(ctx)
	b := &gstBinding{
		selector: selector,
		pipeline: pipeline,
		appsink:  app.SinkFromElement(sinkElement),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	st := newStartup()

	go g.pollSamples(bctx, b, st, deliver)

	if err := st.wait(ctx, g.cfg.StartTimeout); err != nil {
		cancel()
		<-b.done
		pipeline.SetState(gst.StateNull)
		pipeline.Unref()
		return fmt.Errorf("camera stream did not start: %w", err)
	}

	g.mu.Lock()
	g.bindings = append(g.bindings, b)
	g.mu.Unlock()

	log.Info().
		Str("selector", string(selector)).
		Str("device", device).
		Msg("GStreamer capture pipeline started")
	return nil
}

// UnbindAll stops every capture pipeline.
func (g *GstFacility) UnbindAll() {
	g.mu.Lock()
	bindings := g.bindings
	g.bindings = nil
	g.mu.Unlock()

	for _, b := range bindings {
		b.cancel()
		<-b.done
		b.pipeline.SetState(gst.StateNull)
		b.pipeline.Unref()
		logger.WithComponent("gstreamer").Info().
			Str("selector", string(b.selector)).
			Msg("GStreamer capture pipeline stopped")
	}
}

// pollSamples pulls samples until ctx ends or the pipeline reports an error
// or end of stream. deliver blocks while the consumer is busy, so the appsink
// queue fills and upstream waits.
func (g *GstFacility) pollSamples(ctx context.Context, b *gstBinding, st *startup, deliver DeliverFunc) {
	defer close(b.done)
	log := logger.WithComponent("gstreamer")
	bus := b.pipeline.GetPipelineBus()
	deliver = st.deliver(deliver)

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Sample polling stopped")
			return
		default:
		}

		if err := busFailure(bus); err != nil {
			st.fail(err)
			log.Warn().Err(err).Str("selector", string(b.selector)).Msg("Camera stream ended")
			return
		}

		sample := b.appsink.TryPullSample(10 * time.Millisecond)
		if sample == nil {
			continue
		}

		f, err := frameFromSample(sample)
		if err != nil {
			log.Debug().Err(err).Msg("Skipping unusable sample")
			continue
		}
		seq++
		f.Seq = seq
		deliver(f)
	}
}

// busFailure drains pending bus messages and returns the first error or
// end of stream among them.
func busFailure(bus *gst.Bus) error {
	for {
		msg := bus.Pop()
		if msg == nil {
			return nil
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("pipeline error: %s (%s)", gerr.Error(), gerr.DebugString())
		case gst.MessageEOS:
			return errors.New("end of stream")
		}
	}
}

// frameFromSample wraps a mapped I420 sample. The buffer stays mapped until
// the frame is released.
func frameFromSample(sample *gst.Sample) (*frame.CaptureFrame, error) {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("sample has no buffer")
	}

	caps := sample.GetCaps()
	if caps == nil {
		return nil, fmt.Errorf("sample has no caps")
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return nil, fmt.Errorf("caps have no structure")
	}

	width, _ := structure.GetValue("width")
	height, _ := structure.GetValue("height")
	w, ok := width.(int)
	if !ok {
		return nil, fmt.Errorf("caps width is %T", width)
	}
	h, ok := height.(int)
	if !ok {
		return nil, fmt.Errorf("caps height is %T", height)
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil, fmt.Errorf("failed to map buffer")
	}

	planes, err := i420Planes(mapInfo.Bytes(), w, h)
	if err != nil {
		buffer.Unmap()
		return nil, err
	}

	return frame.NewCaptureFrame(w, h, frame.FormatI420, planes, func() {
		buffer.Unmap()
		runtime.KeepAlive(sample)
	}), nil
}
