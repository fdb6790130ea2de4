// Package bridge forwards captured frames to the virtual video device while
// the device is streaming.
package bridge

import (
	"errors"
	"sync/atomic"

	"github.com/bryanchriswhite/vcambridge/internal/convert"
	"github.com/bryanchriswhite/vcambridge/internal/frame"
	"github.com/bryanchriswhite/vcambridge/internal/logger"
	"github.com/bryanchriswhite/vcambridge/internal/vdevice"
	"github.com/bryanchriswhite/vcambridge/internal/vsource"
)

// Gate reports whether frames may be forwarded and to which source.
type Gate interface {
	IsStreaming() bool
	CurrentHandle() *vdevice.Device
}

// Converter turns a capture frame into a single ingestible buffer.
type Converter interface {
	Convert(f *frame.CaptureFrame) (*frame.ConvertedFrame, error)
}

// Stats are the bridge's frame counters.
type Stats struct {
	Delivered    uint64 `json:"delivered"`
	Forwarded    uint64 `json:"forwarded"`
	Gated        uint64 `json:"gated"`
	Malformed    uint64 `json:"malformed"`
	SubmitErrors uint64 `json:"submit_errors"`
}

// Bridge consumes capture frames and observes the virtual device pipeline.
type Bridge struct {
	lifecycle *vsource.Lifecycle
	gate      Gate
	converter Converter

	delivered    atomic.Uint64
	forwarded    atomic.Uint64
	gated        atomic.Uint64
	malformed    atomic.Uint64
	submitErrors atomic.Uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithGate gates forwarding on g instead of the lifecycle. Pipeline events
// still drive the lifecycle.
func WithGate(g Gate) Option {
	return func(b *Bridge) {
		b.gate = g
	}
}

// New creates a bridge gated by lifecycle.
func New(lifecycle *vsource.Lifecycle, converter Converter, opts ...Option) *Bridge {
	b := &Bridge{
		lifecycle: lifecycle,
		gate:      lifecycle,
		converter: converter,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Process handles one frame on the capture worker. The frame is released on
// every path.
func (b *Bridge) Process(f *frame.CaptureFrame) {
	defer f.Release()
	b.delivered.Add(1)

	log := logger.WithComponent("bridge")

	if !b.gate.IsStreaming() {
		b.gated.Add(1)
		log.Trace().Uint64("seq", f.Seq).Msg("Virtual source not streaming, dropping frame")
		return
	}
	// The source may be removed between the check and here; the frame is
	// then dropped.
	handle := b.gate.CurrentHandle()
	if handle == nil {
		b.gated.Add(1)
		return
	}

	out, err := b.converter.Convert(f)
	if err != nil {
		if errors.Is(err, convert.ErrMalformedFrame) {
			b.malformed.Add(1)
		}
		log.Debug().Err(err).Stringer("frame", f).Msg("Dropping frame")
		return
	}

	if err := handle.SubmitFrame(out.Data, out.Len(), out.Width, out.Height, out.Format); err != nil {
		b.submitErrors.Add(1)
		log.Debug().Err(err).Stringer("device", handle).Msg("Failed to submit frame")
		return
	}
	b.forwarded.Add(1)
}

// Stats returns a copy of the counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Delivered:    b.delivered.Load(),
		Forwarded:    b.forwarded.Load(),
		Gated:        b.gated.Load(),
		Malformed:    b.malformed.Load(),
		SubmitErrors: b.submitErrors.Load(),
	}
}

// Lifecycle returns the lifecycle driving the gate.
func (b *Bridge) Lifecycle() *vsource.Lifecycle {
	return b.lifecycle
}

// OnDeviceAdded implements vdevice.Observer.
func (b *Bridge) OnDeviceAdded(dev *vdevice.Device) {
	b.lifecycle.OnDeviceAdded(dev)
}

// OnDeviceRemoved implements vdevice.Observer.
func (b *Bridge) OnDeviceRemoved(dev *vdevice.Device) {
	b.lifecycle.OnDeviceRemoved(dev)
}

// OnDeviceStateUpdated implements vdevice.Observer.
func (b *Bridge) OnDeviceStateUpdated(dev *vdevice.Device, state vdevice.DeviceState) {
	b.lifecycle.OnDeviceStateUpdated(dev, state)
}

// OnBufferReleased implements vdevice.Observer.
func (b *Bridge) OnBufferReleased(dev *vdevice.Device, buf []byte, size int) {
	b.lifecycle.OnBufferReleased(dev, buf, size)
}
