package vdevice

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/vcambridge/internal/frame"
	"github.com/bryanchriswhite/vcambridge/internal/logger"
)

// Loopback is an in-process virtual device pipeline. Selecting a source
// starts it and deselecting stops it, the way a conferencing client starts
// the selected camera. Submitted frames are counted and, if a dump writer is
// set, appended to it as raw bytes.
type Loopback struct {
	mu       sync.Mutex
	observer Observer
	sources  map[string]*Device
	selected *Device
	dump     io.Writer
	closed   bool

	frames atomic.Uint64
	bytes  atomic.Uint64

	disp *dispatcher
}

// LoopbackOption configures a Loopback.
type LoopbackOption func(*Loopback)

// WithDump appends every submitted frame to w.
func WithDump(w io.Writer) LoopbackOption {
	return func(l *Loopback) {
		l.dump = w
	}
}

// NewLoopback creates an in-process pipeline.
func NewLoopback(opts ...LoopbackOption) *Loopback {
	l := &Loopback{
		sources: make(map[string]*Device),
		disp:    newDispatcher(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the pipeline name
func (l *Loopback) Name() string {
	return "loopback"
}

// RegisterObserver sets the event receiver.
func (l *Loopback) RegisterObserver(obs Observer) {
	l.mu.Lock()
	l.observer = obs
	l.mu.Unlock()
}

// CreateVirtualSource registers a source and posts device-added.
func (l *Loopback) CreateVirtualSource(category Category, id, label string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("loopback pipeline closed")
	}
	if _, exists := l.sources[id]; exists {
		return fmt.Errorf("virtual source %q already exists", id)
	}

	dev := NewDevice(category, id, label, l)
	l.sources[id] = dev

	logger.WithComponent("loopback").Info().
		Str("id", id).
		Str("category", string(category)).
		Str("label", label).
		Msg("Virtual source created")

	l.emitLocked(func(obs Observer) { obs.OnDeviceAdded(dev) })
	return nil
}

// SelectVirtualSource starts dev, stopping any other selected source. nil
// stops the selected source.
func (l *Loopback) SelectVirtualSource(dev *Device) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dev != nil {
		if _, ok := l.sources[dev.ID]; !ok {
			return fmt.Errorf("unknown virtual source %q", dev.ID)
		}
	}
	if l.selected.Same(dev) {
		return nil
	}

	if prev := l.selected; prev != nil {
		l.emitLocked(func(obs Observer) { obs.OnDeviceStateUpdated(prev, DeviceStopped) })
	}
	l.selected = dev
	if dev != nil {
		l.emitLocked(func(obs Observer) { obs.OnDeviceStateUpdated(dev, DeviceStarted) })
	}

	logger.WithComponent("loopback").Debug().Stringer("source", dev).Msg("Virtual source selected")
	return nil
}

// DestroyVirtualSource unregisters dev and posts device-removed.
func (l *Loopback) DestroyVirtualSource(dev *Device) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyLocked(dev)
}

func (l *Loopback) destroyLocked(dev *Device) error {
	if dev == nil {
		return fmt.Errorf("nil virtual source")
	}
	registered, ok := l.sources[dev.ID]
	if !ok {
		return fmt.Errorf("unknown virtual source %q", dev.ID)
	}
	delete(l.sources, dev.ID)

	if l.selected.Same(registered) {
		l.selected = nil
		l.emitLocked(func(obs Observer) { obs.OnDeviceStateUpdated(registered, DeviceStopped) })
	}
	l.emitLocked(func(obs Observer) { obs.OnDeviceRemoved(registered) })
	return nil
}

// UpdateState posts an arbitrary state-update for dev without changing the
// selection. Used to surface configuration changes.
func (l *Loopback) UpdateState(dev *Device, state DeviceState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(func(obs Observer) { obs.OnDeviceStateUpdated(dev, state) })
}

// SubmitFrame implements FrameSink. Only the selected source accepts frames.
func (l *Loopback) SubmitFrame(dev *Device, buf []byte, length, width, height int, format frame.PixelFormat) error {
	l.mu.Lock()
	selected := l.selected.Same(dev)
	dump := l.dump
	l.mu.Unlock()

	if !selected {
		return fmt.Errorf("virtual source %s is not started", dev)
	}

	if dump != nil {
		if _, err := dump.Write(buf[:length]); err != nil {
			return fmt.Errorf("failed to write frame dump: %w", err)
		}
	}

	l.frames.Add(1)
	l.bytes.Add(uint64(length))

	logger.WithComponent("loopback").Trace().
		Int("width", width).
		Int("height", height).
		Int("length", length).
		Stringer("format", format).
		Msg("Frame ingested")

	l.mu.Lock()
	l.emitLocked(func(obs Observer) { obs.OnBufferReleased(dev, buf, length) })
	l.mu.Unlock()
	return nil
}

// Frames returns the number of ingested frames.
func (l *Loopback) Frames() uint64 {
	return l.frames.Load()
}

// Bytes returns the number of ingested bytes.
func (l *Loopback) Bytes() uint64 {
	return l.bytes.Load()
}

// Sync waits until all events posted so far have been delivered.
func (l *Loopback) Sync() {
	l.disp.sync()
}

// Close destroys all sources, delivers pending events and stops dispatch.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	for _, dev := range l.sources {
		_ = l.destroyLocked(dev)
	}
	l.closed = true
	l.mu.Unlock()

	l.disp.close()
	return nil
}

// emitLocked posts an observer callback. Caller holds l.mu.
func (l *Loopback) emitLocked(fn func(Observer)) {
	obs := l.observer
	if obs == nil {
		return
	}
	l.disp.post(func() { fn(obs) })
}
