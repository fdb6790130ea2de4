// Package vdevice models the downstream virtual video device pipeline: the
// media system that accepts application-supplied frames as if they came from
// a real camera.
//
// A Pipeline creates virtual sources, selects which one is active and reports
// their lifecycle asynchronously to a registered Observer from its own
// dispatch goroutine.
package vdevice

import (
	"fmt"

	"github.com/bryanchriswhite/vcambridge/internal/frame"
)

// Category is the kind of virtual source.
type Category string

const (
	CategoryCamera Category = "camera"
	CategoryScreen Category = "screen"
)

// ParseCategory parses a category name from configuration.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryCamera, CategoryScreen:
		return Category(s), nil
	}
	return "", fmt.Errorf("unknown virtual source category %q", s)
}

// DeviceState is the state reported by a state-update event.
type DeviceState string

const (
	DeviceStarted              DeviceState = "started"
	DeviceStopped              DeviceState = "stopped"
	DeviceConfigurationChanged DeviceState = "configuration_changed"
)

// Observer receives lifecycle events for virtual sources.
type Observer interface {
	OnDeviceAdded(dev *Device)
	OnDeviceRemoved(dev *Device)
	OnDeviceStateUpdated(dev *Device, state DeviceState)
	// OnBufferReleased reports that the pipeline is done with a submitted
	// buffer.
	OnBufferReleased(dev *Device, buf []byte, size int)
}

// Selector picks the active virtual source. nil deselects.
type Selector interface {
	SelectVirtualSource(dev *Device) error
}

// Pipeline is the downstream virtual device pipeline.
type Pipeline interface {
	Selector

	// Name returns a human-readable name for this pipeline
	Name() string

	// RegisterObserver sets the receiver of lifecycle events. Events for
	// sources created before registration are not replayed.
	RegisterObserver(obs Observer)

	// CreateVirtualSource registers a new source. The device-added event
	// follows asynchronously.
	CreateVirtualSource(category Category, id, label string) error

	// DestroyVirtualSource unregisters a source. The device-removed event
	// follows asynchronously.
	DestroyVirtualSource(dev *Device) error

	// Close tears down every source and stops event dispatch.
	Close() error
}

// FrameSink ingests frames for a device.
type FrameSink interface {
	SubmitFrame(dev *Device, buf []byte, length, width, height int, format frame.PixelFormat) error
}

// Device is a handle to a virtual source. Handles are compared by ID.
type Device struct {
	ID       string
	Label    string
	Category Category

	sink FrameSink
}

// NewDevice returns a handle whose frames go to sink.
func NewDevice(category Category, id, label string, sink FrameSink) *Device {
	return &Device{
		ID:       id,
		Label:    label,
		Category: category,
		sink:     sink,
	}
}

// SubmitFrame hands one frame to the pipeline. buf[:length] must hold the
// frame in the layout named by format.
func (d *Device) SubmitFrame(buf []byte, length, width, height int, format frame.PixelFormat) error {
	if d == nil || d.sink == nil {
		return fmt.Errorf("virtual source not attached to a pipeline")
	}
	if length < 0 || length > len(buf) {
		return fmt.Errorf("invalid frame length %d for buffer of %d bytes", length, len(buf))
	}
	return d.sink.SubmitFrame(d, buf, length, width, height, format)
}

// Same reports whether d and other refer to the same source.
func (d *Device) Same(other *Device) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.ID == other.ID
}

func (d *Device) String() string {
	if d == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s(%s, %q)", d.ID, d.Category, d.Label)
}
