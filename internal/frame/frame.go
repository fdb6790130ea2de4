// Package frame defines the frames that move through the bridge: raw
// capture frames owned by a capture facility, and converted frames owned by
// whoever forwards them to the virtual device.
package frame

import (
	"fmt"
	"sync/atomic"
	"time"
)

// PixelFormat tags the byte layout of a frame buffer.
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	// FormatI420 is 4:2:0 planar: Y, then U, then V.
	FormatI420
	// FormatNV21 is luma followed by swapped (V first) chroma.
	FormatNV21
)

func (p PixelFormat) String() string {
	switch p {
	case FormatI420:
		return "I420"
	case FormatNV21:
		return "NV21"
	default:
		return "unknown"
	}
}

// PlaneName identifies a plane of a planar capture frame.
type PlaneName string

const (
	PlaneY PlaneName = "Y"
	PlaneU PlaneName = "U"
	PlaneV PlaneName = "V"
)

// Plane is a read-only view into one plane of a capture frame.
// len(Data) is the valid byte count; the backing array may be larger.
type Plane struct {
	Name PlaneName
	Data []byte

	// RowStride is the distance in bytes between rows. Zero means rows are
	// tightly packed.
	RowStride int
	// PixelStride is the distance in bytes between samples of one row. Zero
	// means 1.
	PixelStride int
}

// Len returns the valid byte count of the plane.
func (p Plane) Len() int {
	return len(p.Data)
}

// CaptureFrame is a frame borrowed from a capture facility. It must be
// released exactly once, on every path, or the facility's buffer pool starves.
type CaptureFrame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Format    PixelFormat
	Planes    []Plane

	release  func()
	released atomic.Bool
}

// NewCaptureFrame wraps planes owned by a facility. release is invoked once,
// by the first call to Release; it may be nil.
func NewCaptureFrame(width, height int, format PixelFormat, planes []Plane, release func()) *CaptureFrame {
	return &CaptureFrame{
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Format:    format,
		Planes:    planes,
		release:   release,
	}
}

// Release returns the frame's buffers to the facility. Calls after the first
// are no-ops.
func (f *CaptureFrame) Release() {
	if f == nil {
		return
	}
	if !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.release != nil {
		f.release()
	}
}

// Released reports whether Release has been called.
func (f *CaptureFrame) Released() bool {
	return f.released.Load()
}

// Plane returns the plane with the given name.
func (f *CaptureFrame) Plane(name PlaneName) (Plane, bool) {
	for _, p := range f.Planes {
		if p.Name == name {
			return p, true
		}
	}
	return Plane{}, false
}

func (f *CaptureFrame) String() string {
	return fmt.Sprintf("frame #%d %dx%d %s planes=%d", f.Seq, f.Width, f.Height, f.Format, len(f.Planes))
}

// ConvertedFrame is a single contiguous buffer produced by the converter.
// Ownership passes to the call that forwards it; it is never reused.
type ConvertedFrame struct {
	Width  int
	Height int
	Format PixelFormat
	Data   []byte
}

// Len returns the buffer length in bytes.
func (c *ConvertedFrame) Len() int {
	return len(c.Data)
}
