package capture

import (
	"fmt"

	"github.com/bryanchriswhite/vcambridge/internal/frame"
)

func roundUp2(n int) int { return (n + 1) &^ 1 }
func roundUp4(n int) int { return (n + 3) &^ 3 }

// i420Layout describes GStreamer's default I420 buffer layout: every row
// stride rounded up to 4 bytes, height rounded up to 2 rows.
type i420Layout struct {
	yStride int
	cStride int
	uOffset int
	vOffset int
	size    int
}

func layoutI420(width, height int) (i420Layout, error) {
	if width <= 0 || height <= 0 {
		return i420Layout{}, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	l := i420Layout{
		yStride: roundUp4(width),
		cStride: roundUp4(roundUp2(width) / 2),
	}
	rows := roundUp2(height)
	l.uOffset = l.yStride * rows
	l.vOffset = l.uOffset + l.cStride*(rows/2)
	l.size = l.vOffset + l.cStride*(rows/2)
	return l, nil
}

// i420Planes slices a raw I420 buffer into Y, U and V plane views without
// copying.
func i420Planes(data []byte, width, height int) ([]frame.Plane, error) {
	l, err := layoutI420(width, height)
	if err != nil {
		return nil, err
	}
	if len(data) < l.size {
		return nil, fmt.Errorf("I420 buffer too short for %dx%d: have %d bytes, need %d", width, height, len(data), l.size)
	}
	return []frame.Plane{
		{Name: frame.PlaneY, Data: data[:l.uOffset:l.uOffset], RowStride: l.yStride, PixelStride: 1},
		{Name: frame.PlaneU, Data: data[l.uOffset:l.vOffset:l.vOffset], RowStride: l.cStride, PixelStride: 1},
		{Name: frame.PlaneV, Data: data[l.vOffset:l.size:l.size], RowStride: l.cStride, PixelStride: 1},
	}, nil
}

// bufferPool recycles fixed-size frame buffers between a producer and the
// frames it hands out.
type bufferPool struct {
	size int
	free chan []byte
}

func newBufferPool(size, depth int) *bufferPool {
	return &bufferPool{size: size, free: make(chan []byte, depth)}
}

func (p *bufferPool) get() []byte {
	select {
	case buf := <-p.free:
		return buf
	default:
		return make([]byte, p.size)
	}
}

func (p *bufferPool) put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	select {
	case p.free <- buf[:p.size]:
	default:
	}
}
