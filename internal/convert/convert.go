// Package convert turns 3-plane 4:2:0 capture frames into the single-buffer
// layout the virtual device ingests.
package convert

import (
	"errors"
	"fmt"

	"github.com/bryanchriswhite/vcambridge/internal/frame"
)

// ErrMalformedFrame is returned for frames that do not carry exactly three
// non-empty planes, or whose planes are too short for their declared strides.
var ErrMalformedFrame = errors.New("malformed frame")

// Converter converts capture frames.
//
// The zero value performs a flat byte copy: the luma plane, then the third
// plane, then the second plane, each copied whole (padding included). With
// StrideAware set the output differs in two separate ways: rows are copied
// tightly without their padding, and chroma is written as interleaved V/U
// pairs (true NV21) rather than the whole V plane followed by the whole U
// plane. Both honour each plane's row and pixel strides.
type Converter struct {
	StrideAware bool
}

// New returns a Converter.
func New(strideAware bool) *Converter {
	return &Converter{StrideAware: strideAware}
}

// Convert produces a new NV21-tagged buffer from f. f is not released.
func (c *Converter) Convert(f *frame.CaptureFrame) (*frame.ConvertedFrame, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil frame", ErrMalformedFrame)
	}
	if len(f.Planes) != 3 {
		return nil, fmt.Errorf("%w: want 3 planes, got %d", ErrMalformedFrame, len(f.Planes))
	}
	for i, p := range f.Planes {
		if p.Len() == 0 {
			return nil, fmt.Errorf("%w: plane %d (%s) is empty", ErrMalformedFrame, i, p.Name)
		}
	}

	var (
		data []byte
		err  error
	)
	if c.StrideAware {
		data, err = packStrided(f)
		if err != nil {
			return nil, err
		}
	} else {
		data = packFlat(f.Planes[0], f.Planes[1], f.Planes[2])
	}

	return &frame.ConvertedFrame{
		Width:  f.Width,
		Height: f.Height,
		Format: frame.FormatNV21,
		Data:   data,
	}, nil
}

func packFlat(y, u, v frame.Plane) []byte {
	ySize, uSize, vSize := y.Len(), u.Len(), v.Len()
	out := make([]byte, ySize+uSize+vSize)
	copy(out, y.Data)
	copy(out[ySize:], v.Data)
	copy(out[ySize+vSize:], u.Data)
	return out
}

func packStrided(f *frame.CaptureFrame) ([]byte, error) {
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: invalid size %dx%d", ErrMalformedFrame, w, h)
	}
	cw, ch := (w+1)/2, (h+1)/2
	y, u, v := f.Planes[0], f.Planes[1], f.Planes[2]

	out := make([]byte, w*h+2*cw*ch)

	yStride := rowStride(y, w)
	if err := checkPlane(y, yStride, 1, w, h); err != nil {
		return nil, err
	}
	for row := 0; row < h; row++ {
		copy(out[row*w:(row+1)*w], y.Data[row*yStride:row*yStride+w])
	}

	uPix, vPix := pixelStride(u), pixelStride(v)
	uStride, vStride := rowStride(u, cw*uPix), rowStride(v, cw*vPix)
	if err := checkPlane(u, uStride, uPix, cw, ch); err != nil {
		return nil, err
	}
	if err := checkPlane(v, vStride, vPix, cw, ch); err != nil {
		return nil, err
	}

	dst := out[w*h:]
	i := 0
	for row := 0; row < ch; row++ {
		uRow := u.Data[row*uStride:]
		vRow := v.Data[row*vStride:]
		for col := 0; col < cw; col++ {
			dst[i] = vRow[col*vPix]
			dst[i+1] = uRow[col*uPix]
			i += 2
		}
	}
	return out, nil
}

func rowStride(p frame.Plane, tight int) int {
	if p.RowStride > 0 {
		return p.RowStride
	}
	return tight
}

func pixelStride(p frame.Plane) int {
	if p.PixelStride > 0 {
		return p.PixelStride
	}
	return 1
}

// checkPlane verifies the last sample of the last row is addressable.
func checkPlane(p frame.Plane, stride, pix, cols, rows int) error {
	need := (rows-1)*stride + (cols-1)*pix + 1
	if stride < (cols-1)*pix+1 || p.Len() < need {
		return fmt.Errorf("%w: plane %s has %d bytes, need %d (stride %d)", ErrMalformedFrame, p.Name, p.Len(), need, stride)
	}
	return nil
}
