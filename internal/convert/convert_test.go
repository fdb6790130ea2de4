package convert

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/vcambridge/internal/frame"
)

func filled(n int, v byte) []byte {
	return bytes.Repeat([]byte{v}, n)
}

func planes(y, u, v []byte) []frame.Plane {
	return []frame.Plane{
		{Name: frame.PlaneY, Data: y},
		{Name: frame.PlaneU, Data: u},
		{Name: frame.PlaneV, Data: v},
	}
}

func TestConvert_FlatLayout(t *testing.T) {
	y, u, v := filled(16, 'y'), filled(4, 'u'), filled(4, 'v')
	f := frame.NewCaptureFrame(4, 4, frame.FormatI420, planes(y, u, v), nil)

	out, err := New(false).Convert(f)
	require.NoError(t, err)

	assert.Equal(t, frame.FormatNV21, out.Format)
	assert.Equal(t, 4, out.Width)
	assert.Equal(t, 4, out.Height)
	require.Equal(t, 24, out.Len())
	assert.Equal(t, y, out.Data[:16])
	assert.Equal(t, v, out.Data[16:20])
	assert.Equal(t, u, out.Data[20:24])
	assert.False(t, f.Released(), "converter must not release the frame")
}

// Output regions follow the input planes' valid byte counts, whatever the
// frame dimensions claim.
func TestConvert_FlatLayoutArbitrarySizes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := &Converter{}

	for i := 0; i < 50; i++ {
		ySize, uSize, vSize := 1+rng.Intn(300), 1+rng.Intn(80), 1+rng.Intn(80)
		y, u, v := make([]byte, ySize), make([]byte, uSize), make([]byte, vSize)
		rng.Read(y)
		rng.Read(u)
		rng.Read(v)

		// Backing capacity beyond the valid count must not leak into output.
		yBacked := append(y, filled(8, 0xEE)...)[:ySize]

		out, err := c.Convert(frame.NewCaptureFrame(16, 16, frame.FormatI420, planes(yBacked, u, v), nil))
		require.NoError(t, err)
		require.Equal(t, ySize+uSize+vSize, out.Len())
		assert.Equal(t, y, out.Data[:ySize])
		assert.Equal(t, v, out.Data[ySize:ySize+vSize])
		assert.Equal(t, u, out.Data[ySize+vSize:])
	}
}

func TestConvert_OutputIsOwned(t *testing.T) {
	y, u, v := filled(4, 1), filled(1, 2), filled(1, 3)
	out, err := New(false).Convert(frame.NewCaptureFrame(2, 2, frame.FormatI420, planes(y, u, v), nil))
	require.NoError(t, err)

	y[0] = 99
	assert.Equal(t, byte(1), out.Data[0])
}

func TestConvert_Malformed(t *testing.T) {
	c := New(false)

	tests := []struct {
		name  string
		frame *frame.CaptureFrame
	}{
		{"nil", nil},
		{"two planes", frame.NewCaptureFrame(2, 2, frame.FormatI420, planes(filled(4, 1), filled(1, 1), nil)[:2], nil)},
		{"empty V", frame.NewCaptureFrame(2, 2, frame.FormatI420, planes(filled(4, 1), filled(1, 1), nil), nil)},
		{"empty Y", frame.NewCaptureFrame(2, 2, frame.FormatI420, planes([]byte{}, filled(1, 1), filled(1, 1)), nil)},
		{"four planes", frame.NewCaptureFrame(2, 2, frame.FormatI420, append(planes(filled(4, 1), filled(1, 1), filled(1, 1)), frame.Plane{Name: "A", Data: []byte{1}}), nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.Convert(tt.frame)
			assert.Nil(t, out)
			assert.True(t, errors.Is(err, ErrMalformedFrame), "got %v", err)
		})
	}
}

func TestConvert_StrideAwareDropsPadding(t *testing.T) {
	// 4x2 luma with 2 bytes of padding per row, 2x1 chroma with 2 bytes padding.
	y := []byte{
		1, 2, 3, 4, 0xEE, 0xEE,
		5, 6, 7, 8, 0xEE, 0xEE,
	}
	u := []byte{10, 11, 0xEE, 0xEE}
	v := []byte{20, 21, 0xEE, 0xEE}
	f := frame.NewCaptureFrame(4, 2, frame.FormatI420, []frame.Plane{
		{Name: frame.PlaneY, Data: y, RowStride: 6},
		{Name: frame.PlaneU, Data: u, RowStride: 4},
		{Name: frame.PlaneV, Data: v, RowStride: 4},
	}, nil)

	out, err := New(true).Convert(f)
	require.NoError(t, err)

	assert.Equal(t, []byte{
		1, 2, 3, 4,
		5, 6, 7, 8,
		20, 10, 21, 11,
	}, out.Data)
	assert.Equal(t, frame.FormatNV21, out.Format)
}

// Without any padding the two modes still differ: only the chroma order
// changes, from whole V then whole U to interleaved V/U pairs.
func TestConvert_StrideAwareInterleavesUnpaddedChroma(t *testing.T) {
	y := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	u := []byte{10, 11}
	v := []byte{20, 21}
	mk := func() *frame.CaptureFrame {
		return frame.NewCaptureFrame(4, 2, frame.FormatI420, planes(y, u, v), nil)
	}

	flat, err := New(false).Convert(mk())
	require.NoError(t, err)
	strided, err := New(true).Convert(mk())
	require.NoError(t, err)

	assert.Equal(t, flat.Data[:8], strided.Data[:8], "luma is identical")
	assert.Equal(t, []byte{20, 21, 10, 11}, flat.Data[8:])
	assert.Equal(t, []byte{20, 10, 21, 11}, strided.Data[8:])
}

func TestConvert_StrideAwarePixelStride(t *testing.T) {
	// Chroma exposed as overlapping views with pixel stride 2, the way some
	// platforms hand out semi-planar buffers.
	vu := []byte{20, 10, 21, 11}
	f := frame.NewCaptureFrame(4, 2, frame.FormatI420, []frame.Plane{
		{Name: frame.PlaneY, Data: filled(8, 1)},
		{Name: frame.PlaneU, Data: vu[1:], PixelStride: 2, RowStride: 4},
		{Name: frame.PlaneV, Data: vu[:3], PixelStride: 2, RowStride: 4},
	}, nil)

	out, err := New(true).Convert(f)
	require.NoError(t, err)
	assert.Equal(t, []byte{20, 10, 21, 11}, out.Data[8:])
}

func TestConvert_StrideAwareOddDimensions(t *testing.T) {
	// 3x3 luma -> 2x2 chroma
	f := frame.NewCaptureFrame(3, 3, frame.FormatI420, planes(
		filled(9, 1), []byte{1, 2, 3, 4}, []byte{5, 6, 7, 8},
	), nil)

	out, err := New(true).Convert(f)
	require.NoError(t, err)
	require.Equal(t, 9+8, out.Len())
	assert.Equal(t, []byte{5, 1, 6, 2, 7, 3, 8, 4}, out.Data[9:])
}

func TestConvert_StrideAwareShortPlane(t *testing.T) {
	f := frame.NewCaptureFrame(4, 2, frame.FormatI420, []frame.Plane{
		{Name: frame.PlaneY, Data: filled(9, 1), RowStride: 6},
		{Name: frame.PlaneU, Data: filled(2, 1)},
		{Name: frame.PlaneV, Data: filled(2, 1)},
	}, nil)

	_, err := New(true).Convert(f)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
