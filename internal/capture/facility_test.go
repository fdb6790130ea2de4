package capture

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/vcambridge/internal/convert"
	"github.com/bryanchriswhite/vcambridge/internal/frame"
)

func TestLayoutI420(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		want          i420Layout
	}{
		{
			name:  "vga",
			width: 640, height: 480,
			want: i420Layout{yStride: 640, cStride: 320, uOffset: 307200, vOffset: 384000, size: 460800},
		},
		{
			name:  "odd",
			width: 5, height: 3,
			want: i420Layout{yStride: 8, cStride: 4, uOffset: 32, vOffset: 40, size: 48},
		},
		{
			name:  "narrow",
			width: 2, height: 2,
			want: i420Layout{yStride: 4, cStride: 4, uOffset: 8, vOffset: 12, size: 16},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := layoutI420(tt.width, tt.height)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := layoutI420(0, 10)
	assert.Error(t, err)
}

func TestI420Planes(t *testing.T) {
	data := make([]byte, 48)
	planes, err := i420Planes(data, 5, 3)
	require.NoError(t, err)
	require.Len(t, planes, 3)

	assert.Equal(t, frame.PlaneY, planes[0].Name)
	assert.Equal(t, 32, planes[0].Len())
	assert.Equal(t, 8, planes[0].RowStride)
	assert.Equal(t, frame.PlaneU, planes[1].Name)
	assert.Equal(t, 8, planes[1].Len())
	assert.Equal(t, 4, planes[1].RowStride)
	assert.Equal(t, frame.PlaneV, planes[2].Name)
	assert.Equal(t, 8, planes[2].Len())

	// Planes are views into data.
	data[32] = 7
	assert.Equal(t, byte(7), planes[1].Data[0])

	_, err = i420Planes(make([]byte, 47), 5, 3)
	assert.Error(t, err)
}

func TestI420Planes_ConvertStrideAware(t *testing.T) {
	data := make([]byte, 48)
	for i := range data {
		data[i] = byte(i)
	}
	planes, err := i420Planes(data, 5, 3)
	require.NoError(t, err)

	out, err := convert.New(true).Convert(frame.NewCaptureFrame(5, 3, frame.FormatI420, planes, nil))
	require.NoError(t, err)
	// 5x3 luma plus 3x2 chroma pairs.
	assert.Equal(t, 15+12, out.Len())
	assert.Equal(t, []byte{0, 1, 2, 3, 4}, out.Data[:5])
	assert.Equal(t, []byte{8, 9, 10, 11, 12}, out.Data[5:10])
	// First chroma pair is V then U.
	assert.Equal(t, []byte{40, 32}, out.Data[15:17])
}

func TestBufferPool(t *testing.T) {
	p := newBufferPool(4, 1)
	a := p.get()
	require.Len(t, a, 4)

	p.put(a)
	b := p.get()
	assert.Same(t, &a[0], &b[0], "released buffer is reused")

	p.put(make([]byte, 2))
	c := p.get()
	assert.Len(t, c, 4, "short buffers are not pooled")
}

func TestReadFrames(t *testing.T) {
	layout, err := layoutI420(4, 2)
	require.NoError(t, err)

	var stream bytes.Buffer
	for i := 0; i < 3; i++ {
		stream.Write(bytes.Repeat([]byte{byte(i + 1)}, layout.size))
	}
	// A trailing partial frame is an error.
	stream.Write([]byte{9, 9})

	var got []uint64
	var firstBytes []byte
	err = readFrames(context.Background(), &stream, 4, 2, func(f *frame.CaptureFrame) {
		defer f.Release()
		got = append(got, f.Seq)
		firstBytes = append(firstBytes, f.Planes[0].Data[0])
		assert.Equal(t, frame.FormatI420, f.Format)
		assert.Len(t, f.Planes, 3)
	})
	require.Error(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, got)
	assert.Equal(t, []byte{1, 2, 3}, firstBytes)
}

func TestReadFrames_CleanEOF(t *testing.T) {
	layout, err := layoutI420(4, 2)
	require.NoError(t, err)

	count := 0
	err = readFrames(context.Background(), bytes.NewReader(make([]byte, layout.size*2)), 4, 2, func(f *frame.CaptureFrame) {
		f.Release()
		count++
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestLaunchArgs(t *testing.T) {
	l := NewLaunchFacility(DeviceConfig{
		Devices: map[Selector]string{SelectorFront: "/dev/video0"},
		Width:   320,
		Height:  240,
		FPS:     15,
	})

	args := l.launchArgs("/dev/video0")
	assert.Equal(t, "-q", args[0])
	assert.Contains(t, args, "device=/dev/video0")
	assert.Contains(t, args, "video/x-raw,format=I420,width=320,height=240,framerate=15/1")
	assert.Equal(t, "fd=1", args[len(args)-2])
	assert.Equal(t, "gst-launch", l.Name())
}

func TestDeviceConfig(t *testing.T) {
	cfg := DeviceConfig{Devices: map[Selector]string{SelectorFront: "/dev/video0"}}.withDefaults()
	assert.Equal(t, 640, cfg.Width)
	assert.Equal(t, 480, cfg.Height)
	assert.Equal(t, 30, cfg.FPS)
	assert.Equal(t, DefaultStartTimeout, cfg.StartTimeout)

	dev, err := cfg.Device(SelectorFront)
	require.NoError(t, err)
	assert.Equal(t, "/dev/video0", dev)

	_, err = cfg.Device(SelectorBack)
	assert.Error(t, err)
}

func TestFacilities_MissingDevice(t *testing.T) {
	cfg := DeviceConfig{Devices: map[Selector]string{SelectorFront: "/nonexistent/video0"}}
	noop := func(f *frame.CaptureFrame) { f.Release() }

	assert.Error(t, NewLaunchFacility(cfg).Bind(context.Background(), SelectorFront, noop))
	assert.Error(t, NewLaunchFacility(cfg).Bind(context.Background(), SelectorBack, noop))
}

func TestSyntheticFacility_Frames(t *testing.T) {
	fac := NewSyntheticFacility(64, 48, 200, "test")
	src := NewSource(fac)
	defer src.Close()

	var (
		mu     sync.Mutex
		frames []*frame.CaptureFrame
		u, v   byte
	)
	consumer := FrameConsumerFunc(func(f *frame.CaptureFrame) {
		defer f.Release()
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, f)
		up, _ := f.Plane(frame.PlaneU)
		vp, _ := f.Plane(frame.PlaneV)
		u, v = up.Data[0], vp.Data[0]
	})

	require.NoError(t, src.Initialize(context.Background(), SelectorBack, consumer))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	src.Close()

	mu.Lock()
	defer mu.Unlock()
	wantU, wantV := chroma(SelectorBack)
	assert.Equal(t, wantU, u)
	assert.Equal(t, wantV, v)
	for i, f := range frames {
		assert.Equal(t, 64, f.Width)
		assert.Equal(t, 48, f.Height)
		assert.Equal(t, uint64(i+1), f.Seq)
		assert.True(t, f.Released())
	}
}

func TestSyntheticFacility_DrawsLabel(t *testing.T) {
	fac := NewSyntheticFacility(160, 32, 30, "cam")
	layout, err := layoutI420(160, 32)
	require.NoError(t, err)

	buf := make([]byte, layout.size)
	fac.paint(buf, layout, SelectorFront, 1)

	lit := 0
	for y := 8; y < 24; y++ {
		for x := 8; x < 100; x++ {
			if buf[y*layout.yStride+x] == 235 {
				lit++
			}
		}
	}
	assert.Positive(t, lit, "label pixels are drawn into luma")
}

func TestSyntheticFacility_RejectsUnknownSelector(t *testing.T) {
	fac := NewSyntheticFacility(16, 16, 30, "")
	assert.Error(t, fac.Bind(context.Background(), Selector("side"), func(f *frame.CaptureFrame) {}))
	assert.True(t, fac.Available())
}

type fakeAccess struct {
	err   error
	calls atomic.Int32
}

func (f *fakeAccess) AccessCamera(ctx context.Context) error {
	f.calls.Add(1)
	return f.err
}

func TestRouter_FallsBack(t *testing.T) {
	unavailable := newMockFacility("unavailable")
	unavailable.available = false
	failing := newMockFacility("failing")
	failing.setBindErr(errors.New("busy"))
	working := newMockFacility("working")

	r := NewRouter(nil, unavailable, failing, working)
	assert.True(t, r.Available())

	require.NoError(t, r.Bind(context.Background(), SelectorFront, func(f *frame.CaptureFrame) {}))
	assert.Equal(t, "working", r.Active())
	assert.Equal(t, "router(working)", r.Name())

	_, _, binds := unavailable.stats()
	assert.Empty(t, binds)
	_, _, binds = failing.stats()
	assert.Len(t, binds, 1)

	r.UnbindAll()
	active, _, _ := working.stats()
	assert.Zero(t, active)
	assert.Empty(t, r.Active())
}

func TestRouter_AllFail(t *testing.T) {
	a := newMockFacility("a")
	a.setBindErr(errors.New("a failed"))
	b := newMockFacility("b")
	b.available = false

	r := NewRouter(nil, a, b)
	err := r.Bind(context.Background(), SelectorFront, func(f *frame.CaptureFrame) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")

	b.available = false
	err = NewRouter(nil, b).Bind(context.Background(), SelectorFront, func(f *frame.CaptureFrame) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no capture backends available")
}

func TestRouter_RequiresCameraAccess(t *testing.T) {
	backend := newMockFacility("mock")
	access := &fakeAccess{err: responseError(1)}
	r := NewRouter(access, backend)

	err := r.Bind(context.Background(), SelectorFront, func(f *frame.CaptureFrame) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCameraAccessDenied)
	_, _, binds := backend.stats()
	assert.Empty(t, binds)

	access.err = nil
	require.NoError(t, r.Bind(context.Background(), SelectorFront, func(f *frame.CaptureFrame) {}))
	assert.EqualValues(t, 2, access.calls.Load())
	r.UnbindAll()
}

func TestSource_WithRouterWrapsBindingFailure(t *testing.T) {
	r := NewRouter(&fakeAccess{err: responseError(2)}, newMockFacility("mock"))
	src := NewSource(r)
	defer src.Close()

	err := src.Initialize(context.Background(), SelectorFront, &collector{})
	assert.ErrorIs(t, err, ErrBindingFailed)
	assert.ErrorIs(t, err, ErrCameraAccessDenied)
}

func TestResponseError(t *testing.T) {
	assert.NoError(t, responseError(0))
	assert.ErrorIs(t, responseError(1), ErrCameraAccessDenied)
	assert.ErrorIs(t, responseError(2), ErrCameraAccessDenied)
	assert.Contains(t, responseError(2).Error(), "code 2")
}
