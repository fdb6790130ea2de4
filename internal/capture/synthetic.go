package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/bryanchriswhite/vcambridge/internal/frame"
	"github.com/bryanchriswhite/vcambridge/internal/logger"
)

// SyntheticFacility is a test-pattern camera: a moving luma bar with a text
// label, tinted per selector. It needs no hardware.
type SyntheticFacility struct {
	width  int
	height int
	fps    int
	label  string

	mu       sync.Mutex
	bindings []*syntheticBinding
}

type syntheticBinding struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyntheticFacility creates a test-pattern facility. label is drawn on
// every frame followed by the selector and frame number.
func NewSyntheticFacility(width, height, fps int, label string) *SyntheticFacility {
	cfg := DeviceConfig{Width: width, Height: height, FPS: fps}.withDefaults()
	return &SyntheticFacility{
		width:  cfg.Width,
		height: cfg.Height,
		fps:    cfg.FPS,
		label:  label,
	}
}

// Name returns the facility name
func (s *SyntheticFacility) Name() string {
	return "synthetic"
}

// Available always returns true
func (s *SyntheticFacility) Available() bool {
	return true
}

// Bind starts generating frames for selector.
func (s *SyntheticFacility) Bind(ctx context.Context, selector Selector, deliver DeliverFunc) error {
	if selector != SelectorFront && selector != SelectorBack {
		return fmt.Errorf("no synthetic camera for selector %q", selector)
	}

	layout, err := layoutI420(s.width, s.height)
	if err != nil {
		return err
	}

	bctx, cancel := context.WithCancel(ctx)
	b := &syntheticBinding{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.bindings = append(s.bindings, b)
	s.mu.Unlock()

	go s.generate(bctx, b, selector, layout, deliver)

	logger.WithComponent("synthetic").Info().
		Str("selector", string(selector)).
		Int("width", s.width).
		Int("height", s.height).
		Int("fps", s.fps).
		Msg("Synthetic camera started")
	return nil
}

// UnbindAll stops every generator.
func (s *SyntheticFacility) UnbindAll() {
	s.mu.Lock()
	bindings := s.bindings
	s.bindings = nil
	s.mu.Unlock()

	for _, b := range bindings {
		b.cancel()
		<-b.done
	}
}

func (s *SyntheticFacility) generate(ctx context.Context, b *syntheticBinding, selector Selector, layout i420Layout, deliver DeliverFunc) {
	defer close(b.done)

	pool := newBufferPool(layout.size, 4)
	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		seq++
		buf := pool.get()
		s.paint(buf, layout, selector, seq)

		planes, err := i420Planes(buf, s.width, s.height)
		if err != nil {
			logger.WithComponent("synthetic").Error().Err(err).Msg("Failed to slice synthetic frame")
			return
		}
		f := frame.NewCaptureFrame(s.width, s.height, frame.FormatI420, planes, func() { pool.put(buf) })
		f.Seq = seq
		deliver(f)
	}
}

// chroma returns the U and V fill values for selector.
func chroma(selector Selector) (u, v byte) {
	if selector == SelectorBack {
		return 160, 96
	}
	return 96, 160
}

// paint renders frame seq into an I420 buffer.
func (s *SyntheticFacility) paint(buf []byte, layout i420Layout, selector Selector, seq uint64) {
	luma := &image.Gray{
		Pix:    buf[:layout.uOffset],
		Stride: layout.yStride,
		Rect:   image.Rect(0, 0, s.width, s.height),
	}

	barWidth := s.width / 8
	if barWidth == 0 {
		barWidth = 1
	}
	barX := int(seq*4) % s.width
	for y := 0; y < s.height; y++ {
		row := luma.Pix[y*luma.Stride : y*luma.Stride+s.width]
		for x := range row {
			if x >= barX && x < barX+barWidth {
				row[x] = 200
			} else {
				row[x] = byte(16 + (x*64)/s.width)
			}
		}
	}

	d := &font.Drawer{
		Dst:  luma,
		Src:  image.NewUniform(color.Gray{Y: 235}),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(8), Y: fixed.I(8 + 13)},
	}
	d.DrawString(fmt.Sprintf("%s %s #%d", s.label, selector, seq))

	u, v := chroma(selector)
	fill(buf[layout.uOffset:layout.vOffset], u)
	fill(buf[layout.vOffset:layout.size], v)
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
