package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/vcambridge/internal/frame"
	"github.com/bryanchriswhite/vcambridge/internal/logger"
)

// Source binds a capture facility to a frame consumer. At most one binding
// is active; frames of that binding are handed to the consumer on a single
// worker goroutine, in capture order.
type Source struct {
	facility Facility

	mu     sync.Mutex
	active *binding

	delivered atomic.Uint64
}

type binding struct {
	selector Selector
	ctx      context.Context
	cancel   context.CancelFunc
	frames   chan *frame.CaptureFrame
	done     chan struct{}
}

// NewSource creates a Source over facility.
func NewSource(facility Facility) *Source {
	return &Source{facility: facility}
}

// Initialize tears down any existing binding, then binds selector under
// scope and delivers its frames to consumer. When scope ends the binding is
// torn down. A failed bind leaves no binding behind and returns an error
// wrapping ErrBindingFailed.
func (s *Source) Initialize(scope context.Context, selector Selector, consumer FrameConsumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := logger.WithComponent("capture")

	s.teardownLocked()

	ctx, cancel := context.WithCancel(scope)
	b := &binding{
		selector: selector,
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(chan *frame.CaptureFrame),
		done:     make(chan struct{}),
	}
	go s.work(b, consumer)

	deliver := func(f *frame.CaptureFrame) {
		select {
		case b.frames <- f:
		case <-ctx.Done():
			f.Release()
		}
	}

	if err := s.facility.Bind(ctx, selector, deliver); err != nil {
		cancel()
		<-b.done
		log.Error().
			Err(err).
			Str("selector", string(selector)).
			Str("facility", s.facility.Name()).
			Msg("Camera use case binding failed")
		return fmt.Errorf("%w: %s camera via %s: %w", ErrBindingFailed, selector, s.facility.Name(), err)
	}

	s.active = b
	go s.unbindOnScopeEnd(b)

	log.Info().
		Str("selector", string(selector)).
		Str("facility", s.facility.Name()).
		Msg("Camera bound")
	return nil
}

// unbindOnScopeEnd releases the camera once b's scope ends, unless b has
// already been replaced or closed.
func (s *Source) unbindOnScopeEnd(b *binding) {
	<-b.ctx.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == b {
		s.teardownLocked()
	}
}

// Close tears down the active binding, if any.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

// Active reports whether a binding is live.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.active.ctx.Err() == nil
}

// Selector returns the selector of the live binding, or "".
func (s *Source) Selector() Selector {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.ctx.Err() != nil {
		return ""
	}
	return s.active.selector
}

// Delivered returns the number of frames handed to consumers.
func (s *Source) Delivered() uint64 {
	return s.delivered.Load()
}

// Facility returns the underlying capture facility.
func (s *Source) Facility() Facility {
	return s.facility
}

func (s *Source) teardownLocked() {
	b := s.active
	s.active = nil

	if b != nil {
		b.cancel()
	}
	s.facility.UnbindAll()
	if b != nil {
		<-b.done
		logger.WithComponent("capture").Info().
			Str("selector", string(b.selector)).
			Msg("Camera unbound")
	}
}

// work is the binding's dedicated worker.
func (s *Source) work(b *binding, consumer FrameConsumer) {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case f := <-b.frames:
			s.delivered.Add(1)
			consumer.Process(f)
		}
	}
}
