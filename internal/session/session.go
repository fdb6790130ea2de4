// Package session owns one bridging session: a capture source feeding the
// frame bridge, and the virtual source it forwards to.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/bryanchriswhite/vcambridge/internal/bridge"
	"github.com/bryanchriswhite/vcambridge/internal/capture"
	"github.com/bryanchriswhite/vcambridge/internal/logger"
	"github.com/bryanchriswhite/vcambridge/internal/vdevice"
	"github.com/bryanchriswhite/vcambridge/internal/vsource"
)

var (
	// ErrNotRunning is returned by operations that need a started session.
	ErrNotRunning = errors.New("session not running")
	// ErrNoVirtualSource is returned when no virtual source is registered.
	ErrNoVirtualSource = errors.New("no virtual source registered")
)

// Options describe the virtual source and the initial camera.
type Options struct {
	Category vdevice.Category
	// SourceID identifies the virtual source; a random one is generated
	// when empty.
	SourceID string
	Label    string
	Selector capture.Selector
}

// Status is a point-in-time view of the session.
type Status struct {
	State     vsource.State    `json:"state"`
	Streaming bool             `json:"streaming"`
	Device    *DeviceInfo      `json:"device,omitempty"`
	SourceID  string           `json:"source_id"`
	Selector  capture.Selector `json:"selector,omitempty"`
	Capturing bool             `json:"capturing"`
	Backend   string           `json:"backend"`
	Pipeline  string           `json:"pipeline"`
	Frames    bridge.Stats     `json:"frames"`
}

// DeviceInfo describes the registered virtual source.
type DeviceInfo struct {
	ID       string           `json:"id"`
	Label    string           `json:"label"`
	Category vdevice.Category `json:"category"`
}

// Session wires a capture facility to a virtual device pipeline.
type Session struct {
	opts      Options
	pipeline  vdevice.Pipeline
	source    *capture.Source
	lifecycle *vsource.Lifecycle
	bridge    *bridge.Bridge
	closers   []io.Closer

	mu      sync.Mutex
	scope   context.Context
	started bool
	stopped bool
}

// New creates a session. Nothing runs until Start.
func New(facility capture.Facility, pipeline vdevice.Pipeline, converter bridge.Converter, opts Options) *Session {
	if opts.Category == "" {
		opts.Category = vdevice.CategoryCamera
	}
	if opts.SourceID == "" {
		opts.SourceID = uuid.NewString()
	}
	if opts.Selector == "" {
		opts.Selector = capture.DefaultSelector
	}

	lifecycle := vsource.New(opts.Category, pipeline)
	return &Session{
		opts:      opts,
		pipeline:  pipeline,
		source:    capture.NewSource(facility),
		lifecycle: lifecycle,
		bridge:    bridge.New(lifecycle, converter),
	}
}

// Start registers the bridge with the pipeline, creates the virtual source
// and binds the configured camera under ctx. A binding failure is returned
// wrapped in capture.ErrBindingFailed; the session stays usable and
// Initialize may be retried.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	s.scope = ctx
	s.mu.Unlock()

	log := logger.WithComponent("session")

	s.pipeline.RegisterObserver(s.bridge)
	if err := s.pipeline.CreateVirtualSource(s.opts.Category, s.opts.SourceID, s.opts.Label); err != nil {
		return fmt.Errorf("failed to create virtual source: %w", err)
	}
	log.Info().
		Str("id", s.opts.SourceID).
		Str("label", s.opts.Label).
		Str("pipeline", s.pipeline.Name()).
		Msg("Virtual source requested")

	return s.Initialize(s.opts.Selector)
}

// Initialize rebinds capture to selector, replacing any current binding.
func (s *Session) Initialize(selector capture.Selector) error {
	scope, err := s.running()
	if err != nil {
		return err
	}
	return s.source.Initialize(scope, selector, s.bridge)
}

// Pause deselects the virtual source. Capture keeps running and frames are
// dropped at the bridge until Resume.
func (s *Session) Pause() error {
	if _, err := s.running(); err != nil {
		return err
	}
	if s.lifecycle.CurrentHandle() == nil {
		return ErrNoVirtualSource
	}
	if err := s.pipeline.SelectVirtualSource(nil); err != nil {
		return fmt.Errorf("failed to deselect virtual source: %w", err)
	}
	logger.WithComponent("session").Info().Str("id", s.opts.SourceID).Msg("Virtual source paused")
	return nil
}

// Resume selects the registered virtual source again.
func (s *Session) Resume() error {
	if _, err := s.running(); err != nil {
		return err
	}
	handle := s.lifecycle.CurrentHandle()
	if handle == nil {
		return ErrNoVirtualSource
	}
	if err := s.pipeline.SelectVirtualSource(handle); err != nil {
		return fmt.Errorf("failed to select virtual source: %w", err)
	}
	logger.WithComponent("session").Info().Str("id", s.opts.SourceID).Msg("Virtual source resumed")
	return nil
}

func (s *Session) running() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return nil, ErrNotRunning
	}
	return s.scope, nil
}

// Stop unbinds capture, removes the virtual source and closes the pipeline.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.source.Close()

	var errs []error
	if handle := s.lifecycle.CurrentHandle(); handle != nil {
		if err := s.pipeline.DestroyVirtualSource(handle); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.pipeline.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	stats := s.bridge.Stats()
	logger.WithComponent("session").Info().
		Uint64("delivered", stats.Delivered).
		Uint64("forwarded", stats.Forwarded).
		Uint64("gated", stats.Gated).
		Msg("Session stopped")
	return errors.Join(errs...)
}

// Status reports the lifecycle and capture state.
func (s *Session) Status() Status {
	snap := s.lifecycle.Snapshot()
	st := Status{
		State:     snap.State,
		Streaming: snap.Streaming(),
		SourceID:  s.opts.SourceID,
		Selector:  s.source.Selector(),
		Capturing: s.source.Active(),
		Backend:   s.source.Facility().Name(),
		Pipeline:  s.pipeline.Name(),
		Frames:    s.bridge.Stats(),
	}
	if snap.Handle != nil {
		st.Device = &DeviceInfo{
			ID:       snap.Handle.ID,
			Label:    snap.Handle.Label,
			Category: snap.Handle.Category,
		}
	}
	return st
}

// SourceID returns the virtual source ID.
func (s *Session) SourceID() string {
	return s.opts.SourceID
}

// Lifecycle returns the virtual source lifecycle.
func (s *Session) Lifecycle() *vsource.Lifecycle {
	return s.lifecycle
}

// Bridge returns the frame bridge.
func (s *Session) Bridge() *bridge.Bridge {
	return s.bridge
}
