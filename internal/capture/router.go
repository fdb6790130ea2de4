package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bryanchriswhite/vcambridge/internal/logger"
)

// CameraAccess grants permission to use the camera.
type CameraAccess interface {
	AccessCamera(ctx context.Context) error
}

// Router routes bind requests to the first backend that is available and
// accepts them, in preference order.
type Router struct {
	backends []Facility
	access   CameraAccess

	mu     sync.RWMutex
	active Facility
}

// NewRouter creates a router over backends. access may be nil.
func NewRouter(access CameraAccess, backends ...Facility) *Router {
	return &Router{
		backends: backends,
		access:   access,
	}
}

// Name returns the router name and its active backend.
func (r *Router) Name() string {
	if active := r.Active(); active != "" {
		return "router(" + active + ")"
	}
	return "router"
}

// Available reports whether any backend is available.
func (r *Router) Available() bool {
	for _, b := range r.backends {
		if b.Available() {
			return true
		}
	}
	return false
}

// Bind asks for camera access, then binds selector on the first backend
// that accepts it.
func (r *Router) Bind(ctx context.Context, selector Selector, deliver DeliverFunc) error {
	log := logger.WithComponent("capture-router")

	if r.access != nil {
		if err := r.access.AccessCamera(ctx); err != nil {
			return fmt.Errorf("camera access: %w", err)
		}
	}

	var errs []error
	for _, b := range r.backends {
		if !b.Available() {
			log.Debug().Str("backend", b.Name()).Msg("Capture backend not available")
			continue
		}
		if err := b.Bind(ctx, selector, deliver); err != nil {
			log.Warn().Err(err).Str("backend", b.Name()).Msg("Capture backend failed to bind, trying next")
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}

		r.mu.Lock()
		r.active = b
		r.mu.Unlock()

		log.Info().Str("backend", b.Name()).Str("selector", string(selector)).Msg("Using capture backend")
		return nil
	}

	if len(errs) == 0 {
		return fmt.Errorf("no capture backends available (%s)", r.names())
	}
	return errors.Join(errs...)
}

// UnbindAll unbinds every backend.
func (r *Router) UnbindAll() {
	for _, b := range r.backends {
		b.UnbindAll()
	}

	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()
}

// Active returns the name of the backend holding the current binding.
func (r *Router) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return ""
	}
	return r.active.Name()
}

// Backends returns the configured backends in preference order.
func (r *Router) Backends() []Facility {
	return append([]Facility(nil), r.backends...)
}

func (r *Router) names() string {
	names := make([]string, 0, len(r.backends))
	for _, b := range r.backends {
		names = append(names, b.Name())
	}
	return strings.Join(names, ", ")
}
