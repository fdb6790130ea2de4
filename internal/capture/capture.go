package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bryanchriswhite/vcambridge/internal/frame"
)

// ErrBindingFailed wraps every failure to attach a capture configuration to
// a device. It is recoverable: Initialize may be called again.
var ErrBindingFailed = errors.New("capture binding failed")

// Selector names a physical camera by facing.
type Selector string

const (
	SelectorFront Selector = "front"
	SelectorBack  Selector = "back"
)

// DefaultSelector is used when none is configured.
const DefaultSelector = SelectorFront

// ParseSelector parses a selector name. The empty string selects the
// default.
func ParseSelector(s string) (Selector, error) {
	switch Selector(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultSelector, nil
	case SelectorFront:
		return SelectorFront, nil
	case SelectorBack:
		return SelectorBack, nil
	}
	return "", fmt.Errorf("unknown camera selector %q (use front or back)", s)
}

// FrameConsumer receives captured frames, one at a time. It owns the frame
// for the duration of the call and must release it before returning.
type FrameConsumer interface {
	Process(f *frame.CaptureFrame)
}

// FrameConsumerFunc adapts a function to FrameConsumer.
type FrameConsumerFunc func(f *frame.CaptureFrame)

// Process calls fn(f).
func (fn FrameConsumerFunc) Process(f *frame.CaptureFrame) {
	fn(f)
}

// DeliverFunc hands a frame from a facility to its binding. It may block;
// blocking is how a slow consumer backpressures the facility.
type DeliverFunc func(f *frame.CaptureFrame)

// Facility is a platform camera capture service.
type Facility interface {
	// Name returns a human-readable name for this facility
	Name() string

	// Available checks if this facility can be used in the current environment
	Available() bool

	// Bind starts producing frames from the camera named by selector,
	// calling deliver for each until ctx is done or UnbindAll is called.
	Bind(ctx context.Context, selector Selector, deliver DeliverFunc) error

	// UnbindAll stops every binding. No deliver call is made after it
	// returns.
	UnbindAll()
}
