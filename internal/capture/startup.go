package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/vcambridge/internal/frame"
)

// DefaultStartTimeout bounds how long Bind waits for the first frame.
const DefaultStartTimeout = 5 * time.Second

// startup reports whether a new stream produced its first frame or ended
// before it could.
type startup struct {
	once   sync.Once
	ready  chan struct{}
	failed chan error
}

func newStartup() *startup {
	return &startup{
		ready:  make(chan struct{}),
		failed: make(chan error, 1),
	}
}

// frame marks the stream as started.
func (s *startup) frame() {
	s.once.Do(func() { close(s.ready) })
}

// fail records why the stream ended. Only the first error is kept.
func (s *startup) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

// deliver wraps next so the first frame marks the stream as started.
func (s *startup) deliver(next DeliverFunc) DeliverFunc {
	return func(f *frame.CaptureFrame) {
		s.frame()
		next(f)
	}
}

// wait blocks until the first frame, a stream failure, the timeout or the
// end of ctx.
func (s *startup) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case err := <-s.failed:
		return err
	case <-timer.C:
		return fmt.Errorf("no frames within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
