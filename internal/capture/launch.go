package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/bryanchriswhite/vcambridge/internal/frame"
	"github.com/bryanchriswhite/vcambridge/internal/logger"
)

// LaunchFacility captures by running gst-launch-1.0 as a subprocess that
// writes raw I420 frames to its stdout. It avoids loading GStreamer into the
// process.
type LaunchFacility struct {
	cfg    DeviceConfig
	binary string

	mu       sync.Mutex
	bindings []*launchBinding
}

type launchBinding struct {
	selector Selector
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewLaunchFacility creates a subprocess-based facility.
func NewLaunchFacility(cfg DeviceConfig) *LaunchFacility {
	return &LaunchFacility{
		cfg:    cfg.withDefaults(),
		binary: "gst-launch-1.0",
	}
}

// Name returns the facility name
func (l *LaunchFacility) Name() string {
	return "gst-launch"
}

// Available checks that gst-launch-1.0 is on PATH.
func (l *LaunchFacility) Available() bool {
	_, err := exec.LookPath(l.binary)
	return err == nil
}

// launchArgs builds the gst-launch argument list for device.
func (l *LaunchFacility) launchArgs(device string) []string {
	pipeline := fmt.Sprintf(
		"v4l2src device=%s do-timestamp=true ! "+
			"videoconvert ! "+
			"videoscale ! "+
			"%s ! "+
			"fdsink fd=1 sync=false",
		device, l.cfg.captureCaps(),
	)
	return append([]string{"-q"}, strings.Fields(pipeline)...)
}

// Bind starts a gst-launch subprocess for selector and waits for its first
// frame. A subprocess that exits or stays silent past the start timeout is
// reported as a failed bind.
func (l *LaunchFacility) Bind(ctx context.Context, selector Selector, deliver DeliverFunc) error {
	log := logger.WithComponent("gst-launch")

	device, err := l.cfg.Device(selector)
	if err != nil {
		return err
	}
	if _, err := os.Stat(device); err != nil {
		return fmt.Errorf("camera device unavailable: %w", err)
	}

	bctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(bctx, l.binary, l.launchArgs(device)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	log.Debug().Strs("args", cmd.Args).Msg("Starting gst-launch subprocess")
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start gst-launch: %w", err)
	}

	b := &launchBinding{
		selector: selector,
		cmd:      cmd,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	st := newStartup()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		logStderr(stderr)
	}()
	go func() {
		defer close(b.done)

		readErr := readFrames(bctx, stdout, l.cfg.Width, l.cfg.Height, st.deliver(deliver))
		stopped := bctx.Err() != nil

		// Kill the subprocess if it is still running, then drain stderr
		// before Wait closes the pipes.
		cancel()
		<-stderrDone
		waitErr := cmd.Wait()

		if stopped {
			return
		}
		endErr := streamEnded(readErr, waitErr)
		st.fail(endErr)
		log.Warn().Err(endErr).Str("selector", string(selector)).Msg("Camera stream ended")
	}()

	if err := st.wait(ctx, l.cfg.StartTimeout); err != nil {
		cancel()
		<-b.done
		return fmt.Errorf("gst-launch stream did not start: %w", err)
	}

	l.mu.Lock()
	l.bindings = append(l.bindings, b)
	l.mu.Unlock()

	log.Info().
		Str("selector", string(selector)).
		Str("device", device).
		Int("pid", cmd.Process.Pid).
		Msg("gst-launch subprocess started")
	return nil
}

// streamEnded describes why a subprocess stream stopped on its own.
func streamEnded(readErr, waitErr error) error {
	switch {
	case readErr != nil:
		return readErr
	case waitErr != nil:
		return fmt.Errorf("gst-launch exited: %w", waitErr)
	default:
		return errors.New("gst-launch exited")
	}
}

// UnbindAll kills every subprocess and waits for it to be reaped.
func (l *LaunchFacility) UnbindAll() {
	l.mu.Lock()
	bindings := l.bindings
	l.bindings = nil
	l.mu.Unlock()

	log := logger.WithComponent("gst-launch")
	for _, b := range bindings {
		b.cancel()
		<-b.done
		log.Info().Str("selector", string(b.selector)).Msg("gst-launch subprocess stopped")
	}
}

// readFrames reads raw I420 frames of width x height from r until ctx ends
// or the stream does. Frame buffers are recycled when frames are released.
func readFrames(ctx context.Context, r io.Reader, width, height int, deliver DeliverFunc) error {
	layout, err := layoutI420(width, height)
	if err != nil {
		return err
	}

	pool := newBufferPool(layout.size, 4)
	reader := bufio.NewReaderSize(r, layout.size)

	var seq uint64
	for {
		if ctx.Err() != nil {
			return nil
		}

		buf := pool.get()
		if _, err := io.ReadFull(reader, buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("error reading frame: %w", err)
		}

		planes, err := i420Planes(buf, width, height)
		if err != nil {
			return err
		}
		seq++
		f := frame.NewCaptureFrame(width, height, frame.FormatI420, planes, func() { pool.put(buf) })
		f.Seq = seq
		deliver(f)
	}
}

// logStderr logs any output from the gst-launch subprocess
func logStderr(r io.Reader) {
	log := logger.WithComponent("gst-launch")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}
