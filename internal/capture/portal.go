package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/bryanchriswhite/vcambridge/internal/logger"
)

// Portal D-Bus constants
const (
	portalService = "org.freedesktop.portal.Desktop"
	portalPath    = "/org/freedesktop/portal/desktop"
	cameraIface   = "org.freedesktop.portal.Camera"
	requestIface  = "org.freedesktop.portal.Request"
)

// ErrCameraAccessDenied is returned when the user or the portal refuses
// camera access.
var ErrCameraAccessDenied = errors.New("camera access denied")

// Portal requests camera access through the xdg-desktop-portal Camera
// interface. Access is requested once and remembered for the connection.
type Portal struct {
	conn    *dbus.Conn
	timeout time.Duration

	mu      sync.Mutex
	granted bool
	seq     atomic.Uint32
}

// NewPortal connects to the session bus.
func NewPortal() (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &Portal{
		conn:    conn,
		timeout: 60 * time.Second,
	}, nil
}

// Close closes the portal connection
func (p *Portal) Close() error {
	return p.conn.Close()
}

// IsCameraPresent reports whether the portal sees any camera.
func (p *Portal) IsCameraPresent() (bool, error) {
	obj := p.conn.Object(portalService, portalPath)
	v, err := obj.GetProperty(cameraIface + ".IsCameraPresent")
	if err != nil {
		return false, fmt.Errorf("failed to read IsCameraPresent: %w", err)
	}
	present, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected IsCameraPresent type: %T", v.Value())
	}
	return present, nil
}

// AccessCamera asks the portal for camera access, waiting for the user's
// answer until ctx ends or the portal timeout passes.
func (p *Portal) AccessCamera(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.granted {
		return nil
	}

	log := logger.WithComponent("portal")
	obj := p.conn.Object(portalService, portalPath)

	token := fmt.Sprintf("vcambridge%d_%d", os.Getpid(), p.seq.Add(1))
	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token),
	}

	// Set up response channel BEFORE making the call
	responseChan := make(chan *dbus.Signal, 10)

	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		log.Warn().Err(err).Msg("Failed to add match rule")
	}

	p.conn.Signal(responseChan)
	defer p.conn.RemoveSignal(responseChan)

	var requestPath dbus.ObjectPath
	if err := obj.CallWithContext(ctx, cameraIface+".AccessCamera", 0, options).Store(&requestPath); err != nil {
		return fmt.Errorf("AccessCamera call failed: %w", err)
	}

	log.Info().Str("request_path", string(requestPath)).Msg("Waiting for AccessCamera response (portal dialog may appear)")

	timeout := time.After(p.timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("timeout waiting for AccessCamera response")
		case sig := <-responseChan:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			if len(sig.Body) < 1 {
				return fmt.Errorf("invalid response")
			}
			code, ok := sig.Body[0].(uint32)
			if !ok {
				return fmt.Errorf("unexpected response code type: %T", sig.Body[0])
			}
			if err := responseError(code); err != nil {
				return err
			}
			p.granted = true
			log.Info().Msg("Camera access granted")
			return nil
		}
	}
}

// responseError maps a portal Request response code to an error.
func responseError(code uint32) error {
	switch code {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%w: cancelled by user", ErrCameraAccessDenied)
	default:
		return fmt.Errorf("%w: request ended (code %d)", ErrCameraAccessDenied, code)
	}
}
