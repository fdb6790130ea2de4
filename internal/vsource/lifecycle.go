// Package vsource tracks the lifecycle of the virtual camera source inside
// the downstream pipeline and derives the streaming gate from it.
//
// Events arrive on the pipeline's dispatch goroutine; the gate is read from
// the capture worker. The state is published as an immutable snapshot behind
// an atomic pointer so reads never block and never observe a torn update.
package vsource

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/vcambridge/internal/logger"
	"github.com/bryanchriswhite/vcambridge/internal/vdevice"
)

// State is the lifecycle state of the managed virtual source.
type State int

const (
	Uninitialized State = iota
	Added
	Started
	Stopped
	ConfigurationChanged
	Removed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Added:
		return "added"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case ConfigurationChanged:
		return "configuration_changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is one consistent view of the lifecycle.
type Snapshot struct {
	State  State
	Handle *vdevice.Device
}

// Streaming reports whether frames may be forwarded.
func (s Snapshot) Streaming() bool {
	return s.State == Started && s.Handle != nil
}

// Transition describes an observed lifecycle event and its effect.
type Transition struct {
	Event    string          `json:"event"`
	From     State           `json:"from"`
	To       State           `json:"to"`
	DeviceID string          `json:"device_id,omitempty"`
	Category vdevice.Category `json:"category,omitempty"`
	At       time.Time       `json:"at"`
}

// Lifecycle is the virtual source state machine. It manages exactly one
// source of the configured category; events for other categories are
// ignored.
type Lifecycle struct {
	category vdevice.Category
	selector vdevice.Selector

	// mu serializes writers; readers go through snap.
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]

	listenersMu sync.RWMutex
	listeners   []chan Transition
}

// New creates a lifecycle for sources of category. selector receives the
// select/deselect calls issued on add and remove.
func New(category vdevice.Category, selector vdevice.Selector) *Lifecycle {
	l := &Lifecycle{
		category: category,
		selector: selector,
	}
	l.snap.Store(&Snapshot{State: Uninitialized})
	return l
}

// Snapshot returns the current state and handle together.
func (l *Lifecycle) Snapshot() Snapshot {
	return *l.snap.Load()
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	return l.snap.Load().State
}

// IsStreaming reports whether the source is started.
func (l *Lifecycle) IsStreaming() bool {
	return l.snap.Load().Streaming()
}

// CurrentHandle returns the registered source, or nil.
func (l *Lifecycle) CurrentHandle() *vdevice.Device {
	return l.snap.Load().Handle
}

// OnDeviceAdded records a newly added source of the managed category and
// selects it downstream.
func (l *Lifecycle) OnDeviceAdded(dev *vdevice.Device) {
	if !l.matchesCategory(dev) {
		return
	}

	l.mu.Lock()
	cur := l.snap.Load()
	switch cur.State {
	case Uninitialized, Removed:
	default:
		if cur.Handle.Same(dev) {
			l.mu.Unlock()
			return
		}
		logger.WithComponent("vsource").Warn().
			Stringer("previous", cur.Handle).
			Stringer("device", dev).
			Msg("Replacing registered virtual source")
	}
	next := &Snapshot{State: Added, Handle: dev}
	l.snap.Store(next)
	l.mu.Unlock()

	l.publish("added", cur.State, next.State, dev)
	l.selectDevice(dev)
}

// OnDeviceRemoved clears the handle when the registered source goes away and
// deselects downstream.
func (l *Lifecycle) OnDeviceRemoved(dev *vdevice.Device) {
	if !l.matchesCategory(dev) {
		return
	}

	l.mu.Lock()
	cur := l.snap.Load()
	if !l.isCurrent(cur, dev) {
		l.mu.Unlock()
		return
	}
	switch cur.State {
	case Added, Started, Stopped:
	default:
		l.mu.Unlock()
		return
	}
	l.snap.Store(&Snapshot{State: Removed})
	l.mu.Unlock()

	l.publish("removed", cur.State, Removed, dev)
	l.selectDevice(nil)
}

// OnDeviceStateUpdated applies a started/stopped report for the registered
// source. Configuration changes are observed without a transition.
func (l *Lifecycle) OnDeviceStateUpdated(dev *vdevice.Device, state vdevice.DeviceState) {
	if !l.matchesCategory(dev) {
		return
	}

	l.mu.Lock()
	cur := l.snap.Load()
	if !l.isCurrent(cur, dev) {
		l.mu.Unlock()
		return
	}

	var to State
	switch state {
	case vdevice.DeviceStarted:
		if cur.State != Added && cur.State != Stopped {
			l.mu.Unlock()
			return
		}
		to = Started
	case vdevice.DeviceStopped:
		if cur.State != Started {
			l.mu.Unlock()
			return
		}
		to = Stopped
	case vdevice.DeviceConfigurationChanged:
		l.mu.Unlock()
		logger.WithComponent("vsource").Info().Stringer("device", dev).Msg("Virtual source configuration changed")
		l.publish(string(state), cur.State, cur.State, dev)
		return
	default:
		l.mu.Unlock()
		logger.WithComponent("vsource").Debug().Str("state", string(state)).Msg("Ignoring unknown device state")
		return
	}
	l.snap.Store(&Snapshot{State: to, Handle: cur.Handle})
	l.mu.Unlock()

	l.publish(string(state), cur.State, to, dev)
}

// OnBufferReleased is accepted and ignored: converted buffers are not pooled.
func (l *Lifecycle) OnBufferReleased(dev *vdevice.Device, buf []byte, size int) {}

// Subscribe returns a channel receiving every transition. Slow subscribers
// miss transitions rather than blocking the pipeline.
func (l *Lifecycle) Subscribe() chan Transition {
	ch := make(chan Transition, 16)
	l.listenersMu.Lock()
	l.listeners = append(l.listeners, ch)
	l.listenersMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription.
func (l *Lifecycle) Unsubscribe(ch chan Transition) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()

	for i, listener := range l.listeners {
		if listener == ch {
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (l *Lifecycle) matchesCategory(dev *vdevice.Device) bool {
	if dev == nil || dev.Category != l.category {
		if dev != nil {
			logger.WithComponent("vsource").Debug().
				Stringer("device", dev).
				Msg("Ignoring event for unmanaged category")
		}
		return false
	}
	return true
}

func (l *Lifecycle) isCurrent(cur *Snapshot, dev *vdevice.Device) bool {
	if cur.Handle == nil || !cur.Handle.Same(dev) {
		logger.WithComponent("vsource").Debug().
			Stringer("device", dev).
			Stringer("current", cur.Handle).
			Msg("Ignoring event for unregistered virtual source")
		return false
	}
	return true
}

func (l *Lifecycle) selectDevice(dev *vdevice.Device) {
	if l.selector == nil {
		return
	}
	if err := l.selector.SelectVirtualSource(dev); err != nil {
		logger.WithComponent("vsource").Warn().
			Err(err).
			Stringer("device", dev).
			Msg("Failed to select virtual source")
	}
}

func (l *Lifecycle) publish(event string, from, to State, dev *vdevice.Device) {
	t := Transition{
		Event: event,
		From:  from,
		To:    to,
		At:    time.Now(),
	}
	if dev != nil {
		t.DeviceID = dev.ID
		t.Category = dev.Category
	}

	logger.WithComponent("vsource").Info().
		Str("event", event).
		Stringer("from", from).
		Stringer("to", to).
		Str("device", t.DeviceID).
		Msg("Virtual source lifecycle event")

	l.listenersMu.RLock()
	defer l.listenersMu.RUnlock()
	for _, listener := range l.listeners {
		select {
		case listener <- t:
		default:
		}
	}
}
