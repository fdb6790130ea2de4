package vsource

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/vcambridge/internal/vdevice"
)

type selectCall struct {
	dev *vdevice.Device
}

type fakeSelector struct {
	mu    sync.Mutex
	calls []selectCall
}

func (f *fakeSelector) SelectVirtualSource(dev *vdevice.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, selectCall{dev: dev})
	return nil
}

func (f *fakeSelector) Calls() []selectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]selectCall(nil), f.calls...)
}

func camera(id string) *vdevice.Device {
	return vdevice.NewDevice(vdevice.CategoryCamera, id, id, nil)
}

func TestLifecycle_InitialState(t *testing.T) {
	l := New(vdevice.CategoryCamera, nil)

	assert.Equal(t, Uninitialized, l.State())
	assert.False(t, l.IsStreaming())
	assert.Nil(t, l.CurrentHandle())
}

func TestLifecycle_FullCycle(t *testing.T) {
	sel := &fakeSelector{}
	l := New(vdevice.CategoryCamera, sel)
	cam := camera("cam")

	l.OnDeviceAdded(cam)
	assert.Equal(t, Added, l.State())
	assert.Same(t, cam, l.CurrentHandle())
	assert.False(t, l.IsStreaming())

	l.OnDeviceStateUpdated(cam, vdevice.DeviceStarted)
	assert.Equal(t, Started, l.State())
	assert.True(t, l.IsStreaming())

	l.OnDeviceStateUpdated(cam, vdevice.DeviceStopped)
	assert.Equal(t, Stopped, l.State())
	assert.False(t, l.IsStreaming())
	assert.Same(t, cam, l.CurrentHandle())

	l.OnDeviceStateUpdated(cam, vdevice.DeviceStarted)
	assert.True(t, l.IsStreaming())

	l.OnDeviceRemoved(cam)
	assert.Equal(t, Removed, l.State())
	assert.False(t, l.IsStreaming())
	assert.Nil(t, l.CurrentHandle())

	calls := sel.Calls()
	require.Len(t, calls, 2)
	assert.Same(t, cam, calls[0].dev, "added selects the device")
	assert.Nil(t, calls[1].dev, "removed selects none")
}

func TestLifecycle_IgnoresOtherCategories(t *testing.T) {
	sel := &fakeSelector{}
	l := New(vdevice.CategoryCamera, sel)
	screen := vdevice.NewDevice(vdevice.CategoryScreen, "screen", "", nil)

	l.OnDeviceAdded(screen)
	l.OnDeviceStateUpdated(screen, vdevice.DeviceStarted)
	l.OnDeviceRemoved(screen)
	l.OnDeviceAdded(nil)

	assert.Equal(t, Uninitialized, l.State())
	assert.Empty(t, sel.Calls())

	cam := camera("cam")
	l.OnDeviceAdded(cam)
	l.OnDeviceStateUpdated(cam, vdevice.DeviceStarted)
	l.OnDeviceRemoved(screen)
	l.OnDeviceStateUpdated(screen, vdevice.DeviceStopped)

	assert.True(t, l.IsStreaming())
	assert.Len(t, sel.Calls(), 1)
}

func TestLifecycle_IgnoresNonMatchingHandle(t *testing.T) {
	l := New(vdevice.CategoryCamera, nil)
	cam, other := camera("cam"), camera("other")

	l.OnDeviceAdded(cam)
	l.OnDeviceStateUpdated(other, vdevice.DeviceStarted)
	assert.Equal(t, Added, l.State())

	l.OnDeviceStateUpdated(cam, vdevice.DeviceStarted)
	l.OnDeviceStateUpdated(other, vdevice.DeviceStopped)
	l.OnDeviceRemoved(other)
	assert.True(t, l.IsStreaming())
	assert.Same(t, cam, l.CurrentHandle())
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	l := New(vdevice.CategoryCamera, nil)
	cam := camera("cam")

	// Nothing registered yet.
	l.OnDeviceStateUpdated(cam, vdevice.DeviceStarted)
	l.OnDeviceRemoved(cam)
	assert.Equal(t, Uninitialized, l.State())

	l.OnDeviceAdded(cam)
	// Stopped is only reachable from Started.
	l.OnDeviceStateUpdated(cam, vdevice.DeviceStopped)
	assert.Equal(t, Added, l.State())

	// Duplicate add for the same device is a no-op.
	l.OnDeviceStateUpdated(cam, vdevice.DeviceStarted)
	l.OnDeviceAdded(cam)
	assert.Equal(t, Started, l.State())

	l.OnDeviceRemoved(cam)
	l.OnDeviceRemoved(cam)
	l.OnDeviceStateUpdated(cam, vdevice.DeviceStarted)
	assert.Equal(t, Removed, l.State())
}

func TestLifecycle_ConfigurationChangedKeepsState(t *testing.T) {
	l := New(vdevice.CategoryCamera, nil)
	cam := camera("cam")
	sub := l.Subscribe()
	defer l.Unsubscribe(sub)

	l.OnDeviceAdded(cam)
	l.OnDeviceStateUpdated(cam, vdevice.DeviceStarted)
	l.OnDeviceStateUpdated(cam, vdevice.DeviceConfigurationChanged)

	assert.Equal(t, Started, l.State())
	assert.True(t, l.IsStreaming())

	var events []Transition
	for i := 0; i < 3; i++ {
		select {
		case tr := <-sub:
			events = append(events, tr)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for transition")
		}
	}
	assert.Equal(t, "configuration_changed", events[2].Event)
	assert.Equal(t, Started, events[2].From)
	assert.Equal(t, Started, events[2].To)
	assert.Equal(t, "cam", events[2].DeviceID)
}

func TestLifecycle_ReAddAfterRemove(t *testing.T) {
	sel := &fakeSelector{}
	l := New(vdevice.CategoryCamera, sel)
	first, second := camera("first"), camera("second")

	l.OnDeviceAdded(first)
	l.OnDeviceRemoved(first)
	l.OnDeviceAdded(second)

	assert.Equal(t, Added, l.State())
	assert.Same(t, second, l.CurrentHandle())
	assert.Len(t, sel.Calls(), 3)
}

func TestLifecycle_BufferReleasedIgnored(t *testing.T) {
	l := New(vdevice.CategoryCamera, nil)
	cam := camera("cam")
	l.OnDeviceAdded(cam)

	l.OnBufferReleased(cam, []byte{1}, 1)
	assert.Equal(t, Added, l.State())
}

// model mirrors the gate property: streaming iff the most recent relevant
// event for the registered handle was a started update.
type model struct {
	handle    string
	state     State
	streaming bool
}

func (m *model) apply(kind int, id string) {
	switch kind {
	case 0: // added
		if m.state == Uninitialized || m.state == Removed {
			m.handle, m.state, m.streaming = id, Added, false
		}
	case 1: // removed
		if id == m.handle && (m.state == Added || m.state == Started || m.state == Stopped) {
			m.handle, m.state, m.streaming = "", Removed, false
		}
	case 2: // started
		if id == m.handle && (m.state == Added || m.state == Stopped) {
			m.state, m.streaming = Started, true
		}
	case 3: // stopped
		if id == m.handle && m.state == Started {
			m.state, m.streaming = Stopped, false
		}
	}
}

func TestLifecycle_GateMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	devices := map[string]*vdevice.Device{"a": camera("a"), "b": camera("b")}
	ids := []string{"a", "b"}

	for run := 0; run < 200; run++ {
		l := New(vdevice.CategoryCamera, nil)
		m := &model{}

		for step := 0; step < 30; step++ {
			kind := rng.Intn(4)
			id := ids[rng.Intn(len(ids))]
			dev := devices[id]

			// Only add when nothing is registered so the model stays simple.
			if kind == 0 && m.handle != "" {
				continue
			}

			switch kind {
			case 0:
				l.OnDeviceAdded(dev)
			case 1:
				l.OnDeviceRemoved(dev)
			case 2:
				l.OnDeviceStateUpdated(dev, vdevice.DeviceStarted)
			case 3:
				l.OnDeviceStateUpdated(dev, vdevice.DeviceStopped)
			}
			m.apply(kind, id)

			require.Equal(t, m.streaming, l.IsStreaming(), "run %d step %d", run, step)
			require.Equal(t, m.state, l.State(), "run %d step %d", run, step)
			if m.handle == "" {
				require.Nil(t, l.CurrentHandle())
			} else {
				require.Equal(t, m.handle, l.CurrentHandle().ID)
			}
		}
	}
}

func TestLifecycle_ConcurrentReadersAndWriters(t *testing.T) {
	l := New(vdevice.CategoryCamera, &fakeSelector{})
	cam := camera("cam")
	l.OnDeviceAdded(cam)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := l.Snapshot()
			if snap.Streaming() {
				assert.NotNil(t, snap.Handle)
			}
			_ = l.IsStreaming()
			_ = l.CurrentHandle()
		}
	}()

	for i := 0; i < 1000; i++ {
		l.OnDeviceStateUpdated(cam, vdevice.DeviceStarted)
		l.OnDeviceStateUpdated(cam, vdevice.DeviceStopped)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, Stopped, l.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "removed", Removed.String())
	assert.Equal(t, "unknown", State(99).String())

	text, err := Started.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "started", string(text))
}
