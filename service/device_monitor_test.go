package service

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logdeck/backend"
	"logdeck/models"
)

func dev(id string) models.Device {
	return models.Device{ID: id, DisplayName: id, Platform: models.PlatformAndroid, State: models.ConnOnline}
}

func newMonitorFixture(backends ...backend.DeviceBackend) (*DeviceMonitor, *collector) {
	registry := backend.NewRegistry()
	for _, b := range backends {
		registry.Register(b)
	}
	dispatcher := NewDispatcher()
	sink := &collector{}
	dispatcher.SubscribeDevices(sink)
	m := NewDeviceMonitor(registry, NewTransportGate(), dispatcher, time.Second, zerolog.Nop())
	return m, sink
}

func TestPollOnceEmitsConnectDisconnectEdges(t *testing.T) {
	fb := newFakeBackend("adb", models.PlatformAndroid)
	m, sink := newMonitorFixture(fb)

	fb.setDevices(dev("SER123"), dev("SER456"))
	m.PollOnce()

	connected, disconnected, changed := sink.snapshot()
	require.Len(t, connected, 2)
	assert.Equal(t, "SER123", connected[0].ID)
	assert.Equal(t, "SER456", connected[1].ID)
	assert.Empty(t, disconnected)
	require.Len(t, changed, 1)
	assert.Len(t, changed[0], 2)

	// SER456 replaced by SER789: one connect, one disconnect, one change.
	fb.setDevices(dev("SER123"), dev("SER789"))
	m.PollOnce()

	connected, disconnected, changed = sink.snapshot()
	require.Len(t, connected, 3)
	assert.Equal(t, "SER789", connected[2].ID)
	require.Len(t, disconnected, 1)
	assert.Equal(t, "SER456", disconnected[0].ID)
	assert.Len(t, changed, 2)
}

func TestPollOnceNoopCycleEmitsNothing(t *testing.T) {
	fb := newFakeBackend("adb", models.PlatformAndroid)
	m, sink := newMonitorFixture(fb)

	fb.setDevices(dev("SER123"))
	m.PollOnce()
	m.PollOnce() // same set again

	connected, disconnected, changed := sink.snapshot()
	assert.Len(t, connected, 1)
	assert.Empty(t, disconnected)
	assert.Len(t, changed, 1, "no-op poll must not emit DevicesChanged")
}

func TestPollOnceDiffIsSymmetricDifference(t *testing.T) {
	fb := newFakeBackend("adb", models.PlatformAndroid)
	m, sink := newMonitorFixture(fb)

	fb.setDevices(dev("a"), dev("b"), dev("c"))
	m.PollOnce()
	fb.setDevices(dev("b"), dev("c"), dev("d"), dev("e"))
	m.PollOnce()

	connected, disconnected, _ := sink.snapshot()
	// Second cycle: connected {d,e}, disconnected {a}; sets disjoint.
	ids := map[string]bool{}
	for _, d := range connected[3:] {
		ids[d.ID] = true
	}
	assert.Equal(t, map[string]bool{"d": true, "e": true}, ids)
	require.Len(t, disconnected, 1)
	assert.Equal(t, "a", disconnected[0].ID)
}

func TestBackendFailureCountsAsZeroDevices(t *testing.T) {
	android := newFakeBackend("adb", models.PlatformAndroid)
	iosB := newFakeBackend("usbmuxd", models.PlatformIOS)
	m, sink := newMonitorFixture(android, iosB)

	android.setDevices(dev("SER123"))
	iosB.setDevices(models.Device{ID: "UDID-1", Platform: models.PlatformIOS, State: models.ConnOnline})
	m.PollOnce()
	assert.Len(t, m.CurrentDevices(), 2)

	// Android transport breaks: its devices vanish, iOS results still land.
	android.mu.Lock()
	android.listErr = errors.New("adb server not running")
	android.mu.Unlock()
	m.PollOnce()

	current := m.CurrentDevices()
	require.Len(t, current, 1)
	assert.Equal(t, "UDID-1", current[0].ID)

	_, disconnected, _ := sink.snapshot()
	require.Len(t, disconnected, 1)
	assert.Equal(t, "SER123", disconnected[0].ID)
}

func TestPollOnceSingleFlight(t *testing.T) {
	fb := newFakeBackend("adb", models.PlatformAndroid)
	gate := make(chan struct{})
	fb.mu.Lock()
	fb.listGate = gate
	fb.mu.Unlock()
	m, sink := newMonitorFixture(fb)
	fb.setDevices(dev("SER123"))

	go m.PollOnce() // blocks inside ListDevices

	require.True(t, eventually(time.Second, func() bool { return fb.listCalls.Load() == 1 }))
	m.PollOnce() // overlapping poll: skipped, not queued
	assert.Equal(t, int64(1), fb.listCalls.Load())

	close(gate)
	require.True(t, eventually(time.Second, func() bool {
		connected, _, _ := sink.snapshot()
		return len(connected) == 1
	}))
}

func TestStartMonitoringRestartAndStop(t *testing.T) {
	fb := newFakeBackend("adb", models.PlatformAndroid)
	m, sink := newMonitorFixture(fb)
	fb.setDevices(dev("SER123"))

	m.StartMonitoring(10 * time.Millisecond)
	m.StartMonitoring(10 * time.Millisecond) // idempotent restart
	defer m.StopMonitoring()

	require.True(t, eventually(time.Second, func() bool {
		connected, _, _ := sink.snapshot()
		return len(connected) >= 1
	}))

	m.StopMonitoring()
	m.StopMonitoring() // safe when not running

	calls := fb.listCalls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, fb.listCalls.Load(), "no polls after stop")
}

func TestCurrentDevicesIsSnapshot(t *testing.T) {
	fb := newFakeBackend("adb", models.PlatformAndroid)
	m, _ := newMonitorFixture(fb)
	fb.setDevices(dev("b"), dev("a"))
	m.PollOnce()

	snap := m.CurrentDevices()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID, "sorted by id")
	snap[0].ID = "mutated"

	again := m.CurrentDevices()
	assert.Equal(t, "a", again[0].ID, "caller mutation must not leak into the monitor")
}
