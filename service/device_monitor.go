package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"logdeck/backend"
	"logdeck/models"
)

// DeviceMonitor maintains the authoritative set of attached devices and
// raises edge-triggered connect/disconnect events. Discovery is poll-driven:
// each cycle queries every backend through the transport gate, merges the
// results keyed by device id, and diffs against the previous cycle.
type DeviceMonitor struct {
	registry   *backend.Registry
	gate       *TransportGate
	dispatcher *Dispatcher
	log        zerolog.Logger
	cmdTimeout time.Duration

	mu      sync.RWMutex
	current map[string]models.Device

	// Single-flight guard: overlapping polls are skipped, never queued.
	polling atomic.Bool

	runMu  sync.Mutex
	cancel context.CancelFunc
}

func NewDeviceMonitor(registry *backend.Registry, gate *TransportGate, dispatcher *Dispatcher, cmdTimeout time.Duration, log zerolog.Logger) *DeviceMonitor {
	return &DeviceMonitor{
		registry:   registry,
		gate:       gate,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "monitor").Logger(),
		cmdTimeout: cmdTimeout,
		current:    make(map[string]models.Device),
	}
}

// StartMonitoring begins a recurring poll at the given interval. A prior run
// is stopped first, so restarting with a new interval is safe.
func (m *DeviceMonitor) StartMonitoring(interval time.Duration) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	go func() {
		m.PollOnce()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PollOnce()
			}
		}
	}()
	m.log.Info().Dur("interval", interval).Msg("device monitoring started")
}

// StopMonitoring cancels the recurring poll. Safe when not running.
func (m *DeviceMonitor) StopMonitoring() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
		m.log.Info().Msg("device monitoring stopped")
	}
}

// PollOnce runs one discovery cycle: query, merge, diff, emit. If a poll is
// already in flight this call is a no-op: slow backends cause skipped
// cycles, never stacked ones. Events for the cycle (connected, then
// disconnected, then the aggregate change) are delivered before PollOnce
// returns.
func (m *DeviceMonitor) PollOnce() {
	if !m.polling.CompareAndSwap(false, true) {
		return
	}
	defer m.polling.Store(false)

	merged := make(map[string]models.Device)
	for _, b := range m.registry.All() {
		var devices []models.Device
		err := m.gate.RunExclusive(b.ID(), m.cmdTimeout, func(ctx context.Context) error {
			var listErr error
			devices, listErr = b.ListDevices(ctx)
			return listErr
		})
		if err != nil {
			// One backend's failure means zero devices from it this cycle;
			// it never blocks the others.
			m.log.Warn().Str("backend", b.ID()).Err(err).Msg("device listing failed")
			continue
		}
		for _, d := range devices {
			if _, dup := merged[d.ID]; dup {
				continue
			}
			merged[d.ID] = d
		}
	}

	m.mu.Lock()
	prev := m.current
	m.current = merged
	m.mu.Unlock()

	var connected, disconnected []models.Device
	for id, d := range merged {
		if _, ok := prev[id]; !ok {
			connected = append(connected, d)
		}
	}
	for id, d := range prev {
		if _, ok := merged[id]; !ok {
			disconnected = append(disconnected, d)
		}
	}
	if len(connected) == 0 && len(disconnected) == 0 {
		return
	}

	sort.Slice(connected, func(i, j int) bool { return connected[i].ID < connected[j].ID })
	sort.Slice(disconnected, func(i, j int) bool { return disconnected[i].ID < disconnected[j].ID })

	// Enrich only on the connect edge; steady-state cycles stay one command
	// per backend.
	for i := range connected {
		if d, ok := m.enrich(connected[i]); ok {
			connected[i] = d
			m.mu.Lock()
			m.current[d.ID] = d
			m.mu.Unlock()
		}
	}

	for _, d := range connected {
		m.log.Info().Str("device", d.ID).Str("name", d.DisplayName).Msg("device connected")
		m.dispatcher.PublishConnected(d)
	}
	for _, d := range disconnected {
		m.log.Info().Str("device", d.ID).Msg("device disconnected")
		m.dispatcher.PublishDisconnected(d)
	}
	m.dispatcher.PublishChanged(m.CurrentDevices())
}

// enrich asks the device's backend for the detailed snapshot (model, OS
// version, battery, trust state). Failure keeps the listing-level snapshot.
func (m *DeviceMonitor) enrich(d models.Device) (models.Device, bool) {
	b := m.registry.Get(d.Platform)
	if b == nil {
		return d, false
	}
	err := m.gate.RunExclusive(b.ID(), m.cmdTimeout, func(ctx context.Context) error {
		var detErr error
		d, detErr = b.DeviceDetails(ctx, d)
		return detErr
	})
	if err != nil {
		m.log.Debug().Str("device", d.ID).Err(err).Msg("device detail probe failed")
		return d, false
	}
	return d, true
}

// CurrentDevices returns an immutable snapshot of the latest known set,
// sorted by id.
func (m *DeviceMonitor) CurrentDevices() []models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Device, 0, len(m.current))
	for _, d := range m.current {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Device returns the current snapshot for one id.
func (m *DeviceMonitor) Device(id string) (models.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.current[id]
	return d, ok
}
