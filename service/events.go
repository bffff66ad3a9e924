package service

import (
	"sync"

	"logdeck/models"
)

// DeviceListener receives device-set edge events. For one poll cycle the
// dispatcher delivers connected events first, then disconnected events, then
// the aggregate changed event, before the next cycle can begin.
type DeviceListener interface {
	DeviceConnected(d models.Device)
	DeviceDisconnected(d models.Device)
	DevicesChanged(current []models.Device)
}

// LogListener receives batched capture output. text is a newline-joined
// batch of at most the configured batch size.
type LogListener interface {
	LogBatch(sessionID, deviceID string, text string, lines int)
}

// Dispatcher is an explicit observer registry replacing ad-hoc callback
// wiring: consumers subscribe and unsubscribe whole listener values, so a
// replaced consumer cannot leave a dangling callback behind.
//
// Publish methods fan out synchronously; listener methods must not block.
type Dispatcher struct {
	mu           sync.RWMutex
	deviceSinks  []DeviceListener
	logSinks     []LogListener
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (p *Dispatcher) SubscribeDevices(l DeviceListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deviceSinks = append(p.deviceSinks, l)
}

func (p *Dispatcher) UnsubscribeDevices(l DeviceListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.deviceSinks {
		if s == l {
			p.deviceSinks = append(p.deviceSinks[:i], p.deviceSinks[i+1:]...)
			return
		}
	}
}

func (p *Dispatcher) SubscribeLogs(l LogListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logSinks = append(p.logSinks, l)
}

func (p *Dispatcher) UnsubscribeLogs(l LogListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.logSinks {
		if s == l {
			p.logSinks = append(p.logSinks[:i], p.logSinks[i+1:]...)
			return
		}
	}
}

func (p *Dispatcher) deviceListeners() []DeviceListener {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]DeviceListener, len(p.deviceSinks))
	copy(out, p.deviceSinks)
	return out
}

func (p *Dispatcher) PublishConnected(d models.Device) {
	for _, l := range p.deviceListeners() {
		l.DeviceConnected(d)
	}
}

func (p *Dispatcher) PublishDisconnected(d models.Device) {
	for _, l := range p.deviceListeners() {
		l.DeviceDisconnected(d)
	}
}

func (p *Dispatcher) PublishChanged(current []models.Device) {
	for _, l := range p.deviceListeners() {
		l.DevicesChanged(current)
	}
}

func (p *Dispatcher) PublishLogBatch(sessionID, deviceID, text string, lines int) {
	p.mu.RLock()
	sinks := make([]LogListener, len(p.logSinks))
	copy(sinks, p.logSinks)
	p.mu.RUnlock()
	for _, l := range sinks {
		l.LogBatch(sessionID, deviceID, text, lines)
	}
}
