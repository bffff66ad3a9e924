package service

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"logdeck/models"
)

// AutoCapture reacts to monitor edges: when enabled, a connecting device
// gets a session created and started immediately (unless one is already
// capturing for it), and a disconnecting device gets its capturing session
// stopped. Subscribed to the dispatcher as a DeviceListener.
type AutoCapture struct {
	manager *SessionManager
	log     zerolog.Logger
	enabled atomic.Bool
}

var _ DeviceListener = (*AutoCapture)(nil)

func NewAutoCapture(manager *SessionManager, enabled bool, log zerolog.Logger) *AutoCapture {
	a := &AutoCapture{
		manager: manager,
		log:     log.With().Str("component", "autocapture").Logger(),
	}
	a.enabled.Store(enabled)
	return a
}

func (a *AutoCapture) SetEnabled(on bool) { a.enabled.Store(on) }
func (a *AutoCapture) Enabled() bool      { return a.enabled.Load() }

func (a *AutoCapture) DeviceConnected(d models.Device) {
	if !a.enabled.Load() || !d.Online() {
		return
	}
	if a.manager.ActiveSessionForDevice(d.ID) != nil {
		return
	}
	sess, err := a.manager.CreateSession(d)
	if err != nil {
		a.log.Error().Str("device", d.ID).Err(err).Msg("auto-capture session allocation failed")
		return
	}
	if !a.manager.StartCapture(sess) {
		a.log.Warn().Str("device", d.ID).Msg("auto-capture start failed")
	}
}

func (a *AutoCapture) DeviceDisconnected(d models.Device) {
	if stopped := a.manager.StopCaptureForDevice(d.ID, a.manager.ActiveSessions()); stopped != nil {
		a.log.Info().Str("device", d.ID).Str("session", stopped.ID).Msg("capture stopped on disconnect")
	}
}

func (a *AutoCapture) DevicesChanged([]models.Device) {}
