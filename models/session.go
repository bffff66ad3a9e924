package models

import "time"

// SessionStatus is the lifecycle state of a capture session.
// Idle -> Capturing -> Stopped; a Stopped session never becomes
// Capturing again.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionCapturing SessionStatus = "capturing"
	SessionStopped   SessionStatus = "stopped"
)

// CaptureSession is the logical record of one logging run for one device.
// Mutable fields (Status, LineCount, EndTime) are owned exclusively by the
// session manager; durable directory/file existence is owned by the store.
type CaptureSession struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	Platform   PlatformKind  `json:"platform"`
	Status     SessionStatus `json:"status"`
	StartTime  time.Time     `json:"start_time,omitzero"`
	EndTime    time.Time     `json:"end_time,omitzero"`
	LogFile    string        `json:"log_file"`
	Directory  string        `json:"directory"`
	LineCount  int64         `json:"line_count"`
	DeviceName string        `json:"device_name,omitempty"`
}

// Active reports whether the session currently backs a live capture process.
func (s *CaptureSession) Active() bool {
	return s.Status == SessionCapturing
}
