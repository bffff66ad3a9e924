package models

// PlatformKind identifies which device family (and therefore which backend)
// a device belongs to.
type PlatformKind string

const (
	PlatformAndroid PlatformKind = "android"
	PlatformIOS     PlatformKind = "ios"
)

// ConnectionState is the transport-level state of a device as reported by
// its backend tool.
type ConnectionState string

const (
	ConnOnline       ConnectionState = "online"
	ConnOffline      ConnectionState = "offline"
	ConnUnauthorized ConnectionState = "unauthorized"
	// ConnPendingTrust means the device is attached but waiting for the
	// user to accept the trust/pairing dialog (iOS).
	ConnPendingTrust ConnectionState = "pending_trust"
)

// Device is an identity snapshot of one physical unit. Snapshots are built
// fresh on every poll cycle and never mutated in place; ID is the diff key.
type Device struct {
	ID           string          `json:"id"` // stable serial / UDID
	DisplayName  string          `json:"display_name"`
	Model        string          `json:"model"`
	OSVersion    string          `json:"os_version"`
	Platform     PlatformKind    `json:"platform"`
	State        ConnectionState `json:"state"`
	BatteryLevel int             `json:"battery_level"`
}

// Online reports whether the device is usable for capture and commands.
func (d Device) Online() bool {
	return d.State == ConnOnline
}

// FileEntry is one row of a remote directory listing.
type FileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// AppEntry is one installed application on a device.
type AppEntry struct {
	PackageID string `json:"package_id"`
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
}
