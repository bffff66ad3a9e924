// Package backend defines the contract between the session/monitoring core
// and the platform adapters (adb for Android, libimobiledevice for iOS).
// The core never shells out itself; everything device-shaped goes through a
// DeviceBackend.
package backend

import (
	"context"
	"errors"
	"sync"

	"logdeck/models"
)

// ErrNotSupported is returned by adapters for operations their platform
// tooling cannot perform.
var ErrNotSupported = errors.New("backend: operation not supported")

// DeviceBackend abstracts one device family's command-line tool.
//
// Discovery calls fail soft: a transport error surfaces as an empty list or
// a wrapped error the caller treats as "zero devices this cycle". Short
// commands honor ctx cancellation; the adapter must run them with
// exec.CommandContext so an expired deadline force-kills the helper process.
// StartLogStream is the one long-running spawn and takes no deadline.
type DeviceBackend interface {
	// ID names the backend's shared transport (e.g. "adb"). The transport
	// gate serializes commands per ID.
	ID() string
	Platform() models.PlatformKind

	ListDevices(ctx context.Context) ([]models.Device, error)
	DeviceDetails(ctx context.Context, d models.Device) (models.Device, error)

	// StartLogStream spawns the long-running log process for a device.
	// The returned handle's stdout yields raw text lines.
	StartLogStream(deviceID string) (ProcessHandle, error)

	CaptureScreenshot(ctx context.Context, deviceID, destPath string) error
	PullFile(ctx context.Context, deviceID, remotePath, localPath string) error
	PushFile(ctx context.Context, deviceID, localPath, remotePath string) error
	DeleteFile(ctx context.Context, deviceID, remotePath string) error
	ListDirectory(ctx context.Context, deviceID, remotePath string) ([]models.FileEntry, error)
	ListInstalledApps(ctx context.Context, deviceID string) ([]models.AppEntry, error)
	InstallApp(ctx context.Context, deviceID, packagePath string) error
	UninstallApp(ctx context.Context, deviceID, packageID string) error
}

// Registry holds the configured backends keyed by platform kind. It replaces
// per-platform switch statements in the core: callers look a backend up by
// the platform recorded on the device or session.
type Registry struct {
	mu       sync.RWMutex
	backends map[models.PlatformKind]DeviceBackend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[models.PlatformKind]DeviceBackend)}
}

// Register adds or replaces the backend for its platform.
func (r *Registry) Register(b DeviceBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Platform()] = b
}

// Get returns the backend for a platform, or nil if none is registered.
func (r *Registry) Get(platform models.PlatformKind) DeviceBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[platform]
}

// All returns the registered backends in no particular order.
func (r *Registry) All() []DeviceBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceBackend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	return out
}
