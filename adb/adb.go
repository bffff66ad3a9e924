// Package adb implements the Android device backend on top of the adb
// command-line tool. All short commands run under the caller's context so a
// transport timeout kills the helper process, never the adb server itself.
package adb

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"logdeck/backend"
	"logdeck/models"
)

// Backend wraps adb command execution.
type Backend struct {
	Path string // adb binary; defaults to "adb" in PATH
}

var _ backend.DeviceBackend = (*Backend)(nil)

// New creates an Android backend. path may be empty to use PATH lookup.
func New(path string) *Backend {
	if path == "" {
		path = "adb"
	}
	return &Backend{Path: path}
}

func (b *Backend) ID() string                    { return "adb" }
func (b *Backend) Platform() models.PlatformKind { return models.PlatformAndroid }

// ListDevices returns the currently attached Android devices parsed from
// `adb devices -l`. Unauthorized and offline devices are included with their
// state so the monitor can surface them distinctly.
func (b *Backend) ListDevices(ctx context.Context) ([]models.Device, error) {
	cmd := exec.CommandContext(ctx, b.Path, "devices", "-l")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	return b.parseDeviceList(ctx, string(output)), nil
}

// parseDeviceList parses the output of `adb devices -l`.
func (b *Backend) parseDeviceList(ctx context.Context, output string) []models.Device {
	var devices []models.Device
	for i, line := range strings.Split(output, "\n") {
		// Skip header line and empty lines
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		serial := parts[0]

		device := models.Device{
			ID:          serial,
			DisplayName: serial, // replaced by model name below when known
			Platform:    models.PlatformAndroid,
			State:       mapState(parts[1]),
		}
		for _, part := range parts[2:] {
			if strings.HasPrefix(part, "model:") {
				device.Model = strings.ReplaceAll(strings.TrimPrefix(part, "model:"), "_", " ")
				device.DisplayName = device.Model
			}
		}
		if device.State == models.ConnOnline {
			b.enrich(ctx, &device)
		}
		devices = append(devices, device)
	}
	return devices
}

func mapState(state string) models.ConnectionState {
	switch state {
	case "device":
		return models.ConnOnline
	case "unauthorized":
		return models.ConnUnauthorized
	default:
		return models.ConnOffline
	}
}

// DeviceDetails returns an enriched copy of the device snapshot.
func (b *Backend) DeviceDetails(ctx context.Context, d models.Device) (models.Device, error) {
	if d.State != models.ConnOnline {
		return d, nil
	}
	b.enrich(ctx, &d)
	return d, nil
}

// enrich fills in OS version and battery via shell commands. Failures leave
// the field empty rather than failing the whole listing.
func (b *Backend) enrich(ctx context.Context, d *models.Device) {
	if v, err := b.getProperty(ctx, d.ID, "ro.build.version.release"); err == nil {
		d.OSVersion = strings.TrimSpace(v)
	}
	if d.Model == "" {
		if m, err := b.getProperty(ctx, d.ID, "ro.product.model"); err == nil {
			d.Model = strings.TrimSpace(m)
			if d.Model != "" {
				d.DisplayName = d.Model
			}
		}
	}
	if lvl, err := b.batteryLevel(ctx, d.ID); err == nil {
		d.BatteryLevel = lvl
	}
}

func (b *Backend) getProperty(ctx context.Context, deviceID, property string) (string, error) {
	cmd := exec.CommandContext(ctx, b.Path, "-s", deviceID, "shell", "getprop", property)
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// batteryLevel parses `dumpsys battery` for the level line.
func (b *Backend) batteryLevel(ctx context.Context, deviceID string) (int, error) {
	cmd := exec.CommandContext(ctx, b.Path, "-s", deviceID, "shell", "dumpsys", "battery")
	output, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if val, ok := strings.CutPrefix(line, "level:"); ok {
			level, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil {
				return 0, err
			}
			return level, nil
		}
	}
	return 0, fmt.Errorf("battery level not found")
}

// StartLogStream spawns `adb logcat` for the device. The returned handle's
// stdout yields one log record per line. No context: logcat runs until the
// capture is stopped or the device disconnects.
func (b *Backend) StartLogStream(deviceID string) (backend.ProcessHandle, error) {
	cmd := exec.Command(b.Path, "-s", deviceID, "logcat", "-v", "threadtime")
	return backend.StartCommand(cmd)
}

// CaptureScreenshot writes a PNG of the device screen to destPath.
func (b *Backend) CaptureScreenshot(ctx context.Context, deviceID, destPath string) error {
	cmd := exec.CommandContext(ctx, b.Path, "-s", deviceID, "exec-out", "screencap", "-p")
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("screencap failed: %w", err)
	}
	return os.WriteFile(destPath, output, 0644)
}

func (b *Backend) PullFile(ctx context.Context, deviceID, remotePath, localPath string) error {
	cmd := exec.CommandContext(ctx, b.Path, "-s", deviceID, "pull", remotePath, localPath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("file pull failed: %w", err)
	}
	return nil
}

func (b *Backend) PushFile(ctx context.Context, deviceID, localPath, remotePath string) error {
	cmd := exec.CommandContext(ctx, b.Path, "-s", deviceID, "push", localPath, remotePath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("file push failed: %w", err)
	}
	return nil
}

func (b *Backend) DeleteFile(ctx context.Context, deviceID, remotePath string) error {
	cmd := exec.CommandContext(ctx, b.Path, "-s", deviceID, "shell", "rm", "-f", remotePath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("file delete failed: %w", err)
	}
	return nil
}

// ListDirectory parses `ls -la` output for a remote path. Lines that do not
// look like directory entries (totals, errors) are skipped.
func (b *Backend) ListDirectory(ctx context.Context, deviceID, remotePath string) ([]models.FileEntry, error) {
	cmd := exec.CommandContext(ctx, b.Path, "-s", deviceID, "shell", "ls", "-la", remotePath)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ls failed: %w", err)
	}

	var entries []models.FileEntry
	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 8 || !strings.ContainsAny(fields[0][:1], "-dl") {
			continue
		}
		name := fields[len(fields)-1]
		if name == "." || name == ".." {
			continue
		}
		size, _ := strconv.ParseInt(fields[4], 10, 64)
		entries = append(entries, models.FileEntry{
			Name:  name,
			Path:  strings.TrimSuffix(remotePath, "/") + "/" + name,
			Size:  size,
			IsDir: fields[0][0] == 'd',
		})
	}
	return entries, nil
}

// ListInstalledApps returns third-party packages via `pm list packages -3`.
func (b *Backend) ListInstalledApps(ctx context.Context, deviceID string) ([]models.AppEntry, error) {
	cmd := exec.CommandContext(ctx, b.Path, "-s", deviceID, "shell", "pm", "list", "packages", "-3")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pm list packages failed: %w", err)
	}

	var apps []models.AppEntry
	for _, line := range strings.Split(string(output), "\n") {
		pkg, ok := strings.CutPrefix(strings.TrimSpace(line), "package:")
		if !ok || pkg == "" {
			continue
		}
		apps = append(apps, models.AppEntry{PackageID: pkg})
	}
	return apps, nil
}

func (b *Backend) InstallApp(ctx context.Context, deviceID, packagePath string) error {
	cmd := exec.CommandContext(ctx, b.Path, "-s", deviceID, "install", "-r", packagePath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("apk install failed: %w", err)
	}
	return nil
}

func (b *Backend) UninstallApp(ctx context.Context, deviceID, packageID string) error {
	cmd := exec.CommandContext(ctx, b.Path, "-s", deviceID, "uninstall", packageID)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("apk uninstall failed: %w", err)
	}
	return nil
}
