// Package ios implements the iOS device backend on top of the
// libimobiledevice command-line tools (idevice_id, ideviceinfo,
// idevicesyslog, idevicescreenshot, ideviceinstaller, afcclient).
package ios

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"logdeck/backend"
	"logdeck/models"
)

// Backend wraps the libimobiledevice tool suite. ToolPrefix lets tests and
// non-standard installs point at a directory; by default the tools are
// resolved from PATH.
type Backend struct {
	ToolPrefix string
}

var _ backend.DeviceBackend = (*Backend)(nil)

func New(toolPrefix string) *Backend {
	return &Backend{ToolPrefix: toolPrefix}
}

func (b *Backend) ID() string                    { return "usbmuxd" }
func (b *Backend) Platform() models.PlatformKind { return models.PlatformIOS }

func (b *Backend) tool(name string) string {
	if b.ToolPrefix == "" {
		return name
	}
	return b.ToolPrefix + "/" + name
}

// ListDevices enumerates attached UDIDs via `idevice_id -l` and enriches
// each with name/version. A device whose lockdown queries fail with a
// pairing error is reported as PendingTrust rather than dropped.
func (b *Backend) ListDevices(ctx context.Context) ([]models.Device, error) {
	cmd := exec.CommandContext(ctx, b.tool("idevice_id"), "-l")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("idevice_id: %w", err)
	}

	var devices []models.Device
	for _, line := range strings.Split(string(output), "\n") {
		udid := strings.TrimSpace(line)
		if udid == "" {
			continue
		}
		d := models.Device{
			ID:          udid,
			DisplayName: udid,
			Platform:    models.PlatformIOS,
			State:       models.ConnOnline,
		}
		b.enrich(ctx, &d)
		devices = append(devices, d)
	}
	return devices, nil
}

// DeviceDetails returns an enriched copy of the device snapshot.
func (b *Backend) DeviceDetails(ctx context.Context, d models.Device) (models.Device, error) {
	b.enrich(ctx, &d)
	return d, nil
}

func (b *Backend) enrich(ctx context.Context, d *models.Device) {
	name, err := b.info(ctx, d.ID, "", "DeviceName")
	if err != nil {
		// ideviceinfo refuses with a pairing message until the user accepts
		// the trust dialog on the device.
		if strings.Contains(err.Error(), "pair") || strings.Contains(strings.ToLower(err.Error()), "trust") {
			d.State = models.ConnPendingTrust
		} else {
			d.State = models.ConnOffline
		}
		return
	}
	d.DisplayName = name
	if v, err := b.info(ctx, d.ID, "", "ProductVersion"); err == nil {
		d.OSVersion = v
	}
	if m, err := b.info(ctx, d.ID, "", "ProductType"); err == nil {
		d.Model = m
	}
	if lvl, err := b.info(ctx, d.ID, "com.apple.mobile.battery", "BatteryCurrentCapacity"); err == nil {
		if n, err := strconv.Atoi(lvl); err == nil {
			d.BatteryLevel = n
		}
	}
}

// info runs ideviceinfo for one key, optionally in a domain.
func (b *Backend) info(ctx context.Context, udid, domain, key string) (string, error) {
	args := []string{"-u", udid}
	if domain != "" {
		args = append(args, "-q", domain)
	}
	args = append(args, "-k", key)
	cmd := exec.CommandContext(ctx, b.tool("ideviceinfo"), args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ideviceinfo %s: %w: %s", key, err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// StartLogStream spawns `idevicesyslog` for the device; stdout yields one
// syslog record per line.
func (b *Backend) StartLogStream(deviceID string) (backend.ProcessHandle, error) {
	cmd := exec.Command(b.tool("idevicesyslog"), "-u", deviceID)
	return backend.StartCommand(cmd)
}

func (b *Backend) CaptureScreenshot(ctx context.Context, deviceID, destPath string) error {
	cmd := exec.CommandContext(ctx, b.tool("idevicescreenshot"), "-u", deviceID, destPath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("idevicescreenshot failed: %w", err)
	}
	return nil
}

func (b *Backend) PullFile(ctx context.Context, deviceID, remotePath, localPath string) error {
	return b.afc(ctx, deviceID, "get", remotePath, localPath)
}

func (b *Backend) PushFile(ctx context.Context, deviceID, localPath, remotePath string) error {
	return b.afc(ctx, deviceID, "put", localPath, remotePath)
}

func (b *Backend) DeleteFile(ctx context.Context, deviceID, remotePath string) error {
	return b.afc(ctx, deviceID, "rm", remotePath)
}

// afc runs a single afcclient file command against the device's media
// container.
func (b *Backend) afc(ctx context.Context, deviceID string, args ...string) error {
	full := append([]string{"-u", deviceID}, args...)
	cmd := exec.CommandContext(ctx, b.tool("afcclient"), full...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("afcclient %s failed: %w", args[0], err)
	}
	return nil
}

// ListDirectory lists a remote path via afcclient. Entry sizes are not
// reported by the tool's plain listing; only names and kind are filled.
func (b *Backend) ListDirectory(ctx context.Context, deviceID, remotePath string) ([]models.FileEntry, error) {
	cmd := exec.CommandContext(ctx, b.tool("afcclient"), "-u", deviceID, "ls", remotePath)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("afcclient ls failed: %w", err)
	}

	var entries []models.FileEntry
	for _, line := range strings.Split(string(output), "\n") {
		name := strings.TrimSpace(line)
		if name == "" || name == "." || name == ".." {
			continue
		}
		isDir := strings.HasSuffix(name, "/")
		name = strings.TrimSuffix(name, "/")
		entries = append(entries, models.FileEntry{
			Name:  name,
			Path:  strings.TrimSuffix(remotePath, "/") + "/" + name,
			IsDir: isDir,
		})
	}
	return entries, nil
}

// ListInstalledApps parses `ideviceinstaller -l`, whose output is
// one "CFBundleIdentifier, CFBundleVersion, CFBundleDisplayName" per line.
func (b *Backend) ListInstalledApps(ctx context.Context, deviceID string) ([]models.AppEntry, error) {
	cmd := exec.CommandContext(ctx, b.tool("ideviceinstaller"), "-u", deviceID, "-l")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ideviceinstaller list failed: %w", err)
	}

	var apps []models.AppEntry
	for i, line := range strings.Split(string(output), "\n") {
		if i == 0 || strings.TrimSpace(line) == "" { // header
			continue
		}
		parts := strings.SplitN(line, ",", 3)
		if len(parts) < 1 || strings.TrimSpace(parts[0]) == "" {
			continue
		}
		app := models.AppEntry{PackageID: strings.TrimSpace(parts[0])}
		if len(parts) > 1 {
			app.Version = strings.Trim(strings.TrimSpace(parts[1]), "\"")
		}
		if len(parts) > 2 {
			app.Name = strings.Trim(strings.TrimSpace(parts[2]), "\"")
		}
		apps = append(apps, app)
	}
	return apps, nil
}

func (b *Backend) InstallApp(ctx context.Context, deviceID, packagePath string) error {
	cmd := exec.CommandContext(ctx, b.tool("ideviceinstaller"), "-u", deviceID, "-i", packagePath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ipa install failed: %w", err)
	}
	return nil
}

func (b *Backend) UninstallApp(ctx context.Context, deviceID, packageID string) error {
	cmd := exec.CommandContext(ctx, b.tool("ideviceinstaller"), "-u", deviceID, "-U", packageID)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ipa uninstall failed: %w", err)
	}
	return nil
}
