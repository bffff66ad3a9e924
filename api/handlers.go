package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"logdeck/backend"
	"logdeck/models"
	"logdeck/service"
)

// Handlers carries the service dependencies the HTTP surface needs.
type Handlers struct {
	Monitor     *service.DeviceMonitor
	Manager     *service.SessionManager
	AutoCapture *service.AutoCapture
	Registry    *backend.Registry
	Gate        *service.TransportGate
	Store       *service.SessionStore
	Timeout     time.Duration
}

// findSession resolves a session id among active sessions first, then the
// saved set on disk.
func (h *Handlers) findSession(id string) *models.CaptureSession {
	for _, sess := range h.Manager.ActiveSessions() {
		if sess.ID == id {
			return sess
		}
	}
	for _, sess := range h.Manager.GetSavedSessions() {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

// deviceBackend resolves the backend for an attached device id.
func (h *Handlers) deviceBackend(deviceID string) (models.Device, backend.DeviceBackend, bool) {
	d, ok := h.Monitor.Device(deviceID)
	if !ok {
		return models.Device{}, nil, false
	}
	b := h.Registry.Get(d.Platform)
	return d, b, b != nil
}

// GetDevices returns the monitor's current snapshot.
func (h *Handlers) GetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(h.Monitor.CurrentDevices()))
}

// PollDevices forces one discovery cycle and returns the refreshed snapshot.
func (h *Handlers) PollDevices(c *gin.Context) {
	h.Monitor.PollOnce()
	c.JSON(http.StatusOK, models.SuccessResponse(h.Monitor.CurrentDevices()))
}

// GetSessions returns active sessions followed by the saved-on-disk list.
func (h *Handlers) GetSessions(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"active": h.Manager.ActiveSessions(),
		"saved":  h.Manager.GetSavedSessions(),
	}))
}

// StartSession creates a session for a device and starts capture.
func (h *Handlers) StartSession(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	device, ok := h.Monitor.Device(req.DeviceID)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse("device not attached: "+req.DeviceID))
		return
	}
	if !device.Online() {
		c.JSON(http.StatusConflict, models.ErrorResponse("device not online: "+req.DeviceID))
		return
	}
	sess, err := h.Manager.CreateSession(device)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	if !h.Manager.StartCapture(sess) {
		h.Manager.DeleteSession(sess)
		c.JSON(http.StatusConflict, models.ErrorResponse("capture already active for device"))
		return
	}
	// Serialize a detached copy; the capture's readers already own the live
	// record.
	c.JSON(http.StatusCreated, models.SuccessResponse(h.Manager.SessionSnapshot(sess)))
}

// StopSession stops an active capture.
func (h *Handlers) StopSession(c *gin.Context) {
	sess := h.findSession(c.Param("id"))
	if sess == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse("session not found"))
		return
	}
	if !h.Manager.StopCapture(sess) {
		c.JSON(http.StatusConflict, models.ErrorResponse("session not active"))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(sess))
}

// DeleteSession removes a session and its directory.
func (h *Handlers) DeleteSession(c *gin.Context) {
	sess := h.findSession(c.Param("id"))
	if sess == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse("session not found"))
		return
	}
	if !h.Manager.DeleteSession(sess) {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse("delete failed"))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("session deleted"))
}

// GetSessionLog returns the tail of a session's persisted log.
func (h *Handlers) GetSessionLog(c *gin.Context) {
	sess := h.findSession(c.Param("id"))
	if sess == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse("session not found"))
		return
	}
	maxLines, _ := strconv.Atoi(c.DefaultQuery("lines", "500"))
	content, ok := h.Manager.ReadLogContent(sess, maxLines)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse("no log file"))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"session_id": sess.ID, "content": content}))
}

// SetAutoCapture toggles the capture-on-connect policy.
func (h *Handlers) SetAutoCapture(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	h.AutoCapture.SetEnabled(req.Enabled)
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"enabled": req.Enabled}))
}

// Screenshot captures the device screen. The image lands in the device's
// active session directory when one exists, otherwise in a shared
// screenshots directory under the sessions root.
func (h *Handlers) Screenshot(c *gin.Context) {
	deviceID := c.Param("id")
	device, b, ok := h.deviceBackend(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse("device not attached: "+deviceID))
		return
	}

	var dest string
	if sess := h.Manager.ActiveSessionForDevice(deviceID); sess != nil {
		dest = h.Manager.SessionArtifactPath(sess, "screenshot", ".png")
	} else {
		dir := filepath.Join(h.Store.Root(), "screenshots")
		if err := os.MkdirAll(dir, 0755); err != nil {
			c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
			return
		}
		dest = filepath.Join(dir, service.SanitizeLabel(device.ID)+"_"+time.Now().Format("15-04-05.000")+".png")
	}

	err := h.Gate.RunExclusive(b.ID(), h.Timeout, func(ctx context.Context) error {
		return b.CaptureScreenshot(ctx, deviceID, dest)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"path": dest}))
}

// ListFiles lists a remote directory on the device.
func (h *Handlers) ListFiles(c *gin.Context) {
	deviceID := c.Param("id")
	_, b, ok := h.deviceBackend(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse("device not attached: "+deviceID))
		return
	}
	remote := c.DefaultQuery("path", "/sdcard")

	var entries []models.FileEntry
	err := h.Gate.RunExclusive(b.ID(), h.Timeout, func(ctx context.Context) error {
		var listErr error
		entries, listErr = b.ListDirectory(ctx, deviceID, remote)
		return listErr
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(entries))
}

type fileTransferRequest struct {
	RemotePath string `json:"remote_path" binding:"required"`
	LocalPath  string `json:"local_path"`
}

// PullFile copies a file from the device to the host.
func (h *Handlers) PullFile(c *gin.Context) {
	h.fileOp(c, func(ctx context.Context, b backend.DeviceBackend, deviceID string, req fileTransferRequest) error {
		return b.PullFile(ctx, deviceID, req.RemotePath, req.LocalPath)
	}, true)
}

// PushFile copies a file from the host to the device.
func (h *Handlers) PushFile(c *gin.Context) {
	h.fileOp(c, func(ctx context.Context, b backend.DeviceBackend, deviceID string, req fileTransferRequest) error {
		return b.PushFile(ctx, deviceID, req.LocalPath, req.RemotePath)
	}, true)
}

// DeleteFile removes a file on the device.
func (h *Handlers) DeleteFile(c *gin.Context) {
	h.fileOp(c, func(ctx context.Context, b backend.DeviceBackend, deviceID string, req fileTransferRequest) error {
		return b.DeleteFile(ctx, deviceID, req.RemotePath)
	}, false)
}

func (h *Handlers) fileOp(c *gin.Context,
	op func(ctx context.Context, b backend.DeviceBackend, deviceID string, req fileTransferRequest) error,
	needLocal bool) {
	deviceID := c.Param("id")
	_, b, ok := h.deviceBackend(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse("device not attached: "+deviceID))
		return
	}
	var req fileTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	if needLocal && req.LocalPath == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("local_path required"))
		return
	}
	err := h.Gate.RunExclusive(b.ID(), h.Timeout, func(ctx context.Context) error {
		return op(ctx, b, deviceID, req)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("ok"))
}

// ListApps lists installed applications on the device.
func (h *Handlers) ListApps(c *gin.Context) {
	deviceID := c.Param("id")
	_, b, ok := h.deviceBackend(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse("device not attached: "+deviceID))
		return
	}
	var apps []models.AppEntry
	err := h.Gate.RunExclusive(b.ID(), h.Timeout, func(ctx context.Context) error {
		var listErr error
		apps, listErr = b.ListInstalledApps(ctx, deviceID)
		return listErr
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(apps))
}

// InstallApp installs a package from a host path.
func (h *Handlers) InstallApp(c *gin.Context) {
	deviceID := c.Param("id")
	_, b, ok := h.deviceBackend(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse("device not attached: "+deviceID))
		return
	}
	var req struct {
		Path string `json:"path" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	// Installs can legitimately take longer than a status query.
	err := h.Gate.RunExclusive(b.ID(), 3*h.Timeout, func(ctx context.Context) error {
		return b.InstallApp(ctx, deviceID, req.Path)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("installed"))
}

// UninstallApp removes a package from the device.
func (h *Handlers) UninstallApp(c *gin.Context) {
	deviceID := c.Param("id")
	_, b, ok := h.deviceBackend(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse("device not attached: "+deviceID))
		return
	}
	pkg := c.Param("package")
	err := h.Gate.RunExclusive(b.ID(), h.Timeout, func(ctx context.Context) error {
		return b.UninstallApp(ctx, deviceID, pkg)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("uninstalled"))
}
