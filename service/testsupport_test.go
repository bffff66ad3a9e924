package service

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"logdeck/backend"
	"logdeck/models"
)

// fakeHandle is a pipe-backed stand-in for a capture process. Writing to
// stdin-side writers simulates process output; exit() simulates the process
// dying on its own.
type fakeHandle struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	done     chan struct{}
	exitOnce sync.Once
	killed   atomic.Bool

	// exitOnClose mimics logcat/idevicesyslog, which quit once their output
	// pipe closes.
	exitOnClose bool
}

func newFakeHandle() *fakeHandle {
	h := &fakeHandle{done: make(chan struct{}), exitOnClose: true}
	h.stdoutR, h.stdoutW = io.Pipe()
	h.stderrR, h.stderrW = io.Pipe()
	return h
}

func (h *fakeHandle) writeLine(line string) {
	h.stdoutW.Write([]byte(line + "\n"))
}

func (h *fakeHandle) exit() {
	h.exitOnce.Do(func() {
		h.stdoutW.Close()
		h.stderrW.Close()
		close(h.done)
	})
}

// exitWithPending signals process death first, then delivers lines before
// closing the pipes, mimicking output still sitting in the kernel pipe
// buffer when the process dies.
func (h *fakeHandle) exitWithPending(lines ...string) {
	h.exitOnce.Do(func() {
		close(h.done)
		for _, l := range lines {
			h.stdoutW.Write([]byte(l + "\n"))
		}
		h.stdoutW.Close()
		h.stderrW.Close()
	})
}

func (h *fakeHandle) PID() int          { return 4242 }
func (h *fakeHandle) Stdout() io.Reader { return h.stdoutR }
func (h *fakeHandle) Stderr() io.Reader { return h.stderrR }

func (h *fakeHandle) CloseStreams() error {
	h.stdoutW.Close()
	h.stderrW.Close()
	if h.exitOnClose {
		h.exit()
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.killed.Store(true)
	h.exit()
	return nil
}

func (h *fakeHandle) Wait() error {
	<-h.done
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

var _ backend.ProcessHandle = (*fakeHandle)(nil)

// fakeBackend is a scriptable DeviceBackend.
type fakeBackend struct {
	id       string
	platform models.PlatformKind

	mu       sync.Mutex
	devices  []models.Device
	listErr  error
	handles  []*fakeHandle // queued for StartLogStream, FIFO
	spawnErr error
	spawned  []*fakeHandle

	// listGate, when non-nil, blocks ListDevices until closed; spawnGate
	// does the same for StartLogStream.
	listGate  chan struct{}
	spawnGate chan struct{}

	listCalls atomic.Int64
}

func newFakeBackend(id string, platform models.PlatformKind) *fakeBackend {
	return &fakeBackend{id: id, platform: platform}
}

func (f *fakeBackend) setDevices(devices ...models.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func (f *fakeBackend) queueHandle(h *fakeHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles = append(f.handles, h)
}

func (f *fakeBackend) lastSpawned() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spawned) == 0 {
		return nil
	}
	return f.spawned[len(f.spawned)-1]
}

func (f *fakeBackend) ID() string                    { return f.id }
func (f *fakeBackend) Platform() models.PlatformKind { return f.platform }

func (f *fakeBackend) ListDevices(ctx context.Context) ([]models.Device, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeBackend) DeviceDetails(_ context.Context, d models.Device) (models.Device, error) {
	return d, nil
}

func (f *fakeBackend) StartLogStream(string) (backend.ProcessHandle, error) {
	f.mu.Lock()
	gate := f.spawnGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	var h *fakeHandle
	if len(f.handles) > 0 {
		h = f.handles[0]
		f.handles = f.handles[1:]
	} else {
		h = newFakeHandle()
	}
	f.spawned = append(f.spawned, h)
	return h, nil
}

func (f *fakeBackend) CaptureScreenshot(context.Context, string, string) error { return nil }
func (f *fakeBackend) PullFile(context.Context, string, string, string) error  { return nil }
func (f *fakeBackend) PushFile(context.Context, string, string, string) error  { return nil }
func (f *fakeBackend) DeleteFile(context.Context, string, string) error        { return nil }
func (f *fakeBackend) ListDirectory(context.Context, string, string) ([]models.FileEntry, error) {
	return nil, nil
}
func (f *fakeBackend) ListInstalledApps(context.Context, string) ([]models.AppEntry, error) {
	return nil, nil
}
func (f *fakeBackend) InstallApp(context.Context, string, string) error   { return nil }
func (f *fakeBackend) UninstallApp(context.Context, string, string) error { return nil }

var _ backend.DeviceBackend = (*fakeBackend)(nil)

// collector records dispatched events.
type collector struct {
	mu           sync.Mutex
	connected    []models.Device
	disconnected []models.Device
	changed      [][]models.Device
	batches      []logBatch
}

type logBatch struct {
	sessionID string
	deviceID  string
	text      string
	lines     int
}

func (c *collector) DeviceConnected(d models.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = append(c.connected, d)
}

func (c *collector) DeviceDisconnected(d models.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = append(c.disconnected, d)
}

func (c *collector) DevicesChanged(current []models.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changed = append(c.changed, current)
}

func (c *collector) LogBatch(sessionID, deviceID, text string, lines int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, logBatch{sessionID, deviceID, text, lines})
}

func (c *collector) snapshot() (connected, disconnected []models.Device, changed [][]models.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Device(nil), c.connected...),
		append([]models.Device(nil), c.disconnected...),
		append([][]models.Device(nil), c.changed...)
}

func (c *collector) batchSnapshot() []logBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]logBatch(nil), c.batches...)
}

func (c *collector) totalBatchLines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, b := range c.batches {
		total += b.lines
	}
	return total
}

// eventually polls cond until it returns true or the deadline passes.
func eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
