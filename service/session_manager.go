package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"logdeck/backend"
	"logdeck/config"
	"logdeck/models"
)

// lineTimestampFormat prefixes every captured line in the log file.
const lineTimestampFormat = "2006-01-02 15:04:05.000"

// maxLineBytes bounds a single captured log line.
const maxLineBytes = 256 * 1024

// SessionManager owns the capture-session state machine: Idle -> Capturing
// -> Stopped. Exactly one capture context (process + file writer + delivery
// queue) exists per active session, and at most one active session exists
// per device. All session teardown funnels through one path so a device
// yank, a dying process, and an explicit stop behave identically.
type SessionManager struct {
	cfg        config.Config
	registry   *backend.Registry
	gate       *TransportGate
	supervisor *ProcessSupervisor
	store      *SessionStore
	dispatcher *Dispatcher
	log        zerolog.Logger

	mu           sync.Mutex
	active       map[string]*captureContext // session id -> context
	activeDevice map[string]string          // device id -> session id (incl. reservations)

	flushCancel context.CancelFunc // non-nil while the flush loop runs
	flushDone   chan struct{}
}

// captureContext binds a session to its live process handle and file writer.
// It exists only while the session is Capturing and is never reused.
type captureContext struct {
	session *models.CaptureSession
	handle  backend.ProcessHandle

	// queue is MPSC; drainMu makes "single consumer" hold between the
	// flush tick and teardown's final drain.
	queue   *lineQueue
	drainMu sync.Mutex

	writeMu      sync.Mutex
	file         *os.File
	writer       *bufio.Writer
	writerClosed bool
	writeFailed  atomic.Bool

	readers sync.WaitGroup
}

func NewSessionManager(cfg config.Config, registry *backend.Registry, gate *TransportGate,
	supervisor *ProcessSupervisor, store *SessionStore, dispatcher *Dispatcher, log zerolog.Logger) *SessionManager {
	return &SessionManager{
		cfg:          cfg,
		registry:     registry,
		gate:         gate,
		supervisor:   supervisor,
		store:        store,
		dispatcher:   dispatcher,
		log:          log.With().Str("component", "sessions").Logger(),
		active:       make(map[string]*captureContext),
		activeDevice: make(map[string]string),
	}
}

// CreateSession allocates a session directory and an Idle session record for
// a device. Pure allocation, nothing is spawned.
func (m *SessionManager) CreateSession(device models.Device) (*models.CaptureSession, error) {
	label := device.DisplayName
	if label == "" {
		label = device.ID
	}
	dir, err := m.store.AllocateSessionDir(label, time.Now())
	if err != nil {
		return nil, err
	}
	sess := &models.CaptureSession{
		ID:         uuid.NewString(),
		DeviceID:   device.ID,
		DeviceName: label,
		Platform:   device.Platform,
		Status:     models.SessionIdle,
		Directory:  dir,
		LogFile:    filepath.Join(dir, LogFileName(device.Platform, device.ID)),
	}
	m.store.RecordSession(sess)
	return sess, nil
}

// StartCapture spawns the log-stream process for a session and begins
// asynchronous consumption of its output. Returns false, leaving the
// session Idle and no process behind, when the session or its device is
// already active, the spawn fails, or the log file cannot be opened.
func (m *SessionManager) StartCapture(sess *models.CaptureSession) bool {
	if sess == nil || sess.Status != models.SessionIdle {
		return false
	}

	// Reserve both keys before any I/O so a concurrent StartCapture for the
	// same session or device fails fast instead of racing the spawn.
	m.mu.Lock()
	if _, busy := m.active[sess.ID]; busy {
		m.mu.Unlock()
		return false
	}
	if _, busy := m.activeDevice[sess.DeviceID]; busy {
		m.mu.Unlock()
		return false
	}
	m.active[sess.ID] = nil
	m.activeDevice[sess.DeviceID] = sess.ID
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.active, sess.ID)
		delete(m.activeDevice, sess.DeviceID)
		// The reservation counted as active; if the last real session
		// stopped while we were spawning, the flush loop is now idle.
		m.stopFlushLoopIfIdleLocked()
		m.mu.Unlock()
	}

	b := m.registry.Get(sess.Platform)
	if b == nil {
		m.log.Error().Str("platform", string(sess.Platform)).Msg("no backend for platform")
		release()
		return false
	}

	var handle backend.ProcessHandle
	err := m.gate.RunExclusive(b.ID(), m.cfg.CommandTimeout, func(context.Context) error {
		var spawnErr error
		handle, spawnErr = b.StartLogStream(sess.DeviceID)
		return spawnErr
	})
	if err != nil {
		m.log.Warn().Str("device", sess.DeviceID).Err(err).Msg("log stream spawn failed")
		release()
		return false
	}
	m.supervisor.Track(handle)

	file, err := os.OpenFile(sess.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// No half-initialized state: the just-spawned process dies here.
		m.log.Error().Str("path", sess.LogFile).Err(err).Msg("cannot open log file")
		_ = handle.CloseStreams()
		_ = handle.Kill()
		release()
		return false
	}

	cctx := &captureContext{
		session: sess,
		handle:  handle,
		queue:   newLineQueue(m.cfg.QueueCapacity),
		file:    file,
		writer:  bufio.NewWriter(file),
	}
	sess.Status = models.SessionCapturing
	sess.StartTime = time.Now()
	sess.EndTime = time.Time{}

	m.mu.Lock()
	m.active[sess.ID] = cctx
	m.ensureFlushLoopLocked()
	m.mu.Unlock()
	m.store.RecordSession(sess)

	cctx.readers.Add(2)
	go m.readLines(cctx, handle.Stdout())
	go m.readLines(cctx, handle.Stderr())
	go m.watchExit(cctx)

	m.log.Info().Str("session", sess.ID).Str("device", sess.DeviceID).Int("pid", handle.PID()).
		Msg("capture started")
	return true
}

// readLines consumes one output stream line by line until EOF. Each line is
// timestamped, appended to the file, and pushed into the delivery queue.
func (m *SessionManager) readLines(cctx *captureContext, r io.Reader) {
	defer cctx.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		entry := "[" + time.Now().Format(lineTimestampFormat) + "] " + scanner.Text()
		cctx.appendLine(entry, m.log)
		cctx.queue.push(entry)
		atomic.AddInt64(&cctx.session.LineCount, 1)
	}
	// EOF or closed pipe ends the loop cooperatively; scanner errors after
	// CloseStreams are expected and carry no signal.
}

// appendLine writes one entry to the session log file unless the writer has
// been closed by teardown.
func (c *captureContext) appendLine(entry string, log zerolog.Logger) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writerClosed {
		return
	}
	if _, err := c.writer.WriteString(entry + "\n"); err != nil {
		if c.writeFailed.CompareAndSwap(false, true) {
			log.Error().Str("session", c.session.ID).Err(err).Msg("log file write failed; capture continues in memory")
		}
	}
}

// closeWriter flushes and closes the log file; no lines are appended after
// this returns.
func (c *captureContext) closeWriter() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writerClosed {
		return
	}
	c.writerClosed = true
	_ = c.writer.Flush()
	_ = c.file.Close()
}

// watchExit stops the session when its process dies out-of-band (crash,
// device yank killing logcat). An explicit stop wins the map removal and
// this becomes a no-op.
func (m *SessionManager) watchExit(cctx *captureContext) {
	<-cctx.handle.Done()
	if m.claim(cctx) {
		m.log.Warn().Str("session", cctx.session.ID).Msg("capture process exited, stopping session")
		m.teardown(cctx)
	}
}

// claim removes the context from the active maps, returning true if this
// caller now owns teardown. Exactly one caller wins per context.
func (m *SessionManager) claim(cctx *captureContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[cctx.session.ID] != cctx {
		return false
	}
	delete(m.active, cctx.session.ID)
	delete(m.activeDevice, cctx.session.DeviceID)
	m.stopFlushLoopIfIdleLocked()
	return true
}

// StopCapture stops an active session. Calling it for a session that is not
// active (including a second call for the same session) is a no-op returning
// false.
func (m *SessionManager) StopCapture(sess *models.CaptureSession) bool {
	if sess == nil {
		return false
	}
	m.mu.Lock()
	cctx := m.active[sess.ID]
	m.mu.Unlock()
	if cctx == nil || !m.claim(cctx) {
		return false
	}
	m.teardown(cctx)
	if sess != cctx.session {
		// The caller may hold a detached copy; reflect the final state on it.
		m.mu.Lock()
		*sess = *snapshotSession(cctx.session)
		m.mu.Unlock()
	}
	return true
}

// teardown runs the full stop sequence for a claimed context. When the
// process died on its own, the readers are joined first so output still
// buffered in the pipes reaches the file and the delivery queue; an explicit
// stop closes the streams to unblock the readers, then gives the process its
// grace period before the kill. Either way the writer closes only after the
// readers are done, then everything still queued is flushed. The session is
// Stopped when this returns.
func (m *SessionManager) teardown(cctx *captureContext) {
	sess := cctx.session

	select {
	case <-cctx.handle.Done():
		// Process already exited; its write ends are closed, so the readers
		// drain whatever the pipes still hold and stop at EOF.
		m.joinReaders(cctx)
	default:
		// Explicit stop: closing our read ends unblocks the readers and the
		// stream process exits on its next write.
		_ = cctx.handle.CloseStreams()
		cctx.readers.Wait()
		select {
		case <-cctx.handle.Done():
		case <-time.After(m.cfg.StopGrace):
			// Only this process group, never the shared transport daemon.
			if err := cctx.handle.Kill(); err != nil {
				m.log.Warn().Str("session", sess.ID).Err(err).Msg("force kill failed")
			}
			<-cctx.handle.Done()
		}
	}

	cctx.closeWriter()
	_ = cctx.handle.CloseStreams()

	// Deliver whatever the flush timer had not drained yet.
	cctx.drainMu.Lock()
	for {
		lines := cctx.queue.drain(m.cfg.BatchMaxLines)
		if len(lines) == 0 {
			break
		}
		m.dispatcher.PublishLogBatch(sess.ID, sess.DeviceID, strings.Join(lines, "\n"), len(lines))
	}
	cctx.drainMu.Unlock()
	if n := cctx.queue.droppedCount(); n > 0 {
		m.log.Warn().Str("session", sess.ID).Int64("dropped", n).Msg("delivery buffer overflowed during capture")
	}

	// Under the lock so API read paths snapshotting sessions never observe
	// a half-written state.
	m.mu.Lock()
	sess.Status = models.SessionStopped
	sess.EndTime = time.Now()
	m.mu.Unlock()
	m.store.RecordSession(sess)
	m.log.Info().Str("session", sess.ID).Int64("lines", atomic.LoadInt64(&sess.LineCount)).
		Msg("capture stopped")
}

// joinReaders waits for the reader goroutines, bounded by the stop grace so
// a stray grandchild holding a pipe write end cannot wedge teardown.
func (m *SessionManager) joinReaders(cctx *captureContext) {
	drained := make(chan struct{})
	go func() {
		cctx.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(m.cfg.StopGrace):
		_ = cctx.handle.CloseStreams()
		<-drained
	}
}

// StopCaptureForDevice finds the one capturing session for a device among
// the candidates, stops it, and returns it. Returns nil when the device has
// no active session. Matching is strictly by device id.
func (m *SessionManager) StopCaptureForDevice(deviceID string, candidates []*models.CaptureSession) *models.CaptureSession {
	for _, sess := range candidates {
		if sess.DeviceID == deviceID && sess.Active() {
			if m.StopCapture(sess) {
				return sess
			}
		}
	}
	return nil
}

// StopAllCaptures stops every active session, best effort.
func (m *SessionManager) StopAllCaptures() {
	for _, sess := range m.ActiveSessions() {
		m.StopCapture(sess)
	}
}

// snapshotSession returns a detached copy safe to read or serialize outside
// the manager's lock. LineCount is loaded atomically because the reader
// goroutines keep adding to the original; the other mutable fields are only
// written under m.mu.
func snapshotSession(sess *models.CaptureSession) *models.CaptureSession {
	return &models.CaptureSession{
		ID:         sess.ID,
		DeviceID:   sess.DeviceID,
		Platform:   sess.Platform,
		Status:     sess.Status,
		StartTime:  sess.StartTime,
		EndTime:    sess.EndTime,
		LogFile:    sess.LogFile,
		Directory:  sess.Directory,
		LineCount:  atomic.LoadInt64(&sess.LineCount),
		DeviceName: sess.DeviceName,
	}
}

// ActiveSessions returns detached copies of the sessions currently
// capturing. Callers can serialize them without racing the reader
// goroutines; Stop/Delete accept the copies, matching is by id.
func (m *SessionManager) ActiveSessions() []*models.CaptureSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.CaptureSession, 0, len(m.active))
	for _, cctx := range m.active {
		if cctx != nil {
			out = append(out, snapshotSession(cctx.session))
		}
	}
	return out
}

// SessionSnapshot returns a detached copy of a session, safe to serialize
// while its capture is running.
func (m *SessionManager) SessionSnapshot(sess *models.CaptureSession) *models.CaptureSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshotSession(sess)
}

// ActiveSessionForDevice returns the capturing session bound to a device id,
// or nil. The returned record is the live one (its mutable fields are owned
// by the manager); use SessionSnapshot before serializing it.
func (m *SessionManager) ActiveSessionForDevice(deviceID string) *models.CaptureSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessID, ok := m.activeDevice[deviceID]
	if !ok {
		return nil
	}
	if cctx := m.active[sessID]; cctx != nil {
		return cctx.session
	}
	return nil
}

// DeleteSession stops the session if active, then removes its directory and
// index row. Never panics; returns false on filesystem failure.
func (m *SessionManager) DeleteSession(sess *models.CaptureSession) bool {
	if sess == nil {
		return false
	}
	m.StopCapture(sess)
	if err := m.store.DeleteSessionDir(sess.Directory); err != nil {
		m.log.Error().Str("session", sess.ID).Err(err).Msg("session delete failed")
		return false
	}
	m.store.RemoveSession(sess.ID)
	return true
}

// ReadLogContent returns the last maxLines lines of the session's persisted
// log. The second result is false when no log file exists.
func (m *SessionManager) ReadLogContent(sess *models.CaptureSession, maxLines int) (string, bool) {
	return m.store.ReadTail(sess.LogFile, maxLines)
}

// GetSavedSessions reconstructs the Stopped session list from disk, newest
// first. Directories backing a currently-capturing session are excluded so
// a running capture is never listed twice.
func (m *SessionManager) GetSavedSessions() []*models.CaptureSession {
	saved := m.store.SavedSessions()

	m.mu.Lock()
	activeDirs := make(map[string]struct{}, len(m.active))
	for _, cctx := range m.active {
		if cctx != nil {
			activeDirs[cctx.session.Directory] = struct{}{}
		}
	}
	m.mu.Unlock()

	out := saved[:0]
	for _, sess := range saved {
		if _, live := activeDirs[sess.Directory]; !live {
			out = append(out, sess)
		}
	}
	return out
}

// SessionArtifactPath returns a collision-free path inside the session
// directory for an ancillary artifact such as a screenshot.
func (m *SessionManager) SessionArtifactPath(sess *models.CaptureSession, prefix, ext string) string {
	name := fmt.Sprintf("%s_%s%s", prefix, time.Now().Format("15-04-05.000"), ext)
	return filepath.Join(sess.Directory, name)
}

// ensureFlushLoopLocked starts the batch-flush loop when the first session
// becomes active. Caller holds m.mu.
func (m *SessionManager) ensureFlushLoopLocked() {
	if m.flushCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.flushCancel = cancel
	m.flushDone = make(chan struct{})
	go m.flushLoop(ctx, m.flushDone)
}

// stopFlushLoopIfIdleLocked stops the flush loop once no session is active;
// no timer ticks while the system is idle. Caller holds m.mu.
func (m *SessionManager) stopFlushLoopIfIdleLocked() {
	if len(m.active) == 0 && m.flushCancel != nil {
		m.flushCancel()
		m.flushCancel = nil
	}
}

// flushLoop drains every active session's queue on a fixed cadence. Each
// tick caps the work per session, so delivery latency stays bounded no
// matter how far consumption lags, and producers never feel backpressure.
func (m *SessionManager) flushLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			ctxs := make([]*captureContext, 0, len(m.active))
			for _, cctx := range m.active {
				if cctx != nil {
					ctxs = append(ctxs, cctx)
				}
			}
			m.mu.Unlock()

			for _, cctx := range ctxs {
				// Publishing under drainMu keeps batch order consistent with
				// teardown's final drain.
				cctx.drainMu.Lock()
				if lines := cctx.queue.drain(m.cfg.BatchMaxLines); len(lines) > 0 {
					m.dispatcher.PublishLogBatch(cctx.session.ID, cctx.session.DeviceID,
						strings.Join(lines, "\n"), len(lines))
				}
				cctx.drainMu.Unlock()
			}
		}
	}
}
