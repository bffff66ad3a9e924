package service

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"logdeck/models"
)

// tailReadWindow bounds how much of a log file ReadTail loads.
const tailReadWindow = 1 << 20 // 1MB

// SessionStore owns the on-disk session layout and the sqlite session index.
// Layout: {root}/{sanitizedLabel}_{HH-MM-SS}_{YYYY-MM-DD}[_{disamb}]/ with
// one primary log file {platform}_{serial}_log.txt plus optional artifacts
// (screenshots, dumps). The directory tree is authoritative; the index only
// adds metadata a scan cannot recover. db may be nil (index disabled).
type SessionStore struct {
	root string
	db   *sql.DB
	log  zerolog.Logger
}

func NewSessionStore(root string, db *sql.DB, log zerolog.Logger) *SessionStore {
	return &SessionStore{
		root: root,
		db:   db,
		log:  log.With().Str("component", "store").Logger(),
	}
}

func (s *SessionStore) Root() string { return s.root }

// SanitizeLabel reduces a device display name to a filesystem-safe label.
func SanitizeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "device"
	}
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// AllocateSessionDir creates a fresh session directory for a device label.
// Timestamp-only names can collide on rapid disconnect/reconnect within one
// second, so on collision a short uuid fragment is appended.
func (s *SessionStore) AllocateSessionDir(label string, now time.Time) (string, error) {
	name := fmt.Sprintf("%s_%s_%s", SanitizeLabel(label), now.Format("15-04-05"), now.Format("2006-01-02"))
	dir := filepath.Join(s.root, name)
	err := os.Mkdir(dir, 0755)
	if os.IsExist(err) {
		dir = filepath.Join(s.root, name+"_"+uuid.NewString()[:6])
		err = os.Mkdir(dir, 0755)
	}
	if err != nil {
		return "", fmt.Errorf("allocate session dir: %w", err)
	}
	return dir, nil
}

// LogFileName returns the primary log file name for a device.
func LogFileName(platform models.PlatformKind, serial string) string {
	return fmt.Sprintf("%s_%s_log.txt", platform, SanitizeLabel(serial))
}

// SavedSessions reconstructs the Stopped session list purely from the disk
// layout, newest directory first. This is how sessions survive a restart:
// directory name becomes the session id, the directory mtime stands in for
// the start time, and the first *_log.txt found is the primary log.
func (s *SessionStore) SavedSessions() []*models.CaptureSession {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("root", s.root).Msg("cannot scan sessions root")
		}
		return nil
	}

	type dirInfo struct {
		name string
		mod  time.Time
	}
	var dirs []dirInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirInfo{name: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mod.After(dirs[j].mod) })

	var sessions []*models.CaptureSession
	for _, d := range dirs {
		dir := filepath.Join(s.root, d.name)
		logFile, platform, serial := findPrimaryLog(dir)
		if logFile == "" {
			continue
		}
		sess := &models.CaptureSession{
			ID:        d.name,
			DeviceID:  serial,
			Platform:  platform,
			Status:    models.SessionStopped,
			StartTime: d.mod,
			LogFile:   logFile,
			Directory: dir,
		}
		s.hydrateFromIndex(sess)
		sessions = append(sessions, sess)
	}
	return sessions
}

// findPrimaryLog locates the first *_log.txt in a session directory and
// recovers platform and serial from its name.
func findPrimaryLog(dir string) (path string, platform models.PlatformKind, serial string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", ""
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, "_log.txt") {
			continue
		}
		base := strings.TrimSuffix(name, "_log.txt")
		kind, rest, found := strings.Cut(base, "_")
		if found {
			platform = models.PlatformKind(kind)
			serial = rest
		}
		return filepath.Join(dir, name), platform, serial
	}
	return "", "", ""
}

// hydrateFromIndex overlays index metadata (exact id, times, line count)
// onto a disk-reconstructed session when the index knows the directory.
func (s *SessionStore) hydrateFromIndex(sess *models.CaptureSession) {
	if s.db == nil {
		return
	}
	row := s.db.QueryRow(
		`SELECT id, device_id, device_name, start_time, end_time, line_count FROM sessions WHERE directory = ?`,
		sess.Directory)
	var id, deviceID, deviceName string
	var start, end, lines int64
	if err := row.Scan(&id, &deviceID, &deviceName, &start, &end, &lines); err != nil {
		return
	}
	sess.ID = id
	sess.DeviceID = deviceID
	sess.DeviceName = deviceName
	sess.LineCount = lines
	if start > 0 {
		sess.StartTime = time.Unix(start, 0)
	}
	if end > 0 {
		sess.EndTime = time.Unix(end, 0)
	}
}

// ReadTail returns the last maxLines lines of a log file. The second result
// is false when the file does not exist.
func (s *SessionStore) ReadTail(path string, maxLines int) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", false
	}
	if info.Size() > tailReadWindow {
		if _, err := f.Seek(-tailReadWindow, io.SeekEnd); err != nil {
			return "", false
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", false
	}

	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return "", true
	}
	lines := strings.Split(text, "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n"), true
}

// DeleteSessionDir removes a session directory recursively.
func (s *SessionStore) DeleteSessionDir(dir string) error {
	// Refuse anything outside the sessions root.
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return err
	}
	if abs == rootAbs || !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return fmt.Errorf("refusing to delete %s: outside sessions root", dir)
	}
	return os.RemoveAll(abs)
}

// RecordSession inserts or replaces a session row in the index.
func (s *SessionStore) RecordSession(sess *models.CaptureSession) {
	if s.db == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sessions
		 (id, device_id, device_name, platform, status, directory, log_file, start_time, end_time, line_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.DeviceID, sess.DeviceName, string(sess.Platform), string(sess.Status),
		sess.Directory, sess.LogFile, unixOrZero(sess.StartTime), unixOrZero(sess.EndTime), sess.LineCount)
	if err != nil {
		s.log.Warn().Err(err).Str("session", sess.ID).Msg("session index write failed")
	}
}

// RemoveSession drops a session row from the index.
func (s *SessionStore) RemoveSession(id string) {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		s.log.Warn().Err(err).Str("session", id).Msg("session index delete failed")
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
