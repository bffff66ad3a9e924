package service

import (
	"sync"

	"github.com/rs/zerolog"

	"logdeck/backend"
)

// ProcessSupervisor is the process-wide registry of spawned children. Every
// capture process (and any other helper the app leaves running) is tracked
// here so shutdown can guarantee no orphans outlive the parent.
type ProcessSupervisor struct {
	log   zerolog.Logger
	mu    sync.Mutex
	next  uint64
	procs map[uint64]backend.ProcessHandle
}

func NewProcessSupervisor(log zerolog.Logger) *ProcessSupervisor {
	return &ProcessSupervisor{
		log:   log.With().Str("component", "supervisor").Logger(),
		procs: make(map[uint64]backend.ProcessHandle),
	}
}

// Track registers a handle. The entry removes itself when the process exits
// naturally, so the registry never accumulates stale handles.
func (s *ProcessSupervisor) Track(h backend.ProcessHandle) {
	s.mu.Lock()
	s.next++
	id := s.next
	s.procs[id] = h
	s.mu.Unlock()

	go func() {
		<-h.Done()
		s.mu.Lock()
		delete(s.procs, id)
		s.mu.Unlock()
	}()
}

// Count returns the number of live tracked processes.
func (s *ProcessSupervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// KillAllTracked force-terminates every still-registered process tree.
// Individual failures are logged and skipped; shutdown always proceeds.
func (s *ProcessSupervisor) KillAllTracked() {
	s.mu.Lock()
	handles := make([]backend.ProcessHandle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if err := h.Kill(); err != nil {
			s.log.Warn().Int("pid", h.PID()).Err(err).Msg("failed to kill tracked process")
			continue
		}
		<-h.Done()
	}
	if len(handles) > 0 {
		s.log.Info().Int("count", len(handles)).Msg("terminated tracked processes")
	}
}
