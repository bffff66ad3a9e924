//go:build !windows

package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// ProcessHandle is a running child process whose output the core consumes.
// Implementations must guarantee Kill never signals anything outside the
// child's own process group; the shared transport daemon (adb server)
// must survive a capture teardown.
type ProcessHandle interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader

	// CloseStreams closes the child's output pipes so reader loops see EOF.
	CloseStreams() error

	// Kill force-terminates the child's whole process group. Returns nil if
	// the process is already gone.
	Kill() error

	// Wait blocks until the process exits. Safe to call from multiple
	// goroutines.
	Wait() error

	// Done is closed once the process has exited. Output still buffered in
	// the pipes at that point remains readable until EOF.
	Done() <-chan struct{}
}

// cmdHandle wraps an exec.Cmd started in its own process group.
type cmdHandle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	done    chan struct{}
	waitErr error
	killMu  sync.Mutex
}

// StartCommand configures cmd with its own process group, starts it, and
// returns a handle wired with stdout/stderr pipes. A background goroutine
// reaps the process so Done() fires without anyone calling Wait.
func StartCommand(cmd *exec.Cmd) (ProcessHandle, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	h := &cmdHandle{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	// Reap with Process.Wait, not cmd.Wait: cmd.Wait closes the pipes on
	// exit and would discard whatever output the process left buffered when
	// it died. The read ends stay open until CloseStreams, so readers can
	// drain to EOF after Done fires.
	go func() {
		state, err := cmd.Process.Wait()
		if err != nil {
			h.waitErr = err
		} else if !state.Success() {
			h.waitErr = &exec.ExitError{ProcessState: state}
		}
		close(h.done)
	}()
	return h, nil
}

func (h *cmdHandle) PID() int          { return h.cmd.Process.Pid }
func (h *cmdHandle) Stdout() io.Reader { return h.stdout }
func (h *cmdHandle) Stderr() io.Reader { return h.stderr }

func (h *cmdHandle) CloseStreams() error {
	err1 := h.stdout.Close()
	err2 := h.stderr.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (h *cmdHandle) Kill() error {
	h.killMu.Lock()
	defer h.killMu.Unlock()

	select {
	case <-h.done:
		return nil
	default:
	}

	// Negative pid signals the whole group the child was started in.
	err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Fall back to the single process if the group is already gone.
	if kerr := h.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
		return kerr
	}
	return nil
}

func (h *cmdHandle) Wait() error {
	<-h.done
	return h.waitErr
}

func (h *cmdHandle) Done() <-chan struct{} { return h.done }
