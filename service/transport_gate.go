package service

import (
	"context"
	"sync"
	"time"
)

// TransportGate serializes commands per backend transport. One adb server or
// usbmuxd daemon corrupts state (or reports devices spuriously offline)
// under concurrent access, so every short command runs under the owning
// backend's lock. Different backends proceed independently.
type TransportGate struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTransportGate() *TransportGate {
	return &TransportGate{locks: make(map[string]*sync.Mutex)}
}

func (g *TransportGate) lockFor(backendID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[backendID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[backendID] = l
	}
	return l
}

// RunExclusive executes op while holding the backend's transport lock. The
// context passed to op carries the timeout: operations built on
// exec.CommandContext get their helper process force-killed on expiry and
// report failure rather than hanging the caller. timeout <= 0 means no
// deadline. The lock is released on every path, including op failure.
func (g *TransportGate) RunExclusive(backendID string, timeout time.Duration, op func(ctx context.Context) error) error {
	l := g.lockFor(backendID)
	l.Lock()
	defer l.Unlock()

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return op(ctx)
}
