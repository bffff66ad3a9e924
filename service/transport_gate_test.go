package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExclusiveSerializesPerBackend(t *testing.T) {
	g := NewTransportGate()

	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.RunExclusive("adb", 0, func(context.Context) error {
				n := inFlight.Add(1)
				if n > maxInFlight.Load() {
					maxInFlight.Store(n)
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load(), "one command at a time per transport")
}

func TestRunExclusiveBackendsAreIndependent(t *testing.T) {
	g := NewTransportGate()

	holding := make(chan struct{})
	release := make(chan struct{})
	go g.RunExclusive("adb", 0, func(context.Context) error {
		close(holding)
		<-release
		return nil
	})
	<-holding
	defer close(release)

	done := make(chan struct{})
	go func() {
		g.RunExclusive("usbmuxd", 0, func(context.Context) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a different backend must not wait behind adb's lock")
	}
}

func TestRunExclusiveReleasesLockOnError(t *testing.T) {
	g := NewTransportGate()

	wantErr := errors.New("command failed")
	err := g.RunExclusive("adb", 0, func(context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)

	// Lock must be free again.
	ran := false
	require.NoError(t, g.RunExclusive("adb", 0, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestRunExclusiveTimeoutExpiresContext(t *testing.T) {
	g := NewTransportGate()

	var ctxErr error
	err := g.RunExclusive("adb", 10*time.Millisecond, func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok, "timeout must become a context deadline")
		require.WithinDuration(t, time.Now().Add(10*time.Millisecond), deadline, 20*time.Millisecond)
		<-ctx.Done()
		ctxErr = ctx.Err()
		return ctxErr
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, ctxErr, context.DeadlineExceeded)
}

func TestRunExclusiveNoDeadlineWithoutTimeout(t *testing.T) {
	g := NewTransportGate()
	g.RunExclusive("adb", 0, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.False(t, ok)
		return nil
	})
}
