package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkerrigan/stagedoor/pkg/engine/enginetest"
)

func TestReaperRetiresStaleIdleHandles(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	p := newTestPool(t, eng, Options{Capacity: 2, IdleTimeout: time.Second})
	r := NewReaper(p, 500*time.Millisecond, nil)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h.ID)

	released := lastUsed(t, p, h)

	// Younger than the timeout: untouched.
	r.Sweep(released.Add(900 * time.Millisecond))
	assert.Equal(t, 1, p.Stats().Idle)
	assert.Equal(t, 0, eng.ClosedCount())

	// Past the timeout: retired and torn down.
	r.Sweep(released.Add(1100 * time.Millisecond))
	assert.Equal(t, 0, p.Stats().Idle)
	assert.Equal(t, 1, eng.ClosedCount())
}

func TestReaperNeverTouchesInUseHandles(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	p := newTestPool(t, eng, Options{Capacity: 1, IdleTimeout: time.Second})
	r := NewReaper(p, 500*time.Millisecond, nil)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// Far past the idle timeout, but InUse: age is irrelevant.
	r.Sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 1, p.Stats().InUse)
	assert.Equal(t, 0, eng.ClosedCount())

	p.Release(h.ID)
	r.Sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 0, p.Stats().Idle)
	assert.Equal(t, 1, eng.ClosedCount())
}

func TestReaperExpiresQueuedAcquiresExactlyOnce(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	p := newTestPool(t, eng, Options{Capacity: 1, QueueCapacity: 2, QueueWaitTimeout: time.Second})
	r := NewReaper(p, 500*time.Millisecond, nil)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Queued == 1 }, time.Second, 5*time.Millisecond)

	// Not yet expired.
	r.Sweep(time.Now().Add(500 * time.Millisecond))
	assert.Equal(t, 1, p.Stats().Queued)

	// Expired: failed explicitly and removed.
	r.Sweep(time.Now().Add(2 * time.Second))
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrQueueTimeout)
	case <-time.After(time.Second):
		t.Fatal("expired waiter did not fail")
	}
	assert.Equal(t, 0, p.Stats().Queued)

	// A release after expiry cannot double-fulfill; the handle goes idle.
	p.Release(h.ID)
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestReaperRunStopsOnContextCancel(t *testing.T) {
	eng := enginetest.NewFakeEngine()
	p := newTestPool(t, eng, Options{Capacity: 1, IdleTimeout: 10 * time.Millisecond})
	r := NewReaper(p, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(h.ID)

	// The running reaper retires the handle once it ages out.
	require.Eventually(t, func() bool { return p.Stats().Idle == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on cancellation")
	}
}

// lastUsed reads a handle's lastUsedAt under the pool lock.
func lastUsed(t *testing.T, p *Pool, h *Handle) time.Time {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	return h.lastUsedAt
}
