package pool

import (
	"context"
	"time"

	"github.com/mkerrigan/stagedoor/pkg/logging"
)

// Reaper periodically retires handles idle beyond the pool's IdleTimeout
// and fails queued acquires older than QueueWaitTimeout. It never
// touches an InUse handle, regardless of age.
type Reaper struct {
	pool     *Pool
	interval time.Duration
	log      *logging.Logger
}

// NewReaper creates a reaper sweeping pool every interval.
func NewReaper(p *Pool, interval time.Duration, log *logging.Logger) *Reaper {
	if log == nil {
		log = logging.NewNop()
	}
	return &Reaper{pool: p, interval: interval, log: log}
}

// Run sweeps until ctx is canceled. Intended to run in its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(time.Now())
		}
	}
}

// Sweep performs one pass: idle-handle retirement, then queue expiry.
// Exported so tests and shutdown paths can drive it at a chosen instant.
func (r *Reaper) Sweep(now time.Time) {
	retired := r.pool.reapIdle(now)
	expired := r.pool.expireWaiters(now)
	if retired > 0 || expired > 0 {
		r.log.Infof("sweep: retired %d idle handles, expired %d queued acquires", retired, expired)
	}
}

// reapIdle removes every handle observed Idle and past IdleTimeout at
// scan time, then tears the removed sessions down outside the lock.
// Teardown failures are logged and do not abort the sweep.
func (p *Pool) reapIdle(now time.Time) int {
	p.mu.Lock()
	var stale []*Handle
	for id, h := range p.handles {
		if h.state == StateIdle && now.Sub(h.lastUsedAt) > p.opts.IdleTimeout {
			stale = append(stale, h)
			delete(p.handles, id)
		}
	}
	p.mu.Unlock()

	for _, h := range stale {
		if err := h.session.Close(); err != nil {
			p.log.Warnf("reap: teardown of handle %s failed: %v", h.ID, err)
			continue
		}
		p.log.Debugf("reap: retired idle handle %s", h.ID)
	}
	return len(stale)
}

// expireWaiters fails every queue entry older than QueueWaitTimeout.
// Each entry is marked done under the lock, so a racing Release cannot
// fulfill it a second time.
func (p *Pool) expireWaiters(now time.Time) int {
	p.mu.Lock()
	expired := 0
	remaining := p.queue[:0]
	for _, w := range p.queue {
		if now.Sub(w.enqueuedAt) > p.opts.QueueWaitTimeout {
			w.done = true
			w.result <- waitResult{err: ErrQueueTimeout}
			expired++
			continue
		}
		remaining = append(remaining, w)
	}
	p.queue = remaining
	p.mu.Unlock()
	return expired
}
