package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkerrigan/stagedoor/pkg/engine"
	"github.com/mkerrigan/stagedoor/pkg/logging"
)

// Options configures a Pool.
type Options struct {
	// Capacity is the maximum number of simultaneous handles.
	Capacity int

	// QueueCapacity is the maximum number of pending acquires. An
	// acquire beyond this fails immediately with ErrQueueFull.
	QueueCapacity int

	// IdleTimeout is how long a handle may sit idle before the reaper
	// retires it.
	IdleTimeout time.Duration

	// QueueWaitTimeout is how long a queued acquire may wait before the
	// reaper fails it with ErrQueueTimeout. Typically shorter than
	// IdleTimeout.
	QueueWaitTimeout time.Duration

	// CredentialDir is where per-handle cookie snapshots are written.
	CredentialDir string
}

// waitResult is the one-shot outcome delivered to a queued acquirer.
type waitResult struct {
	handle *Handle
	err    error
}

// waiter is one pending acquisition. It is fulfilled or failed exactly
// once: done is flipped under the pool mutex before the buffered result
// channel is written, so a concurrent release and expiry cannot both
// deliver.
type waiter struct {
	enqueuedAt time.Time
	result     chan waitResult
	done       bool
}

// Pool is a bounded collection of session handles. It creates handles
// lazily up to Capacity, reuses idle ones, queues acquirers FIFO when
// saturated, and hands released handles directly to the queue head.
//
// All bookkeeping is guarded by mu, scoped narrowly to in-memory
// mutation; engine I/O (session startup, teardown, cookie reads) always
// happens outside the lock.
type Pool struct {
	mu       sync.Mutex
	eng      engine.Engine
	opts     Options
	log      *logging.Logger
	handles  map[uuid.UUID]*Handle
	queue    []*waiter
	creating int
	closed   bool
}

// New creates a pool on top of eng. The pool does not launch any
// sessions until the first Acquire.
func New(eng engine.Engine, opts Options, log *logging.Logger) *Pool {
	if log == nil {
		log = logging.NewNop()
	}
	return &Pool{
		eng:     eng,
		opts:    opts,
		log:     log,
		handles: make(map[uuid.UUID]*Handle),
	}
}

// Acquire returns a handle in InUse state. Selection order: an idle
// handle, then a freshly created one while under capacity, then a FIFO
// queue slot. Blocks only in the queued case, until fulfillment, queue
// expiry, shutdown, or ctx cancellation.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}

	// Any idle handle will do; reuse beats fairness among idle ones.
	for _, h := range p.handles {
		if h.state == StateIdle {
			h.state = StateInUse
			p.mu.Unlock()
			p.log.Debugf("acquire: reusing handle %s", h.ID)
			return h, nil
		}
	}

	if len(p.handles)+p.creating < p.opts.Capacity {
		p.creating++
		p.mu.Unlock()
		return p.createHandle()
	}

	if len(p.queue) >= p.opts.QueueCapacity {
		p.mu.Unlock()
		p.log.Warnf("acquire: pool saturated and queue full (capacity=%d queue=%d)",
			p.opts.Capacity, p.opts.QueueCapacity)
		return nil, ErrQueueFull
	}

	w := &waiter{
		enqueuedAt: time.Now(),
		result:     make(chan waitResult, 1),
	}
	p.queue = append(p.queue, w)
	depth := len(p.queue)
	p.mu.Unlock()
	p.log.Debugf("acquire: queued (depth=%d)", depth)

	select {
	case res := <-w.result:
		return res.handle, res.err
	case <-ctx.Done():
		p.mu.Lock()
		if w.done {
			// Fulfillment won the race; the result is already buffered.
			p.mu.Unlock()
			res := <-w.result
			return res.handle, res.err
		}
		w.done = true
		p.removeWaiterLocked(w)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// createHandle launches a session outside the lock; the reserved
// creating slot keeps count(handles)+creating within Capacity.
func (p *Pool) createHandle() (*Handle, error) {
	session, err := p.eng.NewSession()

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("session startup failed: %w", err)
	}
	if p.closed {
		// Shutdown raced the startup; this session never joins the pool.
		p.mu.Unlock()
		if cerr := session.Close(); cerr != nil {
			p.log.Warnf("create: teardown of orphaned session failed: %v", cerr)
		}
		return nil, ErrShuttingDown
	}

	now := time.Now()
	h := &Handle{
		ID:         uuid.New(),
		CreatedAt:  now,
		session:    session,
		state:      StateInUse,
		lastUsedAt: now,
	}
	h.CredentialPath = filepath.Join(p.opts.CredentialDir, h.ID.String()+".json")
	p.handles[h.ID] = h
	total := len(p.handles)
	p.mu.Unlock()

	// A brand-new id normally has no prior snapshot; the load attempt
	// only matters when an operator seeds one by hand.
	if err := p.loadCredentials(h); err != nil {
		p.log.Warnf("create: credential load for handle %s failed: %v", h.ID, err)
	}

	p.log.Infof("create: handle %s launched (%d/%d)", h.ID, total, p.opts.Capacity)
	return h, nil
}

// Release marks the handle idle, stamping lastUsedAt. If an acquirer is
// queued, the handle is handed to the queue head directly instead,
// skipping the idle scan so no handle sits idle while requests wait.
// Releasing an unknown id or an already-idle handle is a logged no-op.
func (p *Pool) Release(id uuid.UUID) {
	p.mu.Lock()

	h, ok := p.handles[id]
	if !ok {
		p.mu.Unlock()
		p.log.Warnf("release: unknown handle %s", id)
		return
	}
	if h.state == StateIdle {
		p.mu.Unlock()
		p.log.Warnf("release: handle %s already idle", id)
		return
	}

	h.lastUsedAt = time.Now()

	if w := p.popWaiterLocked(); w != nil {
		// Ownership transfers without the handle ever going idle.
		w.result <- waitResult{handle: h}
		p.mu.Unlock()
		p.log.Debugf("release: handle %s handed to queue head", id)
		return
	}

	h.state = StateIdle
	p.mu.Unlock()
	p.log.Debugf("release: handle %s idle", id)
}

// SaveCredentials snapshots the handle's current cookies to its
// credential path. Write failures degrade future reuse only, so they
// are logged and swallowed; an unknown id is reported as an error.
func (p *Pool) SaveCredentials(id uuid.UUID) error {
	p.mu.Lock()
	h, ok := p.handles[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandleNotFound, id)
	}

	cookies, err := h.session.Cookies()
	if err != nil {
		p.log.Warnf("save credentials: cookie read for handle %s failed: %v", id, err)
		return nil
	}

	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		p.log.Warnf("save credentials: marshal for handle %s failed: %v", id, err)
		return nil
	}

	tmp := h.CredentialPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		p.log.Warnf("save credentials: write for handle %s failed: %v", id, err)
		return nil
	}
	if err := os.Rename(tmp, h.CredentialPath); err != nil {
		p.log.Warnf("save credentials: rename for handle %s failed: %v", id, err)
		return nil
	}

	p.log.Debugf("save credentials: %d cookies for handle %s", len(cookies), id)
	return nil
}

// loadCredentials injects a persisted snapshot into a fresh session.
// A missing snapshot file is the normal case and not an error.
func (p *Pool) loadCredentials(h *Handle) error {
	data, err := os.ReadFile(h.CredentialPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var cookies []engine.Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	if len(cookies) == 0 {
		return nil
	}
	if err := h.session.SetCookies(cookies); err != nil {
		return fmt.Errorf("inject snapshot: %w", err)
	}
	return nil
}

// Shutdown stops accepting acquires, fails every queued entry with
// ErrShuttingDown, and tears down every handle's session best-effort.
// Idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	waiters := p.queue
	p.queue = nil
	for _, w := range waiters {
		if !w.done {
			w.done = true
			w.result <- waitResult{err: ErrShuttingDown}
		}
	}

	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[uuid.UUID]*Handle)
	p.mu.Unlock()

	for _, h := range handles {
		if err := h.session.Close(); err != nil {
			p.log.Warnf("shutdown: teardown of handle %s failed: %v", h.ID, err)
		}
	}
	p.log.Infof("shutdown: %d handles torn down, %d queued acquires failed",
		len(handles), len(waiters))
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Capacity      int `json:"capacity"`
	QueueCapacity int `json:"queue_capacity"`
	Idle          int `json:"idle"`
	InUse         int `json:"in_use"`
	Queued        int `json:"queued"`
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Capacity:      p.opts.Capacity,
		QueueCapacity: p.opts.QueueCapacity,
		Queued:        len(p.queue),
	}
	for _, h := range p.handles {
		if h.state == StateIdle {
			s.Idle++
		} else {
			s.InUse++
		}
	}
	return s
}

// popWaiterLocked removes and marks done the queue head. Caller holds mu.
func (p *Pool) popWaiterLocked() *waiter {
	if len(p.queue) == 0 {
		return nil
	}
	w := p.queue[0]
	p.queue = p.queue[1:]
	w.done = true
	return w
}

// removeWaiterLocked drops w from the queue wherever it sits. Caller
// holds mu.
func (p *Pool) removeWaiterLocked(target *waiter) {
	for i, w := range p.queue {
		if w == target {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}
