package usbhost

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/openusb/usbhost/backend"
)

// Options configures a Context.
type Options struct {
	// Logger receives debug traces of submit/cancel/drain activity.
	// Nil disables logging.
	Logger *logrus.Logger
}

// Context is the top-level handle to a USB backend instance. It owns the
// transfer registry, the poll-fd bookkeeping and the event-handling lock,
// and drives wait-for-readiness / drain-completions cycles on behalf of
// every caller of HandleEvents.
//
// Any number of goroutines may call HandleEvents concurrently; at most
// one of them drains the backend at a time, the rest wait for the active
// drainer to finish and then return. There is no ambient default context;
// everything that needs one takes it explicitly.
type Context struct {
	be       backend.Backend
	logger   *logrus.Logger
	inflight *registry

	// eventsMu is held by the active drainer for the duration of one
	// wait-and-reap cycle. drainerGID carries its goroutine id so a
	// completion callback calling back into HandleEvents on the same
	// context is detected instead of deadlocking.
	eventsMu      sync.Mutex
	handlerActive atomic.Bool
	drainerGID    atomic.Int64

	// waitersMu guards eventCh. The channel is closed and replaced each
	// time a drainer finishes, waking every goroutine parked in
	// waitForEvent.
	waitersMu sync.Mutex
	eventCh   chan struct{}

	pollMu    sync.Mutex
	pollFDs   map[int]int16
	fdAdded   func(fd int, events int16)
	fdRemoved func(fd int)

	hotplugMu sync.Mutex
	hotplug   map[backend.HotplugRegistration]*HotplugRegistration

	closing atomic.Bool
	closed  atomic.Bool
}

// Timeout applied by HandleEvents, and the short step used instead when
// the backend has no poll fds registered yet.
const (
	defaultEventTimeout = 60 * time.Second
	emptyPollStep       = 100 * time.Millisecond
)

// NewContext opens a context on the given backend.
func NewContext(be backend.Backend, options Options) (*Context, error) {
	c := &Context{
		be:       be,
		logger:   options.Logger,
		inflight: newRegistry(),
		eventCh:  make(chan struct{}),
		pollFDs:  make(map[int]int16),
		hotplug:  make(map[backend.HotplugRegistration]*HotplugRegistration),
	}
	be.SetPollFDNotifiers(c.pollFDAdded, c.pollFDRemoved)
	for _, p := range be.PollFDs() {
		c.pollFDs[p.FD] = p.Events
	}
	return c, nil
}

func (c *Context) debugf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Debugf("[usbhost] "+format, args...)
	}
}

func (c *Context) warnf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Warnf("[usbhost] "+format, args...)
	}
}

// HandleEvents waits for backend readiness and drains all pending
// completions, invoking their callbacks before returning. If another
// goroutine is already draining, the call blocks until that drain
// finishes and returns nil without having drained itself. Returns
// ErrInterrupted when the underlying wait is interrupted by a signal;
// callers are expected to retry.
func (c *Context) HandleEvents() error {
	return c.HandleEventsTimeout(defaultEventTimeout)
}

// HandleEventsTimeout is HandleEvents with an explicit bound on how long
// to wait for readiness.
func (c *Context) HandleEventsTimeout(timeout time.Duration) error {
	if c.closed.Load() {
		return ErrClosed
	}
	gid := curGoroutineID()
	if c.drainerGID.Load() == gid {
		// Called from inside a completion callback on this context.
		return ErrNested
	}

	if c.tryLockEvents() {
		c.drainerGID.Store(gid)
		err := c.handleEventsLocked(timeout)
		c.drainerGID.Store(0)
		c.unlockEvents()
		return err
	}

	// Another goroutine holds the events lock. Park until it finishes a
	// cycle, then report success without having drained: progress was
	// made by somebody.
	c.lockEventWaiters()
	defer c.unlockEventWaiters()
	for c.eventHandlerActive() {
		if !c.waitForEvent(timeout) {
			break
		}
	}
	return nil
}

// handleEventsLocked performs one wait-and-reap cycle. The caller holds
// the events lock.
func (c *Context) handleEventsLocked(timeout time.Duration) error {
	if len(c.PollFDs()) == 0 && timeout > emptyPollStep {
		timeout = emptyPollStep
	}
	if err := c.be.WaitReady(timeout); err != nil {
		if errors.Is(err, backend.ErrInterrupted) {
			return ErrInterrupted
		}
		return err
	}
	return c.be.Reap()
}

// tryLockEvents attempts to become the active drainer.
func (c *Context) tryLockEvents() bool {
	if !c.eventHandlingOK() {
		return false
	}
	if !c.eventsMu.TryLock() {
		return false
	}
	c.handlerActive.Store(true)
	return true
}

// unlockEvents releases the drainer role and wakes every waiter.
func (c *Context) unlockEvents() {
	c.handlerActive.Store(false)
	c.eventsMu.Unlock()

	c.waitersMu.Lock()
	close(c.eventCh)
	c.eventCh = make(chan struct{})
	c.waitersMu.Unlock()
}

// lockEventWaiters acquires the waiters lock; required around
// waitForEvent.
func (c *Context) lockEventWaiters() {
	c.waitersMu.Lock()
}

// unlockEventWaiters releases the waiters lock.
func (c *Context) unlockEventWaiters() {
	c.waitersMu.Unlock()
}

// waitForEvent blocks until the active drainer finishes a cycle or the
// timeout elapses. Returns false on timeout. The caller holds the
// waiters lock; it is released for the duration of the wait.
func (c *Context) waitForEvent(timeout time.Duration) bool {
	ch := c.eventCh
	c.waitersMu.Unlock()
	defer c.waitersMu.Lock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

// eventHandlingOK reports whether it is currently acceptable to start
// draining events on this context.
func (c *Context) eventHandlingOK() bool {
	return !c.closing.Load()
}

// eventHandlerActive reports whether some goroutine is currently
// draining events.
func (c *Context) eventHandlerActive() bool {
	return c.handlerActive.Load()
}

// InterruptEventHandler wakes a goroutine blocked in HandleEvents,
// typically so a dedicated event loop can notice shutdown.
func (c *Context) InterruptEventHandler() {
	if c.closed.Load() {
		return
	}
	c.be.Interrupt()
}

// PollFDs returns a snapshot of the file descriptors the backend needs
// monitored, for callers integrating this context into their own poll
// loop.
func (c *Context) PollFDs() []backend.PollFD {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()
	fds := make([]backend.PollFD, 0, len(c.pollFDs))
	for fd, events := range c.pollFDs {
		fds = append(fds, backend.PollFD{FD: fd, Events: events})
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i].FD < fds[j].FD })
	return fds
}

// SetPollFDNotifiers installs callbacks invoked whenever the backend adds
// or removes a descriptor from its poll set, so an external poller can
// keep its wait set in sync. Pass nil functions to clear.
func (c *Context) SetPollFDNotifiers(added func(fd int, events int16), removed func(fd int)) {
	c.pollMu.Lock()
	c.fdAdded = added
	c.fdRemoved = removed
	c.pollMu.Unlock()
}

func (c *Context) pollFDAdded(p backend.PollFD) {
	c.pollMu.Lock()
	c.pollFDs[p.FD] = p.Events
	added := c.fdAdded
	c.pollMu.Unlock()
	if added != nil {
		added(p.FD, p.Events)
	}
}

func (c *Context) pollFDRemoved(fd int) {
	c.pollMu.Lock()
	delete(c.pollFDs, fd)
	removed := c.fdRemoved
	c.pollMu.Unlock()
	if removed != nil {
		removed(fd)
	}
}

// PendingTransfers returns the number of transfers currently in flight on
// this context.
func (c *Context) PendingTransfers() int {
	return c.inflight.len()
}

// Close dooms every transfer still in flight, deregisters all hotplug
// callbacks and releases the backend. In-flight transfers are driven to a
// doomed state, not awaited: their cancelled completions are delivered
// while the backend shuts down, after which each doomed transfer frees
// itself. Callers must serialize Close against goroutines still inside
// HandleEvents on this context.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.closing.Store(true)
	c.be.Interrupt()

	for _, t := range c.inflight.snapshot() {
		if err := t.Cancel(); err != nil && !errors.Is(err, ErrNotSubmitted) {
			c.warnf("cancel during close: %v", err)
		}
		t.Doom()
	}

	c.hotplugMu.Lock()
	for reg := range c.hotplug {
		c.be.DeregisterHotplug(reg)
		delete(c.hotplug, reg)
	}
	c.hotplugMu.Unlock()

	var err error
	err = multierr.Append(err, c.be.Close())
	if n := c.inflight.len(); n > 0 {
		c.warnf("context closed with %d transfers still tracked", n)
	}
	return err
}
