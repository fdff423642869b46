// Package virt is an in-memory implementation of backend.Backend: a
// virtual USB host with scriptable devices. Completion readiness is
// signalled through a real pipe so the engine's poll-driven event loop
// runs unmodified against it. It backs the package tests and the
// example, and is handy for exercising USB client code without
// hardware.
package virt

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sys/unix"

	"github.com/openusb/usbhost/backend"
)

// Host is a virtual USB host controller. It implements backend.Backend.
type Host struct {
	clk clock.Clock

	mu      sync.Mutex
	devices []*Device
	flights map[*backend.Submission]*flight
	regs    map[backend.HotplugRegistration]*hotplugReg
	nextReg backend.HotplugRegistration
	queue   []func()
	nextBus uint8
	nextAdr uint8
	closed  bool

	// Completion notification pipe. One byte is written per queued
	// event; Reap drains both the bytes and the queue.
	readFD  int
	writeFD int

	added   func(backend.PollFD)
	removed func(fd int)
}

type hotplugReg struct {
	filter backend.HotplugFilter
	fn     backend.HotplugFunc
}

// flight is one in-flight submission.
type flight struct {
	sub   *backend.Submission
	dev   *Device
	ep    *endpointState
	timer *clock.Timer
	done  bool
}

// Option configures a Host.
type Option func(*Host)

// WithClock substitutes the clock used for transfer timeouts; tests pass
// a mock to step time deterministically.
func WithClock(clk clock.Clock) Option {
	return func(h *Host) { h.clk = clk }
}

// NewHost creates a virtual host with no devices attached.
func NewHost(opts ...Option) (*Host, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	h := &Host{
		clk:     clock.New(),
		flights: make(map[*backend.Submission]*flight),
		regs:    make(map[backend.HotplugRegistration]*hotplugReg),
		nextBus: 1,
		nextAdr: 1,
		readFD:  fds[0],
		writeFD: fds[1],
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// enqueueLocked appends a dispatch thunk and signals readiness. The
// caller holds h.mu.
func (h *Host) enqueueLocked(fn func()) {
	h.queue = append(h.queue, fn)
	// The byte is only a wake-up; a full pipe loses nothing because
	// Reap always drains the whole queue.
	_, _ = unix.Write(h.writeFD, []byte{0})
}

// completeLocked finishes a flight exactly once. The caller holds h.mu.
func (h *Host) completeLocked(f *flight, status backend.Status, actual int) {
	if f.done {
		return
	}
	f.done = true
	if f.timer != nil {
		f.timer.Stop()
	}
	delete(h.flights, f.sub)
	if f.ep != nil {
		f.ep.removeWaiter(f)
	}
	sub := f.sub
	h.enqueueLocked(func() { sub.Complete(status, actual) })
}

// Attach connects a device to the virtual bus and fires matching hotplug
// arrival events on the next drain.
func (h *Host) Attach(d *Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d.host = h
	d.gone = false
	d.bus = h.nextBus
	d.addr = h.nextAdr
	h.nextAdr++
	h.devices = append(h.devices, d)
	h.notifyHotplugLocked(d, backend.HotplugArrived)
}

// Detach disconnects a device: its in-flight submissions complete with
// StatusNoDevice and matching hotplug departure events fire on the next
// drain.
func (h *Host) Detach(d *Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d.gone = true
	for i, dev := range h.devices {
		if dev == d {
			h.devices = append(h.devices[:i], h.devices[i+1:]...)
			break
		}
	}
	for _, f := range h.flights {
		if f.dev == d {
			h.completeLocked(f, backend.StatusNoDevice, 0)
		}
	}
	h.notifyHotplugLocked(d, backend.HotplugLeft)
}

func (h *Host) notifyHotplugLocked(d *Device, event backend.HotplugEvent) {
	for id, reg := range h.regs {
		if !reg.matches(d, event) {
			continue
		}
		h.enqueueLocked(h.hotplugThunk(id, d, event))
	}
}

// hotplugThunk defers the registration check to dispatch time, so a
// callback deregistered between queueing and draining never fires.
func (h *Host) hotplugThunk(id backend.HotplugRegistration, d *Device, event backend.HotplugEvent) func() {
	return func() {
		h.mu.Lock()
		reg, ok := h.regs[id]
		h.mu.Unlock()
		if !ok {
			return
		}
		if reg.fn(d, event) {
			h.DeregisterHotplug(id)
		}
	}
}

func (r *hotplugReg) matches(d *Device, event backend.HotplugEvent) bool {
	if r.filter.Events&event == 0 {
		return false
	}
	if r.filter.VendorID != backend.MatchAny && uint16(r.filter.VendorID) != d.cfg.VendorID {
		return false
	}
	if r.filter.ProductID != backend.MatchAny && uint16(r.filter.ProductID) != d.cfg.ProductID {
		return false
	}
	if r.filter.Class != backend.MatchAny && uint8(r.filter.Class) != d.cfg.Class {
		return false
	}
	return true
}

// Devices implements backend.Backend.
func (h *Host) Devices() ([]backend.Device, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, backend.ErrOther
	}
	devices := make([]backend.Device, len(h.devices))
	for i, d := range h.devices {
		devices[i] = d
	}
	return devices, nil
}

// PollFDs implements backend.Backend.
func (h *Host) PollFDs() []backend.PollFD {
	return []backend.PollFD{{FD: h.readFD, Events: unix.POLLIN}}
}

// SetPollFDNotifiers implements backend.Backend. The host's poll set is
// static, so the notifiers only fire when the host closes.
func (h *Host) SetPollFDNotifiers(added func(backend.PollFD), removed func(fd int)) {
	h.mu.Lock()
	h.added = added
	h.removed = removed
	h.mu.Unlock()
}

// WaitReady implements backend.Backend.
func (h *Host) WaitReady(timeout time.Duration) error {
	h.mu.Lock()
	pending := len(h.queue) > 0
	closed := h.closed
	h.mu.Unlock()
	if closed || pending {
		return nil
	}

	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	fds := []unix.PollFd{{Fd: int32(h.readFD), Events: unix.POLLIN}}
	_, err := unix.Poll(fds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return backend.ErrInterrupted
		}
		return err
	}
	return nil
}

// Reap implements backend.Backend: it consumes the readiness bytes and
// dispatches every queued completion and hotplug event in order. The
// thunks run without the host lock held, so callbacks may submit or
// cancel freely.
func (h *Host) Reap() error {
	var drain [64]byte
	for {
		n, err := unix.Read(h.readFD, drain[:])
		if n <= 0 || err != nil {
			break
		}
	}

	h.mu.Lock()
	queue := h.queue
	h.queue = nil
	h.mu.Unlock()

	for _, fn := range queue {
		fn()
	}
	return nil
}

// Interrupt implements backend.Backend.
func (h *Host) Interrupt() {
	_, _ = unix.Write(h.writeFD, []byte{0})
}

// RegisterHotplug implements backend.Backend.
func (h *Host) RegisterHotplug(filter backend.HotplugFilter, flags int, fn backend.HotplugFunc) (backend.HotplugRegistration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, backend.ErrOther
	}
	h.nextReg++
	id := h.nextReg
	h.regs[id] = &hotplugReg{filter: filter, fn: fn}
	if flags&backend.Enumerate != 0 {
		for _, d := range h.devices {
			if h.regs[id].matches(d, backend.HotplugArrived) {
				h.enqueueLocked(h.hotplugThunk(id, d, backend.HotplugArrived))
			}
		}
	}
	return id, nil
}

// DeregisterHotplug implements backend.Backend.
func (h *Host) DeregisterHotplug(reg backend.HotplugRegistration) {
	h.mu.Lock()
	delete(h.regs, reg)
	h.mu.Unlock()
}

// Close implements backend.Backend. Outstanding submissions complete
// synchronously with StatusCancelled so their trampolines (and any
// deferred dooms) run before Close returns.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.regs = make(map[backend.HotplugRegistration]*hotplugReg)
	for _, f := range h.flights {
		h.completeLocked(f, backend.StatusCancelled, 0)
	}
	queue := h.queue
	h.queue = nil
	removed := h.removed
	readFD := h.readFD
	h.mu.Unlock()

	// Deliver everything still queued, including the completions just
	// forced above, so no trampoline is ever dropped.
	for _, fn := range queue {
		fn()
	}
	if removed != nil {
		removed(readFD)
	}
	err := unix.Close(h.readFD)
	if cerr := unix.Close(h.writeFD); err == nil {
		err = cerr
	}
	return err
}
