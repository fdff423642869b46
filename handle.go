package usbhost

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/openusb/usbhost/backend"
)

// Handle is an opened USB device. Transfers are created from a handle and
// stay bound to it; the synchronous transfer methods are convenience
// wrappers that submit an asynchronous transfer and drive HandleEvents
// until it completes.
type Handle struct {
	ctx *Context
	dev *Device
	bh  backend.Handle

	closed atomic.Bool

	mu       sync.Mutex
	claimed  map[uint8]bool
	reattach map[uint8]bool
}

// Device returns the device this handle was opened from.
func (h *Handle) Device() *Device {
	return h.dev
}

// ClaimInterface claims exclusive access to an interface, detaching an
// active kernel driver first. A failed detach is logged and ignored; the
// claim itself decides. Detached drivers are re-attached on Close.
func (h *Handle) ClaimInterface(number uint8) error {
	if h.closed.Load() {
		return ErrClosed
	}
	active, err := h.bh.KernelDriverActive(number)
	if err != nil {
		h.ctx.debugf("detecting kernel driver on interface %d failed, skipping", number)
	} else if active {
		h.ctx.debugf("kernel driver active on interface %d, detaching", number)
		if err := h.bh.DetachKernelDriver(number); err != nil {
			h.ctx.warnf("detach of kernel driver failed: %v", err)
		} else {
			h.mu.Lock()
			if h.reattach == nil {
				h.reattach = make(map[uint8]bool)
			}
			h.reattach[number] = true
			h.mu.Unlock()
		}
	}
	if err := h.bh.ClaimInterface(number); err != nil {
		return err
	}
	h.mu.Lock()
	h.claimed[number] = true
	h.mu.Unlock()
	return nil
}

// ReleaseInterface releases a previously claimed interface.
func (h *Handle) ReleaseInterface(number uint8) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if err := h.bh.ReleaseInterface(number); err != nil {
		return err
	}
	h.mu.Lock()
	delete(h.claimed, number)
	h.mu.Unlock()
	return nil
}

// SetInterfaceAltSetting selects an alternate setting on an interface.
func (h *Handle) SetInterfaceAltSetting(number, alt uint8) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return h.bh.SetInterfaceAltSetting(number, alt)
}

// Configuration returns the active configuration value.
func (h *Handle) Configuration() (uint8, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	return h.bh.Configuration()
}

// SetConfiguration selects the active configuration.
func (h *Handle) SetConfiguration(value uint8) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return h.bh.SetConfiguration(value)
}

// ClearHalt clears a halt/stall condition on an endpoint.
func (h *Handle) ClearHalt(endpoint uint8) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return h.bh.ClearHalt(endpoint)
}

// Reset reinitialises the device.
func (h *Handle) Reset() error {
	if h.closed.Load() {
		return ErrClosed
	}
	return h.bh.Reset()
}

// StringDescriptor fetches the ASCII form of a string descriptor, or ""
// for index 0.
func (h *Handle) StringDescriptor(index uint8) (string, error) {
	if h.closed.Load() {
		return "", ErrClosed
	}
	if index == 0 {
		return "", nil
	}
	return h.bh.StringDescriptor(index)
}

// Manufacturer returns the device's manufacturer string.
func (h *Handle) Manufacturer() (string, error) {
	return h.StringDescriptor(h.dev.desc.ManufacturerIndex)
}

// Product returns the device's product string.
func (h *Handle) Product() (string, error) {
	return h.StringDescriptor(h.dev.desc.ProductIndex)
}

// SerialNumber returns the device's serial number string.
func (h *Handle) SerialNumber() (string, error) {
	return h.StringDescriptor(h.dev.desc.SerialNumberIndex)
}

// KernelDriverActive reports whether a kernel driver is bound to the
// interface.
func (h *Handle) KernelDriverActive(number uint8) (bool, error) {
	if h.closed.Load() {
		return false, ErrClosed
	}
	return h.bh.KernelDriverActive(number)
}

// DetachKernelDriver asks the kernel driver to release the interface.
func (h *Handle) DetachKernelDriver(number uint8) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return h.bh.DetachKernelDriver(number)
}

// AttachKernelDriver asks the kernel driver to re-bind the interface.
func (h *Handle) AttachKernelDriver(number uint8) error {
	if h.closed.Load() {
		return ErrClosed
	}
	return h.bh.AttachKernelDriver(number)
}

// runSync submits t and drives event handling until its callback fires.
// Returns the transferred byte count and the completion status mapped to
// an error, preserving partial transfers on timeout.
func (h *Handle) runSync(t *Transfer) (int, error) {
	var done atomic.Bool
	t.SetCallback(func(*Transfer) { done.Store(true) })
	if err := t.Submit(); err != nil {
		return 0, err
	}
	for !done.Load() {
		if err := h.ctx.HandleEvents(); err != nil && !errors.Is(err, ErrInterrupted) {
			return 0, err
		}
	}
	status, err := t.Status()
	if err != nil {
		return 0, err
	}
	n, err := t.ActualLength()
	if err != nil {
		return 0, err
	}
	return n, status.Err()
}

// ControlTransfer performs a synchronous control transfer. The direction
// comes from the high bit of requestType; for IN requests data provides
// capacity and is filled with the response. Returns the number of bytes
// moved in the data stage, valid even when the error is ErrTimeout.
func (h *Handle) ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	t, err := h.NewTransfer(0)
	if err != nil {
		return 0, err
	}
	defer t.Doom()
	if err := t.SetControl(requestType, request, value, index, data, timeout); err != nil {
		return 0, err
	}
	n, rerr := h.runSync(t)
	if buf, err := t.Buffer(); err == nil {
		copy(data, buf[:n])
	}
	return n, rerr
}

// ControlRead performs a synchronous control read of up to length bytes,
// forcing the IN direction bit.
func (h *Handle) ControlRead(requestType, request uint8, value, index uint16, length int, timeout time.Duration) ([]byte, error) {
	data := make([]byte, length)
	requestType = (requestType &^ EndpointDirMask) | EndpointIn
	n, err := h.ControlTransfer(requestType, request, value, index, data, timeout)
	return data[:n], err
}

// ControlWrite performs a synchronous control write, forcing the OUT
// direction bit. Returns the number of bytes sent.
func (h *Handle) ControlWrite(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	requestType = (requestType &^ EndpointDirMask) | EndpointOut
	return h.ControlTransfer(requestType, request, value, index, data, timeout)
}

// BulkTransfer performs a synchronous bulk transfer. The endpoint's high
// bit selects the direction; for IN endpoints buf is filled in place.
// Returns bytes transferred, valid even when the error is ErrTimeout.
func (h *Handle) BulkTransfer(endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	return h.streamSync(backend.KindBulk, endpoint, buf, timeout)
}

// InterruptTransfer performs a synchronous interrupt transfer. Same
// semantics as BulkTransfer.
func (h *Handle) InterruptTransfer(endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	return h.streamSync(backend.KindInterrupt, endpoint, buf, timeout)
}

func (h *Handle) streamSync(kind, endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	t, err := h.NewTransfer(0)
	if err != nil {
		return 0, err
	}
	defer t.Doom()
	var serr error
	if kind == backend.KindInterrupt {
		serr = t.SetInterrupt(endpoint, buf, timeout)
	} else {
		serr = t.SetBulk(endpoint, buf, timeout)
	}
	if serr != nil {
		return 0, serr
	}
	return h.runSync(t)
}

// Close cancels this handle's in-flight transfers and drains their
// completions, releases claimed interfaces, re-attaches detached kernel
// drivers and closes the backend handle. Closing twice is harmless.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Cancellation is asynchronous, so keep draining until every
	// transfer bound to this handle has completed.
	cancelled := make(map[*Transfer]bool)
	for {
		var pending []*Transfer
		for _, t := range h.ctx.inflight.snapshot() {
			if t.handle == h {
				pending = append(pending, t)
			}
		}
		if len(pending) == 0 {
			break
		}
		for _, t := range pending {
			if cancelled[t] {
				continue
			}
			cancelled[t] = true
			if err := t.Cancel(); err != nil && !errors.Is(err, ErrNotSubmitted) {
				h.ctx.warnf("cancel during handle close: %v", err)
			}
		}
		if err := h.ctx.HandleEvents(); err != nil && !errors.Is(err, ErrInterrupted) {
			break
		}
	}

	var err error
	h.mu.Lock()
	for number := range h.claimed {
		err = multierr.Append(err, h.bh.ReleaseInterface(number))
	}
	h.claimed = map[uint8]bool{}
	for number := range h.reattach {
		if aerr := h.bh.AttachKernelDriver(number); aerr != nil {
			// Re-attach is best effort, the driver can rebind later.
			h.ctx.warnf("error re-attaching driver: %v", aerr)
		}
	}
	h.reattach = nil
	h.mu.Unlock()

	return multierr.Append(err, h.bh.Close())
}
