package virt

import (
	"bytes"
	"encoding/binary"

	"github.com/openusb/usbhost/backend"
)

// ControlHandler services control transfers addressed to a virtual
// device. For device-to-host requests the returned bytes are copied into
// the data stage (truncated to wLength); for host-to-device requests
// data holds the payload and the returned bytes are ignored.
type ControlHandler func(requestType, request uint8, value, index uint16, data []byte) ([]byte, backend.Status)

// Device is a scriptable virtual USB device. Configure it with a
// DeviceConfig, attach it to a Host, then feed endpoint data with
// QueueIn and inspect host writes with Received.
type Device struct {
	host *Host
	cfg  DeviceConfig

	bus, addr uint8
	gone      bool

	// Guarded by host.mu once attached.
	endpoints    map[uint8]*endpointState
	received     map[uint8][][]byte
	control      ControlHandler
	kernelActive map[uint8]bool
	config       uint8
	accessErr    error
}

// endpointState holds the script state of one endpoint address: queued
// IN data, a halt flag, and submissions parked waiting for data.
type endpointState struct {
	buf     bytes.Buffer
	halted  bool
	waiters []*flight
}

func (ep *endpointState) removeWaiter(f *flight) {
	for i, w := range ep.waiters {
		if w == f {
			ep.waiters = append(ep.waiters[:i], ep.waiters[i+1:]...)
			return
		}
	}
}

// NewDevice builds a device from cfg. Zero-valued descriptor fields get
// sane defaults (USB 2.0, 64-byte EP0, bus-powered).
func NewDevice(cfg DeviceConfig) *Device {
	cfg.applyDefaults()
	d := &Device{
		cfg:          cfg,
		endpoints:    make(map[uint8]*endpointState),
		received:     make(map[uint8][][]byte),
		kernelActive: make(map[uint8]bool),
	}
	for _, c := range cfg.Configs {
		for _, iface := range c.Interfaces {
			for _, ep := range iface.Endpoints {
				if _, ok := d.endpoints[ep.Address]; !ok {
					d.endpoints[ep.Address] = &endpointState{}
				}
			}
		}
	}
	for _, n := range cfg.KernelDriver {
		d.kernelActive[n] = true
	}
	if len(cfg.Configs) > 0 {
		d.config = cfg.Configs[0].Value
	}
	return d
}

// SetControlHandler installs the handler for control transfers. Without
// one, every control transfer stalls. The handler runs while the host is
// dispatching and must not call back into the host.
func (d *Device) SetControlHandler(fn ControlHandler) {
	d.lock()
	d.control = fn
	d.unlock()
}

// SetAccessError makes descriptor reads and Open fail with err, emulating
// a device the current user may not touch. Pass nil to clear.
func (d *Device) SetAccessError(err error) {
	d.lock()
	d.accessErr = err
	d.unlock()
}

// QueueIn appends data to an IN endpoint's pipe. Submissions already
// parked on the endpoint complete immediately, oldest first.
func (d *Device) QueueIn(endpoint uint8, data []byte) {
	d.lock()
	defer d.unlock()
	ep := d.endpoints[endpoint]
	if ep == nil {
		return
	}
	ep.buf.Write(data)
	d.drainWaitersLocked(ep)
}

// drainWaitersLocked completes parked IN submissions while data remains.
func (d *Device) drainWaitersLocked(ep *endpointState) {
	for len(ep.waiters) > 0 && ep.buf.Len() > 0 {
		f := ep.waiters[0]
		ep.waiters = ep.waiters[1:]
		f.ep = nil
		n, _ := ep.buf.Read(f.sub.Buffer)
		d.host.completeLocked(f, inStatus(f.sub, n), n)
	}
}

// inStatus maps a partial IN read to its completion status, honouring
// the short-packet policy.
func inStatus(sub *backend.Submission, n int) backend.Status {
	if sub.ShortNotOK && n < len(sub.Buffer) {
		return backend.StatusError
	}
	return backend.StatusCompleted
}

// Received returns the payloads written to an OUT endpoint so far, in
// order.
func (d *Device) Received(endpoint uint8) [][]byte {
	d.lock()
	defer d.unlock()
	out := make([][]byte, len(d.received[endpoint]))
	copy(out, d.received[endpoint])
	return out
}

// Halt stalls an endpoint: subsequent submissions complete with
// StatusStall until the host clears the halt.
func (d *Device) Halt(endpoint uint8) {
	d.lock()
	if ep := d.endpoints[endpoint]; ep != nil {
		ep.halted = true
	}
	d.unlock()
}

// VendorID returns the configured vendor ID.
func (d *Device) VendorID() uint16 { return d.cfg.VendorID }

// ProductID returns the configured product ID.
func (d *Device) ProductID() uint16 { return d.cfg.ProductID }

// lock takes the owning host's lock, or a no-op before attachment.
func (d *Device) lock() {
	if d.host != nil {
		d.host.mu.Lock()
	}
}

func (d *Device) unlock() {
	if d.host != nil {
		d.host.mu.Unlock()
	}
}

// DeviceDescriptor implements backend.Device.
func (d *Device) DeviceDescriptor() ([]byte, error) {
	d.lock()
	defer d.unlock()
	if d.accessErr != nil {
		return nil, d.accessErr
	}
	return d.cfg.deviceDescriptorBytes(), nil
}

// ConfigDescriptors implements backend.Device.
func (d *Device) ConfigDescriptors() ([][]byte, error) {
	d.lock()
	defer d.unlock()
	if d.accessErr != nil {
		return nil, d.accessErr
	}
	if d.gone {
		return nil, backend.ErrNoDevice
	}
	raw := make([][]byte, len(d.cfg.Configs))
	for i := range d.cfg.Configs {
		raw[i] = d.cfg.Configs[i].bytes()
	}
	return raw, nil
}

// Bus implements backend.Device.
func (d *Device) Bus() (uint8, uint8) {
	return d.bus, d.addr
}

// Open implements backend.Device.
func (d *Device) Open() (backend.Handle, error) {
	d.lock()
	defer d.unlock()
	if d.accessErr != nil {
		return nil, d.accessErr
	}
	if d.gone || d.host == nil {
		return nil, backend.ErrNoDevice
	}
	return &handle{dev: d, claimed: make(map[uint8]bool)}, nil
}

// handle implements backend.Handle against a virtual device.
type handle struct {
	dev     *Device
	claimed map[uint8]bool
	closed  bool
}

func (h *handle) Device() backend.Device { return h.dev }

func (h *handle) guardLocked() error {
	if h.closed || h.dev.gone {
		return backend.ErrNoDevice
	}
	return nil
}

func (h *handle) ClaimInterface(number uint8) error {
	h.dev.lock()
	defer h.dev.unlock()
	if err := h.guardLocked(); err != nil {
		return err
	}
	if !h.dev.cfg.hasInterface(number) {
		return backend.ErrNotFound
	}
	if h.dev.kernelActive[number] || h.claimed[number] {
		return backend.ErrBusy
	}
	h.claimed[number] = true
	return nil
}

func (h *handle) ReleaseInterface(number uint8) error {
	h.dev.lock()
	defer h.dev.unlock()
	if !h.claimed[number] {
		return backend.ErrNotFound
	}
	delete(h.claimed, number)
	return nil
}

func (h *handle) SetInterfaceAltSetting(number, alt uint8) error {
	h.dev.lock()
	defer h.dev.unlock()
	if err := h.guardLocked(); err != nil {
		return err
	}
	if !h.claimed[number] {
		return backend.ErrNotFound
	}
	if !h.dev.cfg.hasAltSetting(number, alt) {
		return backend.ErrNotFound
	}
	return nil
}

func (h *handle) Configuration() (uint8, error) {
	h.dev.lock()
	defer h.dev.unlock()
	if err := h.guardLocked(); err != nil {
		return 0, err
	}
	return h.dev.config, nil
}

func (h *handle) SetConfiguration(value uint8) error {
	h.dev.lock()
	defer h.dev.unlock()
	if err := h.guardLocked(); err != nil {
		return err
	}
	for _, c := range h.dev.cfg.Configs {
		if c.Value == value {
			h.dev.config = value
			return nil
		}
	}
	return backend.ErrNotFound
}

func (h *handle) ClearHalt(endpoint uint8) error {
	h.dev.lock()
	defer h.dev.unlock()
	if err := h.guardLocked(); err != nil {
		return err
	}
	ep := h.dev.endpoints[endpoint]
	if ep == nil {
		return backend.ErrNotFound
	}
	ep.halted = false
	return nil
}

func (h *handle) Reset() error {
	h.dev.lock()
	defer h.dev.unlock()
	if err := h.guardLocked(); err != nil {
		return err
	}
	for _, ep := range h.dev.endpoints {
		ep.halted = false
		ep.buf.Reset()
	}
	return nil
}

func (h *handle) StringDescriptor(index uint8) (string, error) {
	h.dev.lock()
	defer h.dev.unlock()
	if err := h.guardLocked(); err != nil {
		return "", err
	}
	s, ok := h.dev.cfg.stringAt(index)
	if !ok {
		return "", backend.ErrNotFound
	}
	return s, nil
}

func (h *handle) KernelDriverActive(number uint8) (bool, error) {
	h.dev.lock()
	defer h.dev.unlock()
	if err := h.guardLocked(); err != nil {
		return false, err
	}
	return h.dev.kernelActive[number], nil
}

func (h *handle) DetachKernelDriver(number uint8) error {
	h.dev.lock()
	defer h.dev.unlock()
	if err := h.guardLocked(); err != nil {
		return err
	}
	if !h.dev.kernelActive[number] {
		return backend.ErrNotFound
	}
	delete(h.dev.kernelActive, number)
	return nil
}

func (h *handle) AttachKernelDriver(number uint8) error {
	h.dev.lock()
	defer h.dev.unlock()
	if err := h.guardLocked(); err != nil {
		return err
	}
	if !h.dev.cfg.hasInterface(number) {
		return backend.ErrNotFound
	}
	h.dev.kernelActive[number] = true
	return nil
}

// Submit implements backend.Handle. Completions are queued for the next
// Reap, never delivered from Submit itself; IN submissions with no data
// available park on the endpoint until QueueIn, timeout or cancel.
func (h *handle) Submit(sub *backend.Submission) error {
	d := h.dev
	host := d.host
	host.mu.Lock()
	defer host.mu.Unlock()
	if h.closed || d.gone {
		return backend.ErrNoDevice
	}

	f := &flight{sub: sub, dev: d}
	host.flights[sub] = f

	switch sub.Kind {
	case backend.KindControl:
		h.submitControlLocked(f)
	case backend.KindIsochronous:
		h.submitIsoLocked(f)
	default:
		h.submitStreamLocked(f)
	}
	return nil
}

func (h *handle) submitControlLocked(f *flight) {
	d := h.dev
	sub := f.sub
	setup := sub.Buffer[:8]
	requestType := setup[0]
	request := setup[1]
	value := binary.LittleEndian.Uint16(setup[2:])
	index := binary.LittleEndian.Uint16(setup[4:])
	length := int(binary.LittleEndian.Uint16(setup[6:]))
	data := sub.Buffer[8 : 8+length]

	if d.control == nil {
		d.host.completeLocked(f, backend.StatusStall, 0)
		return
	}
	resp, status := d.control(requestType, request, value, index, data)
	n := length
	if requestType&0x80 != 0 {
		n = copy(data, resp)
	}
	if status != backend.StatusCompleted {
		n = 0
	}
	d.host.completeLocked(f, status, n)
}

func (h *handle) submitStreamLocked(f *flight) {
	d := h.dev
	sub := f.sub
	ep := d.endpoints[sub.Endpoint]
	if ep == nil {
		d.host.completeLocked(f, backend.StatusError, 0)
		return
	}
	if ep.halted {
		d.host.completeLocked(f, backend.StatusStall, 0)
		return
	}

	if sub.Endpoint&0x80 == 0 {
		payload := make([]byte, len(sub.Buffer))
		copy(payload, sub.Buffer)
		d.received[sub.Endpoint] = append(d.received[sub.Endpoint], payload)
		d.host.completeLocked(f, backend.StatusCompleted, len(payload))
		return
	}

	if ep.buf.Len() > 0 {
		n, _ := ep.buf.Read(sub.Buffer)
		d.host.completeLocked(f, inStatus(sub, n), n)
		return
	}

	// No data yet: park until QueueIn, cancel, detach or timeout.
	f.ep = ep
	ep.waiters = append(ep.waiters, f)
	if sub.Timeout > 0 {
		f.timer = d.host.clk.AfterFunc(sub.Timeout, func() {
			d.host.mu.Lock()
			d.host.completeLocked(f, backend.StatusTimedOut, 0)
			d.host.mu.Unlock()
		})
	}
}

// submitIsoLocked services every packet from the data available right
// now; isochronous endpoints never block.
func (h *handle) submitIsoLocked(f *flight) {
	d := h.dev
	sub := f.sub
	ep := d.endpoints[sub.Endpoint]
	if ep == nil {
		d.host.completeLocked(f, backend.StatusError, 0)
		return
	}

	total := 0
	off := 0
	in := sub.Endpoint&0x80 != 0
	for i := range sub.IsoPackets {
		pkt := &sub.IsoPackets[i]
		slot := sub.Buffer[off : off+pkt.Length]
		off += pkt.Length
		if in {
			n, _ := ep.buf.Read(slot)
			pkt.ActualLength = n
			total += n
		} else {
			d.received[sub.Endpoint] = append(d.received[sub.Endpoint], append([]byte(nil), slot...))
			pkt.ActualLength = pkt.Length
			total += pkt.Length
		}
		pkt.Status = backend.StatusCompleted
	}
	d.host.completeLocked(f, backend.StatusCompleted, total)
}

// Cancel implements backend.Handle. A submission whose completion is
// already queued cannot be cancelled and reports backend.ErrNotFound.
func (h *handle) Cancel(sub *backend.Submission) error {
	host := h.dev.host
	host.mu.Lock()
	defer host.mu.Unlock()
	f := host.flights[sub]
	if f == nil || f.done {
		return backend.ErrNotFound
	}
	host.completeLocked(f, backend.StatusCancelled, 0)
	return nil
}

// Close implements backend.Handle. The engine drains a handle's
// transfers before closing it, so nothing is in flight here.
func (h *handle) Close() error {
	h.dev.lock()
	defer h.dev.unlock()
	h.closed = true
	for number := range h.claimed {
		delete(h.claimed, number)
	}
	return nil
}
