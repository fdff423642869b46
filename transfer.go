package usbhost

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/openusb/usbhost/backend"
)

// TransferCallback is invoked from within event draining when a transfer
// completes, times out, stalls or is cancelled. The callback runs on the
// goroutine calling HandleEvents and may submit, cancel or doom this or
// other transfers, but must not call HandleEvents on the same context.
type TransferCallback func(*Transfer)

// ControlSetup is the decoded 8-byte setup header of a control transfer.
type ControlSetup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// IsoPacketResult is the per-packet outcome of a completed isochronous
// transfer. Buffer is the packet's slot truncated to ActualLength.
type IsoPacketResult struct {
	Status       TransferStatus
	Length       int
	ActualLength int
	Buffer       []byte
}

// Transfer is one asynchronous USB I/O operation. A transfer is bound to
// the handle that created it, carries its own buffer, and may be
// resubmitted any number of times once each previous flight completed.
//
// The buffer handed to a Set* method is owned by the in-flight operation
// from Submit until the completion callback fires; mutating it in between
// is a data race with the backend.
type Transfer struct {
	ctx           *Context
	handle        *Handle
	numIsoPackets int

	mu         sync.Mutex
	sub        backend.Submission
	dataOff    int // control transfers keep the setup header in sub.Buffer
	callback   TransferCallback
	userData   any
	configured bool
	submitted  bool
	completed  bool
	doomed     bool
	closed     bool
	status     TransferStatus
	actual     int
}

// NewTransfer allocates a transfer bound to this handle. isoPackets is
// the number of isochronous packet slots; pass 0 for control, bulk and
// interrupt transfers.
func (h *Handle) NewTransfer(isoPackets int) (*Transfer, error) {
	if isoPackets < 0 {
		return nil, ErrInvalidParam
	}
	if h.closed.Load() {
		return nil, ErrClosed
	}
	return &Transfer{
		ctx:           h.ctx,
		handle:        h,
		numIsoPackets: isoPackets,
	}, nil
}

// checkMutable is the common guard of the Set* configuration methods.
// Callers hold t.mu.
func (t *Transfer) checkMutable() error {
	switch {
	case t.closed, t.doomed:
		return ErrDoomed
	case t.submitted:
		return ErrSubmitted
	}
	return nil
}

// SetControl configures the transfer as a control transfer. The transfer
// direction is derived from the high bit of requestType. For IN requests
// data only provides capacity and should be zero; its length becomes the
// wLength of the setup header either way.
func (t *Transfer) SetControl(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkMutable(); err != nil {
		return err
	}
	buf := make([]byte, ControlSetupSize+len(data))
	buf[0] = requestType
	buf[1] = request
	binary.LittleEndian.PutUint16(buf[2:], value)
	binary.LittleEndian.PutUint16(buf[4:], index)
	binary.LittleEndian.PutUint16(buf[6:], uint16(len(data)))
	copy(buf[ControlSetupSize:], data)

	t.sub.Kind = backend.KindControl
	t.sub.Endpoint = requestType & EndpointDirMask
	t.sub.Buffer = buf
	t.sub.Timeout = timeout
	t.sub.IsoPackets = nil
	t.sub.Complete = t.complete
	t.dataOff = ControlSetupSize
	t.completed = false
	t.configured = true
	return nil
}

// SetBulk configures the transfer as a bulk transfer. The endpoint's high
// bit selects the direction; for IN endpoints buf provides capacity. The
// buffer is retained, not copied.
func (t *Transfer) SetBulk(endpoint uint8, buf []byte, timeout time.Duration) error {
	return t.setStream(backend.KindBulk, endpoint, buf, timeout)
}

// SetInterrupt configures the transfer as an interrupt transfer. Same
// buffer and direction semantics as SetBulk.
func (t *Transfer) SetInterrupt(endpoint uint8, buf []byte, timeout time.Duration) error {
	return t.setStream(backend.KindInterrupt, endpoint, buf, timeout)
}

func (t *Transfer) setStream(kind, endpoint uint8, buf []byte, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkMutable(); err != nil {
		return err
	}
	t.sub.Kind = kind
	t.sub.Endpoint = endpoint
	t.sub.Buffer = buf
	t.sub.Timeout = timeout
	t.sub.IsoPackets = nil
	t.sub.Complete = t.complete
	t.dataOff = 0
	t.completed = false
	t.configured = true
	return nil
}

// SetIsochronous configures the transfer as an isochronous transfer.
// packetLengths must partition buf exactly; nil divides buf evenly among
// the transfer's packet slots and fails if it does not divide evenly.
func (t *Transfer) SetIsochronous(endpoint uint8, buf []byte, packetLengths []int, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkMutable(); err != nil {
		return err
	}
	if t.numIsoPackets == 0 {
		return ErrNotIsochronous
	}
	if packetLengths == nil {
		if len(buf)%t.numIsoPackets != 0 {
			return ErrInvalidParam
		}
		per := len(buf) / t.numIsoPackets
		packetLengths = make([]int, t.numIsoPackets)
		for i := range packetLengths {
			packetLengths[i] = per
		}
	}
	if len(packetLengths) > t.numIsoPackets {
		return ErrInvalidParam
	}
	sum := 0
	for _, l := range packetLengths {
		if l <= 0 {
			return ErrInvalidParam
		}
		sum += l
	}
	if sum != len(buf) {
		return ErrInvalidParam
	}
	packets := make([]backend.IsoPacket, len(packetLengths))
	for i, l := range packetLengths {
		packets[i].Length = l
	}
	t.sub.Kind = backend.KindIsochronous
	t.sub.Endpoint = endpoint
	t.sub.Buffer = buf
	t.sub.Timeout = timeout
	t.sub.IsoPackets = packets
	t.sub.Complete = t.complete
	t.dataOff = 0
	t.completed = false
	t.configured = true
	return nil
}

// SetBuffer replaces the transfer's buffer between submissions. Control
// transfers must be reconfigured through SetControl instead, and an
// isochronous buffer may not change its total length.
func (t *Transfer) SetBuffer(buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkMutable(); err != nil {
		return err
	}
	if !t.configured || t.sub.Kind == backend.KindControl {
		return ErrInvalidParam
	}
	if t.sub.Kind == backend.KindIsochronous && len(buf) != len(t.sub.Buffer) {
		return ErrInvalidParam
	}
	t.sub.Buffer = buf
	return nil
}

// SetCallback changes the transfer's completion callback.
func (t *Transfer) SetCallback(cb TransferCallback) {
	t.mu.Lock()
	t.callback = cb
	t.mu.Unlock()
}

// Callback returns the currently set completion callback.
func (t *Transfer) Callback() TransferCallback {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callback
}

// SetUserData attaches opaque caller data to the transfer.
func (t *Transfer) SetUserData(v any) {
	t.mu.Lock()
	t.userData = v
	t.mu.Unlock()
}

// UserData returns the data set with SetUserData.
func (t *Transfer) UserData() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userData
}

// SetShortNotOK makes short reads complete with TransferError.
func (t *Transfer) SetShortNotOK(v bool) {
	t.mu.Lock()
	t.sub.ShortNotOK = v
	t.mu.Unlock()
}

// ShortNotOK reports whether short reads are treated as errors.
func (t *Transfer) ShortNotOK() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sub.ShortNotOK
}

// SetAddZeroPacket appends a zero-length packet to OUT transfers whose
// length is a multiple of the endpoint packet size.
func (t *Transfer) SetAddZeroPacket(v bool) {
	t.mu.Lock()
	t.sub.AddZeroPacket = v
	t.mu.Unlock()
}

// AddZeroPacket reports whether the zero-length trailer is enabled.
func (t *Transfer) AddZeroPacket() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sub.AddZeroPacket
}

// Kind returns the configured transfer kind.
func (t *Transfer) Kind() TransferKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TransferKind(t.sub.Kind)
}

// Endpoint returns the configured endpoint address.
func (t *Transfer) Endpoint() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sub.Endpoint
}

// Timeout returns the configured timeout.
func (t *Transfer) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sub.Timeout
}

// ControlSetup decodes the setup header of a control transfer, yielding
// back the exact values passed to SetControl.
func (t *Transfer) ControlSetup() (ControlSetup, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.doomed {
		return ControlSetup{}, ErrDoomed
	}
	if !t.configured || t.sub.Kind != backend.KindControl {
		return ControlSetup{}, ErrInvalidParam
	}
	b := t.sub.Buffer
	return ControlSetup{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:]),
		Index:       binary.LittleEndian.Uint16(b[4:]),
		Length:      binary.LittleEndian.Uint16(b[6:]),
	}, nil
}

// IsSubmitted reports whether the transfer is currently in flight.
func (t *Transfer) IsSubmitted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submitted
}

// checkCompleted guards the post-completion accessors. Callers hold t.mu.
func (t *Transfer) checkCompleted() error {
	switch {
	case t.closed:
		return ErrDoomed
	case t.submitted, !t.completed:
		return ErrSubmitted
	}
	return nil
}

// Status returns the completion status of the last flight. It is only
// valid after the completion callback fired; calling it before submission
// or while in flight is an error.
func (t *Transfer) Status() (TransferStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkCompleted(); err != nil {
		return 0, err
	}
	return t.status, nil
}

// ActualLength returns the number of bytes transferred during the last
// flight. Same validity rules as Status.
func (t *Transfer) ActualLength() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkCompleted(); err != nil {
		return 0, err
	}
	return t.actual, nil
}

// Buffer returns the transfer's data area (for control transfers, the
// portion following the setup header). Not valid while in flight.
func (t *Transfer) Buffer() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed, t.doomed:
		return nil, ErrDoomed
	case t.submitted:
		return nil, ErrSubmitted
	case !t.configured:
		return nil, ErrNotConfigured
	}
	return t.sub.Buffer[t.dataOff:], nil
}

// IsoPackets returns the per-packet results of a completed isochronous
// transfer, each buffer truncated to the bytes actually transferred.
func (t *Transfer) IsoPackets() ([]IsoPacketResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub.Kind != backend.KindIsochronous || t.sub.IsoPackets == nil {
		return nil, ErrNotIsochronous
	}
	if err := t.checkCompleted(); err != nil {
		return nil, err
	}
	results := make([]IsoPacketResult, len(t.sub.IsoPackets))
	off := 0
	for i, p := range t.sub.IsoPackets {
		results[i] = IsoPacketResult{
			Status:       p.Status,
			Length:       p.Length,
			ActualLength: p.ActualLength,
			Buffer:       t.sub.Buffer[off : off+p.ActualLength],
		}
		off += p.Length
	}
	return results, nil
}

// Submit hands the configured transfer to the backend. The transfer stays
// in flight until its completion callback is invoked from event draining;
// until then the buffer belongs to the operation and none of the Set*
// methods may be used.
func (t *Transfer) Submit() error {
	t.mu.Lock()
	switch {
	case t.closed, t.doomed:
		t.mu.Unlock()
		return ErrDoomed
	case t.submitted:
		t.mu.Unlock()
		return ErrSubmitted
	case !t.configured:
		t.mu.Unlock()
		return ErrNotConfigured
	}
	t.submitted = true
	t.completed = false
	h := t.handle
	t.mu.Unlock()

	t.ctx.inflight.add(t)
	if err := h.bh.Submit(&t.sub); err != nil {
		t.ctx.inflight.remove(t)
		t.mu.Lock()
		t.submitted = false
		t.mu.Unlock()
		return err
	}
	t.ctx.debugf("submitted %s transfer on endpoint %#02x", TransferKind(t.sub.Kind), t.sub.Endpoint)
	return nil
}

// Cancel requests cancellation of an in-flight transfer. Cancellation is
// asynchronous: the transfer completes with TransferCancelled through the
// normal callback path once the backend drops it.
func (t *Transfer) Cancel() error {
	t.mu.Lock()
	switch {
	case t.closed, t.doomed:
		t.mu.Unlock()
		return ErrDoomed
	case !t.submitted:
		t.mu.Unlock()
		return ErrNotSubmitted
	}
	h := t.handle
	t.mu.Unlock()
	return h.bh.Cancel(&t.sub)
}

// Doom marks the transfer for destruction. A transfer that is not in
// flight is released immediately; an in-flight transfer is released at
// the tail of its completion callback, because the backend still holds
// the submission record until then. Dooming twice is harmless. Every
// operation on a released transfer fails with ErrDoomed.
func (t *Transfer) Doom() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.doomed = true
	if !t.submitted && !t.closed {
		t.releaseLocked()
	}
}

// Close releases a transfer that is not in flight. Cancel first, or use
// Doom, to dispose of an in-flight transfer.
func (t *Transfer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	if t.submitted {
		return ErrSubmitted
	}
	t.doomed = true
	t.releaseLocked()
	return nil
}

// releaseLocked drops the buffer and callback references. Callers hold
// t.mu.
func (t *Transfer) releaseLocked() {
	t.closed = true
	t.configured = false
	t.sub = backend.Submission{}
	t.callback = nil
	t.userData = nil
}

// complete is the completion trampoline handed to the backend. It runs on
// the event-draining goroutine: it publishes the completion state, fires
// the user callback, and only then honors a pending doom, since the
// callback may legitimately touch the transfer (including resubmitting
// it, which clears nothing here because Submit re-arms the flags).
func (t *Transfer) complete(status backend.Status, actual int) {
	t.ctx.inflight.remove(t)

	t.mu.Lock()
	t.submitted = false
	t.completed = true
	t.status = status
	t.actual = actual
	cb := t.callback
	endpoint := t.sub.Endpoint
	t.mu.Unlock()

	t.ctx.debugf("transfer on endpoint %#02x finished: %s (%d bytes)", endpoint, status, actual)
	if cb != nil {
		cb(t)
	}

	t.mu.Lock()
	if t.doomed && !t.submitted && !t.closed {
		t.releaseLocked()
	}
	t.mu.Unlock()
}
