// Package backend defines the capability surface a native USB layer must
// provide to the usbhost engine: device enumeration, transfer submission
// and cancellation, poll-fd readiness, and hotplug notification.
//
// The engine never talks to hardware directly. Everything it needs from
// the platform goes through the Backend interface, which keeps the async
// transfer machinery testable against the in-memory implementation in
// backend/virt.
package backend

import "time"

// Status is the completion code reported for a finished submission.
type Status uint8

const (
	StatusCompleted Status = iota
	StatusError
	StatusTimedOut
	StatusCancelled
	StatusStall
	StatusNoDevice
	StatusOverflow
)

var statusName = map[Status]string{
	StatusCompleted: "completed",
	StatusError:     "error",
	StatusTimedOut:  "timed out",
	StatusCancelled: "cancelled",
	StatusStall:     "stalled",
	StatusNoDevice:  "no device",
	StatusOverflow:  "overflow",
}

// String returns a human-readable status name.
func (s Status) String() string {
	if n, ok := statusName[s]; ok {
		return n
	}
	return "unknown"
}

// Transfer kind tags. Values match the USB bmAttributes transfer-type
// field so backends can pass them through unchanged.
const (
	KindControl     uint8 = 0
	KindIsochronous uint8 = 1
	KindBulk        uint8 = 2
	KindInterrupt   uint8 = 3
)

// IsoPacket is one isochronous packet slot within a submission. Length is
// set by the submitter; ActualLength and Status are filled by the backend
// on completion.
type IsoPacket struct {
	Length       int
	ActualLength int
	Status       Status
}

// Submission is the native transfer record. The engine fills it once per
// flight and hands it to Handle.Submit; the backend reports the outcome by
// invoking Complete exactly once from within Reap. The buffer must not be
// touched by the backend after Complete returns.
type Submission struct {
	Kind     uint8
	Endpoint uint8
	Buffer   []byte
	Timeout  time.Duration

	// IsoPackets is non-nil only for isochronous submissions. The packet
	// lengths partition Buffer exactly.
	IsoPackets []IsoPacket

	// ShortNotOK requests that short reads complete with StatusError.
	ShortNotOK bool
	// AddZeroPacket requests a trailing zero-length packet on OUT
	// transfers whose length is a multiple of the endpoint packet size.
	AddZeroPacket bool

	// Complete is the completion trampoline. It runs on the goroutine
	// draining events, with the final status and the number of bytes
	// actually transferred.
	Complete func(Status, int)
}

// PollFD is one file descriptor the backend needs monitored, with the
// poll events it is interested in.
type PollFD struct {
	FD     int
	Events int16
}

// HotplugEvent identifies why a hotplug callback fired.
type HotplugEvent uint8

const (
	HotplugArrived HotplugEvent = 1 << iota
	HotplugLeft
)

// MatchAny is the wildcard value for hotplug filter fields.
const MatchAny = -1

// HotplugFilter narrows which devices a hotplug registration observes.
// VendorID, ProductID and Class are matched exactly unless set to
// MatchAny. Events is a bitmask of HotplugArrived and HotplugLeft.
type HotplugFilter struct {
	Events    HotplugEvent
	VendorID  int32
	ProductID int32
	Class     int32
}

// Enumerate is the hotplug registration flag asking the backend to
// synthesize an arrival event for every matching device already present.
const Enumerate = 1

// HotplugFunc is invoked during event draining for each matching device
// arrival or departure. Returning true deregisters the callback.
type HotplugFunc func(dev Device, event HotplugEvent) bool

// HotplugRegistration is an opaque handle identifying one registered
// hotplug callback.
type HotplugRegistration int

// Device is a connected USB device, pre-open. Descriptor accessors return
// the raw descriptor bytes; decoding them is the engine's concern.
type Device interface {
	// DeviceDescriptor returns the raw 18-byte device descriptor.
	DeviceDescriptor() ([]byte, error)

	// ConfigDescriptors returns the raw bytes of every configuration
	// descriptor tree, in bConfigurationValue order.
	ConfigDescriptors() ([][]byte, error)

	// Bus returns the bus number and device address.
	Bus() (uint8, uint8)

	// Open opens the device for I/O.
	Open() (Handle, error)
}

// Handle is an opened device.
type Handle interface {
	Device() Device

	ClaimInterface(number uint8) error
	ReleaseInterface(number uint8) error
	SetInterfaceAltSetting(number, alt uint8) error

	Configuration() (uint8, error)
	SetConfiguration(value uint8) error

	ClearHalt(endpoint uint8) error
	Reset() error

	// StringDescriptor fetches the ASCII form of a string descriptor.
	StringDescriptor(index uint8) (string, error)

	KernelDriverActive(number uint8) (bool, error)
	DetachKernelDriver(number uint8) error
	AttachKernelDriver(number uint8) error

	// Submit hands a filled submission to the backend. The submission
	// stays owned by the backend until its Complete trampoline runs.
	Submit(*Submission) error

	// Cancel requests asynchronous cancellation of an in-flight
	// submission. The cancelled completion still arrives through Reap.
	Cancel(*Submission) error

	Close() error
}

// Backend is the top-level native capability surface, one instance per
// usbhost context.
type Backend interface {
	// Devices enumerates currently connected devices.
	Devices() ([]Device, error)

	// PollFDs returns the current set of descriptors to monitor.
	PollFDs() []PollFD

	// SetPollFDNotifiers installs callbacks fired whenever the backend
	// adds or removes a descriptor from its poll set. Passing nil
	// functions clears the notifiers.
	SetPollFDNotifiers(added func(PollFD), removed func(fd int))

	// WaitReady blocks until at least one poll fd is ready, the timeout
	// elapses, or Interrupt is called. A wait interrupted by a signal
	// returns ErrInterrupted.
	WaitReady(timeout time.Duration) error

	// Reap drains every ready completion, invoking each finished
	// submission's trampoline and any matching hotplug callbacks before
	// returning. It must be called by one goroutine at a time; the
	// engine's event lock guarantees that.
	Reap() error

	// Interrupt wakes a goroutine blocked in WaitReady.
	Interrupt()

	RegisterHotplug(filter HotplugFilter, flags int, fn HotplugFunc) (HotplugRegistration, error)
	DeregisterHotplug(reg HotplugRegistration)

	Close() error
}
