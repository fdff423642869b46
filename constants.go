package usbhost

import (
	"fmt"

	"github.com/openusb/usbhost/backend"
)

// ID represents a vendor or product ID.
type ID uint16

// String returns a hexadecimal ID.
func (id ID) String() string {
	return fmt.Sprintf("%04x", int(id))
}

// Endpoint direction bits (high bit of the endpoint address, and of the
// bmRequestType byte for control transfers).
const (
	EndpointOut     uint8 = 0x00
	EndpointIn      uint8 = 0x80
	EndpointDirMask uint8 = 0x80
	EndpointNumMask uint8 = 0x0f
)

// TransferKind identifies the type of a transfer. Values match the USB
// bmAttributes transfer-type field.
type TransferKind uint8

const (
	TransferControl     TransferKind = TransferKind(backend.KindControl)
	TransferIsochronous TransferKind = TransferKind(backend.KindIsochronous)
	TransferBulk        TransferKind = TransferKind(backend.KindBulk)
	TransferInterrupt   TransferKind = TransferKind(backend.KindInterrupt)

	transferKindMask uint8 = 0x03
)

var transferKindName = map[TransferKind]string{
	TransferControl:     "control",
	TransferIsochronous: "isochronous",
	TransferBulk:        "bulk",
	TransferInterrupt:   "interrupt",
}

// String returns a human-readable transfer kind name.
func (k TransferKind) String() string {
	return transferKindName[k]
}

// TransferStatus is the outcome of a completed transfer.
type TransferStatus = backend.Status

// Transfer completion statuses.
const (
	TransferCompleted = backend.StatusCompleted
	TransferError     = backend.StatusError
	TransferTimedOut  = backend.StatusTimedOut
	TransferCancelled = backend.StatusCancelled
	TransferStall     = backend.StatusStall
	TransferNoDevice  = backend.StatusNoDevice
	TransferOverflow  = backend.StatusOverflow
)

// Control request type bits (bmRequestType).
const (
	RequestTypeStandard uint8 = 0x00 << 5
	RequestTypeClass    uint8 = 0x01 << 5
	RequestTypeVendor   uint8 = 0x02 << 5
	RequestTypeReserved uint8 = 0x03 << 5

	RecipientDevice    uint8 = 0x00
	RecipientInterface uint8 = 0x01
	RecipientEndpoint  uint8 = 0x02
	RecipientOther     uint8 = 0x03
)

// Standard control requests.
const (
	RequestGetStatus        uint8 = 0x00
	RequestClearFeature     uint8 = 0x01
	RequestSetFeature       uint8 = 0x03
	RequestSetAddress       uint8 = 0x05
	RequestGetDescriptor    uint8 = 0x06
	RequestSetDescriptor    uint8 = 0x07
	RequestGetConfiguration uint8 = 0x08
	RequestSetConfiguration uint8 = 0x09
	RequestGetInterface     uint8 = 0x0a
	RequestSetInterface     uint8 = 0x0b
)

// Class is a USB class code.
type Class uint8

const (
	ClassPerInterface Class = 0x00
	ClassAudio        Class = 0x01
	ClassComm         Class = 0x02
	ClassHID          Class = 0x03
	ClassPrinter      Class = 0x07
	ClassPTP          Class = 0x06
	ClassMassStorage  Class = 0x08
	ClassHub          Class = 0x09
	ClassData         Class = 0x0a
	ClassWireless     Class = 0xe0
	ClassApplication  Class = 0xfe
	ClassVendorSpec   Class = 0xff
)

var classDescription = map[Class]string{
	ClassPerInterface: "per-interface",
	ClassAudio:        "audio",
	ClassComm:         "communications",
	ClassHID:          "human interface device",
	ClassPrinter:      "printer",
	ClassPTP:          "picture transfer protocol",
	ClassMassStorage:  "mass storage",
	ClassHub:          "hub",
	ClassData:         "data",
	ClassWireless:     "wireless",
	ClassApplication:  "application",
	ClassVendorSpec:   "vendor-specific",
}

// String returns a human-readable class description.
func (c Class) String() string {
	return classDescription[c]
}

// DescriptorType identifies a descriptor block within raw descriptor
// bytes.
type DescriptorType uint8

const (
	DescriptorDevice    DescriptorType = 0x01
	DescriptorConfig    DescriptorType = 0x02
	DescriptorString    DescriptorType = 0x03
	DescriptorInterface DescriptorType = 0x04
	DescriptorEndpoint  DescriptorType = 0x05
)

// IsoSyncType is the isochronous synchronization type of an endpoint
// (bits 2..3 of bmAttributes).
type IsoSyncType uint8

const (
	IsoSyncNone     IsoSyncType = 0x00 << 2
	IsoSyncAsync    IsoSyncType = 0x01 << 2
	IsoSyncAdaptive IsoSyncType = 0x02 << 2
	IsoSyncSync     IsoSyncType = 0x03 << 2

	isoSyncMask uint8 = 0x0c
)

// ControlSetupSize is the size of the setup header prepended to control
// transfer buffers.
const ControlSetupSize = 8
