package usbhost

import "encoding/binary"

// Descriptor snapshots are decoded once from the raw descriptor bytes a
// backend hands out and are immutable afterwards. Unrecognized trailing
// descriptor blocks (HID, DFU, class-specific, ...) are preserved
// verbatim in the Extra field of the entity they follow.

// DeviceDescriptor is the decoded standard device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16 // bcdUSB
	Class             Class
	SubClass          uint8
	Protocol          uint8
	MaxPacketSize0    uint8
	VendorID          ID
	ProductID         ID
	DeviceVersion     uint16 // bcdDevice
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ConfigDescriptor is a decoded configuration and its interface tree.
type ConfigDescriptor struct {
	TotalLength     uint16
	NumInterfaces   uint8
	Value           uint8 // bConfigurationValue
	DescriptorIndex uint8 // iConfiguration
	Attributes      uint8
	maxPower        uint8
	Interfaces      []InterfaceDescriptor
	Extra           []byte
}

// MaxPower returns the configuration's power consumption in mA.
func (c *ConfigDescriptor) MaxPower() int {
	return int(c.maxPower) * 2
}

// InterfaceDescriptor groups the alternate settings of one interface
// number.
type InterfaceDescriptor struct {
	AltSettings []InterfaceSetting
}

// Number returns the interface number shared by all alternate settings.
func (i *InterfaceDescriptor) Number() uint8 {
	if len(i.AltSettings) == 0 {
		return 0
	}
	return i.AltSettings[0].Number
}

// InterfaceSetting is one alternate setting of an interface.
type InterfaceSetting struct {
	Number          uint8
	Alternate       uint8
	Class           Class
	SubClass        uint8
	Protocol        uint8
	DescriptorIndex uint8 // iInterface
	Endpoints       []EndpointDescriptor
	Extra           []byte
}

// EndpointDescriptor is a decoded endpoint descriptor.
type EndpointDescriptor struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
	Extra         []byte
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & EndpointNumMask
}

// IsIn returns true for IN (device-to-host) endpoints.
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&EndpointDirMask != 0
}

// TransferKind returns the endpoint's transfer type.
func (e *EndpointDescriptor) TransferKind() TransferKind {
	return TransferKind(e.Attributes & transferKindMask)
}

// IsoSyncType returns the isochronous synchronization type bits.
func (e *EndpointDescriptor) IsoSyncType() IsoSyncType {
	return IsoSyncType(e.Attributes & isoSyncMask)
}

const (
	deviceDescriptorLength   = 18
	configDescriptorLength   = 9
	settingDescriptorLength  = 9
	endpointDescriptorLength = 7
)

// parseDeviceDescriptor decodes the raw 18-byte device descriptor.
func parseDeviceDescriptor(raw []byte) (*DeviceDescriptor, error) {
	if len(raw) < deviceDescriptorLength || raw[0] < deviceDescriptorLength ||
		DescriptorType(raw[1]) != DescriptorDevice {
		return nil, ErrInvalidParam
	}
	return &DeviceDescriptor{
		USBVersion:        binary.LittleEndian.Uint16(raw[2:]),
		Class:             Class(raw[4]),
		SubClass:          raw[5],
		Protocol:          raw[6],
		MaxPacketSize0:    raw[7],
		VendorID:          ID(binary.LittleEndian.Uint16(raw[8:])),
		ProductID:         ID(binary.LittleEndian.Uint16(raw[10:])),
		DeviceVersion:     binary.LittleEndian.Uint16(raw[12:]),
		ManufacturerIndex: raw[14],
		ProductIndex:      raw[15],
		SerialNumberIndex: raw[16],
		NumConfigurations: raw[17],
	}, nil
}

// parseConfigDescriptor decodes a full configuration descriptor tree.
// The walk is a flat scan over bLength-delimited blocks: interface and
// endpoint descriptors extend the tree, anything else is captured as
// Extra bytes on the entity it follows.
func parseConfigDescriptor(raw []byte) (*ConfigDescriptor, error) {
	if len(raw) < configDescriptorLength || raw[0] < configDescriptorLength ||
		DescriptorType(raw[1]) != DescriptorConfig {
		return nil, ErrInvalidParam
	}
	total := binary.LittleEndian.Uint16(raw[2:])
	if int(total) > len(raw) || int(total) < configDescriptorLength || int(raw[0]) > int(total) {
		return nil, ErrInvalidParam
	}
	cfg := &ConfigDescriptor{
		TotalLength:     total,
		NumInterfaces:   raw[4],
		Value:           raw[5],
		DescriptorIndex: raw[6],
		Attributes:      raw[7],
		maxPower:        raw[8],
	}

	var (
		setting  *InterfaceSetting
		endpoint *EndpointDescriptor
	)
	raw = raw[int(raw[0]):int(total)]
	for len(raw) >= 2 {
		length := int(raw[0])
		if length < 2 || length > len(raw) {
			return nil, ErrInvalidParam
		}
		block := raw[:length]
		raw = raw[length:]

		switch DescriptorType(block[1]) {
		case DescriptorInterface:
			if length < settingDescriptorLength {
				return nil, ErrInvalidParam
			}
			s := InterfaceSetting{
				Number:          block[2],
				Alternate:       block[3],
				Class:           Class(block[5]),
				SubClass:        block[6],
				Protocol:        block[7],
				DescriptorIndex: block[8],
			}
			n := len(cfg.Interfaces)
			if n > 0 && cfg.Interfaces[n-1].Number() == s.Number {
				iface := &cfg.Interfaces[n-1]
				iface.AltSettings = append(iface.AltSettings, s)
				setting = &iface.AltSettings[len(iface.AltSettings)-1]
			} else {
				cfg.Interfaces = append(cfg.Interfaces, InterfaceDescriptor{
					AltSettings: []InterfaceSetting{s},
				})
				iface := &cfg.Interfaces[len(cfg.Interfaces)-1]
				setting = &iface.AltSettings[0]
			}
			endpoint = nil

		case DescriptorEndpoint:
			if length < endpointDescriptorLength || setting == nil {
				return nil, ErrInvalidParam
			}
			setting.Endpoints = append(setting.Endpoints, EndpointDescriptor{
				Address:       block[2],
				Attributes:    block[3],
				MaxPacketSize: binary.LittleEndian.Uint16(block[4:]),
				Interval:      block[6],
			})
			endpoint = &setting.Endpoints[len(setting.Endpoints)-1]

		default:
			// Class- or vendor-specific block: keep the raw bytes on
			// whatever standard descriptor came last.
			switch {
			case endpoint != nil:
				endpoint.Extra = append(endpoint.Extra, block...)
			case setting != nil:
				setting.Extra = append(setting.Extra, block...)
			default:
				cfg.Extra = append(cfg.Extra, block...)
			}
		}
	}
	return cfg, nil
}
