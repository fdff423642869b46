package virt

import "encoding/binary"

// DeviceConfig declares a virtual device's descriptor tree. NewDevice
// marshals it into the raw descriptor bytes the engine decodes, so tests
// exercise the same parse path as real hardware.
type DeviceConfig struct {
	VendorID      uint16
	ProductID     uint16
	USBVersion    uint16 // BCD, defaults to 0x0200
	DeviceVersion uint16 // BCD

	Class, SubClass, Protocol uint8
	MaxPacketSize0            uint8 // defaults to 64

	Manufacturer string
	Product      string
	SerialNumber string

	Configs []Config

	// KernelDriver lists interface numbers with an emulated kernel
	// driver bound at attach time.
	KernelDriver []uint8
}

// Config declares one configuration descriptor.
type Config struct {
	Value      uint8
	Attributes uint8 // defaults to 0x80 (bus powered)
	MaxPower   uint8 // units of 2 mA
	Extra      []byte
	Interfaces []Interface
}

// Interface declares one interface alternate setting. Settings sharing a
// Number form the alternates of a single interface.
type Interface struct {
	Number    uint8
	Alternate uint8

	Class, SubClass, Protocol uint8

	Extra     []byte
	Endpoints []Endpoint
}

// Endpoint declares one endpoint descriptor. The high bit of Address
// selects the direction.
type Endpoint struct {
	Address       uint8
	Attributes    uint8 // transfer type in bits 0-1
	MaxPacketSize uint16
	Interval      uint8
	Extra         []byte
}

func (cfg *DeviceConfig) applyDefaults() {
	if cfg.USBVersion == 0 {
		cfg.USBVersion = 0x0200
	}
	if cfg.MaxPacketSize0 == 0 {
		cfg.MaxPacketSize0 = 64
	}
	for i := range cfg.Configs {
		if cfg.Configs[i].Attributes == 0 {
			cfg.Configs[i].Attributes = 0x80
		}
		if cfg.Configs[i].Value == 0 {
			cfg.Configs[i].Value = uint8(i + 1)
		}
	}
}

func (cfg *DeviceConfig) hasInterface(number uint8) bool {
	for _, c := range cfg.Configs {
		for _, iface := range c.Interfaces {
			if iface.Number == number {
				return true
			}
		}
	}
	return false
}

func (cfg *DeviceConfig) hasAltSetting(number, alt uint8) bool {
	for _, c := range cfg.Configs {
		for _, iface := range c.Interfaces {
			if iface.Number == number && iface.Alternate == alt {
				return true
			}
		}
	}
	return false
}

// String descriptor indices are assigned in the fixed order
// manufacturer, product, serial; empty strings get index zero.
func (cfg *DeviceConfig) stringIndexes() (man, prod, serial uint8) {
	next := uint8(1)
	assign := func(s string) uint8 {
		if s == "" {
			return 0
		}
		i := next
		next++
		return i
	}
	return assign(cfg.Manufacturer), assign(cfg.Product), assign(cfg.SerialNumber)
}

func (cfg *DeviceConfig) stringAt(index uint8) (string, bool) {
	man, prod, serial := cfg.stringIndexes()
	switch index {
	case 0:
		return "", false
	case man:
		return cfg.Manufacturer, true
	case prod:
		return cfg.Product, true
	case serial:
		return cfg.SerialNumber, true
	}
	return "", false
}

func (cfg *DeviceConfig) deviceDescriptorBytes() []byte {
	man, prod, serial := cfg.stringIndexes()
	b := make([]byte, 18)
	b[0] = 18
	b[1] = 0x01
	binary.LittleEndian.PutUint16(b[2:], cfg.USBVersion)
	b[4] = cfg.Class
	b[5] = cfg.SubClass
	b[6] = cfg.Protocol
	b[7] = cfg.MaxPacketSize0
	binary.LittleEndian.PutUint16(b[8:], cfg.VendorID)
	binary.LittleEndian.PutUint16(b[10:], cfg.ProductID)
	binary.LittleEndian.PutUint16(b[12:], cfg.DeviceVersion)
	b[14] = man
	b[15] = prod
	b[16] = serial
	b[17] = uint8(len(cfg.Configs))
	return b
}

func (c *Config) bytes() []byte {
	interfaceCount := make(map[uint8]bool)
	for _, iface := range c.Interfaces {
		interfaceCount[iface.Number] = true
	}

	b := make([]byte, 9)
	b[0] = 9
	b[1] = 0x02
	// wTotalLength is patched once the tree is marshalled.
	b[4] = uint8(len(interfaceCount))
	b[5] = c.Value
	b[7] = c.Attributes
	b[8] = c.MaxPower
	b = append(b, c.Extra...)

	for _, iface := range c.Interfaces {
		b = append(b, iface.bytes()...)
	}
	binary.LittleEndian.PutUint16(b[2:], uint16(len(b)))
	return b
}

func (i *Interface) bytes() []byte {
	b := make([]byte, 9)
	b[0] = 9
	b[1] = 0x04
	b[2] = i.Number
	b[3] = i.Alternate
	b[4] = uint8(len(i.Endpoints))
	b[5] = i.Class
	b[6] = i.SubClass
	b[7] = i.Protocol
	b = append(b, i.Extra...)
	for _, ep := range i.Endpoints {
		b = append(b, ep.bytes()...)
	}
	return b
}

func (e *Endpoint) bytes() []byte {
	b := make([]byte, 7)
	b[0] = 7
	b[1] = 0x05
	b[2] = e.Address
	b[3] = e.Attributes
	binary.LittleEndian.PutUint16(b[4:], e.MaxPacketSize)
	b[6] = e.Interval
	b = append(b, e.Extra...)
	return b
}
