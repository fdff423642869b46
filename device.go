package usbhost

import (
	"errors"

	"github.com/openusb/usbhost/backend"
)

// Device is a connected USB device, pre-open. Its descriptor tree is
// decoded once at construction and immutable afterwards.
type Device struct {
	ctx     *Context
	bdev    backend.Device
	desc    *DeviceDescriptor
	configs []*ConfigDescriptor
	bus     uint8
	addr    uint8
}

// newDevice decodes a backend device into a snapshot. When loadConfigs is
// false (devices that already left the bus) configuration descriptors are
// skipped; the device descriptor is always required.
func (c *Context) newDevice(bdev backend.Device, loadConfigs bool) (*Device, error) {
	raw, err := bdev.DeviceDescriptor()
	if err != nil {
		return nil, err
	}
	desc, err := parseDeviceDescriptor(raw)
	if err != nil {
		return nil, err
	}
	d := &Device{ctx: c, bdev: bdev, desc: desc}
	d.bus, d.addr = bdev.Bus()
	if loadConfigs {
		rawConfigs, err := bdev.ConfigDescriptors()
		if err != nil {
			return nil, err
		}
		for _, rc := range rawConfigs {
			cfg, err := parseConfigDescriptor(rc)
			if err != nil {
				return nil, err
			}
			d.configs = append(d.configs, cfg)
		}
	}
	return d, nil
}

// Descriptor returns the decoded device descriptor.
func (d *Device) Descriptor() *DeviceDescriptor {
	return d.desc
}

// VendorID returns the device's vendor ID.
func (d *Device) VendorID() ID {
	return d.desc.VendorID
}

// ProductID returns the device's product ID.
func (d *Device) ProductID() ID {
	return d.desc.ProductID
}

// BusNumber returns the number of the bus the device is attached to.
func (d *Device) BusNumber() uint8 {
	return d.bus
}

// DeviceAddress returns the device's address on its bus.
func (d *Device) DeviceAddress() uint8 {
	return d.addr
}

// Configs returns the decoded configuration descriptors. May be empty for
// devices observed through a departure hotplug event.
func (d *Device) Configs() []*ConfigDescriptor {
	return d.configs
}

// Open opens the device for I/O.
func (d *Device) Open() (*Handle, error) {
	bh, err := d.bdev.Open()
	if err != nil {
		return nil, err
	}
	return &Handle{ctx: d.ctx, dev: d, bh: bh, claimed: make(map[uint8]bool)}, nil
}

// EachDevice enumerates currently connected devices, calling fn for each
// until it returns false. Devices that fail to probe are skipped when the
// matching skip flag is set: skipOnAccessError swallows permission
// errors only, skipOnError swallows any probe error. The sequence is
// re-enumerated on every call; it is not resumable.
func (c *Context) EachDevice(skipOnAccessError, skipOnError bool, fn func(*Device) bool) error {
	if c.closed.Load() {
		return ErrClosed
	}
	bdevs, err := c.be.Devices()
	if err != nil {
		return err
	}
	for _, bdev := range bdevs {
		d, err := c.newDevice(bdev, true)
		if err != nil {
			if skipOnError || (skipOnAccessError && errors.Is(err, ErrAccess)) {
				c.debugf("skipping device: %v", err)
				continue
			}
			return err
		}
		if !fn(d) {
			return nil
		}
	}
	return nil
}

// DeviceList returns a snapshot list of connected devices. See EachDevice
// for the skip flags.
func (c *Context) DeviceList(skipOnAccessError, skipOnError bool) ([]*Device, error) {
	var devices []*Device
	err := c.EachDevice(skipOnAccessError, skipOnError, func(d *Device) bool {
		devices = append(devices, d)
		return true
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// OpenVIDPID opens the first device matching the given vendor and product
// IDs, or fails with ErrNotFound.
func (c *Context) OpenVIDPID(vendorID, productID ID) (*Handle, error) {
	var found *Device
	err := c.EachDevice(true, false, func(d *Device) bool {
		if d.VendorID() == vendorID && d.ProductID() == productID {
			found = d
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Open()
}
