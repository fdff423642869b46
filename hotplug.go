package usbhost

import "github.com/openusb/usbhost/backend"

// HotplugEvent identifies why a hotplug callback fired.
type HotplugEvent = backend.HotplugEvent

// Hotplug event kinds and the wildcard filter value.
const (
	HotplugArrived = backend.HotplugArrived
	HotplugLeft    = backend.HotplugLeft

	HotplugMatchAny = backend.MatchAny

	// HotplugEnumerate asks for a synthetic arrival event per matching
	// device already connected at registration time.
	HotplugEnumerate = backend.Enumerate
)

// HotplugCallback is invoked during event draining when a matching device
// arrives or leaves. For departed devices the configuration descriptors
// may be unavailable; the device descriptor always is. Returning true
// deregisters the callback.
//
// The callback runs inside HandleEvents and must not call back into
// event handling on the same context.
type HotplugCallback func(ctx *Context, dev *Device, event HotplugEvent) bool

// HotplugRegistration identifies one registered hotplug callback.
type HotplugRegistration struct {
	ctx *Context
	reg backend.HotplugRegistration
}

// RegisterHotplugCallback registers a hotplug callback for devices
// matching the given vendor/product/class filters; pass HotplugMatchAny
// to match any value. events is a bitmask of HotplugArrived and
// HotplugLeft; flags may include HotplugEnumerate.
func (c *Context) RegisterHotplugCallback(events HotplugEvent, flags int, vendorID, productID, class int32, cb HotplugCallback) (*HotplugRegistration, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	r := &HotplugRegistration{ctx: c}
	wrapped := func(bdev backend.Device, event backend.HotplugEvent) bool {
		dev, err := c.newDevice(bdev, event != backend.HotplugLeft)
		if err != nil {
			c.warnf("hotplug: dropping event for undecodable device: %v", err)
			return false
		}
		deregister := cb(c, dev, event)
		if deregister {
			// r.reg is published under hotplugMu below; a dispatch
			// racing the registration blocks here until it is set.
			c.hotplugMu.Lock()
			delete(c.hotplug, r.reg)
			c.hotplugMu.Unlock()
		}
		return deregister
	}
	// Hold hotplugMu across registration: with the enumerate flag the
	// backend may queue dispatches immediately, and they must not observe
	// a half-initialized registration.
	c.hotplugMu.Lock()
	reg, err := c.be.RegisterHotplug(backend.HotplugFilter{
		Events:    events,
		VendorID:  vendorID,
		ProductID: productID,
		Class:     class,
	}, flags, wrapped)
	if err != nil {
		c.hotplugMu.Unlock()
		return nil, err
	}
	r.reg = reg
	c.hotplug[reg] = r
	c.hotplugMu.Unlock()
	c.debugf("hotplug callback registered (events %#x)", events)
	return r, nil
}

// DeregisterHotplugCallback removes a hotplug registration. Safe to call
// only while the context is open; deregistering twice is harmless.
func (c *Context) DeregisterHotplugCallback(r *HotplugRegistration) {
	if r == nil || c.closed.Load() {
		return
	}
	c.hotplugMu.Lock()
	_, known := c.hotplug[r.reg]
	delete(c.hotplug, r.reg)
	c.hotplugMu.Unlock()
	if known {
		c.be.DeregisterHotplug(r.reg)
	}
}
