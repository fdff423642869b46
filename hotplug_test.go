package usbhost

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/openusb/usbhost/backend/virt"
)

func TestHotplugArrivalAndDeparture(t *testing.T) {
	ctx, host, _, _ := newVirtContext(t)

	type event struct {
		event  HotplugEvent
		vendor ID
	}
	var fired atomic.Int32
	var events []event
	reg, err := ctx.RegisterHotplugCallback(
		HotplugArrived|HotplugLeft, 0,
		HotplugMatchAny, HotplugMatchAny, HotplugMatchAny,
		func(cbCtx *Context, d *Device, ev HotplugEvent) bool {
			assert.Same(t, ctx, cbCtx)
			events = append(events, event{ev, d.VendorID()})
			fired.Add(1)
			return false
		})
	require.NoError(t, err)
	defer ctx.DeregisterHotplugCallback(reg)

	newcomer := virt.NewDevice(virt.DeviceConfig{VendorID: 0x1234, ProductID: 0x5678})
	host.Attach(newcomer)
	drainUntil(t, ctx, func() bool { return fired.Load() == 1 })

	require.Len(t, events, 1)
	assert.Equal(t, HotplugArrived, events[0].event)
	assert.Equal(t, ID(0x1234), events[0].vendor)

	host.Detach(newcomer)
	drainUntil(t, ctx, func() bool { return fired.Load() == 2 })

	assert.Equal(t, HotplugLeft, events[1].event)
	assert.Equal(t, ID(0x1234), events[1].vendor)
}

func TestHotplugDepartedDeviceHasNoConfigs(t *testing.T) {
	ctx, host, _, _ := newVirtContext(t)

	var gone *Device
	var fired atomic.Int32
	_, err := ctx.RegisterHotplugCallback(
		HotplugLeft, 0, HotplugMatchAny, HotplugMatchAny, HotplugMatchAny,
		func(_ *Context, d *Device, _ HotplugEvent) bool {
			gone = d
			fired.Add(1)
			return true
		})
	require.NoError(t, err)

	newcomer := virt.NewDevice(virt.DeviceConfig{VendorID: 0xaaaa, ProductID: 0xbbbb})
	host.Attach(newcomer)
	host.Detach(newcomer)
	drainUntil(t, ctx, func() bool { return fired.Load() == 1 })

	require.NotNil(t, gone)
	assert.Equal(t, ID(0xaaaa), gone.VendorID())
	assert.Empty(t, gone.Configs())
}

func TestHotplugFilter(t *testing.T) {
	ctx, host, _, _ := newVirtContext(t)

	var matched atomic.Int32
	reg, err := ctx.RegisterHotplugCallback(
		HotplugArrived, 0,
		0x1111, HotplugMatchAny, HotplugMatchAny,
		func(_ *Context, d *Device, _ HotplugEvent) bool {
			assert.Equal(t, ID(0x1111), d.VendorID())
			matched.Add(1)
			return false
		})
	require.NoError(t, err)
	defer ctx.DeregisterHotplugCallback(reg)

	host.Attach(virt.NewDevice(virt.DeviceConfig{VendorID: 0x2222, ProductID: 1}))
	host.Attach(virt.NewDevice(virt.DeviceConfig{VendorID: 0x1111, ProductID: 2}))
	drainUntil(t, ctx, func() bool { return matched.Load() == 1 })
	assert.Equal(t, int32(1), matched.Load())
}

func TestHotplugEnumerateFlag(t *testing.T) {
	ctx, _, _, _ := newVirtContext(t)

	// The device attached by the fixture predates the registration; the
	// enumerate flag synthesizes its arrival.
	var fired atomic.Int32
	reg, err := ctx.RegisterHotplugCallback(
		HotplugArrived, HotplugEnumerate,
		int32(testVendorID), int32(testProductID), HotplugMatchAny,
		func(_ *Context, d *Device, ev HotplugEvent) bool {
			assert.Equal(t, HotplugArrived, ev)
			assert.Equal(t, testVendorID, d.VendorID())
			fired.Add(1)
			return false
		})
	require.NoError(t, err)
	defer ctx.DeregisterHotplugCallback(reg)

	drainUntil(t, ctx, func() bool { return fired.Load() == 1 })
}

func TestHotplugSelfDeregister(t *testing.T) {
	ctx, host, _, _ := newVirtContext(t)

	var fired atomic.Int32
	_, err := ctx.RegisterHotplugCallback(
		HotplugArrived, 0, HotplugMatchAny, HotplugMatchAny, HotplugMatchAny,
		func(*Context, *Device, HotplugEvent) bool {
			fired.Add(1)
			return true // one-shot
		})
	require.NoError(t, err)

	host.Attach(virt.NewDevice(virt.DeviceConfig{VendorID: 1, ProductID: 1}))
	drainUntil(t, ctx, func() bool { return fired.Load() == 1 })

	// Deregistered by the true return; further arrivals are ignored.
	host.Attach(virt.NewDevice(virt.DeviceConfig{VendorID: 2, ProductID: 2}))
	for i := 0; i < 5; i++ {
		require.NoError(t, ctx.HandleEventsTimeout(20*time.Millisecond))
	}
	assert.Equal(t, int32(1), fired.Load())
}

// Registrations with the enumerate flag can be dispatched while the
// registering goroutine is still inside RegisterHotplugCallback; the
// self-deregister path must see a fully published registration.
func TestHotplugEnumerateSelfDeregisterConcurrent(t *testing.T) {
	ctx, host, _, _ := newVirtContext(t)

	stop := make(chan struct{})
	var eg errgroup.Group
	eg.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			if err := ctx.HandleEventsTimeout(5 * time.Millisecond); err != nil {
				return err
			}
		}
	})

	const registrations = 20
	var fired atomic.Int32
	for i := 0; i < registrations; i++ {
		_, err := ctx.RegisterHotplugCallback(
			HotplugArrived, HotplugEnumerate,
			HotplugMatchAny, HotplugMatchAny, HotplugMatchAny,
			func(*Context, *Device, HotplugEvent) bool {
				fired.Add(1)
				return true // one-shot
			})
		require.NoError(t, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for fired.Load() < registrations {
		if time.Now().After(deadline) {
			t.Fatal("enumerate dispatches did not all arrive")
		}
		time.Sleep(time.Millisecond)
	}
	close(stop)
	require.NoError(t, eg.Wait())

	// Every callback deregistered itself; a fresh arrival is ignored.
	host.Attach(virt.NewDevice(virt.DeviceConfig{VendorID: 3, ProductID: 3}))
	for i := 0; i < 5; i++ {
		require.NoError(t, ctx.HandleEventsTimeout(20*time.Millisecond))
	}
	assert.Equal(t, int32(registrations), fired.Load())
}

func TestHotplugDeregisterTwice(t *testing.T) {
	ctx, _, _, _ := newVirtContext(t)

	reg, err := ctx.RegisterHotplugCallback(
		HotplugArrived, 0, HotplugMatchAny, HotplugMatchAny, HotplugMatchAny,
		func(*Context, *Device, HotplugEvent) bool { return false })
	require.NoError(t, err)

	ctx.DeregisterHotplugCallback(reg)
	ctx.DeregisterHotplugCallback(reg)
	ctx.DeregisterHotplugCallback(nil)
}
