package virt

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openusb/usbhost/backend"
)

func testHost(t *testing.T, opts ...Option) (*Host, *Device, backend.Handle) {
	t.Helper()
	host, err := NewHost(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { host.Close() })

	dev := NewDevice(DeviceConfig{
		VendorID:  0x1111,
		ProductID: 0x2222,
		Configs: []Config{{
			Interfaces: []Interface{{
				Endpoints: []Endpoint{
					{Address: 0x81, Attributes: 0x02, MaxPacketSize: 64},
					{Address: 0x01, Attributes: 0x02, MaxPacketSize: 64},
				},
			}},
		}},
	})
	host.Attach(dev)

	bh, err := dev.Open()
	require.NoError(t, err)
	return host, dev, bh
}

// drain runs wait/reap cycles until cond holds.
func drain(t *testing.T, host *Host, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out draining host events")
		}
		require.NoError(t, host.WaitReady(50*time.Millisecond))
		require.NoError(t, host.Reap())
	}
}

func TestSubmissionOutCompletesOnReap(t *testing.T) {
	host, dev, bh := testHost(t)

	var status atomic.Int32
	var actual atomic.Int32
	var fired atomic.Int32
	sub := &backend.Submission{
		Kind:     backend.KindBulk,
		Endpoint: 0x01,
		Buffer:   []byte{1, 2, 3},
		Complete: func(s backend.Status, n int) {
			status.Store(int32(s))
			actual.Store(int32(n))
			fired.Add(1)
		},
	}
	require.NoError(t, bh.Submit(sub))
	// Completion arrives through Reap, never synchronously.
	assert.Zero(t, fired.Load())

	drain(t, host, func() bool { return fired.Load() == 1 })
	assert.Equal(t, backend.StatusCompleted, backend.Status(status.Load()))
	assert.Equal(t, int32(3), actual.Load())

	received := dev.Received(0x01)
	require.Len(t, received, 1)
	assert.Equal(t, []byte{1, 2, 3}, received[0])
}

func TestSubmissionInParksUntilData(t *testing.T) {
	host, dev, bh := testHost(t)

	var fired atomic.Int32
	var got []byte
	buf := make([]byte, 8)
	sub := &backend.Submission{
		Kind:     backend.KindBulk,
		Endpoint: 0x81,
		Buffer:   buf,
		Complete: func(s backend.Status, n int) {
			got = append([]byte(nil), buf[:n]...)
			fired.Add(1)
		},
	}
	require.NoError(t, bh.Submit(sub))
	require.NoError(t, host.Reap())
	assert.Zero(t, fired.Load())

	dev.QueueIn(0x81, []byte{9, 8, 7})
	drain(t, host, func() bool { return fired.Load() == 1 })
	assert.Equal(t, []byte{9, 8, 7}, got)
}

func TestSubmissionTimeout(t *testing.T) {
	clk := clock.NewMock()
	host, _, bh := testHost(t, WithClock(clk))

	var status atomic.Int32
	var fired atomic.Int32
	sub := &backend.Submission{
		Kind:     backend.KindBulk,
		Endpoint: 0x81,
		Buffer:   make([]byte, 8),
		Timeout:  250 * time.Millisecond,
		Complete: func(s backend.Status, n int) {
			status.Store(int32(s))
			fired.Add(1)
		},
	}
	require.NoError(t, bh.Submit(sub))
	clk.Add(250 * time.Millisecond)
	drain(t, host, func() bool { return fired.Load() == 1 })
	assert.Equal(t, backend.StatusTimedOut, backend.Status(status.Load()))
}

func TestCancelParkedSubmission(t *testing.T) {
	host, _, bh := testHost(t)

	var status atomic.Int32
	var fired atomic.Int32
	sub := &backend.Submission{
		Kind:     backend.KindBulk,
		Endpoint: 0x81,
		Buffer:   make([]byte, 8),
		Complete: func(s backend.Status, n int) {
			status.Store(int32(s))
			fired.Add(1)
		},
	}
	require.NoError(t, bh.Submit(sub))
	require.NoError(t, bh.Cancel(sub))
	// Second cancel races the queued completion and loses.
	require.ErrorIs(t, bh.Cancel(sub), backend.ErrNotFound)

	drain(t, host, func() bool { return fired.Load() == 1 })
	assert.Equal(t, backend.StatusCancelled, backend.Status(status.Load()))
}

func TestDetachFailsInFlight(t *testing.T) {
	host, dev, bh := testHost(t)

	var status atomic.Int32
	var fired atomic.Int32
	sub := &backend.Submission{
		Kind:     backend.KindBulk,
		Endpoint: 0x81,
		Buffer:   make([]byte, 8),
		Complete: func(s backend.Status, n int) {
			status.Store(int32(s))
			fired.Add(1)
		},
	}
	require.NoError(t, bh.Submit(sub))
	host.Detach(dev)
	drain(t, host, func() bool { return fired.Load() == 1 })
	assert.Equal(t, backend.StatusNoDevice, backend.Status(status.Load()))

	// A detached device rejects new work.
	require.ErrorIs(t, bh.Submit(sub), backend.ErrNoDevice)
	_, err := dev.Open()
	require.ErrorIs(t, err, backend.ErrNoDevice)

	devices, err := host.Devices()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestHostCloseDeliversCancelledCompletions(t *testing.T) {
	host, _, bh := testHost(t)

	var status atomic.Int32
	var fired atomic.Int32
	sub := &backend.Submission{
		Kind:     backend.KindBulk,
		Endpoint: 0x81,
		Buffer:   make([]byte, 8),
		Complete: func(s backend.Status, n int) {
			status.Store(int32(s))
			fired.Add(1)
		},
	}
	require.NoError(t, bh.Submit(sub))
	require.NoError(t, host.Close())
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, backend.StatusCancelled, backend.Status(status.Load()))
}

func TestDeviceDescriptorBytes(t *testing.T) {
	dev := NewDevice(DeviceConfig{
		VendorID:     0xabcd,
		ProductID:    0x1234,
		Manufacturer: "m",
		SerialNumber: "s",
	})
	raw, err := dev.DeviceDescriptor()
	require.NoError(t, err)
	require.Len(t, raw, 18)
	assert.Equal(t, uint8(18), raw[0])
	assert.Equal(t, uint8(0x01), raw[1])
	assert.Equal(t, uint8(0xcd), raw[8])
	assert.Equal(t, uint8(0xab), raw[9])
	// Defaults fill in USB version and EP0 size.
	assert.Equal(t, uint8(0x02), raw[3])
	assert.Equal(t, uint8(64), raw[7])
	// Manufacturer gets index 1; with no product string the serial takes
	// index 2.
	assert.Equal(t, uint8(1), raw[14])
	assert.Equal(t, uint8(0), raw[15])
	assert.Equal(t, uint8(2), raw[16])
}

func TestConfigDescriptorBytes(t *testing.T) {
	dev := NewDevice(DeviceConfig{
		VendorID:  1,
		ProductID: 2,
		Configs: []Config{{
			MaxPower: 25,
			Interfaces: []Interface{{
				Number: 0,
				Class:  0xff,
				Extra:  []byte{4, 0x21, 0xaa, 0xbb},
				Endpoints: []Endpoint{
					{Address: 0x81, Attributes: 0x02, MaxPacketSize: 512, Interval: 1},
				},
			}},
		}},
	})
	raws, err := dev.ConfigDescriptors()
	require.NoError(t, err)
	require.Len(t, raws, 1)
	raw := raws[0]

	assert.Equal(t, uint8(9), raw[0])
	assert.Equal(t, uint8(0x02), raw[1])
	total := int(raw[2]) | int(raw[3])<<8
	assert.Equal(t, len(raw), total)
	assert.Equal(t, uint8(1), raw[4]) // one interface
	assert.Equal(t, uint8(1), raw[5]) // defaulted bConfigurationValue
	assert.Equal(t, uint8(0x80), raw[7])
	assert.Equal(t, uint8(25), raw[8])

	// Interface header follows the config block, extra bytes follow the
	// interface, the endpoint comes last.
	assert.Equal(t, uint8(0x04), raw[10])
	assert.Equal(t, []byte{4, 0x21, 0xaa, 0xbb}, raw[18:22])
	assert.Equal(t, uint8(0x05), raw[23])
	assert.Equal(t, uint8(0x81), raw[24])
}

func TestHotplugRegistrationDispatch(t *testing.T) {
	host, _, _ := testHost(t)

	var events atomic.Int32
	reg, err := host.RegisterHotplug(backend.HotplugFilter{
		Events:    backend.HotplugArrived,
		VendorID:  backend.MatchAny,
		ProductID: backend.MatchAny,
		Class:     backend.MatchAny,
	}, 0, func(dev backend.Device, ev backend.HotplugEvent) bool {
		events.Add(1)
		return false
	})
	require.NoError(t, err)

	host.Attach(NewDevice(DeviceConfig{VendorID: 5, ProductID: 6}))
	// Deregistering before the drain suppresses the queued event.
	host.DeregisterHotplug(reg)
	require.NoError(t, host.Reap())
	assert.Zero(t, events.Load())
}
