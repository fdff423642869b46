package usbhost

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openusb/usbhost/backend"
	"github.com/openusb/usbhost/backend/virt"
)

// echoHandler answers vendor IN requests with the request metadata and
// records nothing else.
func echoHandler(requestType, request uint8, value, index uint16, data []byte) ([]byte, backend.Status) {
	if requestType&EndpointDirMask == EndpointIn {
		return []byte{request, byte(value), byte(index)}, backend.StatusCompleted
	}
	return nil, backend.StatusCompleted
}

func TestBulkTransferSync(t *testing.T) {
	_, _, dev, handle := newVirtContext(t)

	n, err := handle.BulkTransfer(epBulkOut, []byte{0x30, 0x02}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	received := dev.Received(epBulkOut)
	require.Len(t, received, 1)
	assert.Equal(t, []byte{0x30, 0x02}, received[0])

	dev.QueueIn(epBulkIn, []byte{0xaa, 0xbb, 0xcc})
	buf := make([]byte, 64)
	n, err = handle.BulkTransfer(epBulkIn, buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, buf[:n])
}

func TestInterruptTransferSync(t *testing.T) {
	_, _, dev, handle := newVirtContext(t)

	dev.QueueIn(epIntrIn, []byte{0x01})
	buf := make([]byte, 16)
	n, err := handle.InterruptTransfer(epIntrIn, buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, buf[:n])
}

func TestBulkTransferTimeoutSync(t *testing.T) {
	clk := clock.NewMock()
	_, _, _, handle := newVirtContext(t, virt.WithClock(clk))

	// Step the clock repeatedly so the deadline passes no matter when
	// the transfer parks on the endpoint.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				clk.Add(100 * time.Millisecond)
			}
		}
	}()
	n, err := handle.BulkTransfer(epBulkIn, make([]byte, 64), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, n)
}

func TestControlTransferSync(t *testing.T) {
	_, _, dev, handle := newVirtContext(t)
	dev.SetControlHandler(echoHandler)

	data, err := handle.ControlRead(RequestTypeVendor|RecipientDevice, 0x42, 0x0011, 0x0022, 8, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42, 0x11, 0x22}, data)

	n, err := handle.ControlWrite(RequestTypeVendor|RecipientDevice, 0x07, 0, 0, []byte{1, 2, 3, 4}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestControlTransferStallsWithoutHandler(t *testing.T) {
	_, _, _, handle := newVirtContext(t)

	_, err := handle.ControlRead(RequestTypeVendor|RecipientDevice, 0x01, 0, 0, 4, time.Second)
	require.ErrorIs(t, err, ErrPipe)
}

func TestHaltAndClearHalt(t *testing.T) {
	_, _, dev, handle := newVirtContext(t)

	dev.Halt(epBulkIn)
	_, err := handle.BulkTransfer(epBulkIn, make([]byte, 8), time.Second)
	require.ErrorIs(t, err, ErrPipe)

	require.NoError(t, handle.ClearHalt(epBulkIn))
	dev.QueueIn(epBulkIn, []byte{5})
	n, err := handle.BulkTransfer(epBulkIn, make([]byte, 8), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClaimInterfaceDetachesKernelDriver(t *testing.T) {
	host, err := virt.NewHost()
	require.NoError(t, err)
	cfg := testDeviceConfig()
	cfg.KernelDriver = []uint8{0}
	dev := virt.NewDevice(cfg)
	host.Attach(dev)

	ctx, err := NewContext(host, Options{})
	require.NoError(t, err)
	defer ctx.Close()

	handle, err := ctx.OpenVIDPID(testVendorID, testProductID)
	require.NoError(t, err)

	active, err := handle.KernelDriverActive(0)
	require.NoError(t, err)
	assert.True(t, active)

	// Claim detaches the driver first, then takes the interface.
	require.NoError(t, handle.ClaimInterface(0))
	active, err = handle.KernelDriverActive(0)
	require.NoError(t, err)
	assert.False(t, active)

	require.ErrorIs(t, handle.ClaimInterface(0), ErrBusy)
	require.ErrorIs(t, handle.ClaimInterface(9), ErrNotFound)

	// Close releases the claim and re-attaches the detached driver.
	require.NoError(t, handle.Close())
	handle2, err := ctx.OpenVIDPID(testVendorID, testProductID)
	require.NoError(t, err)
	defer handle2.Close()
	active, err = handle2.KernelDriverActive(0)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestConfigurationAndAltSetting(t *testing.T) {
	_, _, _, handle := newVirtContext(t)

	value, err := handle.Configuration()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), value)
	require.NoError(t, handle.SetConfiguration(1))
	require.ErrorIs(t, handle.SetConfiguration(7), ErrNotFound)

	require.NoError(t, handle.ClaimInterface(0))
	require.NoError(t, handle.SetInterfaceAltSetting(0, 0))
	require.ErrorIs(t, handle.SetInterfaceAltSetting(0, 3), ErrNotFound)
	require.NoError(t, handle.ReleaseInterface(0))
	require.ErrorIs(t, handle.ReleaseInterface(0), ErrNotFound)
}

func TestStringDescriptors(t *testing.T) {
	_, _, _, handle := newVirtContext(t)

	s, err := handle.StringDescriptor(0)
	require.NoError(t, err)
	assert.Equal(t, "", s)

	man, err := handle.Manufacturer()
	require.NoError(t, err)
	assert.Equal(t, "OpenUSB", man)
	prod, err := handle.Product()
	require.NoError(t, err)
	assert.Equal(t, "Echo Gadget", prod)
	serial, err := handle.SerialNumber()
	require.NoError(t, err)
	assert.Equal(t, "0001", serial)

	_, err = handle.StringDescriptor(42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHandleCloseDrainsTransfers(t *testing.T) {
	ctx, _, _, handle := newVirtContext(t)

	var fired atomic.Int32
	var transfers []*Transfer
	for i := 0; i < 3; i++ {
		tr, err := handle.NewTransfer(0)
		require.NoError(t, err)
		tr.SetCallback(func(got *Transfer) {
			status, err := got.Status()
			assert.NoError(t, err)
			assert.Equal(t, TransferCancelled, status)
			fired.Add(1)
		})
		require.NoError(t, tr.SetBulk(epBulkIn, make([]byte, 8), 0))
		require.NoError(t, tr.Submit())
		transfers = append(transfers, tr)
	}
	require.Equal(t, 3, ctx.PendingTransfers())

	require.NoError(t, handle.Close())

	assert.Equal(t, int32(3), fired.Load())
	assert.Zero(t, ctx.PendingTransfers())
	for _, tr := range transfers {
		require.NoError(t, tr.Close())
	}

	// Operations after close fail fast; closing again is a no-op.
	_, err := handle.NewTransfer(0)
	require.ErrorIs(t, err, ErrClosed)
	_, err = handle.BulkTransfer(epBulkIn, make([]byte, 8), time.Second)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, handle.ClaimInterface(0), ErrClosed)
	require.NoError(t, handle.Close())
}

func TestReset(t *testing.T) {
	_, _, dev, handle := newVirtContext(t)

	dev.Halt(epBulkIn)
	dev.QueueIn(epBulkOut, nil)
	require.NoError(t, handle.Reset())

	dev.QueueIn(epBulkIn, []byte{1})
	n, err := handle.BulkTransfer(epBulkIn, make([]byte, 8), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
