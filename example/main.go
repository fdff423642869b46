package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openusb/usbhost"
	"github.com/openusb/usbhost/backend/virt"
)

const ExampleVendorId = usbhost.ID(0x0483)
const ExampleProductId = usbhost.ID(0xa27e)
const ExampleReadEndpointAddress = 0x81
const ExampleWriteEndpointAddress = 0x03
const ExampleInterfaceAddress = 0x01

func main() {
	// A virtual host with one scripted device stands in for real
	// hardware so the example is runnable anywhere.
	host, err := virt.NewHost()
	if err != nil {
		panic(err)
	}
	dev := virt.NewDevice(virt.DeviceConfig{
		VendorID:     uint16(ExampleVendorId),
		ProductID:    uint16(ExampleProductId),
		Manufacturer: "OpenUSB",
		Product:      "Echo Gadget",
		Configs: []virt.Config{{
			Interfaces: []virt.Interface{{
				Number: ExampleInterfaceAddress,
				Class:  0xff,
				Endpoints: []virt.Endpoint{
					{Address: ExampleReadEndpointAddress, Attributes: 0x02, MaxPacketSize: 64},
					{Address: ExampleWriteEndpointAddress, Attributes: 0x02, MaxPacketSize: 64},
				},
			}},
		}},
	})
	host.Attach(dev)

	ctx, err := usbhost.NewContext(host, usbhost.Options{Logger: logrus.New()})
	if err != nil {
		panic(err)
	}
	defer ctx.Close()

	// React to future arrivals of the same device.
	reg, err := ctx.RegisterHotplugCallback(
		usbhost.HotplugArrived, 0,
		int32(ExampleVendorId), int32(ExampleProductId), usbhost.HotplugMatchAny,
		func(_ *usbhost.Context, d *usbhost.Device, _ usbhost.HotplugEvent) bool {
			fmt.Printf("hotplug: %s:%s arrived on bus %d\n", d.VendorID(), d.ProductID(), d.BusNumber())
			return false
		})
	if err != nil {
		panic(err)
	}
	defer ctx.DeregisterHotplugCallback(reg)

	handle, err := ctx.OpenVIDPID(ExampleVendorId, ExampleProductId)
	if err != nil {
		panic(err)
	}
	defer handle.Close()

	if err := handle.ClaimInterface(ExampleInterfaceAddress); err != nil {
		panic(err)
	}

	wrote, err := handle.BulkTransfer(ExampleWriteEndpointAddress, []byte{0x30, 0x02}, time.Second)
	if err != nil {
		panic(err)
	}
	fmt.Printf("Wrote: %v\n", wrote)

	// Submit an asynchronous read, script the device's reply, then
	// drain events until the callback fires.
	transfer, err := handle.NewTransfer(0)
	if err != nil {
		panic(err)
	}
	defer transfer.Close()

	done := make(chan struct{})
	buf := make([]byte, 32)
	if err := transfer.SetBulk(ExampleReadEndpointAddress, buf, time.Second); err != nil {
		panic(err)
	}
	transfer.SetCallback(func(t *usbhost.Transfer) {
		status, _ := t.Status()
		n, _ := t.ActualLength()
		fmt.Printf("Read %d bytes (status %v): %v\n", n, status, buf[:n])
		close(done)
	})
	if err := transfer.Submit(); err != nil {
		panic(err)
	}
	dev.QueueIn(ExampleReadEndpointAddress, []byte{0x30, 0x02, 0x01})

	for {
		select {
		case <-done:
			fmt.Printf("Device wrote %d payload(s) to endpoint %#02x\n",
				len(dev.Received(ExampleWriteEndpointAddress)), ExampleWriteEndpointAddress)
			return
		default:
		}
		if err := ctx.HandleEventsTimeout(100 * time.Millisecond); err != nil {
			panic(err)
		}
	}
}
