package usbhost

import (
	"strings"

	libusb "github.com/gotmc/libusb/v2"
)

// Interop helpers for callers migrating from the synchronous
// github.com/gotmc/libusb bindings: given descriptors obtained there,
// locate the bulk/interrupt endpoint pair to drive through this library.

// FindEndpointPair returns the first IN/OUT bulk-or-interrupt endpoint
// pair across the supported interfaces, or nil, nil when none exists.
func FindEndpointPair(ifaces libusb.SupportedInterfaces) (in, out *libusb.EndpointDescriptor) {
	for _, iface := range ifaces {
		in, out = findInSettings(iface.InterfaceDescriptors)
		if in != nil && out != nil {
			return in, out
		}
	}
	return nil, nil
}

func findInSettings(settings libusb.InterfaceDescriptors) (in, out *libusb.EndpointDescriptor) {
	for _, setting := range settings {
		in, out = findInEndpoints(setting.EndpointDescriptors)
		if in != nil && out != nil {
			break
		}
	}
	return in, out
}

func findInEndpoints(endpoints libusb.EndpointDescriptors) (in, out *libusb.EndpointDescriptor) {
	for _, endpoint := range endpoints {
		if endpoint.TransferType() != libusb.BulkTransfer && endpoint.TransferType() != libusb.InterruptTransfer {
			continue
		}
		if strings.Contains(endpoint.Direction().String(), "device-to-host") {
			in = endpoint
		} else {
			out = endpoint
		}
	}
	return in, out
}
