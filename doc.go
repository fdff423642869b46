// Package usbhost is a host-side USB access library: it enumerates
// connected devices, exposes their decoded descriptor trees, and runs
// synchronous and asynchronous control, bulk, interrupt and isochronous
// transfers against device endpoints.
//
// The heart of the package is the asynchronous transfer engine. A
// Transfer is configured, submitted, and later completed by the context's
// event loop: goroutines call Context.HandleEvents, exactly one of them
// at a time waits for backend I/O readiness and drains completions, and
// each completion runs its transfer's callback before HandleEvents
// returns. Callbacks may resubmit, cancel or doom transfers, so a
// transfer discarded while still in flight (Doom) is only released once
// its final completion has been delivered.
//
// All platform access goes through the backend.Backend capability
// surface; backend/virt provides an in-memory implementation used by the
// tests and the example.
package usbhost
