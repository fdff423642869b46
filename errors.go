package usbhost

import (
	"errors"

	"github.com/openusb/usbhost/backend"
)

// Errno is a native-style error code surfaced by enumeration, open and
// transfer operations.
type Errno = backend.Errno

// Native error codes, re-exported so callers only need this package.
const (
	ErrIO           = backend.ErrIO
	ErrInvalidParam = backend.ErrInvalidParam
	ErrAccess       = backend.ErrAccess
	ErrNoDevice     = backend.ErrNoDevice
	ErrNotFound     = backend.ErrNotFound
	ErrBusy         = backend.ErrBusy
	ErrTimeout      = backend.ErrTimeout
	ErrOverflow     = backend.ErrOverflow
	ErrPipe         = backend.ErrPipe
	ErrInterrupted  = backend.ErrInterrupted
	ErrNoMem        = backend.ErrNoMem
	ErrNotSupported = backend.ErrNotSupported
	ErrOther        = backend.ErrOther
)

// ErrClosed is returned for operations on a context or handle that has
// been closed.
var ErrClosed = errors.New("usb: context closed")

// ErrSubmitted is returned when altering, submitting or closing a
// transfer that is currently in flight.
var ErrSubmitted = errors.New("usb: transfer already submitted")

// ErrNotSubmitted is returned when cancelling a transfer that is not in
// flight.
var ErrNotSubmitted = errors.New("usb: transfer not submitted")

// ErrNotConfigured is returned when submitting a transfer before any of
// the Set* configuration methods succeeded.
var ErrNotConfigured = errors.New("usb: transfer not configured")

// ErrDoomed is returned for operations on a transfer already marked for
// destruction.
var ErrDoomed = errors.New("usb: transfer doomed")

// ErrNested is returned when HandleEvents is called from inside a
// completion callback running on the same context.
var ErrNested = errors.New("usb: nested event handling on the same context")

// ErrNotIsochronous is returned by isochronous accessors on transfers of
// another kind.
var ErrNotIsochronous = errors.New("usb: not an isochronous transfer")
