package backend

import "fmt"

// Errno is a native-style error code. Values mirror the conventional USB
// host library numbering so backends wrapping a real native layer can
// pass codes through unchanged.
type Errno int

// Error implements the error interface.
func (e Errno) Error() string {
	return fmt.Sprintf("usb: %s [code %d]", errnoString[e], int(e))
}

const (
	ErrIO           Errno = -1
	ErrInvalidParam Errno = -2
	ErrAccess       Errno = -3
	ErrNoDevice     Errno = -4
	ErrNotFound     Errno = -5
	ErrBusy         Errno = -6
	ErrTimeout      Errno = -7
	ErrOverflow     Errno = -8
	ErrPipe         Errno = -9
	ErrInterrupted  Errno = -10
	ErrNoMem        Errno = -11
	ErrNotSupported Errno = -12
	ErrOther        Errno = -99
)

var errnoString = map[Errno]string{
	ErrIO:           "i/o error",
	ErrInvalidParam: "invalid param",
	ErrAccess:       "bad access",
	ErrNoDevice:     "no device",
	ErrNotFound:     "not found",
	ErrBusy:         "device or resource busy",
	ErrTimeout:      "timeout",
	ErrOverflow:     "overflow",
	ErrPipe:         "pipe error",
	ErrInterrupted:  "interrupted",
	ErrNoMem:        "out of memory",
	ErrNotSupported: "not supported",
	ErrOther:        "unknown error",
}

// Err converts a completion status into the matching error code, or nil
// for StatusCompleted. Used by synchronous convenience wrappers.
func (s Status) Err() error {
	switch s {
	case StatusCompleted:
		return nil
	case StatusTimedOut:
		return ErrTimeout
	case StatusCancelled:
		return ErrInterrupted
	case StatusStall:
		return ErrPipe
	case StatusNoDevice:
		return ErrNoDevice
	case StatusOverflow:
		return ErrOverflow
	default:
		return ErrIO
	}
}
