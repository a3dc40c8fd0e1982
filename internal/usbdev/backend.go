package usbdev

import (
	"errors"
	"time"
)

var (
	// ErrNotFound means no device with the requested identity is attached.
	ErrNotFound = errors.New("usb device not found")
	// ErrBusy means the device or the stream is already in use.
	ErrBusy = errors.New("usb device busy")
	// ErrNotOpen is returned by operations that need an open device.
	ErrNotOpen = errors.New("usb device not open")
	// ErrDisconnected is returned once the device was lost; only Close and
	// StopStreaming are allowed afterwards.
	ErrDisconnected = errors.New("usb device disconnected")
	// ErrNoDevice is reported by a Handle when the device vanished.
	ErrNoDevice = errors.New("no such usb device")
	// ErrIO is reported by a Handle for low-level I/O failures.
	ErrIO = errors.New("usb i/o error")
	// ErrTransport wraps a failure of the event pump.
	ErrTransport = errors.New("usb event handling failed")
)

// Status is the terminal state of one bulk transfer.
type Status int

const (
	StatusCompleted Status = iota
	StatusTimedOut
	StatusCancelled
	StatusStall
	StatusNoDevice
	StatusError
	StatusOverflow
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusTimedOut:
		return "timed out"
	case StatusCancelled:
		return "cancelled"
	case StatusStall:
		return "stall"
	case StatusNoDevice:
		return "no device"
	case StatusError:
		return "error"
	case StatusOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// deviceLost reports whether s means the device can no longer be used.
func (s Status) deviceLost() bool {
	return s == StatusNoDevice || s == StatusStall || s == StatusError
}

// Request is one asynchronous bulk read. Buf belongs to the Handle from
// Submit until the matching Completion is delivered.
type Request struct {
	Slot     int
	Gen      uint64
	Endpoint uint8
	Buf      []byte
	Timeout  time.Duration
}

// Completion reports the outcome of a Request.
type Completion struct {
	Slot   int
	Gen    uint64
	Status Status
	Length int
}

// Backend locates and opens devices.
type Backend interface {
	// Open returns ErrNotFound when no matching device is attached and
	// ErrBusy when it is held by someone else.
	Open(vid, pid uint16) (Handle, error)
}

// Handle is an opened device. Control may be called from any goroutine;
// Submit, Cancel and Events belong to the goroutine pumping events.
type Handle interface {
	Reset() error
	// Claim claims iface, detaching a kernel driver bound to it first.
	Claim(iface int) error
	Release(iface int) error
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	Submit(req Request) error
	// Cancel asks for the in-flight request on slot to finish early. The
	// completion still arrives through Events.
	Cancel(slot int) error
	// Events waits up to timeout for completions and invokes fn for each
	// of them on the calling goroutine.
	Events(timeout time.Duration, fn func(Completion)) error
	Close() error
}
