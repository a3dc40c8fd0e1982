package usbdev

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
)

// GoUSB is a Backend on top of libusb via gousb.
type GoUSB struct {
	ctx *gousb.Context
	// ControlTimeout bounds each control transfer.
	ControlTimeout time.Duration
}

// NewGoUSB creates a libusb context. Close releases it.
func NewGoUSB() *GoUSB {
	return &GoUSB{ctx: gousb.NewContext(), ControlTimeout: 100 * time.Millisecond}
}

// Close releases the libusb context.
func (b *GoUSB) Close() error { return b.ctx.Close() }

// Open implements Backend.
func (b *GoUSB) Open(vid, pid uint16) (Handle, error) {
	dev, err := b.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		if dev != nil {
			dev.Close()
		}
		return nil, mapUSBError(err)
	}
	if dev == nil {
		return nil, ErrNotFound
	}
	dev.ControlTimeout = b.ControlTimeout
	return &gousbHandle{
		dev:     dev,
		done:    make(chan Completion, 64),
		closed:  make(chan struct{}),
		cancels: make(map[int]context.CancelFunc),
		eps:     make(map[uint8]*gousb.InEndpoint),
	}, nil
}

type gousbHandle struct {
	dev *gousb.Device

	mu      sync.Mutex
	cfg     *gousb.Config
	intf    *gousb.Interface
	eps     map[uint8]*gousb.InEndpoint
	cancels map[int]context.CancelFunc
	wg      sync.WaitGroup

	done      chan Completion
	closed    chan struct{}
	closeOnce sync.Once
}

func mapUSBError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorNoDevice):
		return fmt.Errorf("%w: %w", ErrNoDevice, err)
	case errors.Is(err, gousb.ErrorNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, gousb.ErrorBusy), errors.Is(err, gousb.ErrorAccess):
		return fmt.Errorf("%w: %w", ErrBusy, err)
	case errors.Is(err, gousb.ErrorIO), errors.Is(err, gousb.ErrorPipe):
		return fmt.Errorf("%w: %w", ErrIO, err)
	default:
		return err
	}
}

func (h *gousbHandle) Reset() error { return mapUSBError(h.dev.Reset()) }

func (h *gousbHandle) Claim(iface int) error {
	if err := h.dev.SetAutoDetach(true); err != nil {
		return mapUSBError(err)
	}
	cfg, err := h.dev.Config(1)
	if err != nil {
		return mapUSBError(err)
	}
	intf, err := cfg.Interface(iface, 0)
	if err != nil {
		cfg.Close()
		return mapUSBError(err)
	}
	h.mu.Lock()
	h.cfg, h.intf = cfg, intf
	h.mu.Unlock()
	return nil
}

func (h *gousbHandle) Release(int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.intf != nil {
		h.intf.Close()
		h.intf = nil
	}
	h.eps = make(map[uint8]*gousb.InEndpoint)
	if h.cfg != nil {
		err := h.cfg.Close()
		h.cfg = nil
		return mapUSBError(err)
	}
	return nil
}

func (h *gousbHandle) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := h.dev.Control(rType, request, val, idx, data)
	return n, mapUSBError(err)
}

func (h *gousbHandle) endpoint(addr uint8) (*gousb.InEndpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.eps[addr]; ok {
		return ep, nil
	}
	if h.intf == nil {
		return nil, fmt.Errorf("endpoint 0x%02x: interface not claimed", addr)
	}
	ep, err := h.intf.InEndpoint(int(addr & 0x0F))
	if err != nil {
		return nil, mapUSBError(err)
	}
	h.eps[addr] = ep
	return ep, nil
}

// Submit starts a read on its own goroutine; the result is queued for
// Events.
func (h *gousbHandle) Submit(req Request) error {
	select {
	case <-h.closed:
		return ErrNoDevice
	default:
	}
	ep, err := h.endpoint(req.Endpoint)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), req.Timeout)

	h.mu.Lock()
	h.cancels[req.Slot] = cancel
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		n, err := ep.ReadContext(ctx, req.Buf)
		st := transferStatus(ctx, err)
		cancel()
		c := Completion{Slot: req.Slot, Gen: req.Gen, Status: st, Length: n}
		select {
		case h.done <- c:
		case <-h.closed:
		}
	}()
	return nil
}

func transferStatus(ctx context.Context, err error) Status {
	if err == nil {
		return StatusCompleted
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return StatusTimedOut
	case context.Canceled:
		return StatusCancelled
	}
	var ts gousb.TransferStatus
	if errors.As(err, &ts) {
		switch ts {
		case gousb.TransferCompleted:
			return StatusCompleted
		case gousb.TransferTimedOut:
			return StatusTimedOut
		case gousb.TransferCancelled:
			return StatusCancelled
		case gousb.TransferStall:
			return StatusStall
		case gousb.TransferNoDevice:
			return StatusNoDevice
		case gousb.TransferOverflow:
			return StatusOverflow
		}
		return StatusError
	}
	if errors.Is(err, gousb.ErrorNoDevice) {
		return StatusNoDevice
	}
	return StatusError
}

func (h *gousbHandle) Cancel(slot int) error {
	h.mu.Lock()
	cancel, ok := h.cancels[slot]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel slot %d: nothing submitted", slot)
	}
	cancel()
	return nil
}

func (h *gousbHandle) Events(timeout time.Duration, fn func(Completion)) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-h.done:
		fn(c)
	case <-timer.C:
		return nil
	case <-h.closed:
		return ErrNoDevice
	}
	for {
		select {
		case c := <-h.done:
			fn(c)
		default:
			return nil
		}
	}
}

func (h *gousbHandle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		for _, cancel := range h.cancels {
			cancel()
		}
		h.mu.Unlock()
		close(h.closed)
	})
	h.wg.Wait()
	h.Release(0)
	return mapUSBError(h.dev.Close())
}
