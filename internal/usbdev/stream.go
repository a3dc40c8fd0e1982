package usbdev

import (
	"errors"
	"fmt"

	"github.com/rjboer/fdmspectrum/internal/logging"
)

// transferSlot is one reusable bulk read.
type transferSlot struct {
	id       int
	buf      []byte
	inFlight bool
}

// completionHandler reacts to each terminal transfer status. Every method
// reports whether the slot should be resubmitted.
type completionHandler interface {
	onCompleted(s *transferSlot, n int) bool
	onTimedOut(s *transferSlot) bool
	onCancelled(s *transferSlot) bool
	onFailed(s *transferSlot, st Status) bool
}

func dispatch(h completionHandler, s *transferSlot, c Completion) bool {
	switch c.Status {
	case StatusCompleted:
		return h.onCompleted(s, c.Length)
	case StatusTimedOut:
		return h.onTimedOut(s)
	case StatusCancelled:
		return h.onCancelled(s)
	default:
		return h.onFailed(s, c.Status)
	}
}

// tallyEvery is how often completed transfers are logged.
const tallyEvery = 1000

func (d *Device) onCompleted(s *transferSlot, n int) bool {
	if total := d.completed.Add(1); total%tallyEvery == 0 {
		d.logger.Debug("transfers completed", logging.F("total", total), logging.F("bytes", d.bytes.Load()))
	}
	if n > len(s.buf) {
		n = len(s.buf)
	}
	if n > 0 {
		d.bytes.Add(uint64(n))
		if d.onSamples != nil {
			d.onSamples(s.buf[:n])
		}
	}
	return true
}

// A timeout only means the receiver had nothing to send.
func (d *Device) onTimedOut(*transferSlot) bool {
	d.timedOut.Add(1)
	return true
}

func (d *Device) onCancelled(*transferSlot) bool {
	d.cancelled.Add(1)
	return false
}

func (d *Device) onFailed(s *transferSlot, st Status) bool {
	d.failed.Add(1)
	if st.deviceLost() {
		d.markDisconnected(fmt.Sprintf("transfer %d: %s", s.id, st))
		return false
	}
	d.logger.Warn("bulk transfer failed", logging.F("slot", s.id), logging.F("status", st.String()))
	return true
}

func (d *Device) request(s *transferSlot) Request {
	return Request{
		Slot:     s.id,
		Gen:      d.gen,
		Endpoint: d.cfg.Endpoint,
		Buf:      s.buf,
		Timeout:  d.cfg.TransferTimeout,
	}
}

// complete routes one completion and then either resubmits the slot or
// retires it. Completions from an earlier stream generation are ignored.
func (d *Device) complete(h Handle, c Completion) {
	if c.Gen != d.gen || c.Slot < 0 || c.Slot >= len(d.slots) {
		d.logger.Debug("ignoring stale completion", logging.F("slot", c.Slot), logging.F("gen", c.Gen))
		return
	}
	s := d.slots[c.Slot]
	if !s.inFlight {
		return
	}

	if dispatch(d, s, c) && d.streaming.Load() && !d.disconnected.Load() {
		err := h.Submit(d.request(s))
		if err == nil {
			return
		}
		if errors.Is(err, ErrNoDevice) || errors.Is(err, ErrIO) {
			d.markDisconnected(fmt.Sprintf("resubmit slot %d: %v", s.id, err))
		} else {
			d.logger.Warn("resubmit failed", logging.F("slot", s.id), logging.Err(err))
		}
	}
	s.inFlight = false
	d.inFlight.Add(-1)
}

// StartStreaming clears the endpoint, enables the FIFO and submits every
// transfer slot. fn runs on the goroutine calling HandleEvents.
func (d *Device) StartStreaming(fn SampleFunc) error {
	h, err := d.usable()
	if err != nil {
		return err
	}
	if d.streaming.Load() {
		return fmt.Errorf("start streaming: %w", ErrBusy)
	}

	if _, err := d.control(reqTypeEndpoint, reqClearFeature, 0, uint16(d.cfg.Endpoint), nil); err != nil {
		d.logger.Warn("clear halt failed", logging.Err(err))
	}
	if err := d.startFIFO(); err != nil {
		return err
	}
	d.mu.Lock()
	buffers := d.buffers
	d.mu.Unlock()

	d.gen++
	d.onSamples = fn
	d.slots = make([]*transferSlot, len(buffers))
	for i := range d.slots {
		d.slots[i] = &transferSlot{id: i, buf: buffers[i]}
	}
	d.streaming.Store(true)

	for _, s := range d.slots {
		if err := h.Submit(d.request(s)); err != nil {
			if errors.Is(err, ErrNoDevice) {
				d.markDisconnected("initial submit")
			}
			d.StopStreaming()
			return fmt.Errorf("submit transfer %d: %w", s.id, err)
		}
		s.inFlight = true
		d.inFlight.Add(1)
	}
	d.logger.Info("streaming started", logging.F("transfers", len(d.slots)), logging.F("buffer", d.cfg.BufferSize))
	return nil
}

// resetFIFO stops the sample FIFO and puts it in slave mode. It runs on
// a handle that is not yet published, and failures are only logged.
func (d *Device) resetFIFO(h Handle) {
	buf := make([]byte, 1)
	if n, err := h.Control(reqTypeVendorIn, reqFPGA, 0, regFIFOEnable, buf); err != nil || n != 1 {
		d.logger.Warn("stop fifo failed", logging.Err(controlError("stop fifo", n, 1, err)))
	}
	if n, err := h.Control(reqTypeVendorIn, reqFPGA, 0, regFIFOInit, buf); err != nil || n != 1 {
		d.logger.Warn("init fifo failed", logging.Err(controlError("init fifo", n, 1, err)))
	}
}

// startFIFO enables the sample FIFO. The device must echo the enable
// selector.
func (d *Device) startFIFO() error {
	buf := make([]byte, 1)
	n, err := d.control(reqTypeVendorIn, reqFPGA, 1, regFIFOEnable, buf)
	if err != nil || n != 1 {
		return controlError("start fifo", n, 1, err)
	}
	if buf[0] != fifoAck {
		return fmt.Errorf("start fifo: unexpected ack 0x%02x: %w", buf[0], ErrIO)
	}
	return nil
}

// StopStreaming cancels the in-flight transfers and waits a bounded time
// for them to come back. Transfers that never return keep their buffers;
// the slot gets a fresh buffer and their late completions are ignored.
func (d *Device) StopStreaming() {
	if !d.streaming.Swap(false) {
		return
	}
	h := d.current()
	if h == nil {
		return
	}

	if !d.disconnected.Load() {
		for _, s := range d.slots {
			if s.inFlight {
				if err := h.Cancel(s.id); err != nil {
					d.logger.Debug("cancel failed", logging.F("slot", s.id), logging.Err(err))
				}
			}
		}
	}

	for i := 0; i < d.cfg.StopAttempts && d.inFlight.Load() > 0; i++ {
		if err := h.Events(d.cfg.StopPoll, func(c Completion) { d.complete(h, c) }); err != nil {
			d.logger.Debug("event pump during stop failed", logging.Err(err))
			break
		}
	}

	d.mu.Lock()
	if n := d.inFlight.Load(); n > 0 {
		d.logger.Warn("transfers did not finish, abandoning their buffers", logging.F("count", n))
		for _, s := range d.slots {
			if !s.inFlight {
				continue
			}
			s.inFlight = false
			d.leaked.Add(1)
			if s.id < len(d.buffers) {
				d.buffers[s.id] = make([]byte, d.cfg.BufferSize)
			}
		}
		d.inFlight.Store(0)
	}
	d.mu.Unlock()
	if !d.disconnected.Load() {
		buf := make([]byte, 1)
		if _, err := d.control(reqTypeVendorIn, reqFPGA, 0, regFIFOEnable, buf); err != nil {
			d.logger.Warn("stop fifo failed", logging.Err(err))
		}
	}

	d.slots = nil
	d.onSamples = nil
	d.logger.Info("streaming stopped")
}

// HandleEvents pumps transfer completions for up to the configured event
// timeout. Sample callbacks and resubmission happen inside this call.
func (d *Device) HandleEvents() error {
	h := d.current()
	if h == nil {
		return ErrNotOpen
	}
	if err := h.Events(d.cfg.EventTimeout, func(c Completion) { d.complete(h, c) }); err != nil {
		if errors.Is(err, ErrNoDevice) {
			d.markDisconnected("event pump")
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}
