// Package usbdev drives the FDM-DUO receiver over USB: vendor control
// requests for identity and tuning, and a ring of asynchronous bulk reads
// that keeps the IQ stream flowing.
//
// A Device has one owning goroutine that calls Open, StartStreaming,
// HandleEvents, StopStreaming and Close. SetFrequency, FreqMode, Info and
// the state queries may be called from any goroutine; a slow tune never
// holds up the event pump.
package usbdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rjboer/fdmspectrum/internal/logging"
	"github.com/rjboer/fdmspectrum/internal/radio"
)

// Config holds the device identity and transfer tuning.
type Config struct {
	VendorID        uint16
	ProductID       uint16
	Interface       int
	Endpoint        uint8
	NumTransfers    int
	BufferSize      int
	TransferTimeout time.Duration
	NominalRate     int64

	// EventTimeout bounds one HandleEvents call.
	EventTimeout time.Duration
	// StopPoll and StopAttempts bound how long StopStreaming waits for
	// cancelled transfers to come back.
	StopPoll     time.Duration
	StopAttempts int
	// QueuePoll and QueueAttempts bound the wait for the receiver's text
	// command queue before a tuning command is sent.
	QueuePoll     time.Duration
	QueueAttempts int
}

// DefaultConfig returns the settings used with real hardware.
func DefaultConfig() Config {
	return Config{
		VendorID:        VendorID,
		ProductID:       ProductID,
		Interface:       Interface,
		Endpoint:        EndpointRF,
		NumTransfers:    NumTransfers,
		BufferSize:      BufferSize,
		TransferTimeout: 2 * time.Second,
		NominalRate:     NominalRate,
		EventTimeout:    100 * time.Millisecond,
		StopPoll:        50 * time.Millisecond,
		StopAttempts:    40,
		QueuePoll:       10 * time.Millisecond,
		QueueAttempts:   200,
	}
}

// Info is the identity read from the device when it is opened.
type Info struct {
	Serial         string `json:"serial"`
	HWMajor        int    `json:"hw_major"`
	HWMinor        int    `json:"hw_minor"`
	DriverMajor    int    `json:"driver_major"`
	DriverMinor    int    `json:"driver_minor"`
	RateCorrection int32  `json:"rate_correction"`
	// SessionID is regenerated on every successful Open.
	SessionID string `json:"session_id"`
}

// Tally counts finished bulk transfers by outcome.
type Tally struct {
	Completed uint64 `json:"completed"`
	TimedOut  uint64 `json:"timed_out"`
	Cancelled uint64 `json:"cancelled"`
	Failed    uint64 `json:"failed"`
	Bytes     uint64 `json:"bytes"`
	Leaked    uint64 `json:"leaked"`
}

// SampleFunc receives the payload of each completed bulk read. The slice
// is only valid for the duration of the call.
type SampleFunc func(raw []byte)

// Device is one FDM-DUO receiver.
type Device struct {
	backend Backend
	cfg     Config
	logger  logging.Logger
	sleep   func(time.Duration)

	// mu guards the handle lifecycle and the identity and buffers bound to
	// it. It is never held across a wait.
	mu      sync.Mutex
	info    Info
	buffers [][]byte

	// cur is the open handle. The event pump reads it without locking.
	cur atomic.Pointer[openHandle]
	// ctl serialises control transfers and is held for one transfer only.
	ctl sync.Mutex
	// tune keeps SetFrequency calls from interleaving.
	tune sync.Mutex

	// Owned by the streaming goroutine.
	slots     []*transferSlot
	onSamples SampleFunc
	gen       uint64

	open         atomic.Bool
	streaming    atomic.Bool
	disconnected atomic.Bool
	inFlight     atomic.Int32

	completed atomic.Uint64
	timedOut  atomic.Uint64
	cancelled atomic.Uint64
	failed    atomic.Uint64
	bytes     atomic.Uint64
	leaked    atomic.Uint64
}

type openHandle struct{ Handle }

// New returns a closed Device using backend for USB access.
func New(backend Backend, cfg Config, logger logging.Logger) *Device {
	if logger == nil {
		logger = logging.Default()
	}
	def := DefaultConfig()
	if cfg.NumTransfers <= 0 {
		cfg.NumTransfers = def.NumTransfers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = def.TransferTimeout
	}
	if cfg.NominalRate <= 0 {
		cfg.NominalRate = def.NominalRate
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = def.EventTimeout
	}
	if cfg.StopPoll <= 0 {
		cfg.StopPoll = def.StopPoll
	}
	if cfg.StopAttempts <= 0 {
		cfg.StopAttempts = def.StopAttempts
	}
	if cfg.QueuePoll <= 0 {
		cfg.QueuePoll = def.QueuePoll
	}
	if cfg.QueueAttempts <= 0 {
		cfg.QueueAttempts = def.QueueAttempts
	}
	if cfg.Endpoint == 0 {
		cfg.Endpoint = def.Endpoint
	}
	return &Device{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(logging.Subsystem("usb")),
		sleep:   time.Sleep,
	}
}

// Open locates, resets and claims the device, then reads its identity.
// Calling Open on an open device is a no-op.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur.Load() != nil {
		return nil
	}

	h, err := d.backend.Open(d.cfg.VendorID, d.cfg.ProductID)
	if err != nil {
		return fmt.Errorf("open %04x:%04x: %w", d.cfg.VendorID, d.cfg.ProductID, err)
	}
	if err := h.Reset(); err != nil {
		d.logger.Warn("device reset failed", logging.Err(err))
	}
	if err := h.Claim(d.cfg.Interface); err != nil {
		h.Close()
		return fmt.Errorf("claim interface %d: %w", d.cfg.Interface, err)
	}

	info, err := d.readInfo(h)
	if err != nil {
		h.Release(d.cfg.Interface)
		h.Close()
		return err
	}
	info.SessionID = uuid.NewString()
	d.resetFIFO(h)

	d.buffers = make([][]byte, d.cfg.NumTransfers)
	for i := range d.buffers {
		d.buffers[i] = make([]byte, d.cfg.BufferSize)
	}
	d.info = info
	d.disconnected.Store(false)
	d.cur.Store(&openHandle{h})
	d.open.Store(true)

	d.logger.Info("device opened",
		logging.F("serial", info.Serial),
		logging.F("hw", fmt.Sprintf("%d.%d", info.HWMajor, info.HWMinor)),
		logging.F("driver", fmt.Sprintf("%d.%d", info.DriverMajor, info.DriverMinor)),
		logging.F("rate_correction", info.RateCorrection),
		logging.F("session", info.SessionID))
	return nil
}

// readInfo caches the identity registers. A short or failed read leaves
// its field at the zero value; only a vanished device aborts.
func (d *Device) readInfo(h Handle) (Info, error) {
	var info Info
	read := func(op string, req uint8, val uint16, idx uint16, buf []byte) (bool, error) {
		n, err := h.Control(reqTypeVendorIn, req, val, idx, buf)
		if err == nil && n == len(buf) {
			return true, nil
		}
		cerr := controlError(op, n, len(buf), err)
		if errors.Is(err, ErrNoDevice) {
			return false, cerr
		}
		d.logger.Warn("identity read incomplete", logging.Err(cerr))
		return false, nil
	}

	ver := make([]byte, 2)
	ok, err := read("read driver version", reqVersion, 0, 0, ver)
	if err != nil {
		return info, err
	}
	if ok {
		info.DriverMajor, info.DriverMinor = int(ver[0]), int(ver[1])
	}

	hw := make([]byte, 2)
	if ok, err = read("read hardware version", reqEEPROM, eepromHWVersion, eepromIndex, hw); err != nil {
		return info, err
	}
	if ok {
		info.HWMajor, info.HWMinor = int(hw[0]), int(hw[1])
	}

	serial := make([]byte, serialLen)
	if ok, err = read("read serial", reqEEPROM, eepromSerial, eepromIndex, serial); err != nil {
		return info, err
	}
	if ok {
		info.Serial = trimSerial(serial)
	}

	corr := make([]byte, 4)
	if ok, err = read("read rate correction", reqEEPROM, eepromCorrection, eepromIndex, corr); err != nil {
		return info, err
	}
	if ok {
		info.RateCorrection = int32(binary.LittleEndian.Uint32(corr))
	}
	return info, nil
}

func controlError(op string, got, want int, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: short transfer (%d of %d bytes): %w", op, got, want, ErrIO)
}

// Close stops streaming, releases the interface and drops the handle.
// Closing a closed device is a no-op.
func (d *Device) Close() error {
	if d.streaming.Load() {
		d.StopStreaming()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Taking ctl lets a control transfer in progress finish on the handle
	// before it goes away.
	d.ctl.Lock()
	oh := d.cur.Swap(nil)
	d.ctl.Unlock()
	if oh == nil {
		return nil
	}
	h := oh.Handle
	d.buffers = nil
	d.open.Store(false)

	var errs []error
	if !d.disconnected.Load() {
		if err := h.Release(d.cfg.Interface); err != nil {
			errs = append(errs, fmt.Errorf("release interface: %w", err))
		}
	}
	if err := h.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close handle: %w", err))
	}
	d.logger.Info("device closed")
	return errors.Join(errs...)
}

// IsOpen reports whether a handle is held.
func (d *Device) IsOpen() bool { return d.open.Load() }

// IsDisconnected reports whether the device was lost. The flag stays set
// until the next successful Open.
func (d *Device) IsDisconnected() bool { return d.disconnected.Load() }

// IsStreaming reports whether bulk reads are being kept in flight.
func (d *Device) IsStreaming() bool { return d.streaming.Load() }

// InFlight returns the number of submitted bulk reads not yet retired.
func (d *Device) InFlight() int { return int(d.inFlight.Load()) }

// Info returns the identity read during Open.
func (d *Device) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// EffectiveRate is the nominal sample clock plus the factory correction.
func (d *Device) EffectiveRate() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.NominalRate + int64(d.info.RateCorrection)
}

// Tally returns transfer counters accumulated since the Device was made.
func (d *Device) Tally() Tally {
	return Tally{
		Completed: d.completed.Load(),
		TimedOut:  d.timedOut.Load(),
		Cancelled: d.cancelled.Load(),
		Failed:    d.failed.Load(),
		Bytes:     d.bytes.Load(),
		Leaked:    d.leaked.Load(),
	}
}

func (d *Device) markDisconnected(reason string) {
	if d.disconnected.Swap(true) {
		return
	}
	d.logger.Warn("device disconnected", logging.F("reason", reason))
}

// current returns the open handle, or nil.
func (d *Device) current() Handle {
	if oh := d.cur.Load(); oh != nil {
		return oh.Handle
	}
	return nil
}

// usable returns the handle for a control transfer.
func (d *Device) usable() (Handle, error) {
	h := d.current()
	if h == nil {
		return nil, ErrNotOpen
	}
	if d.disconnected.Load() {
		return nil, ErrDisconnected
	}
	return h, nil
}

// control runs one control transfer on the open handle and records device
// loss.
func (d *Device) control(rType, req uint8, val, idx uint16, data []byte) (int, error) {
	d.ctl.Lock()
	defer d.ctl.Unlock()
	h, err := d.usable()
	if err != nil {
		return 0, err
	}
	n, err := h.Control(rType, req, val, idx, data)
	if errors.Is(err, ErrNoDevice) {
		d.markDisconnected("control transfer")
	}
	return n, err
}

// SetFrequency tunes the receiver to hz. It writes the tuning word to the
// DDC and then, once the text command queue is idle, sends the matching CF
// command so the front panel follows. The queue wait holds no lock the
// event pump or the other control calls need.
func (d *Device) SetFrequency(hz int64) error {
	if hz < 0 {
		return fmt.Errorf("set frequency %d: negative frequency", hz)
	}
	d.tune.Lock()
	defer d.tune.Unlock()
	if _, err := d.usable(); err != nil {
		return err
	}

	word := TuningWord(hz, d.EffectiveRate())
	val, idx, data := splitTuningWord(word)
	if n, err := d.control(reqTypeVendorOut, reqFPGA, val, idx, data[:]); err != nil || n != len(data) {
		return controlError("write tuning word", n, len(data), err)
	}

	if !d.waitCommandQueue() {
		d.logger.Warn("text command queue still busy, sending anyway", logging.F("hz", hz))
	}

	cmd := textFrequencyCommand(hz)
	if n, err := d.control(reqTypeVendorOut, reqFPGA, textCmdLen, regText, cmd[:]); err != nil || n != len(cmd) {
		return controlError("send frequency command", n, len(cmd), err)
	}
	d.logger.Debug("frequency set", logging.F("hz", hz), logging.F("word", fmt.Sprintf("0x%08x", word)))
	return nil
}

// waitCommandQueue polls the status register until the busy bit clears.
// A failed or short status read counts as idle.
func (d *Device) waitCommandQueue() bool {
	buf := make([]byte, 3)
	for i := 0; i < d.cfg.QueueAttempts; i++ {
		n, err := d.control(reqTypeVendorIn, reqFPGA, 0, regStatus, buf)
		if err != nil || n != len(buf) || buf[2]&statusQueueBusy == 0 {
			return true
		}
		d.sleep(d.cfg.QueuePoll)
	}
	return false
}

// FreqMode reads the receiver's displayed frequency and coarse mode from
// the frequency/mode register.
func (d *Device) FreqMode() (radio.State, error) {
	buf := make([]byte, freqModeLen)
	n, err := d.control(reqTypeVendorIn, reqFPGA, 0, regFreqMode, buf)
	if err != nil || n != len(buf) {
		return radio.State{}, controlError("read frequency/mode", n, len(buf), err)
	}
	hz, mode, _ := parseFreqMode(buf)
	return radio.State{FrequencyHz: hz, Mode: mode, Source: radio.SourceUSB}, nil
}
