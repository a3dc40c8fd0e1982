package usbdev

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rjboer/fdmspectrum/internal/radio"
)

// MockBackend simulates an FDM-DUO: it answers the vendor requests the
// Device issues and streams a tone over 32-bit IQ frames. Unplug makes
// every later transfer fail as if the cable was pulled.
type MockBackend struct {
	// ToneOffset is the tone's distance from the tuned centre in Hz.
	ToneOffset float64
	// Amplitude is the tone level relative to full scale.
	Amplitude float64
	// NoiseLevel is the uniform noise level relative to full scale.
	NoiseLevel float64
	// Realtime paces completions at the nominal stream rate.
	Realtime bool

	mu         sync.Mutex
	present    bool
	handle     *mockHandle
	serial     string
	correction int32
	frequency  int64
	mode       radio.Mode
	words      []uint32
	commands   []int64
	queueBusy  int
}

// NewMockBackend returns an attached mock receiver tuned to 7.1 MHz LSB.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		ToneOffset: 12_000,
		Amplitude:  0.25,
		NoiseLevel: 0.001,
		Realtime:   true,
		present:    true,
		serial:     "FDM-MOCK-0001",
		correction: -1250,
		frequency:  7_100_000,
		mode:       radio.ModeLSB,
	}
}

// Unplug detaches the device.
func (m *MockBackend) Unplug() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = false
}

// Plug reattaches the device.
func (m *MockBackend) Plug() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = true
}

// SetQueueBusy makes the next n status polls report a busy command queue.
func (m *MockBackend) SetQueueBusy(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueBusy = n
}

// SetRadio changes what the frequency/mode register reports.
func (m *MockBackend) SetRadio(hz int64, mode radio.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frequency, m.mode = hz, mode
}

// Frequency returns the last frequency commanded over the text path.
func (m *MockBackend) Frequency() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frequency
}

// TuningWords returns every tuning word written so far.
func (m *MockBackend) TuningWords() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.words...)
}

// Commands returns every frequency sent as a text command.
func (m *MockBackend) Commands() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.commands...)
}

// Open implements Backend.
func (m *MockBackend) Open(vid, pid uint16) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.present || vid != VendorID || pid != ProductID {
		return nil, ErrNotFound
	}
	if m.handle != nil && !m.handle.closed {
		return nil, ErrBusy
	}
	m.handle = &mockHandle{
		m:         m,
		cancelled: make(map[int]bool),
		rng:       rand.New(rand.NewPCG(1, 2)),
	}
	return m.handle, nil
}

type mockHandle struct {
	m *MockBackend

	// Guarded by m.mu.
	claimed   bool
	closed    bool
	fifoOn    bool
	pending   []Request
	cancelled map[int]bool
	phase     float64
	rng       *rand.Rand
}

func (h *mockHandle) lost() bool { return !h.m.present || h.closed }

func (h *mockHandle) Reset() error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if h.lost() {
		return ErrNoDevice
	}
	return nil
}

func (h *mockHandle) Claim(int) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if h.lost() {
		return ErrNoDevice
	}
	h.claimed = true
	return nil
}

func (h *mockHandle) Release(int) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	h.claimed = false
	return nil
}

func (h *mockHandle) Control(rType, req uint8, val, idx uint16, data []byte) (int, error) {
	m := h.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.lost() {
		return 0, ErrNoDevice
	}

	switch {
	case rType == reqTypeVendorIn && req == reqVersion:
		return copy(data, []byte{2, 1}), nil
	case rType == reqTypeVendorIn && req == reqEEPROM:
		switch val {
		case eepromHWVersion:
			return copy(data, []byte{1, 3}), nil
		case eepromSerial:
			raw := make([]byte, serialLen)
			copy(raw, m.serial)
			return copy(data, raw), nil
		case eepromCorrection:
			var raw [4]byte
			binary.LittleEndian.PutUint32(raw[:], uint32(m.correction))
			return copy(data, raw[:]), nil
		}
	case rType == reqTypeEndpoint && req == reqClearFeature:
		return 0, nil
	case rType == reqTypeVendorIn && req == reqFPGA:
		switch idx & 0xFF00 {
		case regFIFOEnable:
			h.fifoOn = val == 1
			if len(data) > 0 {
				data[0] = fifoAck
				return 1, nil
			}
			return 0, nil
		case regFIFOInit:
			if len(data) > 0 {
				data[0] = 0
				return 1, nil
			}
			return 0, nil
		case regStatus:
			var st [3]byte
			if m.queueBusy > 0 {
				m.queueBusy--
				st[2] = statusQueueBusy
			}
			return copy(data, st[:]), nil
		case regFreqMode:
			return copy(data, encodeFreqMode(m.frequency, m.mode)), nil
		}
	case rType == reqTypeVendorOut && req == reqFPGA:
		switch idx & 0xFF00 {
		case regTuning:
			m.words = append(m.words, joinTuningWord(val, idx, data))
			return len(data), nil
		case regText:
			if hz, ok := parseTextFrequencyCommand(data); ok {
				m.commands = append(m.commands, hz)
				m.frequency = hz
			}
			return len(data), nil
		}
	}
	return 0, fmt.Errorf("mock: unsupported control 0x%02x/0x%02x idx 0x%04x: %w", rType, req, idx, ErrIO)
}

func (h *mockHandle) Submit(req Request) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if h.lost() {
		return ErrNoDevice
	}
	delete(h.cancelled, req.Slot)
	h.pending = append(h.pending, req)
	return nil
}

func (h *mockHandle) Cancel(slot int) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	h.cancelled[slot] = true
	return nil
}

// Events completes at most one pending request per call.
func (h *mockHandle) Events(timeout time.Duration, fn func(Completion)) error {
	h.m.mu.Lock()
	if len(h.pending) == 0 {
		h.m.mu.Unlock()
		time.Sleep(timeout)
		return nil
	}
	req := h.pending[0]
	h.pending = h.pending[1:]
	c := Completion{Slot: req.Slot, Gen: req.Gen}
	realtime := h.m.Realtime
	switch {
	case !h.m.present:
		c.Status = StatusNoDevice
	case h.cancelled[req.Slot]:
		c.Status = StatusCancelled
		delete(h.cancelled, req.Slot)
	case !h.fifoOn:
		c.Status = StatusTimedOut
	default:
		c.Length = h.fill(req.Buf)
	}
	h.m.mu.Unlock()

	if realtime && c.Status == StatusCompleted {
		pace := time.Duration(float64(c.Length/8) / StreamRate * float64(time.Second))
		if pace > timeout {
			pace = timeout
		}
		time.Sleep(pace)
	}
	fn(c)
	return nil
}

// fill writes 32-bit little-endian IQ pairs of a tone plus noise.
func (h *mockHandle) fill(buf []byte) int {
	const fullScale = math.MaxInt32
	step := 2 * math.Pi * h.m.ToneOffset / StreamRate
	n := len(buf) / 8 * 8
	for off := 0; off < n; off += 8 {
		i := h.m.Amplitude*math.Cos(h.phase) + h.m.NoiseLevel*(2*h.rng.Float64()-1)
		q := h.m.Amplitude*math.Sin(h.phase) + h.m.NoiseLevel*(2*h.rng.Float64()-1)
		binary.LittleEndian.PutUint32(buf[off:], uint32(int32(i*fullScale)))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(int32(q*fullScale)))
		h.phase = math.Mod(h.phase+step, 2*math.Pi)
	}
	return n
}

func (h *mockHandle) Close() error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	h.closed = true
	h.pending = nil
	return nil
}
