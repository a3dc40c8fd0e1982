package usbdev

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/rjboer/fdmspectrum/internal/logging"
)

type controlCall struct {
	rType, req uint8
	val, idx   uint16
	data       []byte
}

// fakeHandle is a scriptable Handle. Completions are queued explicitly by
// the test or by Cancel and handed out on the next Events call.
type fakeHandle struct {
	mu sync.Mutex

	resets, claims, releases, closes int
	controls                         []controlCall
	submits                          []Request
	cancels                          []int
	queue                            []Completion

	// shortReads forces the returned length for an EEPROM address.
	shortReads map[uint16]int
	correction int32
	// stuck makes cancelled transfers never complete.
	stuck     bool
	submitErr error
	eventsErr error
	// controlErr fails FPGA requests by register selector.
	controlErr map[uint16]error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{shortReads: map[uint16]int{}, correction: -1000}
}

func (f *fakeHandle) Reset() error { f.mu.Lock(); f.resets++; f.mu.Unlock(); return nil }
func (f *fakeHandle) Claim(int) error {
	f.mu.Lock()
	f.claims++
	f.mu.Unlock()
	return nil
}
func (f *fakeHandle) Release(int) error {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
	return nil
}
func (f *fakeHandle) Close() error { f.mu.Lock(); f.closes++; f.mu.Unlock(); return nil }

func (f *fakeHandle) Control(rType, req uint8, val, idx uint16, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, controlCall{rType, req, val, idx, append([]byte(nil), data...)})

	if req == reqFPGA {
		if err, ok := f.controlErr[idx&0xFF00]; ok {
			return 0, err
		}
	}
	if req == reqEEPROM {
		if n, ok := f.shortReads[val]; ok {
			return n, nil
		}
	}
	switch {
	case req == reqVersion:
		return copy(data, []byte{3, 7}), nil
	case req == reqEEPROM && val == eepromHWVersion:
		return copy(data, []byte{1, 2}), nil
	case req == reqEEPROM && val == eepromSerial:
		raw := make([]byte, serialLen)
		copy(raw, "SN-4242 ")
		return copy(data, raw), nil
	case req == reqEEPROM && val == eepromCorrection:
		binary.LittleEndian.PutUint32(data, uint32(f.correction))
		return 4, nil
	case req == reqFPGA && idx&0xFF00 == regFIFOEnable:
		data[0] = fifoAck
		return 1, nil
	case req == reqFPGA && idx&0xFF00 == regStatus:
		return copy(data, []byte{0, 0, 0}), nil
	}
	return len(data), nil
}

func (f *fakeHandle) Submit(req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submits = append(f.submits, req)
	return nil
}

func (f *fakeHandle) Cancel(slot int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, slot)
	if f.stuck {
		return nil
	}
	// Report against the generation of the last submit on this slot.
	for i := len(f.submits) - 1; i >= 0; i-- {
		if f.submits[i].Slot == slot {
			f.queue = append(f.queue, Completion{Slot: slot, Gen: f.submits[i].Gen, Status: StatusCancelled})
			break
		}
	}
	return nil
}

func (f *fakeHandle) Events(_ time.Duration, fn func(Completion)) error {
	f.mu.Lock()
	if f.eventsErr != nil {
		err := f.eventsErr
		f.mu.Unlock()
		return err
	}
	queue := f.queue
	f.queue = nil
	f.mu.Unlock()
	for _, c := range queue {
		fn(c)
	}
	return nil
}

func (f *fakeHandle) push(c ...Completion) {
	f.mu.Lock()
	f.queue = append(f.queue, c...)
	f.mu.Unlock()
}

func (f *fakeHandle) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeHandle) callsTo(idx uint16) []controlCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []controlCall
	for _, c := range f.controls {
		if c.req == reqFPGA && c.idx&0xFF00 == idx {
			out = append(out, c)
		}
	}
	return out
}

type fakeBackend struct {
	h     *fakeHandle
	err   error
	opens int
}

func (b *fakeBackend) Open(uint16, uint16) (Handle, error) {
	b.opens++
	if b.err != nil {
		return nil, b.err
	}
	return b.h, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BufferSize = 64
	cfg.StopPoll = time.Millisecond
	cfg.StopAttempts = 3
	cfg.QueuePoll = time.Microsecond
	return cfg
}

func newTestDevice(b Backend) *Device {
	d := New(b, testConfig(), logging.Nop())
	d.sleep = func(time.Duration) {}
	return d
}
