package app

import (
	"sync"
	"testing"
	"time"

	"github.com/rjboer/fdmspectrum/internal/handoff"
	"github.com/rjboer/fdmspectrum/internal/radio"
	"github.com/rjboer/fdmspectrum/internal/telemetry"
	"github.com/rjboer/fdmspectrum/internal/usbdev"
)

// fakeTransport scripts the device surface the loops use.
type fakeTransport struct {
	mu sync.Mutex

	openErrs []error
	startErr error
	state    radio.State
	stateErr error
	info     usbdev.Info

	open, disconnected, streaming bool

	opens, closes, starts, stops, events, freqReads int
}

func (f *fakeTransport) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return err
		}
	}
	f.open, f.disconnected = true, false
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.open, f.streaming = false, false
	return nil
}

func (f *fakeTransport) IsOpen() bool         { f.mu.Lock(); defer f.mu.Unlock(); return f.open }
func (f *fakeTransport) IsDisconnected() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.disconnected }
func (f *fakeTransport) IsStreaming() bool    { f.mu.Lock(); defer f.mu.Unlock(); return f.streaming }

func (f *fakeTransport) StartStreaming(usbdev.SampleFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.streaming = true
	return nil
}

func (f *fakeTransport) StopStreaming() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.streaming = false
}

func (f *fakeTransport) HandleEvents() error {
	f.mu.Lock()
	f.events++
	f.mu.Unlock()
	time.Sleep(time.Millisecond)
	return nil
}

func (f *fakeTransport) FreqMode() (radio.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freqReads++
	return f.state, f.stateErr
}

func (f *fakeTransport) SetFrequency(hz int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.FrequencyHz = hz
	return nil
}

func (f *fakeTransport) Info() usbdev.Info { f.mu.Lock(); defer f.mu.Unlock(); return f.info }

func (f *fakeTransport) counts() (opens, closes, starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes, f.starts, f.stops
}

type fakeCAT struct {
	state radio.State
	err   error
	calls int
}

func (c *fakeCAT) State() (radio.State, error) {
	c.calls++
	return c.state, c.err
}

type recordingReporter struct {
	mu       sync.Mutex
	frames   []handoff.Frame
	statuses []telemetry.Status
}

func (r *recordingReporter) ReportSpectrum(f handoff.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f.Clone())
}

func (r *recordingReporter) ReportStatus(st telemetry.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *recordingReporter) lastStatus(t *testing.T) telemetry.Status {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		t.Fatalf("no status reported")
	}
	return r.statuses[len(r.statuses)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
