// Package handoff passes the most recent spectrum from the acquisition
// goroutine to a display goroutine polling at its own pace.
//
// There is no queue. A frame published while the previous one is still
// unread replaces it and is counted as superseded.
package handoff

import (
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one averaged spectrum plus the RSSI derived from it.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	RSSI      float32
	Spectrum  []float32
}

// Clone returns a deep copy of f.
func (f Frame) Clone() Frame {
	out := f
	out.Spectrum = append([]float32(nil), f.Spectrum...)
	return out
}

// Stats is a snapshot of slot activity.
type Stats struct {
	Published  uint64 `json:"published"`
	Taken      uint64 `json:"taken"`
	Superseded uint64 `json:"superseded"`
}

// Slot is a single-producer single-consumer latest-value mailbox. The
// producer never waits on the consumer for longer than one copy.
type Slot struct {
	size int

	mu    sync.Mutex
	frame Frame

	ready      atomic.Bool
	published  atomic.Uint64
	taken      atomic.Uint64
	superseded atomic.Uint64
	now        func() time.Time
}

// NewSlot returns a slot carrying spectra of exactly size bins.
func NewSlot(size int) *Slot {
	return &Slot{
		size:  size,
		frame: Frame{Spectrum: make([]float32, size)},
		now:   time.Now,
	}
}

// Size returns the fixed spectrum length.
func (s *Slot) Size() int { return s.size }

// Publish copies spectrum into the slot and flags it as new. Input longer
// than the slot is truncated; shorter input leaves the tail untouched.
func (s *Slot) Publish(spectrum []float32, rssi float32) uint64 {
	seq := s.published.Add(1)
	s.mu.Lock()
	copy(s.frame.Spectrum, spectrum)
	s.frame.RSSI = rssi
	s.frame.Seq = seq
	s.frame.Timestamp = s.now()
	if s.ready.Swap(true) {
		s.superseded.Add(1)
	}
	s.mu.Unlock()
	return seq
}

// Take clears the new-data flag and, if it was set, copies the latest
// frame into dst. dst.Spectrum is reused when it has enough capacity.
// The flag is cleared under the same lock Publish sets it with, so a frame
// is delivered at most once.
func (s *Slot) Take(dst *Frame) bool {
	if !s.ready.Load() {
		return false
	}
	buf := dst.Spectrum
	if cap(buf) < s.size {
		buf = make([]float32, s.size)
	}
	buf = buf[:s.size]

	s.mu.Lock()
	if !s.ready.Swap(false) {
		s.mu.Unlock()
		return false
	}
	copy(buf, s.frame.Spectrum)
	*dst = s.frame
	s.mu.Unlock()

	dst.Spectrum = buf
	s.taken.Add(1)
	return true
}

// Pending reports whether an unread frame is waiting.
func (s *Slot) Pending() bool { return s.ready.Load() }

// Stats returns publication counters.
func (s *Slot) Stats() Stats {
	return Stats{
		Published:  s.published.Load(),
		Taken:      s.taken.Load(),
		Superseded: s.superseded.Load(),
	}
}
