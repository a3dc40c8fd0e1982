// Package iq decodes raw receiver payloads into normalized IQ samples.
//
// The stream is a sequence of fixed-width little-endian signed words, the
// in-phase word immediately followed by the quadrature word.
package iq

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Format describes the width of one sample word on the wire.
type Format int

const (
	Int32LE Format = iota
	Int16LE
)

func (f Format) String() string {
	switch f {
	case Int32LE:
		return "s32le"
	case Int16LE:
		return "s16le"
	default:
		return "unknown"
	}
}

// ParseFormat converts a format name to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "s32le", "int32", "":
		return Int32LE, nil
	case "s16le", "int16":
		return Int16LE, nil
	default:
		return Format(0), fmt.Errorf("unsupported sample format %q", s)
	}
}

// WordSize returns the number of bytes in one I or Q word.
func (f Format) WordSize() int {
	if f == Int16LE {
		return 2
	}
	return 4
}

// FrameSize returns the number of bytes in one IQ pair.
func (f Format) FrameSize() int { return 2 * f.WordSize() }

// FullScale is the magnitude that maps to 1.0.
func (f Format) FullScale() float64 {
	if f == Int16LE {
		return 32768
	}
	return 2147483648
}

func (f Format) word(b []byte) float32 {
	if f == Int16LE {
		return float32(float64(int16(binary.LittleEndian.Uint16(b))) / 32768)
	}
	return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
}

func (f Format) putWord(b []byte, v float32) {
	scaled := math.Round(float64(v) * f.FullScale())
	if f == Int16LE {
		binary.LittleEndian.PutUint16(b, uint16(int16(clamp(scaled, math.MinInt16, math.MaxInt16))))
		return
	}
	binary.LittleEndian.PutUint32(b, uint32(int32(clamp(scaled, math.MinInt32, math.MaxInt32))))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sample is one complex baseband sample normalized to [-1, 1].
type Sample struct {
	I float32
	Q float32
}

// Reader walks a raw buffer one IQ pair at a time. It never reads past the
// end of the buffer; a trailing partial pair is left unconsumed.
type Reader struct {
	format Format
	buf    []byte
	off    int
}

// NewReader returns a Reader over buf.
func NewReader(format Format, buf []byte) *Reader {
	return &Reader{format: format, buf: buf}
}

// Reset points the reader at a new buffer.
func (r *Reader) Reset(buf []byte) {
	r.buf = buf
	r.off = 0
}

// Next decodes the pair at the cursor and advances past it.
func (r *Reader) Next() (Sample, bool) {
	frame := r.format.FrameSize()
	if len(r.buf)-r.off < frame {
		return Sample{}, false
	}
	w := r.format.WordSize()
	p := r.buf[r.off : r.off+frame]
	r.off += frame
	return Sample{I: r.format.word(p[:w]), Q: r.format.word(p[w:])}, true
}

// Remaining returns the unread bytes.
func (r *Reader) Remaining() []byte { return r.buf[r.off:] }

// Decode converts every complete pair in buf.
func Decode(format Format, buf []byte) []Sample {
	out := make([]Sample, 0, len(buf)/format.FrameSize())
	r := NewReader(format, buf)
	for {
		s, ok := r.Next()
		if !ok {
			return out
		}
		out = append(out, s)
	}
}

// Encode is the inverse of Decode. Values outside [-1, 1) saturate.
func Encode(format Format, samples []Sample) []byte {
	w := format.WordSize()
	buf := make([]byte, len(samples)*format.FrameSize())
	for n, s := range samples {
		off := n * format.FrameSize()
		format.putWord(buf[off:off+w], s.I)
		format.putWord(buf[off+w:off+2*w], s.Q)
	}
	return buf
}

// Assembler decodes a stream delivered in arbitrary chunks. A pair split
// across two chunks is stitched back together.
type Assembler struct {
	format Format
	carry  [8]byte
	n      int
	reader Reader
}

// NewAssembler returns an Assembler for format.
func NewAssembler(format Format) *Assembler {
	return &Assembler{format: format, reader: Reader{format: format}}
}

// Format returns the wire format being decoded.
func (a *Assembler) Format() Format { return a.format }

// Feed decodes raw and calls emit for each complete sample in stream order.
func (a *Assembler) Feed(raw []byte, emit func(Sample)) {
	frame := a.format.FrameSize()
	if a.n > 0 {
		take := copy(a.carry[a.n:frame], raw)
		a.n += take
		raw = raw[take:]
		if a.n < frame {
			return
		}
		a.reader.Reset(a.carry[:frame])
		s, _ := a.reader.Next()
		emit(s)
		a.n = 0
	}
	a.reader.Reset(raw)
	for {
		s, ok := a.reader.Next()
		if !ok {
			break
		}
		emit(s)
	}
	a.n = copy(a.carry[:], a.reader.Remaining())
}

// Pending reports how many bytes of a split pair are buffered.
func (a *Assembler) Pending() int { return a.n }

// Reset drops any buffered partial pair.
func (a *Assembler) Reset() { a.n = 0 }
