package dsp

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/rjboer/fdmspectrum/internal/iq"
)

// ErrInvalidConfig is returned by NewEngine for unusable parameters.
var ErrInvalidConfig = errors.New("invalid spectrum configuration")

const (
	// DefaultSize is the FFT length used by the receiver.
	DefaultSize = 4096
	// DefaultAveraging is the number of transforms averaged per frame.
	DefaultAveraging = 3
	// DefaultRSSIHalfWidth is half the RSSI sub-band, in bins (~3 kHz at 192 kS/s).
	DefaultRSSIHalfWidth = 16
	// DefaultFloor keeps log10 finite on empty bins.
	DefaultFloor = 1e-10
	// NoSignalDB is the RSSI reported before the first frame.
	NoSignalDB = -200.0

	minSize = 64
	maxSize = 1 << 20
)

// Config parameterizes an Engine.
type Config struct {
	Size          int
	Averaging     int
	Format        iq.Format
	RSSIHalfWidth int
	Floor         float64
}

// DefaultConfig returns the receiver's production settings.
func DefaultConfig() Config {
	return Config{
		Size:          DefaultSize,
		Averaging:     DefaultAveraging,
		Format:        iq.Int32LE,
		RSSIHalfWidth: DefaultRSSIHalfWidth,
		Floor:         DefaultFloor,
	}
}

func (c Config) validate() (Config, error) {
	if c.RSSIHalfWidth == 0 {
		c.RSSIHalfWidth = DefaultRSSIHalfWidth
	}
	if c.Floor == 0 {
		c.Floor = DefaultFloor
	}
	if c.Size < minSize || c.Size > maxSize || c.Size&(c.Size-1) != 0 {
		return Config{}, fmt.Errorf("%w: FFT size %d must be a power of two between %d and %d", ErrInvalidConfig, c.Size, minSize, maxSize)
	}
	if c.Averaging < 1 {
		return Config{}, fmt.Errorf("%w: averaging count %d must be at least 1", ErrInvalidConfig, c.Averaging)
	}
	if c.RSSIHalfWidth < 1 || c.RSSIHalfWidth > c.Size/2 {
		return Config{}, fmt.Errorf("%w: RSSI half width %d out of range", ErrInvalidConfig, c.RSSIHalfWidth)
	}
	if c.Floor < 0 {
		return Config{}, fmt.Errorf("%w: floor %g must be positive", ErrInvalidConfig, c.Floor)
	}
	return c, nil
}

// Engine turns a stream of raw IQ bytes into averaged, FFT-shifted dB
// spectra. Blocks are disjoint: every Size samples are windowed and
// transformed once, and every Averaging transforms publish one frame.
//
// An Engine is not safe for concurrent use; it belongs to the goroutine
// delivering samples.
type Engine struct {
	cfg       Config
	assembler *iq.Assembler
	fft       *fourier.CmplxFFT
	window    []float64

	in     []complex128
	out    []complex128
	fill   int
	accum  []float64
	count  int
	frame  []float32
	rssi   float32
	frames uint64
	blocks uint64
}

// NewEngine validates cfg and precomputes the window and FFT plan.
func NewEngine(cfg Config) (*Engine, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	frame := make([]float32, cfg.Size)
	for i := range frame {
		frame[i] = NoSignalDB
	}
	return &Engine{
		cfg:       cfg,
		assembler: iq.NewAssembler(cfg.Format),
		fft:       fourier.NewCmplxFFT(cfg.Size),
		window:    BlackmanHarris(cfg.Size),
		in:        make([]complex128, cfg.Size),
		out:       make([]complex128, cfg.Size),
		accum:     make([]float64, cfg.Size),
		frame:     frame,
		rssi:      NoSignalDB,
	}, nil
}

// Size returns the FFT length, which is also the frame length.
func (e *Engine) Size() int { return e.cfg.Size }

// Config returns the validated configuration.
func (e *Engine) Config() Config { return e.cfg }

// Process consumes raw sample bytes and reports whether at least one new
// averaged frame was published. If a single call completes more than one
// averaging cycle only the last frame is kept.
func (e *Engine) Process(raw []byte) bool {
	published := false
	e.assembler.Feed(raw, func(s iq.Sample) {
		if e.push(s) {
			published = true
		}
	})
	return published
}

// ProcessSamples is Process for already decoded samples.
func (e *Engine) ProcessSamples(samples []iq.Sample) bool {
	published := false
	for _, s := range samples {
		if e.push(s) {
			published = true
		}
	}
	return published
}

func (e *Engine) push(s iq.Sample) bool {
	w := e.window[e.fill]
	e.in[e.fill] = complex(float64(s.I)*w, float64(s.Q)*w)
	e.fill++
	if e.fill < e.cfg.Size {
		return false
	}
	e.fill = 0
	e.transform()
	if e.count < e.cfg.Averaging {
		return false
	}
	e.publish()
	return true
}

func (e *Engine) transform() {
	e.fft.Coefficients(e.out, e.in)
	n := e.cfg.Size
	half := n / 2
	for j := 0; j < n; j++ {
		e.accum[j] += MagnitudeDB(e.out[(j+half)%n], n, e.cfg.Floor)
	}
	e.count++
	e.blocks++
}

func (e *Engine) publish() {
	k := float64(e.cfg.Averaging)
	for j := range e.accum {
		e.frame[j] = float32(e.accum[j] / k)
		e.accum[j] = 0
	}
	e.count = 0
	e.rssi = peak(e.frame, e.cfg.Size/2-e.cfg.RSSIHalfWidth, e.cfg.Size/2+e.cfg.RSSIHalfWidth)
	e.frames++
}

// peak returns the maximum of spectrum[lo:hi].
func peak(spectrum []float32, lo, hi int) float32 {
	best := float32(NoSignalDB)
	for j := lo; j < hi; j++ {
		if spectrum[j] > best {
			best = spectrum[j]
		}
	}
	return best
}

// Spectrum copies the last published frame into dst, growing it if needed,
// and returns it. Before the first frame every bin reads NoSignalDB.
func (e *Engine) Spectrum(dst []float32) []float32 {
	if cap(dst) < len(e.frame) {
		dst = make([]float32, len(e.frame))
	}
	dst = dst[:len(e.frame)]
	copy(dst, e.frame)
	return dst
}

// RSSI returns the peak dB within the centre sub-band of the last frame.
func (e *Engine) RSSI() float32 { return e.rssi }

// Stats reports how many transforms ran and frames were published.
func (e *Engine) Stats() (blocks, frames uint64) { return e.blocks, e.frames }

// Reset discards partially filled blocks and accumulated transforms, e.g.
// after the stream was interrupted. The last published frame is kept.
func (e *Engine) Reset() {
	e.fill = 0
	e.count = 0
	for j := range e.accum {
		e.accum[j] = 0
	}
	e.assembler.Reset()
}
