package dsp

import (
	"errors"
	"math"
	"testing"

	"github.com/rjboer/fdmspectrum/internal/iq"
)

func tone(n, bin int, amp float64) []iq.Sample {
	out := make([]iq.Sample, n)
	for i := range out {
		phase := 2 * math.Pi * float64(bin) * float64(i) / float64(n)
		out[i] = iq.Sample{I: float32(amp * math.Cos(phase)), Q: float32(amp * math.Sin(phase))}
	}
	return out
}

func argmax(v []float32) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func TestEngineToneLandsOnItsBin(t *testing.T) {
	for size := 64; size <= 4096; size *= 2 {
		for _, bin := range []int{size / 8, -size / 4, 3} {
			e, err := NewEngine(Config{Size: size, Averaging: 3, Format: iq.Int32LE})
			if err != nil {
				t.Fatalf("size %d: %v", size, err)
			}
			raw := iq.Encode(iq.Int32LE, tone(size, bin, 0.5))
			published := false
			for k := 0; k < 3; k++ {
				published = e.Process(raw)
			}
			if !published {
				t.Fatalf("size %d bin %d: no frame after 3 blocks", size, bin)
			}
			spec := e.Spectrum(nil)
			want := ShiftedIndex(bin, size)
			if got := argmax(spec); got != want {
				t.Fatalf("size %d bin %d: peak at %d, want %d", size, bin, got, want)
			}
			expected := 20 * math.Log10(0.5*CoherentGain(BlackmanHarris(size)))
			if math.Abs(float64(spec[want])-expected) > 0.5 {
				t.Fatalf("size %d bin %d: peak %.2f dB, want %.2f dB", size, bin, spec[want], expected)
			}
		}
	}
}

func TestEngineDCFrame(t *testing.T) {
	const size = 4096
	e, err := NewEngine(DefaultConfig())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	dc := make([]iq.Sample, size)
	for i := range dc {
		dc[i] = iq.Sample{I: 1, Q: 0}
	}
	raw := iq.Encode(iq.Int32LE, dc)

	for k := 0; k < 2; k++ {
		if e.Process(raw) {
			t.Fatalf("frame published after %d blocks", k+1)
		}
	}
	if e.RSSI() != NoSignalDB {
		t.Fatalf("RSSI should be unset before the first frame, got %f", e.RSSI())
	}
	if !e.Process(raw) {
		t.Fatalf("expected a frame after the third block")
	}

	spec := e.Spectrum(nil)
	if len(spec) != size {
		t.Fatalf("frame length %d, want %d", len(spec), size)
	}
	if got := argmax(spec); got != size/2 {
		t.Fatalf("peak at %d, want centre bin %d", got, size/2)
	}
	if e.RSSI() != spec[size/2] {
		t.Fatalf("RSSI %f does not match centre peak %f", e.RSSI(), spec[size/2])
	}
	if blocks, frames := e.Stats(); blocks != 3 || frames != 1 {
		t.Fatalf("unexpected stats blocks=%d frames=%d", blocks, frames)
	}
}

func TestEngineChunkingIsDeterministic(t *testing.T) {
	cfg := Config{Size: 256, Averaging: 2, Format: iq.Int32LE}
	samples := append(tone(256, 17, 0.3), tone(256, 17, 0.3)...)
	for i := range samples {
		samples[i].I += float32(i%7) * 1e-3
	}
	raw := iq.Encode(iq.Int32LE, samples)

	whole, _ := NewEngine(cfg)
	if !whole.Process(raw) {
		t.Fatalf("expected frame from whole buffer")
	}
	chunked, _ := NewEngine(cfg)
	published := false
	for off := 0; off < len(raw); off += 13 {
		end := off + 13
		if end > len(raw) {
			end = len(raw)
		}
		if chunked.Process(raw[off:end]) {
			published = true
		}
	}
	if !published {
		t.Fatalf("expected frame from chunked feed")
	}
	a, b := whole.Spectrum(nil), chunked.Spectrum(nil)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("bin %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestEngineRSSIIgnoresOutOfBandPeak(t *testing.T) {
	const size = 1024
	e, _ := NewEngine(Config{Size: size, Averaging: 1, Format: iq.Int32LE})
	if !e.ProcessSamples(tone(size, size/4, 0.9)) {
		t.Fatalf("expected a frame")
	}
	spec := e.Spectrum(nil)
	if e.RSSI() >= spec[ShiftedIndex(size/4, size)] {
		t.Fatalf("RSSI %f should be below the out-of-band peak", e.RSSI())
	}
}

func TestEngineResetDropsPartialBlock(t *testing.T) {
	e, _ := NewEngine(Config{Size: 64, Averaging: 1, Format: iq.Int32LE})
	e.ProcessSamples(tone(32, 1, 0.5))
	e.Reset()
	if e.ProcessSamples(tone(32, 1, 0.5)) {
		t.Fatalf("frame published from a block split by Reset")
	}
	if !e.ProcessSamples(tone(32, 1, 0.5)) {
		t.Fatalf("expected frame once a full block arrived after Reset")
	}
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	bad := []Config{
		{Size: 100, Averaging: 3},
		{Size: 32, Averaging: 3},
		{Size: 4096, Averaging: 0},
		{Size: 4096, Averaging: 3, RSSIHalfWidth: 4096},
	}
	for _, cfg := range bad {
		if _, err := NewEngine(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("config %+v: expected ErrInvalidConfig, got %v", cfg, err)
		}
	}
}
