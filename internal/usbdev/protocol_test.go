package usbdev

import (
	"math"
	"testing"

	"github.com/rjboer/fdmspectrum/internal/radio"
)

func TestTuningWordKnownValues(t *testing.T) {
	const rate = NominalRate
	cases := []struct {
		hz   int64
		want uint32
	}{
		{0, 0},
		{rate / 4, 1 << 30},
		{rate / 2, 1 << 31},
		{rate, 0},
		{rate + rate/4, 1 << 30},
	}
	for _, tc := range cases {
		if got := TuningWord(tc.hz, rate); got != tc.want {
			t.Fatalf("TuningWord(%d): got 0x%08x want 0x%08x", tc.hz, got, tc.want)
		}
	}
}

func TestTuningWordRoundTrip(t *testing.T) {
	rate := NominalRate - 1250
	step := float64(rate) / twoPow32
	for _, hz := range []int64{100_000, 1_800_000, 7_100_000, 14_074_000, 28_500_000, 54_000_000} {
		got := TuningFrequency(TuningWord(hz, rate), rate)
		if math.Abs(got-float64(hz)) > step/2*1.001 {
			t.Fatalf("round trip %d: got %.6f (step %.6f)", hz, got, step)
		}
	}
}

func TestSplitJoinTuningWord(t *testing.T) {
	word := uint32(0xA1B2C3D4)
	val, idx, data := splitTuningWord(word)
	if val != 0xC3D4 || idx != 0xF2B2 || data[0] != 0xA1 || data[1] != 0 {
		t.Fatalf("unexpected split: val=0x%04x idx=0x%04x data=%v", val, idx, data)
	}
	if got := joinTuningWord(val, idx, data[:]); got != word {
		t.Fatalf("join: got 0x%08x", got)
	}
}

func TestTextFrequencyCommand(t *testing.T) {
	cmd := textFrequencyCommand(7_100_000)
	want := "CF    7100000;\x00\x00"
	if string(cmd[:]) != want {
		t.Fatalf("got %q want %q", string(cmd[:]), want)
	}
	hz, ok := parseTextFrequencyCommand(cmd[:])
	if !ok || hz != 7_100_000 {
		t.Fatalf("parse: got %d %v", hz, ok)
	}
	if _, ok := parseTextFrequencyCommand([]byte("FA00007100000;")); ok {
		t.Fatalf("expected non-CF command to be rejected")
	}
}

func TestParseFreqMode(t *testing.T) {
	buf := encodeFreqMode(14_074_000, radio.ModeUSB)
	hz, mode, ok := parseFreqMode(buf)
	if !ok || hz != 14_074_000 || mode != radio.ModeUSB {
		t.Fatalf("got %d %v %v", hz, mode, ok)
	}
	if _, _, ok := parseFreqMode(buf[:10]); ok {
		t.Fatalf("expected short register to be rejected")
	}
}

func TestRegisterModeMasksAndRejects(t *testing.T) {
	if got := registerMode(0x31); got != radio.ModeAM {
		t.Fatalf("high nibble should be ignored, got %v", got)
	}
	for _, b := range []byte{0, 7, 0x0F} {
		if got := registerMode(b); got != radio.ModeUnknown {
			t.Fatalf("registerMode(%d): got %v", b, got)
		}
	}
}

func TestTrimSerial(t *testing.T) {
	raw := make([]byte, serialLen)
	copy(raw, " ABC123 \x00junk")
	if got := trimSerial(raw); got != "ABC123" {
		t.Fatalf("got %q", got)
	}
}
