package dsp

import "math"

// FFTShift returns the FFT output shifted so that DC is centered.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	out := make([]complex128, n)
	half := n / 2
	for j := range out {
		out[j] = data[(j+half)%n]
	}
	return out
}

// ShiftedIndex maps an FFT bin to its position after FFTShift.
func ShiftedIndex(bin, n int) int {
	return ((bin%n)+n+n/2) % n
}

// MagnitudeDB converts |x|/n to decibels, clamping the magnitude at floor so
// silent bins stay finite.
func MagnitudeDB(x complex128, n int, floor float64) float64 {
	re, im := real(x), imag(x)
	mag := math.Sqrt(re*re+im*im) / float64(n)
	if mag < floor {
		mag = floor
	}
	return 20 * math.Log10(mag)
}
