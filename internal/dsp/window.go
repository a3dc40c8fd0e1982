package dsp

import "math"

// Four-term Blackman-Harris coefficients (-92 dB sidelobes).
const (
	bhA0 = 0.35875
	bhA1 = 0.48829
	bhA2 = 0.14128
	bhA3 = 0.01168
)

// BlackmanHarris returns a symmetric four-term Blackman-Harris window of
// length n. If n is zero or negative, an empty slice is returned.
func BlackmanHarris(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{1}
	}
	win := make([]float64, n)
	for i := 0; i < n; i++ {
		x := float64(i) / float64(n-1)
		win[i] = bhA0 - bhA1*math.Cos(2*math.Pi*x) + bhA2*math.Cos(4*math.Pi*x) - bhA3*math.Cos(6*math.Pi*x)
	}
	return win
}

// CoherentGain returns the mean of the window, the factor by which a
// windowed tone's FFT peak is reduced relative to a rectangular window.
func CoherentGain(win []float64) float64 {
	if len(win) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range win {
		sum += v
	}
	return sum / float64(len(win))
}
