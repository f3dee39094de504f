package testsupport

import (
	"math"
	"math/rand/v2"
)

// Signal returns n samples of reproducible Gaussian noise. Two cameras that
// hear the same event share a Signal; an unrelated camera uses another seed.
func Signal(seed uint64, n int) []float64 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.NormFloat64()
	}
	return out
}

// Window cuts the samples covering [start, start+duration) seconds from a
// signal sampled at hz.
func Window(signal []float64, hz, start, duration float64) []float64 {
	from := int(math.Round(start * hz))
	to := from + int(math.Round(duration*hz))
	if from < 0 {
		from = 0
	}
	if to > len(signal) {
		to = len(signal)
	}
	if from >= to {
		return nil
	}
	return append([]float64(nil), signal[from:to]...)
}

// Blend mixes independent noise into values at the given amount (0 keeps the
// input, 1 replaces it).
func Blend(values []float64, seed uint64, amount float64) []float64 {
	noise := Signal(seed, len(values))
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (1-amount)*v + amount*noise[i]
	}
	return out
}
