// Package fingerprint implements the signal comparisons used to align camera
// clocks and to group segments: masked normalized cross-correlation over a
// lag range, grid rendering of segment fingerprints, and cosine similarity for
// speaker embeddings.
package fingerprint

import (
	"math"
)

// Gap marks grid samples with no audio coverage. Correlations skip them.
var Gap = math.NaN()

// IsGap reports whether a sample is a coverage gap.
func IsGap(x float64) bool { return math.IsNaN(x) }

// Correlate returns the Pearson correlation of the pairs (a[i+lag], b[i])
// where both samples are present, along with the number of such pairs.
func Correlate(a, b []float64, lag int) (float64, int) {
	lo := 0
	if -lag > lo {
		lo = -lag
	}
	hi := len(b)
	if len(a)-lag < hi {
		hi = len(a) - lag
	}
	var n int
	var sumA, sumB, sumAA, sumBB, sumAB float64
	for i := lo; i < hi; i++ {
		x, y := a[i+lag], b[i]
		if IsGap(x) || IsGap(y) {
			continue
		}
		n++
		sumA += x
		sumB += y
		sumAA += x * x
		sumBB += y * y
		sumAB += x * y
	}
	if n < 2 {
		return 0, n
	}
	fn := float64(n)
	cov := sumAB - sumA*sumB/fn
	varA := sumAA - sumA*sumA/fn
	varB := sumBB - sumB*sumB/fn
	if varA <= 1e-12 || varB <= 1e-12 {
		return 0, n
	}
	r := cov / math.Sqrt(varA*varB)
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}
	return r, n
}

// Peak is the best lag found by BestLag.
type Peak struct {
	Lag         int
	Correlation float64
	Overlap     int
}

// BestLag searches lags in [minLag, maxLag] for the highest correlation with at
// least minOverlap paired samples. Equal correlations resolve to the lag
// closest to zero, then the smaller lag, so results are reproducible. ok is
// false when no lag reaches the overlap requirement.
func BestLag(a, b []float64, minLag, maxLag, minOverlap int) (Peak, bool) {
	if minOverlap < 2 {
		minOverlap = 2
	}
	best := Peak{Correlation: math.Inf(-1)}
	found := false
	for lag := minLag; lag <= maxLag; lag++ {
		r, n := Correlate(a, b, lag)
		if n < minOverlap {
			continue
		}
		if !found || r > best.Correlation+1e-12 ||
			(math.Abs(r-best.Correlation) <= 1e-12 && closerToZero(lag, best.Lag)) {
			best = Peak{Lag: lag, Correlation: r, Overlap: n}
			found = true
		}
	}
	return best, found
}

func closerToZero(lag, current int) bool {
	al, ac := abs(lag), abs(current)
	if al != ac {
		return al < ac
	}
	return lag < current
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Resample converts a fingerprint sampled at srcHz to dstHz using nearest
// sample selection.
func Resample(values []float64, srcHz, dstHz float64) []float64 {
	if srcHz <= 0 || dstHz <= 0 || len(values) == 0 || math.Abs(srcHz-dstHz) < 1e-9 {
		return values
	}
	n := int(math.Round(float64(len(values)) * dstHz / srcHz))
	out := make([]float64, n)
	for i := range out {
		src := int(math.Floor(float64(i) * srcHz / dstHz))
		if src >= len(values) {
			src = len(values) - 1
		}
		out[i] = values[src]
	}
	return out
}

// Placement is a fingerprint positioned on a shared clock.
type Placement struct {
	StartSeconds float64
	Values       []float64
	Hz           float64
}

// Grid is a sampled timeline beginning at Origin seconds.
type Grid struct {
	Origin  float64
	Hz      float64
	Samples []float64
}

// Render draws placements onto a grid at hz starting at origin. Uncovered
// samples are gaps; where placements overlap the earlier one wins.
func Render(origin, hz float64, placements []Placement) Grid {
	grid := Grid{Origin: origin, Hz: hz}
	end := 0
	resampled := make([][]float64, len(placements))
	offsets := make([]int, len(placements))
	for i, p := range placements {
		values := Resample(p.Values, p.Hz, hz)
		resampled[i] = values
		offsets[i] = int(math.Round((p.StartSeconds - origin) * hz))
		if e := offsets[i] + len(values); e > end {
			end = e
		}
	}
	if end <= 0 {
		return grid
	}
	grid.Samples = make([]float64, end)
	for i := range grid.Samples {
		grid.Samples[i] = Gap
	}
	for i, values := range resampled {
		for j, v := range values {
			k := offsets[i] + j
			if k < 0 || k >= end || !IsGap(grid.Samples[k]) {
				continue
			}
			grid.Samples[k] = v
		}
	}
	return grid
}

// Coverage returns the number of non-gap samples.
func (g Grid) Coverage() int {
	n := 0
	for _, v := range g.Samples {
		if !IsGap(v) {
			n++
		}
	}
	return n
}

// Cosine returns the cosine similarity of two equal-length vectors, or 0 when
// either is empty, zero or the lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}
