package fingerprint

import (
	"math"
	"math/rand"
	"testing"
)

func noise(seed int64, n int) []float64 {
	r := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = r.NormFloat64()
	}
	return out
}

func TestCorrelateIdentical(t *testing.T) {
	a := noise(1, 100)
	r, n := Correlate(a, a, 0)
	if n != 100 {
		t.Fatalf("expected 100 pairs, got %d", n)
	}
	if math.Abs(r-1) > 1e-9 {
		t.Fatalf("expected correlation 1, got %v", r)
	}
}

func TestCorrelateSkipsGaps(t *testing.T) {
	a := []float64{1, 2, Gap, 4, 5}
	b := []float64{1, 2, 3, 4, 5}
	r, n := Correlate(a, b, 0)
	if n != 4 {
		t.Fatalf("expected 4 pairs, got %d", n)
	}
	if math.Abs(r-1) > 1e-9 {
		t.Fatalf("expected correlation 1, got %v", r)
	}
}

func TestCorrelateConstantIsZero(t *testing.T) {
	r, _ := Correlate([]float64{1, 1, 1}, []float64{1, 2, 3}, 0)
	if r != 0 {
		t.Fatalf("expected 0 for zero variance, got %v", r)
	}
}

func TestBestLagRecoversShift(t *testing.T) {
	base := noise(7, 400)
	shift := 23
	// b[i] == base[i+shift], so the best pairing is a[i+23] with b[i].
	b := append([]float64(nil), base[shift:]...)
	peak, ok := BestLag(base, b, -50, 50, 100)
	if !ok {
		t.Fatal("expected a peak")
	}
	if peak.Lag != shift {
		t.Fatalf("expected lag %d, got %d (r=%v)", shift, peak.Lag, peak.Correlation)
	}
	if peak.Correlation < 0.99 {
		t.Fatalf("expected strong correlation, got %v", peak.Correlation)
	}
}

func TestBestLagRequiresOverlap(t *testing.T) {
	if _, ok := BestLag([]float64{1, 2, 3}, []float64{3, 2, 1}, -1, 1, 10); ok {
		t.Fatal("expected no peak when overlap is insufficient")
	}
}

func TestBestLagNoiseIsWeak(t *testing.T) {
	peak, ok := BestLag(noise(1, 600), noise(2, 600), -100, 100, 300)
	if !ok {
		t.Fatal("expected a peak")
	}
	if peak.Correlation > 0.4 {
		t.Fatalf("independent noise should not correlate strongly, got %v", peak.Correlation)
	}
}

func TestRenderPlacesAndMarksGaps(t *testing.T) {
	grid := Render(100, 10, []Placement{
		{StartSeconds: 100, Values: []float64{1, 2}, Hz: 10},
		{StartSeconds: 100.5, Values: []float64{3, 4}, Hz: 10},
	})
	if len(grid.Samples) != 7 {
		t.Fatalf("expected 7 samples, got %d", len(grid.Samples))
	}
	if grid.Samples[0] != 1 || grid.Samples[1] != 2 || grid.Samples[5] != 3 || grid.Samples[6] != 4 {
		t.Fatalf("unexpected samples %v", grid.Samples)
	}
	for _, i := range []int{2, 3, 4} {
		if !IsGap(grid.Samples[i]) {
			t.Fatalf("expected gap at %d, got %v", i, grid.Samples[i])
		}
	}
	if grid.Coverage() != 4 {
		t.Fatalf("expected coverage 4, got %d", grid.Coverage())
	}
}

func TestResample(t *testing.T) {
	out := Resample([]float64{1, 2, 3, 4}, 4, 2)
	if len(out) != 2 || out[0] != 1 || out[1] != 3 {
		t.Fatalf("unexpected resample %v", out)
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1) > 1e-12 {
		t.Fatalf("expected 1, got %v", got)
	}
	if got := Cosine([]float64{1, 0}, []float64{0, 1}); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
	if got := Cosine([]float64{1}, []float64{1, 2}); got != 0 {
		t.Fatalf("expected 0 for mismatched lengths, got %v", got)
	}
}
