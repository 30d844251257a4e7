package grid

import (
	"testing"

	"github.com/spectral-data/specfit/internal/testutil"
)

// testModel builds a 3x3 model whose flux is linear in both grid
// dimensions, so linear interpolation recovers it exactly.
func testModel(t *testing.T) *Model {
	t.Helper()
	names, points := testPoints2D()
	ix, err := NewIndex(names, points)
	testutil.AssertNoError(t, err)

	const pixels = 4
	rows := make([][]float64, len(points))
	for i, p := range points {
		rows[i] = make([]float64, pixels)
		for j := range rows[i] {
			rows[i][j] = testFlux(p, j)
		}
	}
	dispersion := map[string][]float64{"blue": {5000, 5001, 5002, 5003}}
	m, err := New(ix, dispersion, NewMemStore(map[string][][]float64{"blue": rows}))
	testutil.AssertNoError(t, err)
	return m
}

func testFlux(p []float64, pixel int) float64 {
	return 0.001*p[0] + 0.5*p[1] + float64(pixel)
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"nearest", "linear", "cubic"} {
		if _, err := ParseKind(s); err != nil {
			t.Errorf("ParseKind(%q) = %v", s, err)
		}
	}
	if _, err := ParseKind("quadratic"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestComparisonSubsetSlicing(t *testing.T) {
	m := testModel(t)
	sub, err := NewComparisonSubset(m, 3, KindNearest)
	testutil.AssertNoError(t, err)

	if sub.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", sub.Len())
	}
	if got := sub.ModelRow(1); got != 3 {
		t.Errorf("ModelRow(1) = %d, want 3", got)
	}
	// Subset rows carry the stored flux verbatim.
	testutil.AssertSliceClose(t, sub.Row("blue", 0),
		[]float64{testFlux(m.Index.Point(0), 0), testFlux(m.Index.Point(0), 1),
			testFlux(m.Index.Point(0), 2), testFlux(m.Index.Point(0), 3)}, 0)
}

func TestIntensitiesGridPointRoundTrip(t *testing.T) {
	m := testModel(t)
	for _, kind := range []Kind{KindNearest, KindLinear, KindCubic} {
		sub, err := NewComparisonSubset(m, m.Index.Len(), kind)
		testutil.AssertNoError(t, err)

		dst := make([]float64, 4)
		for i := 0; i < m.Index.Len(); i++ {
			testutil.AssertNoError(t, sub.Intensities("blue", m.Index.Point(i), dst))
			testutil.AssertSliceClose(t, dst, sub.Row("blue", i), 0)
		}
	}
}

func TestIntensitiesNearest(t *testing.T) {
	m := testModel(t)
	sub, err := NewComparisonSubset(m, m.Index.Len(), KindNearest)
	testutil.AssertNoError(t, err)

	dst := make([]float64, 4)
	testutil.AssertNoError(t, sub.Intensities("blue", []float64{4100, 1.2}, dst))
	want := []float64{testFlux([]float64{4000, 1}, 0), testFlux([]float64{4000, 1}, 1),
		testFlux([]float64{4000, 1}, 2), testFlux([]float64{4000, 1}, 3)}
	testutil.AssertSliceClose(t, dst, want, 0)
}

func TestIntensitiesLinear(t *testing.T) {
	m := testModel(t)
	sub, err := NewComparisonSubset(m, m.Index.Len(), KindLinear)
	testutil.AssertNoError(t, err)

	point := []float64{4500, 1.5}
	dst := make([]float64, 4)
	testutil.AssertNoError(t, sub.Intensities("blue", point, dst))
	for j := range dst {
		testutil.AssertClose(t, dst[j], testFlux(point, j), 1e-12)
	}
}

func TestIntensitiesCubic(t *testing.T) {
	m := testModel(t)
	sub, err := NewComparisonSubset(m, m.Index.Len(), KindCubic)
	testutil.AssertNoError(t, err)

	// A natural cubic through linear samples reproduces the line.
	point := []float64{4700, 1.8}
	dst := make([]float64, 4)
	testutil.AssertNoError(t, sub.Intensities("blue", point, dst))
	for j := range dst {
		testutil.AssertClose(t, dst[j], testFlux(point, j), 1e-9)
	}
}

func TestIntensitiesOutsideHull(t *testing.T) {
	m := testModel(t)
	for _, kind := range []Kind{KindNearest, KindLinear} {
		sub, err := NewComparisonSubset(m, m.Index.Len(), kind)
		testutil.AssertNoError(t, err)

		dst := make([]float64, 4)
		testutil.AssertNoError(t, sub.Intensities("blue", []float64{3000, 1.5}, dst))
		testutil.AssertAllNaN(t, dst)
	}
}

func TestIntensitiesErrors(t *testing.T) {
	m := testModel(t)
	sub, err := NewComparisonSubset(m, m.Index.Len(), KindLinear)
	testutil.AssertNoError(t, err)

	dst := make([]float64, 4)
	if err := sub.Intensities("green", []float64{4500, 1.5}, dst); err == nil {
		t.Error("expected error for unknown channel")
	}
	if err := sub.Intensities("blue", []float64{4500}, dst); err == nil {
		t.Error("expected error for wrong dimensionality")
	}
}

func TestLocalSubsetWindow(t *testing.T) {
	m := testModel(t)

	// An interior closest point keeps only the bracketing window.
	sub, err := NewLocalSubset(m, []float64{4500, 1.5}, 1, KindLinear)
	testutil.AssertNoError(t, err)
	if sub.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", sub.Len())
	}
	lo, hi := sub.Bounds()
	testutil.AssertSliceClose(t, lo, []float64{4000, 1}, 0)
	testutil.AssertSliceClose(t, hi, []float64{5000, 2}, 0)

	// A hull-corner point has no bracketing window and widens to the
	// whole grid.
	sub, err = NewLocalSubset(m, []float64{4000, 1}, 1, KindLinear)
	testutil.AssertNoError(t, err)
	if sub.Len() != m.Index.Len() {
		t.Fatalf("Len() = %d, want %d", sub.Len(), m.Index.Len())
	}
}

func TestInverseDistanceFallback(t *testing.T) {
	// An L-shaped point set can never form a rectangular tensor, so
	// interior interpolation goes through the weighted-mean fallback.
	names := []string{"teff", "logg"}
	points := [][]float64{{4000, 1}, {4000, 2}, {5000, 1}}
	ix, err := NewIndex(names, points)
	testutil.AssertNoError(t, err)

	rows := [][]float64{{1, 1}, {2, 2}, {3, 3}}
	m, err := New(ix, map[string][]float64{"blue": {5000, 5001}},
		NewMemStore(map[string][][]float64{"blue": rows}))
	testutil.AssertNoError(t, err)

	sub, err := NewComparisonSubset(m, 3, KindLinear)
	testutil.AssertNoError(t, err)

	dst := make([]float64, 2)
	testutil.AssertNoError(t, sub.Intensities("blue", []float64{4500, 1.5}, dst))
	testutil.AssertAllFinite(t, dst)
	if dst[0] < 1 || dst[0] > 3 {
		t.Errorf("weighted mean %v outside the convex range of the rows", dst[0])
	}
}

func TestIntensitiesIsDeterministicAcrossGoroutines(t *testing.T) {
	m := testModel(t)
	sub, err := NewComparisonSubset(m, m.Index.Len(), KindLinear)
	testutil.AssertNoError(t, err)

	point := []float64{4250, 2.5}
	want := make([]float64, 4)
	testutil.AssertNoError(t, sub.Intensities("blue", point, want))

	const workers = 8
	results := make(chan []float64, workers)
	for w := 0; w < workers; w++ {
		go func() {
			dst := make([]float64, 4)
			if err := sub.Intensities("blue", point, dst); err != nil {
				dst = nil
			}
			results <- dst
		}()
	}
	for w := 0; w < workers; w++ {
		got := <-results
		if got == nil {
			t.Fatal("concurrent Intensities returned an error")
		}
		testutil.AssertSliceClose(t, got, want, 0)
	}
}
