package grid

import (
	"errors"
	"math"
	"testing"

	"github.com/spectral-data/specfit/internal/testutil"
)

func testPoints2D() ([]string, [][]float64) {
	names := []string{"teff", "logg"}
	var points [][]float64
	for _, t := range []float64{4000, 5000, 6000} {
		for _, g := range []float64{1, 2, 3} {
			points = append(points, []float64{t, g})
		}
	}
	return names, points
}

func TestNewIndexValidation(t *testing.T) {
	tests := []struct {
		name   string
		names  []string
		points [][]float64
	}{
		{"no points", []string{"teff"}, nil},
		{"dim mismatch", []string{"teff", "logg"}, [][]float64{{4000}}},
		{"duplicate point", []string{"teff"}, [][]float64{{4000}, {4000}}},
		{"nan coordinate", []string{"teff"}, [][]float64{{math.NaN()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewIndex(tt.names, tt.points); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestIndexAxes(t *testing.T) {
	names, points := testPoints2D()
	ix, err := NewIndex(names, points)
	testutil.AssertNoError(t, err)

	testutil.AssertSliceClose(t, ix.Axis(0), []float64{4000, 5000, 6000}, 0)
	testutil.AssertSliceClose(t, ix.Axis(1), []float64{1, 2, 3}, 0)

	min, max := ix.Extent()
	testutil.AssertSliceClose(t, min, []float64{4000, 1}, 0)
	testutil.AssertSliceClose(t, max, []float64{6000, 3}, 0)
}

func TestNearestNeighbours(t *testing.T) {
	names, points := testPoints2D()
	ix, err := NewIndex(names, points)
	testutil.AssertNoError(t, err)

	tests := []struct {
		name  string
		point []float64
		n     int
		want  int
	}{
		// A strictly interior point is bracketed in both dimensions.
		{"interior", []float64{4500, 1.5}, 1, 4},
		{"interior wide", []float64{4999, 1.9}, 2, 9},
		// On-axis values widen the window to three distinct values.
		{"on axis value", []float64{5000, 1.5}, 1, 6},
		// Boundary and exterior points have no bracketing window.
		{"on hull edge", []float64{4000, 1.5}, 1, 0},
		{"outside", []float64{3000, 1.5}, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ix.NearestNeighbours(tt.point, tt.n)
			testutil.AssertNoError(t, err)
			if len(got) != tt.want {
				t.Fatalf("got %d neighbours, want %d", len(got), tt.want)
			}
		})
	}
}

func TestNearestNeighboursShapeError(t *testing.T) {
	names, points := testPoints2D()
	ix, err := NewIndex(names, points)
	testutil.AssertNoError(t, err)

	_, err = ix.NearestNeighbours([]float64{5000}, 1)
	if !errors.Is(err, ErrShape) {
		t.Fatalf("got %v, want ErrShape", err)
	}
}

func TestLocateExactAndNearest(t *testing.T) {
	names, points := testPoints2D()
	ix, err := NewIndex(names, points)
	testutil.AssertNoError(t, err)

	i, ok := ix.LocateExact([]float64{5000, 2})
	if !ok {
		t.Fatal("expected exact match for stored point")
	}
	testutil.AssertSliceClose(t, ix.Point(i), []float64{5000, 2}, 0)

	if _, ok := ix.LocateExact([]float64{5000.1, 2}); ok {
		t.Fatal("unexpected exact match for off-grid point")
	}

	j, err := ix.Nearest([]float64{5100, 2.1})
	testutil.AssertNoError(t, err)
	testutil.AssertSliceClose(t, ix.Point(j), []float64{5000, 2}, 0)
}

func TestContains(t *testing.T) {
	names, points := testPoints2D()
	ix, err := NewIndex(names, points)
	testutil.AssertNoError(t, err)

	if !ix.Contains([]float64{4000, 1}) {
		t.Error("hull corner should be contained")
	}
	if ix.Contains([]float64{3999.9, 2}) {
		t.Error("exterior point should not be contained")
	}
}
