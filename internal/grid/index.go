// Package grid stores the rectangular model grid: named parameter
// points, per-channel dispersion arrays and flux vectors, with
// nearest-neighbour queries and local interpolation of flux at
// arbitrary parameter-space points.
package grid

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrShape reports a point whose dimensionality does not match the
// grid.
var ErrShape = errors.New("point dimensionality mismatch")

// Index stores the grid points in a canonical ordering and answers
// neighbourhood and membership queries. It is immutable after
// construction and safe for concurrent readers.
type Index struct {
	names  []string
	points [][]float64
	min    []float64
	max    []float64
	// axes holds the sorted distinct grid values per dimension.
	axes [][]float64
}

// NewIndex builds an index over the given points. Points must all
// have len(names) coordinates and be unique.
func NewIndex(names []string, points [][]float64) (*Index, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("grid: no dimension names")
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("grid: no points")
	}
	d := len(names)
	min := make([]float64, d)
	max := make([]float64, d)
	for i := range min {
		min[i] = math.Inf(1)
		max[i] = math.Inf(-1)
	}
	seen := make(map[string]int, len(points))
	for i, p := range points {
		if len(p) != d {
			return nil, fmt.Errorf("grid: point %d has %d coordinates, want %d: %w",
				i, len(p), d, ErrShape)
		}
		key := pointKey(p)
		if j, dup := seen[key]; dup {
			return nil, fmt.Errorf("grid: duplicate point at indices %d and %d", j, i)
		}
		seen[key] = i
		for k, v := range p {
			if math.IsNaN(v) {
				return nil, fmt.Errorf("grid: point %d has NaN coordinate %s", i, names[k])
			}
			if v < min[k] {
				min[k] = v
			}
			if v > max[k] {
				max[k] = v
			}
		}
	}
	axes := make([][]float64, d)
	for k := 0; k < d; k++ {
		values := make([]float64, 0, len(points))
		for _, p := range points {
			values = append(values, p[k])
		}
		sort.Float64s(values)
		axes[k] = append([]float64(nil), dedupe(values)...)
	}
	return &Index{names: names, points: points, min: min, max: max, axes: axes}, nil
}

// Axis returns the sorted distinct grid values in dimension d. The
// returned slice must not be modified.
func (ix *Index) Axis(d int) []float64 { return ix.axes[d] }

// Dim returns the number of grid dimensions.
func (ix *Index) Dim() int { return len(ix.names) }

// Len returns the number of grid points.
func (ix *Index) Len() int { return len(ix.points) }

// Names returns the ordered dimension names.
func (ix *Index) Names() []string { return ix.names }

// Point returns the coordinates of the i-th grid point. The returned
// slice must not be modified.
func (ix *Index) Point(i int) []float64 { return ix.points[i] }

// Extent returns the per-dimension minimum and maximum coordinates
// (the grid's convex extent). The returned slices must not be
// modified.
func (ix *Index) Extent() (min, max []float64) { return ix.min, ix.max }

// Contains reports whether the point lies within the grid's convex
// extent (inclusive of the boundary).
func (ix *Index) Contains(point []float64) bool {
	if len(point) != ix.Dim() {
		return false
	}
	for d, v := range point {
		if math.IsNaN(v) || v < ix.min[d] || v > ix.max[d] {
			return false
		}
	}
	return true
}

// NearestNeighbours returns the indices of grid points bounded, in
// every dimension, by the n distinct grid values strictly below and
// strictly above point[d]. The result is empty (and the error nil)
// when the point has no strictly-below or strictly-above values in
// some dimension, i.e. it lies outside the grid's convex extent or on
// its boundary; callers must handle an empty result.
func (ix *Index) NearestNeighbours(point []float64, n int) ([]int, error) {
	if len(point) != ix.Dim() {
		return nil, fmt.Errorf("grid: point has %d coordinates, want %d: %w",
			len(point), ix.Dim(), ErrShape)
	}
	if n < 1 {
		return nil, fmt.Errorf("grid: number of neighbours must be a positive integer, got %d", n)
	}

	type window struct{ lo, hi float64 }
	windows := make([]window, ix.Dim())
	for d, v := range point {
		if math.IsNaN(v) {
			return []int{}, nil
		}
		below, above := ix.distinctBounds(d, v, n)
		if math.IsNaN(below) || math.IsNaN(above) {
			return []int{}, nil
		}
		windows[d] = window{lo: below, hi: above}
	}

	indices := make([]int, 0, 1<<uint(ix.Dim()))
	for i, p := range ix.points {
		inside := true
		for d, w := range windows {
			if p[d] < w.lo || p[d] > w.hi {
				inside = false
				break
			}
		}
		if inside {
			indices = append(indices, i)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

// distinctBounds returns the n-th distinct grid value strictly below
// and strictly above v in dimension d, or NaN when fewer than one
// exists on that side.
func (ix *Index) distinctBounds(d int, v float64, n int) (below, above float64) {
	values := ix.axes[d]

	below, above = math.NaN(), math.NaN()
	// Index of first value >= v.
	i := sort.SearchFloat64s(values, v)
	lo := i - n
	if lo < 0 {
		lo = 0
	}
	if i > 0 {
		below = values[lo]
	}
	j := i
	if j < len(values) && values[j] == v {
		j++
	}
	if j < len(values) {
		hi := j + n - 1
		if hi > len(values)-1 {
			hi = len(values) - 1
		}
		above = values[hi]
	}
	return below, above
}

// LocateExact returns the index of a grid point exactly equal
// (float64 equality) to the given point, or false when absent.
func (ix *Index) LocateExact(point []float64) (int, bool) {
	if len(point) != ix.Dim() {
		return -1, false
	}
	for i, p := range ix.points {
		equal := true
		for d := range p {
			if p[d] != point[d] {
				equal = false
				break
			}
		}
		if equal {
			return i, true
		}
	}
	return -1, false
}

// Nearest returns the index of the grid point closest to the given
// point in range-normalised Euclidean distance.
func (ix *Index) Nearest(point []float64) (int, error) {
	if len(point) != ix.Dim() {
		return -1, fmt.Errorf("grid: point has %d coordinates, want %d: %w",
			len(point), ix.Dim(), ErrShape)
	}
	scale := make([]float64, ix.Dim())
	for d := range scale {
		scale[d] = ix.max[d] - ix.min[d]
		if scale[d] == 0 {
			scale[d] = 1
		}
	}
	best, bestDist := -1, math.Inf(1)
	for i, p := range ix.points {
		dist := 0.0
		for d := range p {
			dv := (p[d] - point[d]) / scale[d]
			dist += dv * dv
		}
		if dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best, nil
}

func dedupe(sorted []float64) []float64 {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func pointKey(p []float64) string {
	var b strings.Builder
	for _, v := range p {
		b.WriteString(strconv.FormatUint(math.Float64bits(v), 16))
		b.WriteByte(':')
	}
	return b.String()
}
