package grid

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// Kind selects the flux interpolation scheme.
type Kind string

const (
	KindNearest Kind = "nearest"
	KindLinear  Kind = "linear"
	KindCubic   Kind = "cubic"
)

// ParseKind validates an interpolation kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindNearest, KindLinear, KindCubic:
		return Kind(s), nil
	}
	return "", fmt.Errorf("grid: unknown interpolation kind %q", s)
}

// Approximator maps an arbitrary parameter-space point to an
// interpolated flux vector per channel. Out-of-bounds points fill the
// output with NaN rather than failing, so downstream chi-square
// computation can mask them. Implementations are safe for concurrent
// readers.
type Approximator interface {
	// Intensities writes the interpolated flux at point into dst,
	// which must have the channel's native dispersion length.
	Intensities(channel string, point []float64, dst []float64) error
	// Bounds returns the per-dimension validity box of the
	// approximator (the subset's convex extent).
	Bounds() (lo, hi []float64)
}

// SubsetApproximator interpolates over a subset of the model grid's
// rows, preloaded at construction so evaluation never touches the
// backing store. It implements Approximator.
type SubsetApproximator struct {
	model *Model
	kind  Kind
	index *Index
	// modelRows maps subset row -> model row.
	modelRows []int
	flux      map[string][][]float64
}

// NewComparisonSubset builds a coarse, step-sliced approximator over
// approximately count grid rows, used to bound the latency of the
// estimate stage.
func NewComparisonSubset(m *Model, count int, kind Kind) (*SubsetApproximator, error) {
	if count < 1 {
		return nil, fmt.Errorf("grid: comparison subset size must be positive, got %d", count)
	}
	step := m.Index.Len() / count
	if step < 1 {
		step = 1
	}
	rows := make([]int, 0, count)
	for i := 0; i < m.Index.Len(); i += step {
		rows = append(rows, i)
	}
	return newSubset(m, rows, kind)
}

// NewLocalSubset builds a tight approximator over the grid rows
// within level distinct grid values of the closest point in every
// dimension. When the window is empty (the point sits on or outside
// the hull boundary) the whole grid is used.
func NewLocalSubset(m *Model, closest []float64, level int, kind Kind) (*SubsetApproximator, error) {
	rows, err := m.Index.NearestNeighbours(closest, level)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		rows = make([]int, m.Index.Len())
		for i := range rows {
			rows[i] = i
		}
	}
	return newSubset(m, rows, kind)
}

func newSubset(m *Model, rows []int, kind Kind) (*SubsetApproximator, error) {
	points := make([][]float64, len(rows))
	for i, r := range rows {
		points[i] = m.Index.Point(r)
	}
	index, err := NewIndex(m.Index.Names(), points)
	if err != nil {
		return nil, err
	}
	flux := make(map[string][][]float64, len(m.Channels))
	for _, name := range m.Channels {
		pixels := len(m.Dispersion[name])
		channelRows := make([][]float64, len(rows))
		for i, r := range rows {
			channelRows[i] = make([]float64, pixels)
			if err := m.Flux(name, r, channelRows[i]); err != nil {
				return nil, err
			}
		}
		flux[name] = channelRows
	}
	return &SubsetApproximator{
		model:     m,
		kind:      kind,
		index:     index,
		modelRows: append([]int(nil), rows...),
		flux:      flux,
	}, nil
}

// Len returns the number of rows in the subset.
func (a *SubsetApproximator) Len() int { return a.index.Len() }

// Row returns the stored flux row for a subset index. The returned
// slice must not be modified.
func (a *SubsetApproximator) Row(channel string, i int) []float64 {
	return a.flux[channel][i]
}

// Point returns the grid coordinates of a subset row.
func (a *SubsetApproximator) Point(i int) []float64 { return a.index.Point(i) }

// ModelRow maps a subset row back to its row in the full model grid.
func (a *SubsetApproximator) ModelRow(i int) int { return a.modelRows[i] }

// Bounds returns the subset's convex extent.
func (a *SubsetApproximator) Bounds() (lo, hi []float64) { return a.index.Extent() }

// Intensities interpolates the channel flux at the given point into
// dst. Points outside the subset's extent (or whose local window
// cannot be formed) produce NaN output and a nil error.
func (a *SubsetApproximator) Intensities(channel string, point []float64, dst []float64) error {
	rows, ok := a.flux[channel]
	if !ok {
		return fmt.Errorf("grid: unknown channel %q", channel)
	}
	if len(point) != a.index.Dim() {
		return fmt.Errorf("grid: point has %d coordinates, want %d: %w",
			len(point), a.index.Dim(), ErrShape)
	}

	// Exact grid points round-trip through every interpolation kind.
	if i, found := a.index.LocateExact(point); found {
		copy(dst, rows[i])
		return nil
	}

	if a.kind == KindNearest {
		if !a.index.Contains(point) {
			fillNaN(dst)
			return nil
		}
		i, err := a.index.Nearest(point)
		if err != nil {
			return err
		}
		copy(dst, rows[i])
		return nil
	}

	window := 1
	if a.kind == KindCubic {
		window = 2
	}
	neighbours, err := a.index.NearestNeighbours(point, window)
	if err != nil {
		return err
	}
	if len(neighbours) == 0 && window > 1 {
		// A cubic window can fail near the hull edge where a linear
		// one still exists.
		neighbours, err = a.index.NearestNeighbours(point, 1)
		if err != nil {
			return err
		}
	}
	if len(neighbours) == 0 {
		fillNaN(dst)
		return nil
	}
	a.interpolate(point, neighbours, rows, dst)
	return nil
}

// interpolate performs tensor-product interpolation of the neighbour
// rows at point. When the neighbour set does not form a complete
// rectangular tensor it falls back to inverse-distance weighting.
func (a *SubsetApproximator) interpolate(point []float64, neighbours []int, rows [][]float64, dst []float64) {
	d := a.index.Dim()

	// Distinct axis values spanned by the neighbour window.
	axes := make([][]float64, d)
	size := 1
	for dim := 0; dim < d; dim++ {
		values := make([]float64, 0, len(neighbours))
		for _, nb := range neighbours {
			values = append(values, a.index.Point(nb)[dim])
		}
		sort.Float64s(values)
		axes[dim] = dedupe(values)
		size *= len(axes[dim])
	}

	if size != len(neighbours) {
		a.inverseDistance(point, neighbours, rows, dst)
		return
	}

	// Arrange neighbour rows into tensor order (last dimension has
	// stride one).
	cells := make([][]float64, size)
	for _, nb := range neighbours {
		pos := 0
		for dim := 0; dim < d; dim++ {
			i := sort.SearchFloat64s(axes[dim], a.index.Point(nb)[dim])
			pos = pos*len(axes[dim]) + i
		}
		if cells[pos] != nil {
			a.inverseDistance(point, neighbours, rows, dst)
			return
		}
		cells[pos] = rows[nb]
	}
	for _, c := range cells {
		if c == nil {
			a.inverseDistance(point, neighbours, rows, dst)
			return
		}
	}

	// Successively collapse the last dimension.
	for dim := d - 1; dim >= 0; dim-- {
		axis := axes[dim]
		groups := len(cells) / len(axis)
		reduced := make([][]float64, groups)
		for g := 0; g < groups; g++ {
			block := cells[g*len(axis) : (g+1)*len(axis)]
			reduced[g] = a.collapseAxis(axis, block, point[dim], len(dst))
		}
		cells = reduced
	}
	copy(dst, cells[0])
}

// collapseAxis interpolates the flux vectors in block (one per axis
// value) at x, pixel by pixel.
func (a *SubsetApproximator) collapseAxis(axis []float64, block [][]float64, x float64, pixels int) []float64 {
	out := make([]float64, pixels)
	if len(axis) == 1 {
		copy(out, block[0])
		return out
	}
	if x < axis[0] || x > axis[len(axis)-1] {
		fillNaN(out)
		return out
	}
	if i := sort.SearchFloat64s(axis, x); i < len(axis) && axis[i] == x {
		copy(out, block[i])
		return out
	}

	if a.kind == KindCubic && len(axis) >= 3 {
		var nc interp.NaturalCubic
		ys := make([]float64, len(axis))
		for p := 0; p < pixels; p++ {
			bad := false
			for i := range axis {
				ys[i] = block[i][p]
				if math.IsNaN(ys[i]) {
					bad = true
					break
				}
			}
			if bad || nc.Fit(axis, ys) != nil {
				out[p] = math.NaN()
				continue
			}
			out[p] = nc.Predict(x)
		}
		return out
	}

	// Linear between the bracketing axis values.
	j := sort.SearchFloat64s(axis, x)
	t := (x - axis[j-1]) / (axis[j] - axis[j-1])
	lo, hi := block[j-1], block[j]
	for p := 0; p < pixels; p++ {
		out[p] = lo[p] + t*(hi[p]-lo[p])
	}
	return out
}

// inverseDistance is the fallback for irregular neighbour windows:
// an inverse-square-distance weighted mean in range-normalised space.
func (a *SubsetApproximator) inverseDistance(point []float64, neighbours []int, rows [][]float64, dst []float64) {
	min, max := a.index.Extent()
	scale := make([]float64, len(min))
	for d := range scale {
		scale[d] = max[d] - min[d]
		if scale[d] == 0 {
			scale[d] = 1
		}
	}

	weights := make([]float64, len(neighbours))
	total := 0.0
	for i, nb := range neighbours {
		p := a.index.Point(nb)
		dist := 0.0
		for d := range p {
			dv := (p[d] - point[d]) / scale[d]
			dist += dv * dv
		}
		if dist == 0 {
			copy(dst, rows[nb])
			return
		}
		weights[i] = 1 / dist
		total += weights[i]
	}

	for p := range dst {
		v := 0.0
		for i, nb := range neighbours {
			v += weights[i] * rows[nb][p]
		}
		dst[p] = v / total
	}
}

func fillNaN(dst []float64) {
	for i := range dst {
		dst[i] = math.NaN()
	}
}
