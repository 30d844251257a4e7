// Package numutil provides small numeric helpers shared by the grid,
// binning and likelihood packages: NaN-aware interpolation, polynomial
// fitting and evaluation, and robust summaries.
package numutil

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var (
	errDegree       = errors.New("polynomial degree must be non-negative")
	errInsufficient = errors.New("not enough finite samples for polynomial fit")
)

// Interp linearly interpolates ys sampled at xs onto the query points
// qs. Query points outside [xs[0], xs[len-1]] map to NaN. xs must be
// strictly increasing.
func Interp(qs, xs, ys []float64) []float64 {
	out := make([]float64, len(qs))
	InterpInto(out, qs, xs, ys)
	return out
}

// InterpInto is Interp writing into a caller-provided slice, avoiding
// an allocation on hot evaluation paths.
func InterpInto(dst, qs, xs, ys []float64) {
	n := len(xs)
	for i, q := range qs {
		if n == 0 || q < xs[0] || q > xs[n-1] || math.IsNaN(q) {
			dst[i] = math.NaN()
			continue
		}
		j := sort.SearchFloat64s(xs, q)
		if j < n && xs[j] == q {
			dst[i] = ys[j]
			continue
		}
		// xs[j-1] < q < xs[j]
		t := (q - xs[j-1]) / (xs[j] - xs[j-1])
		dst[i] = ys[j-1] + t*(ys[j]-ys[j-1])
	}
}

// Polyval evaluates a polynomial with coefficients in ascending order
// (coeffs[0] is the constant term) at each point of xs.
func Polyval(coeffs, xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		v := 0.0
		for j := len(coeffs) - 1; j >= 0; j-- {
			v = v*x + coeffs[j]
		}
		out[i] = v
	}
	return out
}

// Polyfit fits a polynomial of the given degree to (xs, ys) by least
// squares, ignoring non-finite samples. Coefficients are returned in
// ascending order. An error is returned when fewer finite samples
// remain than coefficients to solve for.
func Polyfit(xs, ys []float64, degree int) ([]float64, error) {
	if degree < 0 {
		return nil, errDegree
	}
	var fx, fy []float64
	for i := range xs {
		if math.IsNaN(xs[i]) || math.IsNaN(ys[i]) ||
			math.IsInf(xs[i], 0) || math.IsInf(ys[i], 0) {
			continue
		}
		fx = append(fx, xs[i])
		fy = append(fy, ys[i])
	}
	m := degree + 1
	if len(fx) < m {
		return nil, errInsufficient
	}

	// Vandermonde design matrix, solved via QR.
	a := mat.NewDense(len(fx), m, nil)
	for i, x := range fx {
		v := 1.0
		for j := 0; j < m; j++ {
			a.Set(i, j, v)
			v *= x
		}
	}
	b := mat.NewVecDense(len(fy), fy)

	var qr mat.QR
	qr.Factorize(a)
	var sol mat.VecDense
	if err := qr.SolveVecTo(&sol, false, b); err != nil {
		return nil, err
	}

	coeffs := make([]float64, m)
	for j := 0; j < m; j++ {
		coeffs[j] = sol.AtVec(j)
	}
	return coeffs, nil
}

// Median returns the median of the finite values in xs, or NaN when
// no finite values exist. xs is not modified.
func Median(xs []float64) float64 {
	finite := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			finite = append(finite, x)
		}
	}
	if len(finite) == 0 {
		return math.NaN()
	}
	sort.Float64s(finite)
	n := len(finite)
	if n%2 == 1 {
		return finite[n/2]
	}
	return 0.5 * (finite[n/2-1] + finite[n/2])
}

// MeanDiff returns the mean spacing of a (usually monotonic) sequence.
func MeanDiff(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	return (xs[len(xs)-1] - xs[0]) / float64(len(xs)-1)
}

// Mean returns the arithmetic mean of xs, or NaN for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// LogSumExp2 computes log(exp(a) + exp(b)) without overflow.
func LogSumExp2(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// IsStrictlyIncreasing reports whether xs is strictly increasing.
func IsStrictlyIncreasing(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return false
		}
	}
	return true
}
