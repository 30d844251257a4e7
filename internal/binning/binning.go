// Package binning maps synthetic flux vectors from their native
// dispersion sampling onto an observed wavelength grid, optionally
// convolving to a requested resolving power first.
package binning

import (
	"fmt"
	"math"

	"github.com/spectral-data/specfit/internal/numutil"
)

// fwhmToSigma converts a Gaussian full width at half maximum to a
// standard deviation.
const fwhmToSigma = 2.3548200450309493

// Options controls which transform strategy a Binner commits to. The
// choice is made once at construction and held for the Binner's
// lifetime.
type Options struct {
	// FreeRedshift marks the channel's redshift as a free parameter.
	// When unset, the transform is precomputed at FixedRedshift and
	// the redshift argument to Bin is ignored.
	FreeRedshift bool
	// FreeResolution marks the channel's resolving power as a free
	// parameter, enabling Gaussian convolution before resampling.
	FreeResolution bool
	// FixedRedshift is the redshift baked into the fixed transform
	// when FreeRedshift is unset.
	FixedRedshift float64
	// Fast re-interpolates on every call. When unset, resampling
	// operators are precomputed per (redshift, resolution) pair and
	// held in a bounded cache.
	Fast bool
	// CacheSize bounds the operator cache in matrix mode. Zero means
	// a default of 64 entries.
	CacheSize int
}

// Binner resamples native-grid flux onto one channel's observed
// wavelengths. Construct one per channel per solving stage and call
// Close at stage end to release any cached operators.
type Binner struct {
	native   []float64
	observed []float64
	opts     Options

	// sigmaScale converts a resolving power into a Gaussian sigma in
	// native pixels.
	sigmaScale float64

	// fixed holds the precomputed operator when neither redshift nor
	// resolution is free.
	fixed []sparseRow
	cache *operatorCache
}

// New builds a Binner for a channel with the given native and observed
// wavelength grids.
func New(native, observed []float64, opts Options) (*Binner, error) {
	if len(native) < 2 {
		return nil, fmt.Errorf("binning: need at least two native pixels, got %d", len(native))
	}
	if len(observed) < 2 {
		return nil, fmt.Errorf("binning: need at least two observed pixels, got %d", len(observed))
	}
	if !numutil.IsStrictlyIncreasing(native) {
		return nil, fmt.Errorf("binning: native wavelengths must be strictly increasing")
	}
	if !numutil.IsStrictlyIncreasing(observed) {
		return nil, fmt.Errorf("binning: observed wavelengths must be strictly increasing")
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = 64
	}
	b := &Binner{
		native:     append([]float64(nil), native...),
		observed:   append([]float64(nil), observed...),
		opts:       opts,
		sigmaScale: numutil.Mean(native) / (fwhmToSigma * numutil.MeanDiff(native)),
	}
	if !opts.FreeRedshift && !opts.FreeResolution {
		b.fixed = b.buildOperator(opts.FixedRedshift, 0)
	} else if !opts.Fast {
		b.cache = newOperatorCache(opts.CacheSize)
	}
	return b, nil
}

// Pixels returns the length of the output flux vector.
func (b *Binner) Pixels() int { return len(b.observed) }

// Bin resamples nativeFlux onto the observed wavelength grid at the
// given trial redshift and resolving power. Observed pixels outside
// the (redshifted) native coverage come back NaN. A resolving power
// of zero or less skips convolution. The result is newly allocated.
func (b *Binner) Bin(nativeFlux []float64, redshift, resolution float64) ([]float64, error) {
	dst := make([]float64, len(b.observed))
	if err := b.BinInto(dst, nativeFlux, redshift, resolution); err != nil {
		return nil, err
	}
	return dst, nil
}

// BinInto is Bin writing into a caller-provided slice.
func (b *Binner) BinInto(dst, nativeFlux []float64, redshift, resolution float64) error {
	if len(nativeFlux) != len(b.native) {
		return fmt.Errorf("binning: flux has %d pixels, native grid has %d",
			len(nativeFlux), len(b.native))
	}
	if len(dst) != len(b.observed) {
		return fmt.Errorf("binning: dst has %d pixels, observed grid has %d",
			len(dst), len(b.observed))
	}

	switch {
	case b.fixed != nil:
		applyOperator(b.fixed, nativeFlux, dst)
		return nil

	case b.opts.Fast:
		flux := nativeFlux
		if b.opts.FreeResolution && resolution > 0 {
			flux = blur(nativeFlux, b.sigmaScale/resolution)
		}
		z := redshift
		if !b.opts.FreeRedshift {
			z = b.opts.FixedRedshift
		}
		shifted := make([]float64, len(b.native))
		for i, w := range b.native {
			shifted[i] = w * (1 + z)
		}
		numutil.InterpInto(dst, b.observed, shifted, flux)
		return nil

	default:
		z := redshift
		if !b.opts.FreeRedshift {
			z = b.opts.FixedRedshift
		}
		r := resolution
		if !b.opts.FreeResolution {
			r = 0
		}
		op := b.cache.get(z, r)
		if op == nil {
			op = b.buildOperator(z, r)
			b.cache.put(z, r, op)
		}
		applyOperator(op, nativeFlux, dst)
		return nil
	}
}

// Close releases cached operators. The Binner must not be used after.
func (b *Binner) Close() {
	b.fixed = nil
	if b.cache != nil {
		b.cache.clear()
	}
}

// sparseRow holds one output pixel's weights over native pixels. An
// empty row marks a pixel with no native coverage.
type sparseRow struct {
	start   int
	weights []float64
}

func applyOperator(op []sparseRow, flux, dst []float64) {
	for i, row := range op {
		if len(row.weights) == 0 {
			dst[i] = math.NaN()
			continue
		}
		v := 0.0
		for j, w := range row.weights {
			v += w * flux[row.start+j]
		}
		dst[i] = v
	}
}

// buildOperator assembles the sparse resampling operator for one
// (redshift, resolution) pair: box binning over the redshifted native
// pixels falling inside each observed pixel, composed with a Gaussian
// blur when a positive resolving power is requested.
func (b *Binner) buildOperator(redshift, resolution float64) []sparseRow {
	shifted := make([]float64, len(b.native))
	for i, w := range b.native {
		shifted[i] = w * (1 + redshift)
	}

	rows := make([]sparseRow, len(b.observed))
	lo := 0
	for i, w := range b.observed {
		left, right := pixelEdges(b.observed, i)
		for lo < len(shifted) && shifted[lo] < left {
			lo++
		}
		hi := lo
		for hi < len(shifted) && shifted[hi] < right {
			hi++
		}
		switch {
		case hi > lo:
			// Box over the covered native pixels.
			weights := make([]float64, hi-lo)
			for j := range weights {
				weights[j] = 1 / float64(hi-lo)
			}
			rows[i] = sparseRow{start: lo, weights: weights}
		case w >= shifted[0] && w <= shifted[len(shifted)-1]:
			// Coarser native sampling: fall back to linear
			// interpolation between the bracketing native pixels.
			rows[i] = linearRow(shifted, w)
		default:
			rows[i] = sparseRow{}
		}
	}

	if resolution > 0 {
		rows = composeBlur(rows, b.sigmaScale/resolution, len(b.native))
	}
	return rows
}

// pixelEdges returns the half-open wavelength interval owned by
// observed pixel i, bounded by midpoints to its neighbours.
func pixelEdges(observed []float64, i int) (left, right float64) {
	if i > 0 {
		left = 0.5 * (observed[i-1] + observed[i])
	} else {
		left = observed[0] - 0.5*(observed[1]-observed[0])
	}
	if i < len(observed)-1 {
		right = 0.5 * (observed[i] + observed[i+1])
	} else {
		n := len(observed)
		right = observed[n-1] + 0.5*(observed[n-1]-observed[n-2])
	}
	return left, right
}

func linearRow(shifted []float64, w float64) sparseRow {
	j := 0
	for j < len(shifted)-1 && shifted[j+1] < w {
		j++
	}
	t := (w - shifted[j]) / (shifted[j+1] - shifted[j])
	return sparseRow{start: j, weights: []float64{1 - t, t}}
}

// composeBlur multiplies the box operator by a Gaussian blur over
// native pixels, truncated at four sigma.
func composeBlur(rows []sparseRow, sigma float64, native int) []sparseRow {
	kernel := gaussianKernel(sigma)
	half := len(kernel) / 2

	out := make([]sparseRow, len(rows))
	for i, row := range rows {
		if len(row.weights) == 0 {
			continue
		}
		start := row.start - half
		if start < 0 {
			start = 0
		}
		end := row.start + len(row.weights) + half
		if end > native {
			end = native
		}
		weights := make([]float64, end-start)
		for j, w := range row.weights {
			centre := row.start + j
			norm := 0.0
			for k := range kernel {
				if p := centre + k - half; p >= 0 && p < native {
					norm += kernel[k]
				}
			}
			for k := range kernel {
				p := centre + k - half
				if p >= 0 && p < native {
					weights[p-start] += w * kernel[k] / norm
				}
			}
		}
		out[i] = sparseRow{start: start, weights: weights}
	}
	return out
}

// blur convolves flux with a Gaussian of the given sigma in pixel
// units, renormalising at the edges.
func blur(flux []float64, sigma float64) []float64 {
	kernel := gaussianKernel(sigma)
	half := len(kernel) / 2

	out := make([]float64, len(flux))
	for i := range flux {
		v, norm := 0.0, 0.0
		for k := range kernel {
			j := i + k - half
			if j < 0 || j >= len(flux) {
				continue
			}
			v += kernel[k] * flux[j]
			norm += kernel[k]
		}
		out[i] = v / norm
	}
	return out
}

func gaussianKernel(sigma float64) []float64 {
	half := int(math.Ceil(4 * sigma))
	if half < 1 {
		half = 1
	}
	kernel := make([]float64, 2*half+1)
	for k := range kernel {
		d := float64(k - half)
		kernel[k] = math.Exp(-d * d / (2 * sigma * sigma))
	}
	return kernel
}

// operatorCache is a bounded most-recently-built cache of resampling
// operators keyed by quantised (redshift, resolution).
type operatorCache struct {
	size  int
	order []opKey
	ops   map[opKey][]sparseRow
}

type opKey struct {
	z int64
	r int64
}

func cacheKey(z, r float64) opKey {
	return opKey{z: int64(math.Round(z * 1e8)), r: int64(math.Round(r * 1e3))}
}

func newOperatorCache(size int) *operatorCache {
	return &operatorCache{size: size, ops: make(map[opKey][]sparseRow, size)}
}

func (c *operatorCache) get(z, r float64) []sparseRow {
	return c.ops[cacheKey(z, r)]
}

func (c *operatorCache) put(z, r float64, op []sparseRow) {
	key := cacheKey(z, r)
	if _, ok := c.ops[key]; ok {
		return
	}
	if len(c.order) >= c.size {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.ops, oldest)
	}
	c.ops[key] = op
	c.order = append(c.order, key)
}

func (c *operatorCache) clear() {
	c.ops = make(map[opKey][]sparseRow)
	c.order = nil
}
