package spectrum

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/spectral-data/specfit/internal/numutil"
	"github.com/spectral-data/specfit/internal/units"
)

// CCFResult holds per-template cross-correlation results: the velocity
// at the correlation peak, its uncertainty, and the peak normalised
// correlation coefficient. Entries are NaN for templates that could
// not be correlated.
type CCFResult struct {
	Velocity      []float64 // km/s
	VelocityError []float64 // km/s
	Peak          []float64 // normalised correlation coefficient, [-1, 1]
}

// BestIndex returns the template index with the highest peak
// correlation, or -1 when no template produced a finite peak.
func (r *CCFResult) BestIndex() int {
	best, bestPeak := -1, math.Inf(-1)
	for i, p := range r.Peak {
		if !math.IsNaN(p) && p > bestPeak {
			best, bestPeak = i, p
		}
	}
	return best
}

// CrossCorrelate measures the redshift of the observed spectrum
// against each template flux vector by FFT cross-correlation on a
// common log-wavelength grid. Both sides are continuum-normalised by
// a polynomial of the given degree (degree < 0 skips normalisation
// and subtracts the mean instead). zLimits, when non-nil, restricts
// the correlation peak search to redshifts within [zLimits[0],
// zLimits[1]].
func CrossCorrelate(obs *Spectrum, templateWavelength []float64,
	templates [][]float64, continuumDegree int, zLimits *[2]float64) (*CCFResult, error) {

	if len(templates) == 0 {
		return nil, fmt.Errorf("no template spectra supplied")
	}
	lo, hi := obs.Range()
	tlo, thi := templateWavelength[0], templateWavelength[len(templateWavelength)-1]
	if tlo > lo {
		lo = tlo
	}
	if thi < hi {
		hi = thi
	}
	if hi <= lo {
		return nil, fmt.Errorf("observed spectrum [%g, %g] does not overlap template grid [%g, %g]",
			obs.Wavelength[0], obs.Wavelength[len(obs.Wavelength)-1], tlo, thi)
	}

	// Common log-wavelength sampling, zero padded to twice the grid
	// length so the circular correlation has no wraparound.
	n := nextPow2(len(obs.Wavelength))
	if n < 256 {
		n = 256
	}
	m := 2 * n
	logLo, logHi := math.Log(lo), math.Log(hi)
	dlog := (logHi - logLo) / float64(n-1)
	grid := make([]float64, n)
	for i := range grid {
		grid[i] = math.Exp(logLo + float64(i)*dlog)
	}

	obsFlux := normalizeForCCF(numutil.Interp(grid, obs.Wavelength, obs.Flux), grid, continuumDegree)
	obsNorm := vectorNorm(obsFlux)
	if obsNorm == 0 {
		return nil, fmt.Errorf("observed spectrum is flat after continuum normalisation")
	}

	fft := fourier.NewFFT(m)
	obsPadded := make([]float64, m)
	copy(obsPadded, obsFlux)
	obsCoeffs := fft.Coefficients(nil, obsPadded)

	// Lag window from the redshift limits.
	minLag, maxLag := -(n - 1), n-1
	if zLimits != nil {
		minLag = int(math.Ceil(math.Log1p(zLimits[0]) / dlog))
		maxLag = int(math.Floor(math.Log1p(zLimits[1]) / dlog))
		if minLag > maxLag {
			return nil, fmt.Errorf("ccf z limits [%g, %g] are narrower than one log-wavelength pixel",
				zLimits[0], zLimits[1])
		}
		// Wide limits must not scan lags beyond the padded signal's
		// support.
		if minLag < -(n - 1) {
			minLag = -(n - 1)
		}
		if maxLag > n-1 {
			maxLag = n - 1
		}
	}

	result := &CCFResult{
		Velocity:      make([]float64, len(templates)),
		VelocityError: make([]float64, len(templates)),
		Peak:          make([]float64, len(templates)),
	}
	cross := make([]complex128, len(obsCoeffs))
	padded := make([]float64, m)
	for ti, template := range templates {
		result.Velocity[ti] = math.NaN()
		result.VelocityError[ti] = math.NaN()
		result.Peak[ti] = math.NaN()

		tmplFlux := normalizeForCCF(numutil.Interp(grid, templateWavelength, template), grid, continuumDegree)
		tmplNorm := vectorNorm(tmplFlux)
		if tmplNorm == 0 {
			continue
		}
		for i := range padded {
			padded[i] = 0
		}
		copy(padded, tmplFlux)
		tmplCoeffs := fft.Coefficients(nil, padded)

		for i := range cross {
			cross[i] = obsCoeffs[i] * cmplx.Conj(tmplCoeffs[i])
		}
		// fourier.FFT.Sequence scales by the sequence length.
		corr := fft.Sequence(nil, cross)
		scale := 1 / (float64(m) * obsNorm * tmplNorm)

		bestLag, bestCorr := 0, math.Inf(-1)
		for lag := minLag; lag <= maxLag; lag++ {
			idx := lag
			if idx < 0 {
				idx += m
			}
			if c := corr[idx] * scale; c > bestCorr {
				bestLag, bestCorr = lag, c
			}
		}
		if math.IsInf(bestCorr, -1) {
			continue
		}

		// Sub-pixel refinement by quadratic interpolation around the peak.
		prev := corr[wrapIndex(bestLag-1, m)] * scale
		next := corr[wrapIndex(bestLag+1, m)] * scale
		curvature := prev - 2*bestCorr + next
		delta := 0.0
		if curvature < 0 {
			delta = 0.5 * (prev - next) / curvature
		}

		z := math.Expm1((float64(bestLag) + delta) * dlog)
		result.Velocity[ti] = units.RedshiftToVelocity(z, units.KMS)
		result.Peak[ti] = bestCorr
		if curvature < 0 {
			result.VelocityError[ti] = units.SpeedOfLightKMS * dlog *
				math.Sqrt(-bestCorr/curvature)
		}
	}
	return result, nil
}

// normalizeForCCF divides the flux by a fitted continuum polynomial
// (or subtracts the mean for degree < 0) and replaces non-finite
// pixels with zero so they do not contribute to the correlation.
func normalizeForCCF(flux, grid []float64, degree int) []float64 {
	out := make([]float64, len(flux))
	if degree >= 0 {
		if coeffs, err := numutil.Polyfit(grid, flux, degree); err == nil {
			continuum := numutil.Polyval(coeffs, grid)
			for i := range out {
				if c := continuum[i]; c != 0 {
					out[i] = flux[i]/c - 1
				} else {
					out[i] = math.NaN()
				}
			}
		} else {
			copy(out, flux)
		}
	} else {
		mean := finiteMean(flux)
		for i := range out {
			out[i] = flux[i] - mean
		}
	}
	for i, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[i] = 0
		}
	}
	return out
}

func finiteMean(xs []float64) float64 {
	sum, count := 0.0, 0
	for _, x := range xs {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			sum += x
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func vectorNorm(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func wrapIndex(i, m int) int {
	i %= m
	if i < 0 {
		i += m
	}
	return i
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
