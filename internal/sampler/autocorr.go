package sampler

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/spectral-data/specfit/internal/numutil"
)

// ErrAutocorr marks a series too short or too irregular for an
// autocorrelation time estimate. Callers fall back to a conservative
// default rather than aborting.
var ErrAutocorr = errors.New("autocorrelation time could not be estimated")

// acf computes the normalised autocorrelation function of x via FFT,
// zero-padded to avoid circular wrap-around.
func acf(x []float64) []float64 {
	n := len(x)
	mean := numutil.Mean(x)

	m := 1
	for m < 2*n {
		m <<= 1
	}
	padded := make([]float64, m)
	for i, v := range x {
		padded[i] = v - mean
	}

	fft := fourier.NewFFT(m)
	coeff := fft.Coefficients(nil, padded)
	for i, c := range coeff {
		re := real(c)*real(c) + imag(c)*imag(c)
		coeff[i] = complex(re, 0)
	}
	corr := fft.Sequence(nil, coeff)

	out := make([]float64, n)
	if corr[0] == 0 {
		return out
	}
	for i := range out {
		out[i] = corr[i] / corr[0]
	}
	return out
}

// EstimateTauExp estimates the exponential autocorrelation time of a
// series by a log-linear fit to the initial positive decay of its
// autocorrelation function.
func EstimateTauExp(x []float64) (float64, error) {
	if len(x) < 4 {
		return 0, ErrAutocorr
	}
	rho := acf(x)

	// Fit over the window before the first non-positive value.
	window := len(rho)
	for t := 1; t < len(rho); t++ {
		if rho[t] <= 0 {
			window = t
			break
		}
	}
	if window < 3 {
		return 0, ErrAutocorr
	}

	ts := make([]float64, window-1)
	logs := make([]float64, window-1)
	for t := 1; t < window; t++ {
		ts[t-1] = float64(t)
		logs[t-1] = math.Log(rho[t])
	}
	coeffs, err := numutil.Polyfit(ts, logs, 1)
	if err != nil {
		return 0, ErrAutocorr
	}
	slope := coeffs[1]
	if slope >= 0 || math.IsNaN(slope) {
		return 0, ErrAutocorr
	}
	return -1 / slope, nil
}

// EstimateTauInt estimates the integrated autocorrelation time with
// the standard self-consistent window: the smallest M such that
// M >= c * tau(M).
func EstimateTauInt(x []float64, c float64) (float64, error) {
	if len(x) < 4 {
		return 0, ErrAutocorr
	}
	if c <= 0 {
		c = 5
	}
	rho := acf(x)

	tau := 1.0
	for m := 1; m < len(rho); m++ {
		tau += 2 * rho[m]
		if float64(m) >= c*tau {
			if tau < 1 {
				tau = 1
			}
			return tau, nil
		}
	}
	return 0, ErrAutocorr
}
