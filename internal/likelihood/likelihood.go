// Package likelihood turns a parameter vector into predicted channel
// fluxes and scores them against observed spectra with a Gaussian
// likelihood carrying an outlier mixture and a variance inflation
// term.
package likelihood

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/spectral-data/specfit/internal/binning"
	"github.com/spectral-data/specfit/internal/config"
	"github.com/spectral-data/specfit/internal/grid"
	"github.com/spectral-data/specfit/internal/numutil"
	"github.com/spectral-data/specfit/internal/spectrum"
)

// Theta maps parameter names to values. Stages never mutate a Theta
// in place; every stage produces a fresh one.
type Theta map[string]float64

// Copy returns an independent copy of the Theta.
func (t Theta) Copy() Theta {
	out := make(Theta, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Vector extracts the named parameters in order.
func (t Theta) Vector(names []string) []float64 {
	out := make([]float64, len(names))
	for i, name := range names {
		out[i] = t[name]
	}
	return out
}

// FromVector builds a Theta from parallel name and value slices.
func FromVector(names []string, values []float64) Theta {
	t := make(Theta, len(names))
	for i, name := range names {
		t[name] = values[i]
	}
	return t
}

// Parameters enumerates the model's parameter names in canonical
// order for the given matched channels: grid dimensions, redshifts,
// resolving powers, continuum coefficients, then nuisance terms.
func Parameters(cfg *config.ModelConfig, channels []string) []string {
	sorted := append([]string(nil), channels...)
	sort.Strings(sorted)

	names := append([]string(nil), cfg.Dimensions...)
	if cfg.GlobalRedshift {
		names = append(names, "z")
	}
	for _, ch := range sorted {
		if cfg.Channels[ch].FreeRedshift {
			names = append(names, "z_"+ch)
		}
	}
	for _, ch := range sorted {
		if cfg.Channels[ch].FreeResolution {
			names = append(names, "resolution_"+ch)
		}
	}
	for _, ch := range sorted {
		cc := cfg.Channels[ch]
		for i := 0; i <= cc.GetContinuumDegree(); i++ {
			names = append(names, fmt.Sprintf("continuum_%s_%d", ch, i))
		}
	}
	if cfg.Outliers {
		names = append(names, "Po", "Vo")
	}
	if cfg.UnderestimatedVariance {
		names = append(names, "ln_f")
	}
	return names
}

// Likelihood scores parameter vectors against a set of matched
// observed spectra. It holds no mutable state after construction and
// is safe for concurrent evaluation.
type Likelihood struct {
	model   *grid.Model
	approx  grid.Approximator
	binners *binning.Context
	data    map[string]*spectrum.Spectrum
	cfg     *config.ModelConfig

	channels []string
	params   []string
	zLimits  *[2]float64
}

// New builds a Likelihood over the matched channels in data. The
// binning context must hold a Binner for every matched channel.
func New(model *grid.Model, approx grid.Approximator, binners *binning.Context,
	data map[string]*spectrum.Spectrum, cfg *config.ModelConfig, zLimits *[2]float64) (*Likelihood, error) {

	if len(data) == 0 {
		return nil, fmt.Errorf("likelihood: no matched channels")
	}
	channels := make([]string, 0, len(data))
	for ch := range data {
		if _, ok := cfg.Channels[ch]; !ok {
			return nil, fmt.Errorf("likelihood: %q is not a model channel", ch)
		}
		if _, err := binners.Binner(ch); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	return &Likelihood{
		model:    model,
		approx:   approx,
		binners:  binners,
		data:     data,
		cfg:      cfg,
		channels: channels,
		params:   Parameters(cfg, channels),
		zLimits:  zLimits,
	}, nil
}

// Parameters returns the parameter names in canonical order.
func (l *Likelihood) Parameters() []string {
	return append([]string(nil), l.params...)
}

// Channels returns the matched channel names in sorted order.
func (l *Likelihood) Channels() []string {
	return append([]string(nil), l.channels...)
}

// Data returns the observed spectrum for a matched channel.
func (l *Likelihood) Data(channel string) *spectrum.Spectrum {
	return l.data[channel]
}

// redshiftFor resolves a channel's trial redshift: the per-channel
// parameter wins, then the global one, then zero.
func (l *Likelihood) redshiftFor(theta Theta, channel string) float64 {
	if z, ok := theta["z_"+channel]; ok {
		return z
	}
	if z, ok := theta["z"]; ok {
		return z
	}
	return 0
}

func (l *Likelihood) resolutionFor(theta Theta, channel string) float64 {
	if r, ok := theta["resolution_"+channel]; ok {
		return r
	}
	if r, ok := theta["resolution"]; ok {
		return r
	}
	return 0
}

// continuumFor collects the channel's continuum coefficients from
// theta, indexed by polynomial power. A missing index 0 disables the
// continuum for the channel.
func continuumFor(theta Theta, channel string) []float64 {
	var coeffs []float64
	for i := 0; ; i++ {
		c, ok := theta[fmt.Sprintf("continuum_%s_%d", channel, i)]
		if !ok {
			break
		}
		coeffs = append(coeffs, c)
	}
	return coeffs
}

// Predict evaluates the model flux and variance for every matched
// channel at theta: native flux from the grid approximator, resampled
// through the channel's binner at theta's redshift and resolving
// power, then scaled by the continuum polynomial.
func (l *Likelihood) Predict(theta Theta) (fluxes, variances map[string][]float64, channels []string, err error) {
	point := make([]float64, len(l.cfg.Dimensions))
	for i, dim := range l.cfg.Dimensions {
		v, ok := theta[dim]
		if !ok {
			return nil, nil, nil, fmt.Errorf("likelihood: theta is missing grid dimension %q", dim)
		}
		point[i] = v
	}

	fluxes = make(map[string][]float64, len(l.channels))
	variances = make(map[string][]float64, len(l.channels))
	for _, ch := range l.channels {
		native := make([]float64, len(l.model.Dispersion[ch]))
		if err := l.approx.Intensities(ch, point, native); err != nil {
			return nil, nil, nil, err
		}
		binner, err := l.binners.Binner(ch)
		if err != nil {
			return nil, nil, nil, err
		}
		flux, err := binner.Bin(native, l.redshiftFor(theta, ch), l.resolutionFor(theta, ch))
		if err != nil {
			return nil, nil, nil, err
		}

		if coeffs := continuumFor(theta, ch); len(coeffs) > 0 {
			continuum := numutil.Polyval(coeffs, l.data[ch].Wavelength)
			for i := range flux {
				flux[i] *= math.Abs(continuum[i])
			}
		}
		fluxes[ch] = flux
		variances[ch] = make([]float64, len(flux))
	}
	return fluxes, variances, l.Channels(), nil
}

// LogProbability returns the log posterior probability of theta. It
// never panics and never returns NaN: any invalid or non-finite
// intermediate maps to -Inf so samplers treat the point as rejected.
func (l *Likelihood) LogProbability(theta Theta) float64 {
	for _, v := range theta {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return math.Inf(-1)
		}
	}
	if !l.withinPriors(theta) {
		return math.Inf(-1)
	}

	fluxes, _, _, err := l.Predict(theta)
	if err != nil {
		return math.Inf(-1)
	}

	po, hasPo := theta["Po"]
	vo := theta["Vo"]
	lnF, hasLnF := theta["ln_f"]

	total := 0.0
	pixels := 0
	for _, ch := range l.channels {
		obs := l.data[ch]
		model := fluxes[ch]
		for i := range model {
			y, m, v := obs.Flux[i], model[i], obs.Variance[i]
			if !finite(y) || !finite(m) || !finite(v) || v <= 0 {
				continue
			}
			s2 := v
			if hasLnF {
				s2 += m * m * math.Exp(2*lnF)
			}
			r := y - m
			lnGood := -0.5 * (r*r/s2 + math.Log(2*math.Pi*s2))
			if hasPo {
				b2 := s2 + vo
				lnBad := -0.5 * (r*r/b2 + math.Log(2*math.Pi*b2))
				total += numutil.LogSumExp2(math.Log(1-po)+lnGood, math.Log(po)+lnBad)
			} else {
				total += lnGood
			}
			pixels++
		}
	}
	if pixels == 0 || !finite(total) {
		return math.Inf(-1)
	}
	return total
}

// withinPriors applies the flat priors: astrophysical point inside
// the approximator's validity box, redshift within the configured
// limits, non-negative resolving power, Po a probability, Vo
// positive.
func (l *Likelihood) withinPriors(theta Theta) bool {
	lo, hi := l.approx.Bounds()
	for i, dim := range l.cfg.Dimensions {
		v, ok := theta[dim]
		if !ok || v < lo[i] || v > hi[i] {
			return false
		}
	}
	for name, v := range theta {
		switch {
		case name == "z" || strings.HasPrefix(name, "z_"):
			if l.zLimits != nil && (v < l.zLimits[0] || v > l.zLimits[1]) {
				return false
			}
		case strings.HasPrefix(name, "resolution"):
			if v < 0 {
				return false
			}
		}
	}
	if po, ok := theta["Po"]; ok {
		if po < 0 || po > 1 {
			return false
		}
		if vo, ok := theta["Vo"]; !ok || vo <= 0 {
			return false
		}
	}
	return true
}

// ChiSq computes the chi-square statistic of theta over all finite
// pixels and the degrees of freedom (contributing pixels minus free
// parameters).
func (l *Likelihood) ChiSq(theta Theta) (chiSq float64, dof int, fluxes map[string][]float64, err error) {
	fluxes, _, _, err = l.Predict(theta)
	if err != nil {
		return 0, 0, nil, err
	}
	pixels := 0
	for _, ch := range l.channels {
		obs := l.data[ch]
		model := fluxes[ch]
		for i := range model {
			y, m, v := obs.Flux[i], model[i], obs.Variance[i]
			if !finite(y) || !finite(m) || !finite(v) || v <= 0 {
				continue
			}
			r := y - m
			chiSq += r * r / v
			pixels++
		}
	}
	dof = pixels - len(l.params)
	return chiSq, dof, fluxes, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
