package solver

import (
	"fmt"
	"math"

	"github.com/spectral-data/specfit/internal/grid"
	"github.com/spectral-data/specfit/internal/likelihood"
	"github.com/spectral-data/specfit/internal/numutil"
	"github.com/spectral-data/specfit/internal/spectrum"
	"github.com/spectral-data/specfit/internal/units"
)

// CCF status values reported by Estimate.
const (
	CCFOk      = "ok"
	CCFSkipped = "skipped"
)

// EstimateResult is the coarse initial guess produced by the first
// pipeline stage.
type EstimateResult struct {
	Theta           likelihood.Theta
	MatchedChannels []string

	// CCFStatus records whether cross-correlation ran, with the
	// reference channel and measured velocity when it did.
	CCFStatus   string
	CCFChannel  string
	VelocityKMS float64
	Redshift    float64
}

// Estimate matches observed channels to the model, cross-correlates
// the highest signal-to-noise channel against a coarse subset of the
// grid, and assembles an initial Theta: the best-correlating grid
// point, the CCF redshift, least-squares continuum coefficients, and
// defaults for the remaining nuisance parameters.
func (s *Solver) Estimate(data []*spectrum.Spectrum) (*EstimateResult, error) {
	matched, err := s.matchChannels(data)
	if err != nil {
		return nil, err
	}
	channels := channelNames(matched)
	s.logf("estimating from channels %v", channels)

	kind, err := grid.ParseKind(s.cfg.Settings.GetInterpolation())
	if err != nil {
		return nil, err
	}
	count := s.cfg.Estimate.ComparisonCount(s.model.Index.Len())
	subset, err := grid.NewComparisonSubset(s.model, count, kind)
	if err != nil {
		return nil, err
	}

	ref := s.referenceChannel(matched)
	refCfg := s.cfg.Model.Channels[ref]

	templates := make([][]float64, subset.Len())
	for i := range templates {
		templates[i] = subset.Row(ref, i)
	}
	// A failed cross-correlation is not fatal: the estimate falls
	// back to the middle comparison point at rest and reports the
	// skip, so callers can see the redshift was never measured.
	status := CCFOk
	best := -1
	var velocity, z float64
	ccf, err := spectrum.CrossCorrelate(matched[ref], s.model.Dispersion[ref],
		templates, refCfg.GetContinuumDegree(), s.cfg.Settings.CCFZLimits)
	if err == nil {
		best = ccf.BestIndex()
	}
	if best < 0 {
		s.logf("cross-correlation on channel %s failed (%v), using mid-grid fallback", ref, err)
		status = CCFSkipped
		best = subset.Len() / 2
	} else {
		velocity = ccf.Velocity[best]
		z = units.VelocityToRedshift(velocity, units.KMS)
	}
	point := subset.Point(best)
	s.logf("initial comparison point %v at %.1f km/s", point, velocity)

	theta := likelihood.Theta{}
	for i, dim := range s.cfg.Model.Dimensions {
		theta[dim] = point[i]
	}
	if s.cfg.Model.GlobalRedshift {
		theta["z"] = z
	}
	for _, ch := range channels {
		if s.cfg.Model.Channels[ch].FreeRedshift {
			theta["z_"+ch] = z
		}
	}
	for _, ch := range channels {
		if s.cfg.Model.Channels[ch].FreeResolution {
			theta["resolution_"+ch] = s.model.Oversampling(ch) / 5
		}
	}

	for _, ch := range channels {
		chCfg := s.cfg.Model.Channels[ch]
		degree := chCfg.GetContinuumDegree()
		if degree < 0 {
			continue
		}
		coeffs, err := s.continuumEstimate(matched[ch], subset.Row(ch, best),
			s.model.Dispersion[ch], z, degree)
		if err != nil {
			s.logf("continuum estimate failed for channel %s, defaulting to unity: %v", ch, err)
			coeffs = make([]float64, degree+1)
			coeffs[0] = 1
		}
		for i, c := range coeffs {
			theta[fmt.Sprintf("continuum_%s_%d", ch, i)] = c
		}
	}

	if s.cfg.Model.Outliers {
		theta["Po"] = 0.01
		theta["Vo"] = medianVariance(matched, channels)
	}
	if s.cfg.Model.UnderestimatedVariance {
		theta["ln_f"] = 0.5
	}

	s.state = StateEstimated
	return &EstimateResult{
		Theta:           theta,
		MatchedChannels: channels,
		CCFStatus:       status,
		CCFChannel:      ref,
		VelocityKMS:     velocity,
		Redshift:        z,
	}, nil
}

// referenceChannel picks the cross-correlation reference: the
// configured channel when set and matched, otherwise the matched
// channel with the highest median signal-to-noise.
func (s *Solver) referenceChannel(matched map[string]*spectrum.Spectrum) string {
	if ch := s.cfg.Settings.CCFChannel; ch != "" {
		if _, ok := matched[ch]; ok {
			return ch
		}
	}
	names := channelNames(matched)
	best, bestSNR := "", math.Inf(-1)
	for _, ch := range names {
		if snr := matched[ch].MedianSNR(); snr > bestSNR {
			best, bestSNR = ch, snr
		}
	}
	if best == "" {
		// Every channel's S/N was NaN (zero variance spectra). Fall
		// back to the first matched channel so the estimate can still
		// run.
		best = names[0]
	}
	return best
}

// continuumEstimate fits the polynomial ratio between observed flux
// and the best-correlating template, redshifted onto the observed
// sampling.
func (s *Solver) continuumEstimate(obs *spectrum.Spectrum, template, dispersion []float64,
	z float64, degree int) ([]float64, error) {

	shifted := make([]float64, len(dispersion))
	for i, w := range dispersion {
		shifted[i] = w * (1 + z)
	}
	model := numutil.Interp(obs.Wavelength, shifted, template)

	ratio := make([]float64, len(model))
	for i := range ratio {
		if model[i] == 0 {
			ratio[i] = math.NaN()
			continue
		}
		ratio[i] = obs.Flux[i] / model[i]
	}
	return numutil.Polyfit(obs.Wavelength, ratio, degree)
}

func medianVariance(matched map[string]*spectrum.Spectrum, channels []string) float64 {
	var all []float64
	for _, ch := range channels {
		all = append(all, matched[ch].Variance...)
	}
	v := numutil.Median(all)
	if math.IsNaN(v) || v <= 0 {
		return 1
	}
	return v
}
