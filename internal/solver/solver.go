// Package solver drives the three-stage inference pipeline over an
// observed source: a coarse cross-correlation estimate, a bounded
// local optimisation, and ensemble MCMC sampling of the posterior.
package solver

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/spectral-data/specfit/internal/binning"
	"github.com/spectral-data/specfit/internal/config"
	"github.com/spectral-data/specfit/internal/grid"
	"github.com/spectral-data/specfit/internal/likelihood"
	"github.com/spectral-data/specfit/internal/spectrum"
)

// State tracks the solving pipeline's progress.
type State string

const (
	StateInit      State = "INIT"
	StateEstimated State = "ESTIMATED"
	StateOptimised State = "OPTIMISED"
	StateBurning   State = "BURNING"
	StateSampling  State = "SAMPLING"
	StateConverged State = "CONVERGED"
	StateExhausted State = "EXHAUSTED"
)

// Solver owns the model grid and configuration for one source's
// solving run. It is not safe for concurrent use; run one Solver per
// source.
type Solver struct {
	cfg   *config.Config
	model *grid.Model
	state State

	// Seed fixes the sampler's random stream. Zero draws from the
	// clock.
	Seed int64
	// Quiet suppresses per-stage progress logging.
	Quiet bool
}

// New builds a Solver over a loaded model grid.
func New(cfg *config.Config, model *grid.Model) *Solver {
	return &Solver{cfg: cfg, model: model, state: StateInit}
}

// State returns the pipeline state reached so far.
func (s *Solver) State() State { return s.state }

func (s *Solver) logf(format string, args ...any) {
	if !s.Quiet {
		log.Printf(format, args...)
	}
}

func (s *Solver) seed() int64 {
	if s.Seed != 0 {
		return s.Seed
	}
	return time.Now().UnixNano()
}

// matchChannels pairs each model channel with the observed spectrum
// covering it. A CHANNEL header naming the channel wins; otherwise
// the spectrum with the largest wavelength overlap is taken. Masked
// copies are returned, so callers own the data.
func (s *Solver) matchChannels(data []*spectrum.Spectrum) (map[string]*spectrum.Spectrum, error) {
	matched := make(map[string]*spectrum.Spectrum)
	for name := range s.cfg.Model.Channels {
		disp := s.model.Dispersion[name]
		lo, hi := disp[0], disp[len(disp)-1]

		var best *spectrum.Spectrum
		bestOverlap := 0.0
		for _, sp := range data {
			if sp.Headers["CHANNEL"] == name {
				best = sp
				break
			}
			if overlap := sp.Overlap(lo, hi); overlap > bestOverlap {
				best, bestOverlap = sp, overlap
			}
		}
		if best == nil {
			continue
		}
		clean, masked := best.ApplyMask(s.cfg.Model.Mask)
		if masked > 0 {
			s.logf("masked %d pixels in channel %s", masked, name)
		}
		matched[name] = clean
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("no observed spectrum matches any of the %d model channels",
			len(s.cfg.Model.Channels))
	}
	return matched, nil
}

func channelNames(matched map[string]*spectrum.Spectrum) []string {
	names := make([]string, 0, len(matched))
	for name := range matched {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stage bundles the scoped resources of one optimise or infer call:
// a local grid approximator, the per-channel binning context, and the
// likelihood over them. Close tears the binners down at stage exit.
type stage struct {
	likelihood *likelihood.Likelihood
	binners    *binning.Context
	approx     *grid.SubsetApproximator
}

func (st *stage) Close() { st.binners.Close() }

// buildStage assembles the scoped stage resources around a central
// astrophysical point.
func (s *Solver) buildStage(matched map[string]*spectrum.Spectrum, center []float64) (*stage, error) {
	kind, err := grid.ParseKind(s.cfg.Settings.GetInterpolation())
	if err != nil {
		return nil, err
	}
	approx, err := grid.NewLocalSubset(s.model, center, 2, kind)
	if err != nil {
		return nil, err
	}

	binners := binning.NewContext()
	for name, sp := range matched {
		cc := s.cfg.Model.Channels[name]
		opts := binning.Options{
			FreeRedshift:   cc.FreeRedshift || s.cfg.Model.GlobalRedshift,
			FreeResolution: cc.FreeResolution,
			Fast:           s.cfg.Settings.GetFastBinning(),
			CacheSize:      s.cfg.Settings.GetMatrixCacheSize(),
		}
		if err := binners.Add(name, s.model.Dispersion[name], sp.Wavelength, opts); err != nil {
			binners.Close()
			return nil, err
		}
	}

	l, err := likelihood.New(s.model, approx, binners, matched, &s.cfg.Model,
		s.cfg.Settings.CCFZLimits)
	if err != nil {
		binners.Close()
		return nil, err
	}
	return &stage{likelihood: l, binners: binners, approx: approx}, nil
}

// centerFrom extracts the astrophysical point from a Theta.
func (s *Solver) centerFrom(theta likelihood.Theta) ([]float64, error) {
	center := make([]float64, len(s.cfg.Model.Dimensions))
	for i, dim := range s.cfg.Model.Dimensions {
		v, ok := theta[dim]
		if !ok {
			return nil, fmt.Errorf("theta is missing grid dimension %q", dim)
		}
		center[i] = v
	}
	return center, nil
}
