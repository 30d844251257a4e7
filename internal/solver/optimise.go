package solver

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/optimize"

	"github.com/spectral-data/specfit/internal/likelihood"
	"github.com/spectral-data/specfit/internal/spectrum"
)

// infeasible is the objective value assigned to parameter vectors the
// likelihood rejects, steering the simplex back inside the bounds.
const infeasible = 1e25

// OptimiseResult is the outcome of the local optimisation stage.
type OptimiseResult struct {
	Theta          likelihood.Theta
	LogProbability float64
	ChiSq          float64
	DOF            int
	Evaluations    int
}

// Optimise runs a bounded Nelder-Mead minimisation of the negative
// log probability, starting from initial (normally the Estimate
// result). Parameters listed in the configuration's fixed section are
// pinned; bounds derive from the local grid extent unless overridden.
func (s *Solver) Optimise(data []*spectrum.Spectrum, initial likelihood.Theta) (*OptimiseResult, error) {
	matched, err := s.matchChannels(data)
	if err != nil {
		return nil, err
	}
	center, err := s.centerFrom(initial)
	if err != nil {
		return nil, err
	}
	st, err := s.buildStage(matched, center)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	fixed, err := s.resolveFixed(initial, st.likelihood.Parameters())
	if err != nil {
		return nil, err
	}
	free := make([]string, 0, len(st.likelihood.Parameters()))
	for _, name := range st.likelihood.Parameters() {
		if _, ok := fixed[name]; !ok {
			free = append(free, name)
		}
	}
	if len(free) == 0 {
		return nil, fmt.Errorf("every parameter is fixed, nothing to optimise")
	}
	bounds := s.parameterBounds(st, free)
	s.logf("optimising %d free parameters (%d fixed)", len(free), len(fixed))

	assemble := func(x []float64) likelihood.Theta {
		theta := initial.Copy()
		for name, v := range fixed {
			theta[name] = v
		}
		for i, name := range free {
			theta[name] = x[i]
		}
		return theta
	}
	objective := func(x []float64) float64 {
		for i, b := range bounds {
			if x[i] < b[0] || x[i] > b[1] {
				return infeasible
			}
		}
		lp := st.likelihood.LogProbability(assemble(x))
		if math.IsInf(lp, -1) || math.IsNaN(lp) {
			return infeasible
		}
		return -lp
	}

	x0 := make([]float64, len(free))
	for i, name := range free {
		v, ok := initial[name]
		if !ok {
			return nil, fmt.Errorf("initial theta is missing parameter %q", name)
		}
		x0[i] = v
	}

	problem := optimize.Problem{Func: objective}
	settings := &optimize.Settings{
		MajorIterations: s.cfg.Optimise.GetMaxIterations(),
		Converger:       &optimize.FunctionConverge{Absolute: 1e-10, Iterations: 50},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil && result == nil {
		return nil, fmt.Errorf("optimisation failed: %w", err)
	}
	if err != nil {
		s.logf("optimisation stopped early: %v", err)
	}

	theta := assemble(result.X)
	lp := st.likelihood.LogProbability(theta)
	chiSq, dof, _, err := st.likelihood.ChiSq(theta)
	if err != nil {
		return nil, err
	}
	s.logf("optimised to chi-sq %.3f over %d degrees of freedom", chiSq, dof)

	s.state = StateOptimised
	return &OptimiseResult{
		Theta:          theta,
		LogProbability: lp,
		ChiSq:          chiSq,
		DOF:            dof,
		Evaluations:    result.Stats.FuncEvaluations,
	}, nil
}

// resolveFixed maps the configured fixed parameters to values: an
// explicit value from the configuration, or the initial estimate when
// the configuration leaves it null.
func (s *Solver) resolveFixed(initial likelihood.Theta, params []string) (map[string]float64, error) {
	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p] = true
	}
	fixed := make(map[string]float64, len(s.cfg.Optimise.Fixed))
	for name, v := range s.cfg.Optimise.Fixed {
		if !known[name] {
			return nil, fmt.Errorf("fixed parameter %q is not a model parameter", name)
		}
		if v != nil {
			fixed[name] = *v
			continue
		}
		iv, ok := initial[name]
		if !ok {
			return nil, fmt.Errorf("fixed parameter %q has no value and no initial estimate", name)
		}
		fixed[name] = iv
	}
	return fixed, nil
}

// parameterBounds derives [lo, hi] for each free parameter: the local
// grid extent for astrophysical dimensions, physical ranges for the
// nuisance terms, and explicit configuration overrides on top.
func (s *Solver) parameterBounds(st *stage, free []string) [][2]float64 {
	lo, hi := st.approx.Bounds()
	dimIndex := make(map[string]int, len(s.cfg.Model.Dimensions))
	for i, dim := range s.cfg.Model.Dimensions {
		dimIndex[dim] = i
	}

	bounds := make([][2]float64, len(free))
	for i, name := range free {
		b := [2]float64{math.Inf(-1), math.Inf(1)}
		d, isDim := dimIndex[name]
		switch {
		case isDim:
			b = [2]float64{lo[d], hi[d]}
		case name == "z" || strings.HasPrefix(name, "z_"):
			if lim := s.cfg.Settings.CCFZLimits; lim != nil {
				b = [2]float64{lim[0], lim[1]}
			}
		case strings.HasPrefix(name, "resolution_"):
			b[0] = 0
		case name == "Po":
			b = [2]float64{0, 1}
		case name == "Vo":
			b[0] = math.SmallestNonzeroFloat64
		}
		if override, ok := s.cfg.Optimise.Bounds[name]; ok {
			b = override
		}
		bounds[i] = b
	}
	return bounds
}
