package solver

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/spectral-data/specfit/internal/likelihood"
	"github.com/spectral-data/specfit/internal/sampler"
	"github.com/spectral-data/specfit/internal/spectrum"
	"github.com/spectral-data/specfit/internal/units"
)

// InitialProposal seeds the walker ensemble: a Theta to scatter a
// tight Gaussian ball around, or explicit per-walker positions in
// canonical parameter order. When both are set, Positions wins but
// Theta still provides the astrophysical centre for the local grid
// subset.
type InitialProposal struct {
	Theta     likelihood.Theta
	Positions [][]float64
}

// ParameterSummary reports one parameter's posterior: the maximum a
// posteriori value, the 16th, 50th and 84th percentiles, and its
// integrated autocorrelation diagnostics.
type ParameterSummary struct {
	MAP              float64
	Percentiles      [3]float64
	TauInt           float64
	EffectiveSamples float64
}

// InferResult is the outcome of the sampling stage. Summaries report
// redshift parameters on the configured scale; the chain itself stays
// dimensionless.
type InferResult struct {
	Parameters []string
	Summaries  map[string]ParameterSummary
	MAP        likelihood.Theta
	ChiSq      float64
	DOF        int

	Chain      *sampler.Chain
	Acceptance []float64
	Burn       int
	Sampled    int

	// Converged is nil in fixed-length mode, where convergence is
	// not assessed.
	Converged     *bool
	RedshiftScale string
}

// Infer samples the posterior around the initial proposal with an
// affine-invariant ensemble. Fixed mode burns and samples configured
// step counts; auto mode keeps sampling in batches until every
// parameter's effective independent sample count clears the
// configured minimum, or the chain reaches the maximum length and the
// run is declared exhausted.
func (s *Solver) Infer(data []*spectrum.Spectrum, proposal *InitialProposal) (*InferResult, error) {
	if proposal == nil || proposal.Theta == nil {
		return nil, fmt.Errorf("infer needs an initial proposal theta")
	}
	matched, err := s.matchChannels(data)
	if err != nil {
		return nil, err
	}
	center, err := s.centerFrom(proposal.Theta)
	if err != nil {
		return nil, err
	}
	st, err := s.buildStage(matched, center)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	params := st.likelihood.Parameters()
	walkers := s.cfg.Infer.GetWalkers()
	if walkers%2 != 0 || walkers < 2*len(params) {
		return nil, fmt.Errorf("walkers must be even and at least %d for %d parameters, got %d",
			2*len(params), len(params), walkers)
	}

	positions := proposal.Positions
	if positions == nil {
		positions = s.proposalBall(st, proposal.Theta, params, walkers)
	} else if len(positions) != walkers {
		return nil, fmt.Errorf("got %d explicit walker positions, want %d", len(positions), walkers)
	}

	smp, err := sampler.New(sampler.Config{
		Walkers:       walkers,
		Dim:           len(params),
		ProposalScale: s.cfg.Infer.GetProposalScale(),
		Threads:       s.cfg.Settings.GetThreads(),
		Seed:          s.seed(),
		LogProb: func(x []float64) float64 {
			return st.likelihood.LogProbability(likelihood.FromVector(params, x))
		},
	})
	if err != nil {
		return nil, err
	}
	defer smp.Close()
	if err := smp.Init(positions); err != nil {
		return nil, err
	}

	var burn int
	var converged *bool
	if s.cfg.Infer.GetAutoConvergence() {
		burn, converged, err = s.runAuto(smp, params)
	} else {
		burn, err = s.runFixed(smp)
	}
	if err != nil {
		return nil, err
	}

	result := s.summarise(st, smp.Chain(), params, burn)
	result.Converged = converged
	return result, nil
}

// runFixed burns and samples fixed step counts. The burn-in chain is
// discarded, so the returned burn offset is zero.
func (s *Solver) runFixed(smp *sampler.Sampler) (burn int, err error) {
	s.state = StateBurning
	s.logf("burning %d steps", s.cfg.Infer.GetBurn())
	if err := smp.Run(s.cfg.Infer.GetBurn(), s.progress("burn")); err != nil {
		return 0, err
	}
	smp.Reset()

	s.state = StateSampling
	s.logf("sampling %d steps", s.cfg.Infer.GetSample())
	if err := smp.Run(s.cfg.Infer.GetSample(), s.progress("sample")); err != nil {
		return 0, err
	}
	return 0, nil
}

// runAuto samples in batches until converged or exhausted. The whole
// chain is kept; the returned burn offset marks where the posterior
// segment starts.
func (s *Solver) runAuto(smp *sampler.Sampler, params []string) (int, *bool, error) {
	minimum := s.cfg.Infer.GetMinimumSample()
	maximum := s.cfg.Infer.GetMaximumSample()
	batch := s.cfg.Infer.GetCheckConvergenceFrequency()
	nTauExp := s.cfg.Infer.GetNTauExpAsBurnIn()
	minEffective := float64(s.cfg.Infer.GetMinimumEffectiveIndependentSamples())

	s.state = StateBurning
	s.logf("auto-convergence: initial sample of %d steps", minimum)
	if err := smp.Run(minimum, s.progress("sample")); err != nil {
		return 0, nil, err
	}

	for {
		chain := smp.Chain()
		burn, done := AssessConvergence(chain, len(params), nTauExp, minEffective)
		if burn < chain.Steps() {
			s.state = StateSampling
		}
		if done {
			s.logf("converged: burn %d of %d steps", burn, chain.Steps())
			s.state = StateConverged
			converged := true
			return burn, &converged, nil
		}

		total := chain.Steps()
		if total >= maximum {
			s.logf("exhausted after %d steps without convergence", total)
			s.state = StateExhausted
			converged := false
			// Best effort: when no usable burn was derived, report
			// the posterior over the second half of the chain.
			if burn >= total {
				burn = total / 2
			}
			return burn, &converged, nil
		}
		next := batch
		if total+next > maximum {
			next = maximum - total
		}
		if err := smp.Run(next, s.progress("sample")); err != nil {
			return 0, nil, err
		}
	}
}

// EnsembleChain is the chain view convergence assessment needs.
type EnsembleChain interface {
	Steps() int
	Walkers() int
	WalkerMean(d int) []float64
}

// AssessConvergence derives the burn-in offset from the slowest
// parameter's exponential autocorrelation time and decides whether
// the post-burn segment holds enough effective independent samples
// for every parameter. An inestimable autocorrelation time burns the
// whole chain, which simply defers convergence to a later batch.
func AssessConvergence(chain EnsembleChain, dims, nTauExp int, minEffective float64) (burn int, converged bool) {
	total := chain.Steps()
	burn = total

	tauExp := 0.0
	for d := 0; d < dims; d++ {
		tau, err := sampler.EstimateTauExp(chain.WalkerMean(d))
		if err != nil {
			return total, false
		}
		if tau > tauExp {
			tauExp = tau
		}
	}
	burn = int(math.Ceil(tauExp)) * nTauExp
	if burn >= total {
		return burn, false
	}

	remaining := total - burn
	for d := 0; d < dims; d++ {
		tauInt, err := sampler.EstimateTauInt(chain.WalkerMean(d)[burn:], 5)
		if err != nil {
			return burn, false
		}
		effective := float64(chain.Walkers()*remaining) / (2 * tauInt)
		if effective <= minEffective {
			return burn, false
		}
	}
	return burn, true
}

// proposalBall scatters walkers in a tight Gaussian ball around the
// proposal theta, sized per parameter kind.
func (s *Solver) proposalBall(st *stage, theta likelihood.Theta, params []string, walkers int) [][]float64 {
	rng := rand.New(rand.NewSource(s.seed() + 1))
	lo, hi := st.approx.Bounds()
	dimIndex := make(map[string]int, len(s.cfg.Model.Dimensions))
	for i, dim := range s.cfg.Model.Dimensions {
		dimIndex[dim] = i
	}

	sigma := make([]float64, len(params))
	centre := make([]float64, len(params))
	for i, name := range params {
		v := theta[name]
		centre[i] = v
		d, isDim := dimIndex[name]
		switch {
		case isDim:
			sigma[i] = 1e-3 * (hi[d] - lo[d])
		case name == "z" || strings.HasPrefix(name, "z_"):
			sigma[i] = 1e-6
		case name == "Po":
			sigma[i] = 1e-3
		default:
			sigma[i] = 1e-3*math.Abs(v) + 1e-8
		}
	}

	positions := make([][]float64, walkers)
	for w := range positions {
		p := make([]float64, len(params))
		for i := range p {
			p[i] = centre[i] + sigma[i]*rng.NormFloat64()
		}
		// Keep Po a probability and Vo positive so the ball does not
		// start outside the prior support.
		for i, name := range params {
			if name == "Po" && (p[i] < 0 || p[i] > 1) {
				p[i] = math.Abs(math.Mod(p[i], 1))
			}
			if name == "Vo" && p[i] <= 0 {
				p[i] = math.Abs(p[i]) + 1e-12
			}
		}
		positions[w] = p
	}
	return positions
}

func (s *Solver) progress(phase string) func(step int, acceptance float64) {
	return func(step int, acceptance float64) {
		if step%100 == 0 {
			s.logf("%s step %d, mean acceptance %.3f", phase, step, acceptance)
		}
	}
}

// summarise assembles the posterior report from the chain's post-burn
// segment.
func (s *Solver) summarise(st *stage, chain *sampler.Chain, params []string, burn int) *InferResult {
	scale := s.cfg.Model.GetRedshiftScale()
	factor := units.ScaleFactor(scale)

	step, walker, _ := chain.MaxLogProb()
	mapTheta := likelihood.FromVector(params, chain.Position(step, walker))
	chiSq, dof, _, chiErr := st.likelihood.ChiSq(mapTheta)
	if chiErr != nil {
		chiSq, dof = math.NaN(), 0
	}

	names := make([]string, len(params))
	summaries := make(map[string]ParameterSummary, len(params))
	remaining := chain.Steps() - burn
	for d, name := range params {
		isZ := name == "z" || strings.HasPrefix(name, "z_")
		reported := name
		conv := 1.0
		if isZ {
			reported = units.Label(name, scale)
			conv = factor
		}
		names[d] = reported

		samples := chain.FlatParameter(d, burn)
		sort.Float64s(samples)
		summary := ParameterSummary{
			MAP: conv * mapTheta[name],
			Percentiles: [3]float64{
				conv * stat.Quantile(0.16, stat.Empirical, samples, nil),
				conv * stat.Quantile(0.50, stat.Empirical, samples, nil),
				conv * stat.Quantile(0.84, stat.Empirical, samples, nil),
			},
		}
		if tauInt, err := sampler.EstimateTauInt(chain.WalkerMean(d)[burn:], 5); err == nil {
			summary.TauInt = tauInt
			summary.EffectiveSamples = float64(chain.Walkers()*remaining) / (2 * tauInt)
		} else {
			summary.TauInt = math.NaN()
			summary.EffectiveSamples = math.NaN()
		}
		summaries[reported] = summary
	}

	return &InferResult{
		Parameters:    names,
		Summaries:     summaries,
		MAP:           mapTheta,
		ChiSq:         chiSq,
		DOF:           dof,
		Chain:         chain,
		Acceptance:    chain.Acceptance(),
		Burn:          burn,
		Sampled:       remaining,
		RedshiftScale: scale,
	}
}
