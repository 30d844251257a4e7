// Package sampler implements an affine-invariant ensemble MCMC
// sampler using the Goodman and Weare stretch move, with walker
// log-probability evaluations spread over a fixed worker pool.
package sampler

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// LogProbFunc evaluates the log posterior probability of a parameter
// vector. Implementations must be safe for concurrent calls and must
// never panic; invalid points return -Inf.
type LogProbFunc func(params []float64) float64

// DegenerateAcceptanceError is fatal: a mean acceptance fraction
// pinned at exactly zero or one means the likelihood surface or the
// proposal scale is broken and further sampling is meaningless.
type DegenerateAcceptanceError struct {
	Step     int
	Fraction float64
}

func (e *DegenerateAcceptanceError) Error() string {
	return fmt.Sprintf("sampler: degenerate mean acceptance fraction %g at step %d",
		e.Fraction, e.Step)
}

// Config parameterises a Sampler.
type Config struct {
	Walkers int
	Dim     int
	// ProposalScale is the stretch-move scale parameter, greater
	// than one. Zero selects the standard 2.0.
	ProposalScale float64
	// Threads is the worker pool size. Zero selects one.
	Threads int
	Seed    int64
	LogProb LogProbFunc
}

// Sampler holds the ensemble state and the accumulated chain. Steps
// are strictly sequential; within a step the walker evaluations of
// one half-ensemble run in parallel.
type Sampler struct {
	cfg   Config
	scale float64
	rng   *rand.Rand

	pos [][]float64
	lnp []float64

	chain    *Chain
	accepted int
	proposed int

	jobs chan job
	wg   sync.WaitGroup
}

type job struct {
	out   []float64
	index int
	pos   []float64
}

// New validates the configuration and starts the worker pool. Call
// Close when sampling is finished, converged or not.
func New(cfg Config) (*Sampler, error) {
	if cfg.Dim < 1 {
		return nil, fmt.Errorf("sampler: dimension must be positive, got %d", cfg.Dim)
	}
	if cfg.Walkers%2 != 0 || cfg.Walkers < 2*cfg.Dim {
		return nil, fmt.Errorf("sampler: walkers must be even and at least twice the dimension (%d), got %d",
			cfg.Dim, cfg.Walkers)
	}
	if cfg.LogProb == nil {
		return nil, fmt.Errorf("sampler: no log-probability function")
	}
	scale := cfg.ProposalScale
	if scale == 0 {
		scale = 2.0
	}
	if scale <= 1 {
		return nil, fmt.Errorf("sampler: proposal scale must be greater than 1, got %g", scale)
	}
	threads := cfg.Threads
	if threads < 1 {
		threads = 1
	}

	s := &Sampler{
		cfg:   cfg,
		scale: scale,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		chain: newChain(cfg.Walkers, cfg.Dim),
		jobs:  make(chan job, cfg.Walkers),
	}
	for w := 0; w < threads; w++ {
		go s.worker()
	}
	return s, nil
}

func (s *Sampler) worker() {
	for j := range s.jobs {
		j.out[j.index] = s.cfg.LogProb(j.pos)
		s.wg.Done()
	}
}

// Init places the ensemble at the given walker positions and
// evaluates their log probabilities.
func (s *Sampler) Init(positions [][]float64) error {
	if len(positions) != s.cfg.Walkers {
		return fmt.Errorf("sampler: got %d initial positions, want %d",
			len(positions), s.cfg.Walkers)
	}
	s.pos = make([][]float64, len(positions))
	s.lnp = make([]float64, len(positions))
	for i, p := range positions {
		if len(p) != s.cfg.Dim {
			return fmt.Errorf("sampler: initial position %d has %d coordinates, want %d",
				i, len(p), s.cfg.Dim)
		}
		s.pos[i] = append([]float64(nil), p...)
	}
	s.evaluate(s.pos, s.lnp, nil)
	return nil
}

// evaluate computes log probabilities for positions through the
// worker pool, writing into lnp. When indices is non-nil, only those
// entries are evaluated.
func (s *Sampler) evaluate(positions [][]float64, lnp []float64, indices []int) {
	if indices == nil {
		indices = make([]int, len(positions))
		for i := range indices {
			indices[i] = i
		}
	}
	s.wg.Add(len(indices))
	for _, i := range indices {
		s.jobs <- job{out: lnp, index: i, pos: positions[i]}
	}
	s.wg.Wait()
}

// Run advances the ensemble the given number of steps, appending to
// the chain. progress, when non-nil, is invoked once per step with
// the cumulative mean acceptance fraction. A degenerate acceptance
// fraction aborts the run.
func (s *Sampler) Run(steps int, progress func(step int, meanAcceptance float64)) error {
	if s.pos == nil {
		return fmt.Errorf("sampler: Run before Init")
	}
	for step := 0; step < steps; step++ {
		s.step()

		fraction := float64(s.accepted) / float64(s.proposed)
		s.chain.record(s.pos, s.lnp, fraction)
		if err := CheckAcceptance(s.chain.Steps(), fraction); err != nil {
			return err
		}
		if progress != nil {
			progress(s.chain.Steps(), fraction)
		}
	}
	return nil
}

// CheckAcceptance validates a mean acceptance fraction observed after
// the given step, returning a DegenerateAcceptanceError when it is
// pinned at exactly zero or one.
func CheckAcceptance(step int, fraction float64) error {
	if fraction == 0 || fraction == 1 {
		return &DegenerateAcceptanceError{Step: step, Fraction: fraction}
	}
	return nil
}

// step applies one stretch move to each half-ensemble in turn. All
// random draws happen here, on the coordinating goroutine; workers
// only evaluate the likelihood.
func (s *Sampler) step() {
	half := s.cfg.Walkers / 2
	halves := [2][2]int{{0, half}, {half, s.cfg.Walkers}}

	proposals := make([][]float64, s.cfg.Walkers)
	proposalLnp := make([]float64, s.cfg.Walkers)
	zs := make([]float64, s.cfg.Walkers)

	for _, h := range halves {
		lo, hi := h[0], h[1]
		// The complementary half supplies the stretch-move anchors.
		clo, chi := half, s.cfg.Walkers
		if lo == half {
			clo, chi = 0, half
		}

		indices := make([]int, 0, hi-lo)
		for k := lo; k < hi; k++ {
			// Stretch factor z ~ g(z) with g proportional to
			// 1/sqrt(z) on [1/a, a].
			u := s.rng.Float64()
			z := (u*(s.scale-1) + 1)
			z = z * z / s.scale
			zs[k] = z

			j := clo + s.rng.Intn(chi-clo)
			y := make([]float64, s.cfg.Dim)
			for d := 0; d < s.cfg.Dim; d++ {
				y[d] = s.pos[j][d] + z*(s.pos[k][d]-s.pos[j][d])
			}
			proposals[k] = y
			indices = append(indices, k)
		}
		s.evaluate(proposals, proposalLnp, indices)

		for k := lo; k < hi; k++ {
			s.proposed++
			dlnp := float64(s.cfg.Dim-1)*math.Log(zs[k]) + proposalLnp[k] - s.lnp[k]
			if dlnp > 0 || math.Log(s.rng.Float64()) < dlnp {
				s.pos[k] = proposals[k]
				s.lnp[k] = proposalLnp[k]
				s.accepted++
			}
		}
	}
}

// Chain returns the accumulated chain.
func (s *Sampler) Chain() *Chain { return s.chain }

// Reset discards the accumulated chain and acceptance counts but
// keeps the ensemble position, so sampling continues from the current
// state. Used to drop burn-in.
func (s *Sampler) Reset() {
	s.chain = newChain(s.cfg.Walkers, s.cfg.Dim)
	s.accepted = 0
	s.proposed = 0
}

// Positions returns the current walker positions.
func (s *Sampler) Positions() [][]float64 {
	out := make([][]float64, len(s.pos))
	for i, p := range s.pos {
		out[i] = append([]float64(nil), p...)
	}
	return out
}

// Close shuts down the worker pool. The Sampler must not be used
// after Close.
func (s *Sampler) Close() {
	close(s.jobs)
}
