package sampler

import "math"

// Chain stores the ensemble trajectory: walker positions and log
// probabilities per step, plus the cumulative mean acceptance
// fraction trace.
type Chain struct {
	walkers, dim int
	positions    []float64
	logProb      []float64
	acceptance   []float64
}

func newChain(walkers, dim int) *Chain {
	return &Chain{walkers: walkers, dim: dim}
}

func (c *Chain) record(pos [][]float64, lnp []float64, fraction float64) {
	for _, p := range pos {
		c.positions = append(c.positions, p...)
	}
	c.logProb = append(c.logProb, lnp...)
	c.acceptance = append(c.acceptance, fraction)
}

// Steps returns the number of recorded steps.
func (c *Chain) Steps() int { return len(c.acceptance) }

// Walkers returns the ensemble size.
func (c *Chain) Walkers() int { return c.walkers }

// Dim returns the parameter count.
func (c *Chain) Dim() int { return c.dim }

// Position returns one walker's position at one step. The returned
// slice aliases the chain storage and must not be modified.
func (c *Chain) Position(step, walker int) []float64 {
	base := (step*c.walkers + walker) * c.dim
	return c.positions[base : base+c.dim]
}

// LogProb returns one walker's log probability at one step.
func (c *Chain) LogProb(step, walker int) float64 {
	return c.logProb[step*c.walkers+walker]
}

// Acceptance returns the cumulative mean acceptance fraction after
// each step.
func (c *Chain) Acceptance() []float64 {
	return append([]float64(nil), c.acceptance...)
}

// FlatParameter returns every walker's samples of parameter d from
// step `from` onward, flattened step-major.
func (c *Chain) FlatParameter(d, from int) []float64 {
	out := make([]float64, 0, (c.Steps()-from)*c.walkers)
	for step := from; step < c.Steps(); step++ {
		for w := 0; w < c.walkers; w++ {
			out = append(out, c.Position(step, w)[d])
		}
	}
	return out
}

// WalkerMean returns the per-step ensemble mean of parameter d, the
// series autocorrelation times are estimated on.
func (c *Chain) WalkerMean(d int) []float64 {
	out := make([]float64, c.Steps())
	for step := range out {
		sum := 0.0
		for w := 0; w < c.walkers; w++ {
			sum += c.Position(step, w)[d]
		}
		out[step] = sum / float64(c.walkers)
	}
	return out
}

// MaxLogProb locates the maximum a posteriori sample in the chain.
func (c *Chain) MaxLogProb() (step, walker int, value float64) {
	value = math.Inf(-1)
	for s := 0; s < c.Steps(); s++ {
		for w := 0; w < c.walkers; w++ {
			if v := c.LogProb(s, w); v > value {
				step, walker, value = s, w, v
			}
		}
	}
	return step, walker, value
}
