package solver

import (
	"math"
	"math/rand"
	"testing"

	"github.com/spectral-data/specfit/internal/config"
	"github.com/spectral-data/specfit/internal/grid"
	"github.com/spectral-data/specfit/internal/likelihood"
	"github.com/spectral-data/specfit/internal/spectrum"
	"github.com/spectral-data/specfit/internal/testutil"
)

const solverPixels = 50

var lineCenters = map[string]float64{"blue": 5025, "red": 6020}

func channelDispersion(name string) []float64 {
	if name == "blue" {
		return testutil.Linspace(5000, 5049, solverPixels)
	}
	return testutil.Linspace(6000, 6049, solverPixels)
}

// synthFlux draws an absorption line whose depth is linear in both
// grid dimensions, so linear grid interpolation reproduces any
// interior point exactly.
func synthFlux(channel string, teff, logg float64) []float64 {
	disp := channelDispersion(channel)
	centre := lineCenters[channel]
	depth := 0.2 + 1e-4*(teff-3000) + 0.1*(logg-4)

	out := make([]float64, len(disp))
	for i, w := range disp {
		d := (w - centre) / 2.0
		out[i] = 1 - depth*math.Exp(-0.5*d*d)
	}
	return out
}

func solverModel(t *testing.T) *grid.Model {
	t.Helper()
	points := [][]float64{{3000, 4}, {3000, 5}, {4000, 4}, {4000, 5}}
	ix, err := grid.NewIndex([]string{"teff", "logg"}, points)
	testutil.AssertNoError(t, err)

	flux := map[string][][]float64{}
	dispersion := map[string][]float64{}
	for _, ch := range []string{"blue", "red"} {
		dispersion[ch] = channelDispersion(ch)
		rows := make([][]float64, len(points))
		for i, p := range points {
			rows[i] = synthFlux(ch, p[0], p[1])
		}
		flux[ch] = rows
	}
	m, err := grid.New(ix, dispersion, grid.NewMemStore(flux))
	testutil.AssertNoError(t, err)
	return m
}

func solverConfig() *config.Config {
	return &config.Config{
		Model: config.ModelConfig{
			Name:       "synthetic",
			Dimensions: []string{"teff", "logg"},
			Channels: map[string]config.ChannelConfig{
				"blue": {},
				"red":  {},
			},
		},
	}
}

// observedAt generates noiseless observed spectra from the synthetic
// line model at the given parameters.
func observedAt(teff, logg float64) []*spectrum.Spectrum {
	var out []*spectrum.Spectrum
	for _, ch := range []string{"blue", "red"} {
		disp := channelDispersion(ch)
		flux := synthFlux(ch, teff, logg)
		variance := make([]float64, len(disp))
		for i := range variance {
			variance[i] = 1e-6
		}
		out = append(out, &spectrum.Spectrum{
			Wavelength: append([]float64(nil), disp...),
			Flux:       flux,
			Variance:   variance,
		})
	}
	return out
}

func TestMatchChannels(t *testing.T) {
	s := New(solverConfig(), solverModel(t))
	s.Quiet = true

	matched, err := s.matchChannels(observedAt(3500, 4.5))
	testutil.AssertNoError(t, err)
	if len(matched) != 2 {
		t.Fatalf("matched %d channels, want 2", len(matched))
	}
	lo, _ := matched["blue"].Range()
	testutil.AssertClose(t, lo, 5000, 0)

	// A spectrum with no overlap matches nothing.
	stray := &spectrum.Spectrum{
		Wavelength: testutil.Linspace(8000, 8049, solverPixels),
		Flux:       make([]float64, solverPixels),
		Variance:   make([]float64, solverPixels),
	}
	if _, err := s.matchChannels([]*spectrum.Spectrum{stray}); err == nil {
		t.Fatal("expected error when nothing matches")
	}
}

func TestMatchChannelsByHeader(t *testing.T) {
	s := New(solverConfig(), solverModel(t))
	s.Quiet = true

	data := observedAt(3500, 4.5)
	data[0].Headers = map[string]string{"CHANNEL": "blue"}
	matched, err := s.matchChannels(data)
	testutil.AssertNoError(t, err)
	if matched["blue"] == nil {
		t.Fatal("header-tagged spectrum should match its channel")
	}
}

func TestEstimateRecoversGridCell(t *testing.T) {
	s := New(solverConfig(), solverModel(t))
	s.Quiet = true

	result, err := s.Estimate(observedAt(3500, 4.5))
	testutil.AssertNoError(t, err)

	if s.State() != StateEstimated {
		t.Errorf("state = %s, want %s", s.State(), StateEstimated)
	}
	if result.CCFStatus != CCFOk {
		t.Errorf("ccf status = %q, want %q", result.CCFStatus, CCFOk)
	}
	if len(result.MatchedChannels) != 2 {
		t.Errorf("matched channels = %v, want both", result.MatchedChannels)
	}

	// The truth sits mid-cell, so any corner of the enclosing cell is
	// an acceptable coarse estimate.
	teff, logg := result.Theta["teff"], result.Theta["logg"]
	if math.Abs(teff-3500) > 1000 || math.Abs(logg-4.5) > 1 {
		t.Errorf("estimate (%g, %g) further than one grid cell from (3500, 4.5)", teff, logg)
	}
	// Noiseless data at rest: the CCF redshift is essentially zero.
	if math.Abs(result.Redshift) > 1e-3 {
		t.Errorf("redshift estimate %g, want near 0", result.Redshift)
	}
}

func TestEstimateFitsContinuumCoefficients(t *testing.T) {
	cfg := solverConfig()
	degree := 1
	cfg.Model.Channels["blue"] = config.ChannelConfig{ContinuumDegree: &degree}
	one := 1.0
	cfg.Estimate.NumModelComparisons = &one
	s := New(cfg, solverModel(t))
	s.Quiet = true

	// Observed flux is exactly twice the sole comparison row, so the
	// degree-1 continuum fit against the best template is flat at 2.
	data := observedAt(3000, 4)
	for _, spec := range data {
		for i := range spec.Flux {
			spec.Flux[i] *= 2
		}
	}

	result, err := s.Estimate(data)
	testutil.AssertNoError(t, err)

	c0, ok := result.Theta["continuum_blue_0"]
	if !ok {
		t.Fatal("continuum coefficients missing from estimate")
	}
	c1 := result.Theta["continuum_blue_1"]
	testutil.AssertClose(t, c0+c1*5025, 2, 1e-6)
	if _, ok := result.Theta["continuum_red_0"]; ok {
		t.Error("red channel has no continuum configured")
	}
}

func TestEstimateZeroVarianceSpectra(t *testing.T) {
	s := New(solverConfig(), solverModel(t))
	s.Quiet = true

	// Zero variance everywhere leaves every channel's median S/N
	// undefined; the reference channel falls back deterministically.
	data := observedAt(3500, 4.5)
	for _, spec := range data {
		for i := range spec.Variance {
			spec.Variance[i] = 0
		}
	}

	result, err := s.Estimate(data)
	testutil.AssertNoError(t, err)
	if result.CCFChannel != "blue" {
		t.Errorf("reference channel = %q, want first matched channel %q", result.CCFChannel, "blue")
	}
	if math.IsNaN(result.Theta["teff"]) || math.IsNaN(result.Theta["logg"]) {
		t.Errorf("estimate theta contains NaN: %v", result.Theta)
	}
}

func TestEstimateSkipsFailedCCF(t *testing.T) {
	s := New(solverConfig(), solverModel(t))
	s.Quiet = true

	// Featureless spectra defeat the cross-correlation, which should
	// be reported as skipped rather than aborting the estimate.
	var data []*spectrum.Spectrum
	for _, ch := range []string{"blue", "red"} {
		disp := channelDispersion(ch)
		flux := make([]float64, len(disp))
		variance := make([]float64, len(disp))
		for i := range flux {
			flux[i] = 1
			variance[i] = 1e-6
		}
		data = append(data, &spectrum.Spectrum{
			Wavelength: append([]float64(nil), disp...),
			Flux:       flux,
			Variance:   variance,
		})
	}

	result, err := s.Estimate(data)
	testutil.AssertNoError(t, err)
	if result.CCFStatus != CCFSkipped {
		t.Errorf("ccf status = %q, want %q", result.CCFStatus, CCFSkipped)
	}
	testutil.AssertClose(t, result.Redshift, 0, 0)
	testutil.AssertClose(t, result.VelocityKMS, 0, 0)
	if s.State() != StateEstimated {
		t.Errorf("state = %s, want %s", s.State(), StateEstimated)
	}
	if _, ok := result.Theta["teff"]; !ok {
		t.Error("fallback estimate should still populate grid parameters")
	}
}

func TestOptimiseConverges(t *testing.T) {
	s := New(solverConfig(), solverModel(t))
	s.Quiet = true

	data := observedAt(3500, 4.5)
	estimate, err := s.Estimate(data)
	testutil.AssertNoError(t, err)

	result, err := s.Optimise(data, estimate.Theta)
	testutil.AssertNoError(t, err)

	if s.State() != StateOptimised {
		t.Errorf("state = %s, want %s", s.State(), StateOptimised)
	}
	if result.ChiSq > 0.1 {
		t.Errorf("chi-sq = %g, want below 0.1", result.ChiSq)
	}
	testutil.AssertClose(t, result.Theta["teff"], 3500, 50)
	testutil.AssertClose(t, result.Theta["logg"], 4.5, 0.05)
	if want := 2*solverPixels - 2; result.DOF != want {
		t.Errorf("dof = %d, want %d", result.DOF, want)
	}
}

func TestOptimiseHonoursFixedParameters(t *testing.T) {
	cfg := solverConfig()
	pinned := 5.0
	cfg.Optimise.Fixed = map[string]*float64{"logg": &pinned}
	s := New(cfg, solverModel(t))
	s.Quiet = true

	result, err := s.Optimise(observedAt(3500, 4.5),
		likelihood.Theta{"teff": 3000, "logg": 4})
	testutil.AssertNoError(t, err)
	testutil.AssertClose(t, result.Theta["logg"], pinned, 0)
}

func TestOptimiseRejectsUnknownFixed(t *testing.T) {
	cfg := solverConfig()
	cfg.Optimise.Fixed = map[string]*float64{"metallicity": nil}
	s := New(cfg, solverModel(t))
	s.Quiet = true

	_, err := s.Optimise(observedAt(3500, 4.5),
		likelihood.Theta{"teff": 3000, "logg": 4})
	if err == nil {
		t.Fatal("expected error for unknown fixed parameter")
	}
}

func intPtr(v int) *int { return &v }

// spreadPositions scatters walkers deterministically over the grid
// extent so the first ensemble steps see a healthy mix of accepted
// and rejected proposals.
func spreadPositions(walkers int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, walkers)
	for i := range out {
		out[i] = []float64{
			3000 + 1000*rng.Float64(),
			4 + rng.Float64(),
		}
	}
	return out
}

func TestInferFixedMode(t *testing.T) {
	cfg := solverConfig()
	cfg.Infer.Walkers = intPtr(20)
	cfg.Infer.Burn = intPtr(30)
	cfg.Infer.Sample = intPtr(60)
	cfg.Settings.Threads = intPtr(2)
	s := New(cfg, solverModel(t))
	s.Quiet = true
	s.Seed = 42

	result, err := s.Infer(observedAt(3500, 4.5), &InitialProposal{
		Theta:     likelihood.Theta{"teff": 3500, "logg": 4.5},
		Positions: spreadPositions(20, 7),
	})
	testutil.AssertNoError(t, err)

	if result.Converged != nil {
		t.Error("fixed mode should not assess convergence")
	}
	if result.Burn != 0 || result.Sampled != 60 {
		t.Errorf("burn %d sampled %d, want 0 and 60", result.Burn, result.Sampled)
	}
	if result.Chain.Steps() != 60 {
		t.Errorf("chain has %d steps, want 60", result.Chain.Steps())
	}

	final := result.Acceptance[len(result.Acceptance)-1]
	if final <= 0 || final >= 1 {
		t.Errorf("final acceptance %v should be inside (0, 1)", final)
	}

	teff := result.Summaries["teff"]
	if math.Abs(teff.Percentiles[1]-3500) > 200 {
		t.Errorf("teff median %g, want near 3500", teff.Percentiles[1])
	}
	if !(teff.Percentiles[0] <= teff.Percentiles[1] && teff.Percentiles[1] <= teff.Percentiles[2]) {
		t.Errorf("percentiles %v are not ordered", teff.Percentiles)
	}
	testutil.AssertClose(t, result.MAP["teff"], 3500, 200)
	if result.ChiSq < 0 || math.IsNaN(result.ChiSq) {
		t.Errorf("chi-sq at MAP = %v", result.ChiSq)
	}
}

func TestInferWalkerValidation(t *testing.T) {
	for _, walkers := range []int{2, 7} {
		cfg := solverConfig()
		cfg.Infer.Walkers = intPtr(walkers)
		s := New(cfg, solverModel(t))
		s.Quiet = true

		_, err := s.Infer(observedAt(3500, 4.5), &InitialProposal{
			Theta: likelihood.Theta{"teff": 3500, "logg": 4.5},
		})
		if err == nil {
			t.Errorf("walkers=%d: expected error", walkers)
		}
	}

	s := New(solverConfig(), solverModel(t))
	s.Quiet = true
	if _, err := s.Infer(observedAt(3500, 4.5), nil); err == nil {
		t.Error("expected error for missing proposal")
	}
}

func TestInferAutoExhausts(t *testing.T) {
	cfg := solverConfig()
	cfg.Infer.Walkers = intPtr(20)
	cfg.Infer.AutoConvergence = boolPtr(true)
	cfg.Infer.MinimumSample = intPtr(20)
	cfg.Infer.MaximumSample = intPtr(40)
	cfg.Infer.CheckConvergenceFrequency = intPtr(20)
	cfg.Infer.MinimumEffectiveIndependentSamples = intPtr(1 << 20)
	s := New(cfg, solverModel(t))
	s.Quiet = true
	s.Seed = 9

	result, err := s.Infer(observedAt(3500, 4.5), &InitialProposal{
		Theta:     likelihood.Theta{"teff": 3500, "logg": 4.5},
		Positions: spreadPositions(20, 11),
	})
	testutil.AssertNoError(t, err)

	if result.Converged == nil || *result.Converged {
		t.Fatal("want explicit non-convergence")
	}
	if s.State() != StateExhausted {
		t.Errorf("state = %s, want %s", s.State(), StateExhausted)
	}
	if result.Chain.Steps() != 40 {
		t.Errorf("chain has %d steps, want 40", result.Chain.Steps())
	}
	if result.Burn >= result.Chain.Steps() {
		t.Errorf("burn %d should leave a posterior segment of %d steps",
			result.Burn, result.Chain.Steps())
	}
	// Best-effort summaries are still produced.
	if math.IsNaN(result.Summaries["teff"].Percentiles[1]) {
		t.Error("exhausted run should still report percentiles")
	}
}

func boolPtr(v bool) *bool { return &v }

func TestPredictReproducesNoiselessData(t *testing.T) {
	s := New(solverConfig(), solverModel(t))
	s.Quiet = true

	data := observedAt(3500, 4.5)
	matched, fluxes, err := s.Predict(data, likelihood.Theta{"teff": 3500, "logg": 4.5})
	testutil.AssertNoError(t, err)

	for _, ch := range []string{"blue", "red"} {
		obs := matched[ch]
		model := fluxes[ch]
		if obs == nil || len(model) != len(obs.Flux) {
			t.Fatalf("channel %s: missing prediction", ch)
		}
		for i := range model {
			testutil.AssertClose(t, model[i], obs.Flux[i], 1e-9)
		}
	}
}

// fakeChain provides controlled walker-mean series for convergence
// assessment tests.
type fakeChain struct {
	walkers int
	series  [][]float64
}

func (f *fakeChain) Steps() int                 { return len(f.series[0]) }
func (f *fakeChain) Walkers() int               { return f.walkers }
func (f *fakeChain) WalkerMean(d int) []float64 { return f.series[d] }

func ar1Series(n int, phi float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := 1; i < n; i++ {
		out[i] = phi*out[i-1] + rng.NormFloat64()
	}
	return out
}

func TestAssessConvergenceBatches(t *testing.T) {
	// AR(1) with phi=0.6: tau_int near 4, tau_exp near 2. With 10
	// walkers the effective count grows as roughly 1.25 per step, so
	// a 6250-sample requirement is cleared between 4000 and 6000
	// steps: not at the first two assessments, then at the third.
	const (
		phi          = 0.6
		walkers      = 10
		nTauExp      = 3
		minEffective = 6250.0
	)
	full := [][]float64{ar1Series(6000, phi, 5), ar1Series(6000, phi, 6)}

	prefix := func(n int) *fakeChain {
		return &fakeChain{walkers: walkers,
			series: [][]float64{full[0][:n], full[1][:n]}}
	}

	batches := 0
	var burn int
	var converged bool
	for n := 2000; ; n += 2000 {
		burn, converged = AssessConvergence(prefix(n), 2, nTauExp, minEffective)
		if converged {
			break
		}
		batches++
		if n >= 6000 {
			t.Fatalf("no convergence after %d steps", n)
		}
	}
	if batches != 2 {
		t.Errorf("converged after %d extra batches, want 2", batches)
	}
	if burn <= 0 || burn >= 100 {
		t.Errorf("burn = %d, want a small positive offset", burn)
	}
}

func TestAssessConvergenceShortChain(t *testing.T) {
	chain := &fakeChain{walkers: 10,
		series: [][]float64{ar1Series(8, 0.6, 1), ar1Series(8, 0.6, 2)}}
	burn, converged := AssessConvergence(chain, 2, 3, 100)
	if converged {
		t.Error("an 8-step chain cannot be converged")
	}
	if burn < chain.Steps() && burn <= 0 {
		t.Errorf("burn = %d", burn)
	}
}
