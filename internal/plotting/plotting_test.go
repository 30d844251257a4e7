package plotting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spectral-data/specfit/internal/sampler"
	"github.com/spectral-data/specfit/internal/spectrum"
	"github.com/spectral-data/specfit/internal/testutil"
)

// pngMagic is the 8-byte PNG file signature.
var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func assertPNG(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	if len(data) < len(pngMagic) {
		t.Fatalf("%s is too short to be a PNG", path)
	}
	for i, b := range pngMagic {
		if data[i] != b {
			t.Fatalf("%s does not start with the PNG signature", path)
		}
	}
}

func testChain(t *testing.T) *sampler.Chain {
	t.Helper()
	smp, err := sampler.New(sampler.Config{
		Walkers: 8,
		Dim:     2,
		Seed:    3,
		LogProb: func(x []float64) float64 {
			return -0.5 * (x[0]*x[0] + x[1]*x[1])
		},
	})
	testutil.AssertNoError(t, err)
	defer smp.Close()

	positions := make([][]float64, 8)
	for i := range positions {
		positions[i] = []float64{float64(i) - 3.5, 3.5 - float64(i)}
	}
	testutil.AssertNoError(t, smp.Init(positions))
	testutil.AssertNoError(t, smp.Run(40, nil))
	return smp.Chain()
}

func TestChains(t *testing.T) {
	chain := testChain(t)
	dir := filepath.Join(t.TempDir(), "plots")

	n, err := Chains(chain, []string{"teff", "logg"}, 10, dir)
	testutil.AssertNoError(t, err)
	if n != 2 {
		t.Fatalf("wrote %d figures, want 2", n)
	}
	assertPNG(t, filepath.Join(dir, "chain_teff.png"))
	assertPNG(t, filepath.Join(dir, "chain_logg.png"))
}

func TestChainsNameMismatch(t *testing.T) {
	chain := testChain(t)
	if _, err := Chains(chain, []string{"only-one"}, 0, t.TempDir()); err == nil {
		t.Fatal("expected error for mismatched parameter names")
	}
}

func TestAcceptanceFractions(t *testing.T) {
	chain := testChain(t)
	path := filepath.Join(t.TempDir(), "acceptance.png")
	testutil.AssertNoError(t, AcceptanceFractions(chain.Acceptance(), path))
	assertPNG(t, path)

	if err := AcceptanceFractions(nil, path); err == nil {
		t.Fatal("expected error for empty history")
	}
}

func TestLogProbability(t *testing.T) {
	chain := testChain(t)
	path := filepath.Join(t.TempDir(), "lnprob.png")
	testutil.AssertNoError(t, LogProbability(chain, 10, path))
	assertPNG(t, path)
}

func TestProjection(t *testing.T) {
	wl := testutil.Linspace(5000, 5049, 50)
	flux := make([]float64, 50)
	variance := make([]float64, 50)
	model := make([]float64, 50)
	for i := range flux {
		flux[i] = 1 + 0.01*float64(i)
		variance[i] = 1e-4
		model[i] = flux[i] * 1.01
	}
	data := map[string]*spectrum.Spectrum{
		"blue": {Wavelength: wl, Flux: flux, Variance: variance},
	}

	dir := filepath.Join(t.TempDir(), "plots")
	n, err := Projection(data, map[string][]float64{"blue": model}, dir)
	testutil.AssertNoError(t, err)
	if n != 1 {
		t.Fatalf("wrote %d figures, want 1", n)
	}
	assertPNG(t, filepath.Join(dir, "projection_blue.png"))
}
