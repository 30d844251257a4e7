// Package plotting renders diagnostic figures for a sampling run:
// per-parameter chain traces, the acceptance fraction history, the
// log-probability trace and data/model projections.
package plotting

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/spectral-data/specfit/internal/sampler"
	"github.com/spectral-data/specfit/internal/spectrum"
)

const (
	plotWidth  = 14 * vg.Inch
	plotHeight = 6 * vg.Inch
)

// Chains writes one trace figure per parameter, every walker as its
// own line, with a marker at the burn-in boundary. Returns the number
// of figures written.
func Chains(chain *sampler.Chain, params []string, burn int, outputDir string) (int, error) {
	if chain.Steps() == 0 {
		return 0, nil
	}
	if len(params) != chain.Dim() {
		return 0, fmt.Errorf("%d parameter names for a %d-dimensional chain",
			len(params), chain.Dim())
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating output dir: %w", err)
	}

	colors := walkerPalette(chain.Walkers())
	written := 0
	for d, name := range params {
		p := plot.New()
		p.Title.Text = name
		p.X.Label.Text = "Step"
		p.Y.Label.Text = name

		lo, hi := math.Inf(1), math.Inf(-1)
		for w := 0; w < chain.Walkers(); w++ {
			pts := make(plotter.XYs, chain.Steps())
			for s := 0; s < chain.Steps(); s++ {
				v := chain.Position(s, w)[d]
				pts[s] = plotter.XY{X: float64(s), Y: v}
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return written, err
			}
			line.Color = colors[w]
			line.Width = vg.Points(0.5)
			p.Add(line)
		}

		if burn > 0 && burn < chain.Steps() && lo < hi {
			marker, err := plotter.NewLine(plotter.XYs{
				{X: float64(burn), Y: lo},
				{X: float64(burn), Y: hi},
			})
			if err != nil {
				return written, err
			}
			marker.Color = color.RGBA{R: 200, A: 255}
			marker.Width = vg.Points(1.5)
			marker.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
			p.Add(marker)
		}

		file := filepath.Join(outputDir, fmt.Sprintf("chain_%s.png", name))
		if err := p.Save(plotWidth, plotHeight, file); err != nil {
			return written, fmt.Errorf("save chain trace for %s: %w", name, err)
		}
		written++
	}
	return written, nil
}

// AcceptanceFractions plots the cumulative mean acceptance fraction
// over sampling steps.
func AcceptanceFractions(acceptance []float64, path string) error {
	if len(acceptance) == 0 {
		return fmt.Errorf("no acceptance history to plot")
	}

	p := plot.New()
	p.Title.Text = "Acceptance fraction"
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Mean acceptance"
	p.Y.Min, p.Y.Max = 0, 1

	pts := make(plotter.XYs, len(acceptance))
	for i, a := range acceptance {
		pts[i] = plotter.XY{X: float64(i + 1), Y: a}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	p.Add(line)

	if err := p.Save(plotWidth, plotHeight, path); err != nil {
		return fmt.Errorf("save acceptance plot: %w", err)
	}
	return nil
}

// LogProbability plots the ensemble-mean log probability per step,
// with the burn-in boundary marked.
func LogProbability(chain *sampler.Chain, burn int, path string) error {
	if chain.Steps() == 0 {
		return fmt.Errorf("empty chain")
	}

	p := plot.New()
	p.Title.Text = "Log probability"
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Mean ln(probability)"

	pts := make(plotter.XYs, chain.Steps())
	lo, hi := math.Inf(1), math.Inf(-1)
	for s := 0; s < chain.Steps(); s++ {
		sum := 0.0
		for w := 0; w < chain.Walkers(); w++ {
			sum += chain.LogProb(s, w)
		}
		v := sum / float64(chain.Walkers())
		pts[s] = plotter.XY{X: float64(s), Y: v}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Width = vg.Points(1)
	p.Add(line)

	if burn > 0 && burn < chain.Steps() && lo < hi {
		marker, err := plotter.NewLine(plotter.XYs{
			{X: float64(burn), Y: lo},
			{X: float64(burn), Y: hi},
		})
		if err != nil {
			return err
		}
		marker.Color = color.RGBA{R: 200, A: 255}
		marker.Width = vg.Points(1.5)
		marker.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
		p.Add(marker)
	}

	if err := p.Save(plotWidth, plotHeight, path); err != nil {
		return fmt.Errorf("save log-probability plot: %w", err)
	}
	return nil
}

// Projection overlays model fluxes on the observed spectra, one
// figure per channel. Returns the number of figures written.
func Projection(data map[string]*spectrum.Spectrum, modelFluxes map[string][]float64, outputDir string) (int, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating output dir: %w", err)
	}

	var channels []string
	for ch := range data {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	written := 0
	for _, ch := range channels {
		obs := data[ch]
		model := modelFluxes[ch]

		p := plot.New()
		p.Title.Text = fmt.Sprintf("Channel %s", ch)
		p.X.Label.Text = "Wavelength"
		p.Y.Label.Text = "Flux"

		obsPts := make(plotter.XYs, 0, len(obs.Wavelength))
		for i := range obs.Wavelength {
			obsPts = append(obsPts, plotter.XY{X: obs.Wavelength[i], Y: obs.Flux[i]})
		}
		obsLine, err := plotter.NewLine(obsPts)
		if err != nil {
			return written, err
		}
		obsLine.Color = color.RGBA{R: 60, G: 60, B: 60, A: 255}
		obsLine.Width = vg.Points(0.75)
		p.Add(obsLine)
		p.Legend.Add("observed", obsLine)

		if len(model) == len(obs.Wavelength) {
			modelPts := make(plotter.XYs, 0, len(model))
			for i := range model {
				modelPts = append(modelPts, plotter.XY{X: obs.Wavelength[i], Y: model[i]})
			}
			modelLine, err := plotter.NewLine(modelPts)
			if err != nil {
				return written, err
			}
			modelLine.Color = color.RGBA{R: 220, G: 50, B: 40, A: 255}
			modelLine.Width = vg.Points(1)
			p.Add(modelLine)
			p.Legend.Add("model", modelLine)
		}

		p.Legend.Top = true
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10

		file := filepath.Join(outputDir, fmt.Sprintf("projection_%s.png", ch))
		if err := p.Save(plotWidth, plotHeight, file); err != nil {
			return written, fmt.Errorf("save projection for %s: %w", ch, err)
		}
		written++
	}
	return written, nil
}

// walkerPalette spreads walker line colours evenly around the hue
// wheel so dense ensembles stay readable.
func walkerPalette(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	return palette.Rainbow(n, palette.Red, palette.Magenta, 0.65, 0.9, 1).Colors()
}
