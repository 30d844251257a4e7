// Package spectrum provides the observed-spectrum data model: a
// wavelength array, flux array, variance array and header metadata,
// with loaders for ASCII and JSON files, wavelength masks and
// signal-to-noise summaries, and cross-correlation against template
// spectra for redshift estimation.
package spectrum

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spectral-data/specfit/internal/numutil"
)

// Spectrum is a single observed spectral channel. Wavelength must be
// strictly increasing; Variance is per-pixel and non-negative. The
// core only reads a Spectrum once loaded.
type Spectrum struct {
	Wavelength []float64         `json:"wavelength"`
	Flux       []float64         `json:"flux"`
	Variance   []float64         `json:"variance"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Validate checks the structural invariants of the spectrum.
func (s *Spectrum) Validate() error {
	if len(s.Wavelength) == 0 {
		return fmt.Errorf("spectrum has no pixels")
	}
	if len(s.Flux) != len(s.Wavelength) {
		return fmt.Errorf("flux length %d does not match wavelength length %d",
			len(s.Flux), len(s.Wavelength))
	}
	if len(s.Variance) != len(s.Wavelength) {
		return fmt.Errorf("variance length %d does not match wavelength length %d",
			len(s.Variance), len(s.Wavelength))
	}
	if !numutil.IsStrictlyIncreasing(s.Wavelength) {
		return fmt.Errorf("wavelength array must be strictly increasing")
	}
	for i, v := range s.Variance {
		if v < 0 {
			return fmt.Errorf("variance must be non-negative, got %v at pixel %d", v, i)
		}
	}
	return nil
}

// Copy returns a deep copy of the spectrum.
func (s *Spectrum) Copy() *Spectrum {
	out := &Spectrum{
		Wavelength: append([]float64(nil), s.Wavelength...),
		Flux:       append([]float64(nil), s.Flux...),
		Variance:   append([]float64(nil), s.Variance...),
	}
	if s.Headers != nil {
		out.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// ApplyMask returns a copy of the spectrum with the flux of every
// pixel inside any [lo, hi] mask region set to NaN. It also reports
// the number of pixels affected. The receiver is not modified.
func (s *Spectrum) ApplyMask(regions [][2]float64) (*Spectrum, int) {
	out := s.Copy()
	affected := 0
	for i, w := range out.Wavelength {
		for _, r := range regions {
			if w >= r[0] && w <= r[1] {
				if !math.IsNaN(out.Flux[i]) {
					affected++
				}
				out.Flux[i] = math.NaN()
				break
			}
		}
	}
	return out, affected
}

// MedianSNR returns the median per-pixel signal-to-noise ratio,
// ignoring masked and zero-variance pixels.
func (s *Spectrum) MedianSNR() float64 {
	snr := make([]float64, 0, len(s.Flux))
	for i, f := range s.Flux {
		v := s.Variance[i]
		if math.IsNaN(f) || v <= 0 {
			continue
		}
		snr = append(snr, f/math.Sqrt(v))
	}
	return numutil.Median(snr)
}

// Range returns the first and last wavelengths of the spectrum.
func (s *Spectrum) Range() (lo, hi float64) {
	return s.Wavelength[0], s.Wavelength[len(s.Wavelength)-1]
}

// Overlap returns the length of the wavelength interval shared with
// [lo, hi], or zero when the ranges are disjoint.
func (s *Spectrum) Overlap(lo, hi float64) float64 {
	slo, shi := s.Range()
	if lo > slo {
		slo = lo
	}
	if hi < shi {
		shi = hi
	}
	if shi <= slo {
		return 0
	}
	return shi - slo
}

// Load reads a spectrum from an ASCII or JSON file, selected by
// extension (.json is JSON; anything else is whitespace-delimited
// columns of wavelength, flux and optional variance).
func Load(path string) (*Spectrum, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return loadJSON(path)
	}
	return loadASCII(path)
}

func loadJSON(path string) (*Spectrum, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spectrum %s: %w", path, err)
	}
	var s Spectrum
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing spectrum %s: %w", path, err)
	}
	if len(s.Variance) == 0 {
		s.Variance = defaultVariance(s.Flux)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spectrum %s: %w", path, err)
	}
	return &s, nil
}

func loadASCII(path string) (*Spectrum, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading spectrum %s: %w", path, err)
	}
	defer f.Close()

	s := &Spectrum{Headers: map[string]string{}}
	hasVariance := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			// Header comments of the form "# KEY = value".
			if k, v, ok := parseHeaderComment(text); ok {
				s.Headers[k] = v
			}
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, fmt.Errorf("spectrum %s line %d: need at least 2 columns", path, line)
		}
		w, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("spectrum %s line %d: bad wavelength %q", path, line, fields[0])
		}
		fl, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("spectrum %s line %d: bad flux %q", path, line, fields[1])
		}
		s.Wavelength = append(s.Wavelength, w)
		s.Flux = append(s.Flux, fl)
		if len(fields) >= 3 {
			v, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, fmt.Errorf("spectrum %s line %d: bad variance %q", path, line, fields[2])
			}
			s.Variance = append(s.Variance, v)
			hasVariance = true
		} else {
			s.Variance = append(s.Variance, 0)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading spectrum %s: %w", path, err)
	}
	if !hasVariance {
		s.Variance = defaultVariance(s.Flux)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spectrum %s: %w", path, err)
	}
	return s, nil
}

func parseHeaderComment(text string) (key, value string, ok bool) {
	text = strings.TrimSpace(strings.TrimPrefix(text, "#"))
	idx := strings.Index(text, "=")
	if idx <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(text[:idx])
	value = strings.TrimSpace(text[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

// defaultVariance assumes Poisson-like uncertainty when no variance
// column is present: variance proportional to |flux|, floored at the
// smallest positive flux.
func defaultVariance(flux []float64) []float64 {
	out := make([]float64, len(flux))
	floor := math.Inf(1)
	for _, f := range flux {
		if f > 0 && f < floor {
			floor = f
		}
	}
	if math.IsInf(floor, 1) {
		floor = 1
	}
	for i, f := range flux {
		v := math.Abs(f)
		if v < floor {
			v = floor
		}
		out[i] = v
	}
	return out
}
