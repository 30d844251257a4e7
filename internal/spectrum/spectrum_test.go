package spectrum

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/spectral-data/specfit/internal/testutil"
)

func flatSpectrum(n int) *Spectrum {
	s := &Spectrum{
		Wavelength: testutil.Linspace(4000, 5000, n),
		Flux:       make([]float64, n),
		Variance:   make([]float64, n),
	}
	for i := range s.Flux {
		s.Flux[i] = 1.0
		s.Variance[i] = 0.01
	}
	return s
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spectrum)
		wantErr bool
	}{
		{"valid", func(s *Spectrum) {}, false},
		{"flux length mismatch", func(s *Spectrum) { s.Flux = s.Flux[:10] }, true},
		{"variance length mismatch", func(s *Spectrum) { s.Variance = s.Variance[:10] }, true},
		{"non-increasing wavelength", func(s *Spectrum) { s.Wavelength[5] = s.Wavelength[4] }, true},
		{"negative variance", func(s *Spectrum) { s.Variance[3] = -1 }, true},
		{"empty", func(s *Spectrum) { s.Wavelength = nil; s.Flux = nil; s.Variance = nil }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := flatSpectrum(50)
			tt.mutate(s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyMask(t *testing.T) {
	s := flatSpectrum(100)
	masked, affected := s.ApplyMask([][2]float64{{4200, 4300}})

	if affected == 0 {
		t.Fatal("expected some pixels masked")
	}
	// Original untouched.
	for _, f := range s.Flux {
		if math.IsNaN(f) {
			t.Fatal("ApplyMask modified the original spectrum")
		}
	}
	masked2 := 0
	for i, w := range masked.Wavelength {
		inRegion := w >= 4200 && w <= 4300
		isNaN := math.IsNaN(masked.Flux[i])
		if inRegion != isNaN {
			t.Errorf("pixel at %v: masked=%v, want %v", w, isNaN, inRegion)
		}
		if isNaN {
			masked2++
		}
	}
	if masked2 != affected {
		t.Errorf("affected = %d, but %d pixels are NaN", affected, masked2)
	}
}

func TestMedianSNR(t *testing.T) {
	s := flatSpectrum(50) // flux 1, variance 0.01 -> SNR 10 everywhere
	testutil.AssertClose(t, s.MedianSNR(), 10, 1e-9)
}

func TestLoadASCII(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spec.txt")
	content := "# OBJECT = HD1234\n# bad header line\n" +
		"4000.0 1.0 0.01\n4001.0 1.1 0.01\n4002.0 0.9 0.02\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	testutil.AssertNoError(t, err)
	if len(s.Wavelength) != 3 {
		t.Fatalf("got %d pixels, want 3", len(s.Wavelength))
	}
	if s.Headers["OBJECT"] != "HD1234" {
		t.Errorf("OBJECT header = %q, want HD1234", s.Headers["OBJECT"])
	}
	testutil.AssertClose(t, s.Flux[1], 1.1, 1e-12)
	testutil.AssertClose(t, s.Variance[2], 0.02, 1e-12)
}

func TestLoadASCIIWithoutVariance(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spec.txt")
	content := "4000.0 4.0\n4001.0 1.0\n4002.0 9.0\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	testutil.AssertNoError(t, err)
	// Poisson-like default: variance proportional to flux.
	testutil.AssertClose(t, s.Variance[0], 4.0, 1e-12)
	testutil.AssertClose(t, s.Variance[2], 9.0, 1e-12)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spec.json")
	content := `{"wavelength":[1,2,3],"flux":[5,6,7],"variance":[1,1,1],` +
		`"headers":{"channel":"blue"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	testutil.AssertNoError(t, err)
	if s.Headers["channel"] != "blue" {
		t.Errorf("channel header = %q, want blue", s.Headers["channel"])
	}
	testutil.AssertClose(t, s.Flux[2], 7, 1e-12)
}

func TestOverlap(t *testing.T) {
	s := flatSpectrum(100) // 4000..5000
	testutil.AssertClose(t, s.Overlap(4500, 5500), 500, 1e-9)
	testutil.AssertClose(t, s.Overlap(3000, 3500), 0, 1e-9)
	testutil.AssertClose(t, s.Overlap(0, 1e5), 1000, 1e-9)
}
