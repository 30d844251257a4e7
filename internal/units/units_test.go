package units

import (
	"math"
	"testing"
)

func TestIsValid(t *testing.T) {
	tests := []struct {
		scale string
		want  bool
	}{
		{Z, true},
		{KMS, true},
		{MS, true},
		{"furlongs/fortnight", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsValid(tt.scale); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.scale, got, tt.want)
		}
	}
}

func TestScaleFactor(t *testing.T) {
	if got := ScaleFactor(Z); got != 1 {
		t.Errorf("ScaleFactor(z) = %v, want 1", got)
	}
	if got := ScaleFactor(KMS); got != SpeedOfLightKMS {
		t.Errorf("ScaleFactor(km/s) = %v, want %v", got, SpeedOfLightKMS)
	}
	if got := ScaleFactor(MS); got != SpeedOfLightKMS*1000 {
		t.Errorf("ScaleFactor(m/s) = %v, want %v", got, SpeedOfLightKMS*1000)
	}
	// Unknown scales fall back to dimensionless.
	if got := ScaleFactor("parsecs"); got != 1 {
		t.Errorf("ScaleFactor(parsecs) = %v, want 1", got)
	}
}

func TestRedshiftVelocityRoundTrip(t *testing.T) {
	for _, z := range []float64{-0.01, 0, 1e-4, 0.3} {
		v := RedshiftToVelocity(z, KMS)
		back := VelocityToRedshift(v, KMS)
		if math.Abs(back-z) > 1e-12 {
			t.Errorf("round trip of z=%v through km/s gave %v", z, back)
		}
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		parameter string
		scale     string
		want      string
	}{
		{"z", KMS, "v"},
		{"z_blue", KMS, "v_blue"},
		{"z", Z, "z"},
		{"teff", KMS, "teff"},
		{"ln_f", KMS, "ln_f"},
	}

	for _, tt := range tests {
		if got := Label(tt.parameter, tt.scale); got != tt.want {
			t.Errorf("Label(%q, %q) = %q, want %q", tt.parameter, tt.scale, got, tt.want)
		}
	}
}
