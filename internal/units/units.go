// Package units provides shared constants and conversions for redshift
// and velocity scales.
package units

// SpeedOfLightKMS is the speed of light in kilometres per second.
const SpeedOfLightKMS = 299792.458

// Scale constants
const (
	Z   = "z"    // dimensionless redshift
	KMS = "km/s" // kilometres per second
	MS  = "m/s"  // metres per second
)

// ValidScales contains all valid velocity scale values
var ValidScales = []string{Z, KMS, MS}

// IsValid checks if the given scale is in the list of valid scales
func IsValid(scale string) bool {
	for _, validScale := range ValidScales {
		if scale == validScale {
			return true
		}
	}
	return false
}

// GetValidScalesString returns a comma-separated string of valid scales for error messages
func GetValidScalesString() string {
	return "z, km/s, m/s"
}

// ScaleFactor returns the multiplier that converts a dimensionless
// redshift into the target scale. Chains and summaries store redshift
// internally; display values are converted on the way out.
func ScaleFactor(targetScale string) float64 {
	switch targetScale {
	case KMS:
		return SpeedOfLightKMS
	case MS:
		return SpeedOfLightKMS * 1000
	case Z:
		return 1
	default:
		return 1 // default to dimensionless if unknown scale
	}
}

// RedshiftToVelocity converts a dimensionless redshift to a velocity
// in the target scale.
func RedshiftToVelocity(z float64, targetScale string) float64 {
	return z * ScaleFactor(targetScale)
}

// VelocityToRedshift converts a velocity in the given scale back to a
// dimensionless redshift.
func VelocityToRedshift(v float64, sourceScale string) float64 {
	f := ScaleFactor(sourceScale)
	if f == 0 {
		return v
	}
	return v / f
}

// Label rewrites a redshift parameter name ("z" or "z_<channel>") for
// the target scale, e.g. "z_blue" becomes "v_blue" on a velocity scale.
// Non-redshift parameter names are returned unchanged.
func Label(parameter, targetScale string) string {
	if targetScale == Z {
		return parameter
	}
	if parameter == "z" {
		return "v"
	}
	if len(parameter) > 2 && parameter[:2] == "z_" {
		return "v_" + parameter[2:]
	}
	return parameter
}
