// Package config defines the YAML model configuration consumed by the
// grid loader and the solving pipeline. Fields are pointers so that
// partial configuration files are safe: anything omitted falls back to
// a documented default through the Get* accessors.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/spectral-data/specfit/internal/units"
)

// Error represents a malformed or inconsistent configuration. It is
// fatal: solving never starts with an invalid configuration.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "configuration: " + e.Reason }

func errorf(format string, args ...any) *Error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Config is the root configuration, with one section per concern.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Settings SettingsConfig `yaml:"settings"`
	Estimate EstimateConfig `yaml:"estimate"`
	Optimise OptimiseConfig `yaml:"optimise"`
	Infer    InferConfig    `yaml:"infer"`
}

// ChannelConfig describes one model channel (spectral arm).
type ChannelConfig struct {
	// Dispersion is the path to the native wavelength array (ASCII,
	// one value per line).
	Dispersion string `yaml:"dispersion"`
	// FluxGlob matches the per-point flux files for pattern-scanned
	// grids; PointPattern is a regex with one named capture group per
	// grid dimension, applied to each file's base name.
	FluxGlob     string `yaml:"flux_glob"`
	PointPattern string `yaml:"point_pattern"`
	// ContinuumDegree is the polynomial degree of the multiplicative
	// continuum for this channel; negative disables the continuum.
	ContinuumDegree *int `yaml:"continuum_degree"`
	// FreeRedshift and FreeResolution declare per-channel nuisance
	// parameters z_<channel> and resolution_<channel>.
	FreeRedshift   bool `yaml:"free_redshift"`
	FreeResolution bool `yaml:"free_resolution"`
}

// GetContinuumDegree returns the continuum degree or -1 (disabled).
func (c *ChannelConfig) GetContinuumDegree() int {
	if c.ContinuumDegree == nil {
		return -1
	}
	return *c.ContinuumDegree
}

// ModelConfig describes the model grid and its parameterisation.
type ModelConfig struct {
	Name       string                   `yaml:"name"`
	Dimensions []string                 `yaml:"dimensions"`
	Channels   map[string]ChannelConfig `yaml:"channels"`

	// GridPoints and Fluxes point at the fast-loading binary cache
	// produced by the cache subcommand. When both are set they take
	// precedence over pattern scanning.
	GridPoints string `yaml:"grid_points"`
	Fluxes     string `yaml:"fluxes"`
	// MemoryMap reads cached fluxes through a memory map so only
	// required rows are paged in.
	MemoryMap bool `yaml:"memory_map"`

	// GlobalRedshift declares a single z parameter shared by all
	// channels (channels with FreeRedshift keep their own).
	GlobalRedshift bool `yaml:"global_redshift"`
	// Outliers declares the Po/Vo outlier mixture parameters;
	// UnderestimatedVariance declares ln_f.
	Outliers               bool `yaml:"outliers"`
	UnderestimatedVariance bool `yaml:"underestimated_variance"`

	// Mask lists [lo, hi] model-wavelength regions excluded from
	// comparison (rest frame).
	Mask [][2]float64 `yaml:"mask"`

	// RedshiftScale selects the reporting scale for redshift
	// parameters: "z" (default), "km/s" or "m/s".
	RedshiftScale string `yaml:"redshift_scale"`
}

// GetRedshiftScale returns the reporting scale for redshifts.
func (m *ModelConfig) GetRedshiftScale() string {
	if m.RedshiftScale == "" {
		return units.Z
	}
	return m.RedshiftScale
}

// SettingsConfig holds cross-stage solver settings.
type SettingsConfig struct {
	// CCFChannel forces the cross-correlation reference channel;
	// empty selects the matched channel with the highest median S/N.
	CCFChannel string `yaml:"ccf_channel"`
	// CCFZLimits bounds the redshift search window of the CCF.
	CCFZLimits *[2]float64 `yaml:"ccf_z_limits"`
	// FastBinning selects per-call interpolation (true, default) or
	// precomputed binning matrices with an LRU cache (false).
	FastBinning *bool `yaml:"fast_binning"`
	// MatrixCacheSize bounds the per-channel binning matrix cache.
	MatrixCacheSize *int `yaml:"matrix_cache_size"`
	// Threads is the worker pool size for parallel likelihood
	// evaluation during sampling.
	Threads *int `yaml:"threads"`
	// Interpolation is the flux interpolation kind: "nearest",
	// "linear" (default) or "cubic".
	Interpolation string `yaml:"interpolation"`
}

// GetFastBinning returns the fast_binning value or the default.
func (s *SettingsConfig) GetFastBinning() bool {
	if s.FastBinning == nil {
		return true
	}
	return *s.FastBinning
}

// GetMatrixCacheSize returns the matrix_cache_size value or the default.
func (s *SettingsConfig) GetMatrixCacheSize() int {
	if s.MatrixCacheSize == nil {
		return 64
	}
	return *s.MatrixCacheSize
}

// GetThreads returns the threads value or the default.
func (s *SettingsConfig) GetThreads() int {
	if s.Threads == nil {
		return 1
	}
	return *s.Threads
}

// GetInterpolation returns the interpolation kind or the default.
func (s *SettingsConfig) GetInterpolation() string {
	if s.Interpolation == "" {
		return "linear"
	}
	return s.Interpolation
}

// EstimateConfig holds hyperparameters of the estimate stage.
type EstimateConfig struct {
	// NumModelComparisons is either an absolute count (>= 1) or a
	// fraction (0, 1) of grid points cross-correlated during the
	// coarse estimate.
	NumModelComparisons *float64 `yaml:"num_model_comparisons"`
}

// ComparisonCount resolves NumModelComparisons against the grid size.
func (e *EstimateConfig) ComparisonCount(gridSize int) int {
	if e.NumModelComparisons == nil {
		return gridSize
	}
	v := *e.NumModelComparisons
	if v > 0 && v < 1 {
		v *= float64(gridSize)
	}
	n := int(v)
	if n < 1 {
		n = 1
	}
	if n > gridSize {
		n = gridSize
	}
	return n
}

// OptimiseConfig holds hyperparameters of the optimise stage.
type OptimiseConfig struct {
	MaxIterations *int `yaml:"max_iterations"`
	// Fixed pins parameters during optimisation. A null value means
	// "fix at the initial estimate".
	Fixed map[string]*float64 `yaml:"fixed"`
	// Bounds overrides the grid-derived per-parameter bounds.
	Bounds map[string][2]float64 `yaml:"bounds"`
}

// GetMaxIterations returns the max_iterations value or the default.
func (o *OptimiseConfig) GetMaxIterations() int {
	if o.MaxIterations == nil {
		return 2000
	}
	return *o.MaxIterations
}

// InferConfig holds hyperparameters of the MCMC inference stage.
type InferConfig struct {
	Walkers         *int  `yaml:"walkers"`
	Burn            *int  `yaml:"burn"`
	Sample          *int  `yaml:"sample"`
	AutoConvergence *bool `yaml:"auto_convergence"`

	// Auto-convergence controls.
	MinimumSample                      *int `yaml:"minimum_sample"`
	MaximumSample                      *int `yaml:"maximum_sample"`
	NTauExpAsBurnIn                    *int `yaml:"n_tau_exp_as_burn_in"`
	MinimumEffectiveIndependentSamples *int `yaml:"minimum_effective_independent_samples"`
	CheckConvergenceFrequency          *int `yaml:"check_convergence_frequency"`

	// ProposalScale is the stretch-move scale parameter a.
	ProposalScale *float64 `yaml:"proposal_scale"`
}

// GetWalkers returns the walkers value or the default.
func (i *InferConfig) GetWalkers() int {
	if i.Walkers == nil {
		return 100
	}
	return *i.Walkers
}

// GetBurn returns the burn value or the default.
func (i *InferConfig) GetBurn() int {
	if i.Burn == nil {
		return 2000
	}
	return *i.Burn
}

// GetSample returns the sample value or the default.
func (i *InferConfig) GetSample() int {
	if i.Sample == nil {
		return 2000
	}
	return *i.Sample
}

// GetAutoConvergence returns the auto_convergence value or the default.
func (i *InferConfig) GetAutoConvergence() bool {
	if i.AutoConvergence == nil {
		return false
	}
	return *i.AutoConvergence
}

// GetMinimumSample returns the minimum_sample value or the default.
func (i *InferConfig) GetMinimumSample() int {
	if i.MinimumSample == nil {
		return 2000
	}
	return *i.MinimumSample
}

// GetMaximumSample returns the maximum_sample value or the default.
func (i *InferConfig) GetMaximumSample() int {
	if i.MaximumSample == nil {
		return 100000
	}
	return *i.MaximumSample
}

// GetNTauExpAsBurnIn returns the n_tau_exp_as_burn_in value or the default.
func (i *InferConfig) GetNTauExpAsBurnIn() int {
	if i.NTauExpAsBurnIn == nil {
		return 3
	}
	return *i.NTauExpAsBurnIn
}

// GetMinimumEffectiveIndependentSamples returns the configured
// minimum effective independent sample count or the default.
func (i *InferConfig) GetMinimumEffectiveIndependentSamples() int {
	if i.MinimumEffectiveIndependentSamples == nil {
		return 100
	}
	return *i.MinimumEffectiveIndependentSamples
}

// GetCheckConvergenceFrequency returns the check_convergence_frequency
// value or the default.
func (i *InferConfig) GetCheckConvergenceFrequency() int {
	if i.CheckConvergenceFrequency == nil {
		return 1000
	}
	return *i.CheckConvergenceFrequency
}

// GetProposalScale returns the proposal_scale value or the default.
func (i *InferConfig) GetProposalScale() float64 {
	if i.ProposalScale == nil {
		return 2.0
	}
	return *i.ProposalScale
}

// Load reads and validates a configuration from a YAML file. Relative
// paths inside the model section are resolved against the file's
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errorf("parsing %s: %v", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths(dir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Model.GridPoints = resolve(c.Model.GridPoints)
	c.Model.Fluxes = resolve(c.Model.Fluxes)
	for name, ch := range c.Model.Channels {
		ch.Dispersion = resolve(ch.Dispersion)
		ch.FluxGlob = resolve(ch.FluxGlob)
		c.Model.Channels[name] = ch
	}
}

// Validate checks the configuration for structural consistency.
func (c *Config) Validate() error {
	if len(c.Model.Channels) == 0 {
		return errorf("model has no channels")
	}
	if len(c.Model.Dimensions) == 0 {
		return errorf("model has no grid dimensions")
	}
	seen := map[string]bool{}
	for _, d := range c.Model.Dimensions {
		if seen[d] {
			return errorf("duplicate grid dimension %q", d)
		}
		seen[d] = true
	}
	cached := c.Model.GridPoints != "" && c.Model.Fluxes != ""
	for name, ch := range c.Model.Channels {
		if ch.Dispersion == "" {
			return errorf("channel %q has no dispersion file", name)
		}
		if !cached && (ch.FluxGlob == "" || ch.PointPattern == "") {
			return errorf("channel %q needs flux_glob and point_pattern when no cache is configured", name)
		}
	}
	if c.Settings.CCFChannel != "" {
		if _, ok := c.Model.Channels[c.Settings.CCFChannel]; !ok {
			return errorf("ccf_channel %q is not a model channel", c.Settings.CCFChannel)
		}
	}
	if lim := c.Settings.CCFZLimits; lim != nil && lim[0] >= lim[1] {
		return errorf("ccf_z_limits must satisfy lower < upper, got [%g, %g]", lim[0], lim[1])
	}
	if c.Settings.GetThreads() < 1 {
		return errorf("threads must be positive, got %d", c.Settings.GetThreads())
	}
	switch c.Settings.GetInterpolation() {
	case "nearest", "linear", "cubic":
	default:
		return errorf("interpolation must be nearest, linear or cubic, got %q",
			c.Settings.GetInterpolation())
	}
	if scale := c.Model.GetRedshiftScale(); !units.IsValid(scale) {
		return errorf("redshift_scale must be one of %s, got %q",
			units.GetValidScalesString(), scale)
	}
	if n := c.Estimate.NumModelComparisons; n != nil && *n <= 0 {
		return errorf("num_model_comparisons must be positive, got %g", *n)
	}
	for _, keyword := range []struct {
		name  string
		value int
	}{
		{"walkers", c.Infer.GetWalkers()},
		{"burn", c.Infer.GetBurn()},
		{"sample", c.Infer.GetSample()},
		{"minimum_sample", c.Infer.GetMinimumSample()},
		{"maximum_sample", c.Infer.GetMaximumSample()},
		{"n_tau_exp_as_burn_in", c.Infer.GetNTauExpAsBurnIn()},
		{"minimum_effective_independent_samples", c.Infer.GetMinimumEffectiveIndependentSamples()},
		{"check_convergence_frequency", c.Infer.GetCheckConvergenceFrequency()},
	} {
		if keyword.value < 1 {
			return errorf("%s must be a positive value, got %d", keyword.name, keyword.value)
		}
	}
	if c.Infer.GetProposalScale() <= 1 {
		return errorf("proposal_scale must be greater than 1, got %g",
			c.Infer.GetProposalScale())
	}
	return nil
}
