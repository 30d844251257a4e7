package grid

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spectral-data/specfit/internal/config"
	"github.com/spectral-data/specfit/internal/numutil"
)

// Model is a loaded model grid: the point index, per-channel native
// dispersion arrays and a flux store with one row per grid point. It
// is read-only after load and safe to share across workers.
type Model struct {
	Index      *Index
	Channels   []string
	Dispersion map[string][]float64

	store FluxStore
}

// New assembles a model from its parts and validates the cross-channel
// invariant: every channel must carry exactly one flux row per grid
// point, and each row must match the channel's dispersion length.
func New(index *Index, dispersion map[string][]float64, store FluxStore) (*Model, error) {
	channels := store.Channels()
	if len(channels) == 0 {
		return nil, fmt.Errorf("grid: flux store has no channels")
	}
	for _, name := range channels {
		disp, ok := dispersion[name]
		if !ok {
			return nil, fmt.Errorf("grid: channel %q has no dispersion array", name)
		}
		if !numutil.IsStrictlyIncreasing(disp) {
			return nil, fmt.Errorf("grid: channel %q dispersion is not strictly increasing", name)
		}
		if store.Rows(name) != index.Len() {
			return nil, fmt.Errorf("grid: channel %q has %d flux rows for %d grid points",
				name, store.Rows(name), index.Len())
		}
		if store.Pixels(name) != len(disp) {
			return nil, fmt.Errorf("grid: channel %q flux length %d does not match dispersion length %d",
				name, store.Pixels(name), len(disp))
		}
	}
	return &Model{
		Index:      index,
		Channels:   channels,
		Dispersion: dispersion,
		store:      store,
	}, nil
}

// Flux copies the flux row for the given channel and grid point index
// into dst (length must equal the channel's dispersion length).
func (m *Model) Flux(channel string, i int, dst []float64) error {
	return m.store.ReadRow(channel, i, dst)
}

// Close releases the underlying flux store.
func (m *Model) Close() error { return m.store.Close() }

// Oversampling returns the native pixels-per-resolution-element proxy
// for a channel: mean wavelength over mean pixel spacing.
func (m *Model) Oversampling(channel string) float64 {
	disp := m.Dispersion[channel]
	return numutil.Mean(disp) / numutil.MeanDiff(disp)
}

// BuildCache writes the model's points and fluxes to the fast-loading
// binary cache files.
func (m *Model) BuildCache(pointsPath, fluxesPath string) error {
	points := make([][]float64, m.Index.Len())
	for i := range points {
		points[i] = m.Index.Point(i)
	}
	if err := WritePointsCache(pointsPath, points); err != nil {
		return err
	}
	flux := make(map[string][][]float64, len(m.Channels))
	for _, name := range m.Channels {
		rows := make([][]float64, m.store.Rows(name))
		pixels := m.store.Pixels(name)
		for i := range rows {
			rows[i] = make([]float64, pixels)
			if err := m.store.ReadRow(name, i, rows[i]); err != nil {
				return err
			}
		}
		flux[name] = rows
	}
	return WriteFluxCache(fluxesPath, flux)
}

// Load builds a Model from configuration: from the binary cache when
// grid_points and fluxes are configured, otherwise by scanning the
// per-channel flux filename patterns.
func Load(cfg *config.ModelConfig) (*Model, error) {
	dispersion := make(map[string][]float64, len(cfg.Channels))
	for name, ch := range cfg.Channels {
		disp, err := readColumn(ch.Dispersion)
		if err != nil {
			return nil, fmt.Errorf("grid: channel %q dispersion: %w", name, err)
		}
		dispersion[name] = disp
	}

	if cfg.GridPoints != "" && cfg.Fluxes != "" {
		points, err := ReadPointsCache(cfg.GridPoints)
		if err != nil {
			return nil, err
		}
		index, err := NewIndex(cfg.Dimensions, points)
		if err != nil {
			return nil, err
		}
		store, err := OpenFluxCache(cfg.Fluxes, cfg.MemoryMap)
		if err != nil {
			return nil, err
		}
		m, err := New(index, dispersion, store)
		if err != nil {
			store.Close()
			return nil, err
		}
		return m, nil
	}

	return loadFromPatterns(cfg, dispersion)
}

// loadFromPatterns scans each channel's flux file glob, extracts grid
// coordinates from the filenames, and normalises every channel onto
// the first channel's point ordering.
func loadFromPatterns(cfg *config.ModelConfig, dispersion map[string][]float64) (*Model, error) {
	channels := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		channels = append(channels, name)
	}
	sort.Strings(channels)

	type scanned struct {
		points [][]float64
		files  []string
	}
	perChannel := make(map[string]scanned, len(channels))
	for _, name := range channels {
		ch := cfg.Channels[name]
		re, err := regexp.Compile(ch.PointPattern)
		if err != nil {
			return nil, fmt.Errorf("grid: channel %q point_pattern: %w", name, err)
		}
		groups := re.SubexpNames()
		groupIndex := make(map[string]int, len(groups))
		for i, g := range groups {
			if g != "" {
				groupIndex[g] = i
			}
		}
		for _, dim := range cfg.Dimensions {
			if _, ok := groupIndex[dim]; !ok {
				return nil, fmt.Errorf("grid: channel %q point_pattern has no capture group for dimension %q",
					name, dim)
			}
		}

		matches, err := filepath.Glob(ch.FluxGlob)
		if err != nil {
			return nil, fmt.Errorf("grid: channel %q flux_glob: %w", name, err)
		}
		var sc scanned
		for _, path := range matches {
			sub := re.FindStringSubmatch(filepath.Base(path))
			if sub == nil {
				continue
			}
			point := make([]float64, len(cfg.Dimensions))
			ok := true
			for d, dim := range cfg.Dimensions {
				v, err := strconv.ParseFloat(sub[groupIndex[dim]], 64)
				if err != nil {
					ok = false
					break
				}
				point[d] = v
			}
			if !ok {
				continue
			}
			sc.points = append(sc.points, point)
			sc.files = append(sc.files, path)
		}
		if len(sc.points) == 0 {
			return nil, fmt.Errorf("grid: channel %q matched no flux files under %s", name, ch.FluxGlob)
		}
		perChannel[name] = sc
	}

	// The first channel defines the canonical point ordering.
	first := channels[0]
	index, err := NewIndex(cfg.Dimensions, perChannel[first].points)
	if err != nil {
		return nil, err
	}

	flux := make(map[string][][]float64, len(channels))
	for _, name := range channels {
		sc := perChannel[name]
		if len(sc.points) != index.Len() {
			return nil, fmt.Errorf("grid: number of model points in %q channel (%d) did not match the number in %q channel (%d)",
				first, index.Len(), name, len(sc.points))
		}
		rows := make([][]float64, index.Len())
		for i, point := range sc.points {
			canonical, found := index.LocateExact(point)
			if !found {
				return nil, fmt.Errorf("grid: channel %q point %v does not exist in channel %q",
					name, point, first)
			}
			if rows[canonical] != nil {
				return nil, fmt.Errorf("grid: channel %q has duplicate flux files for point %v", name, point)
			}
			row, err := readColumn(sc.files[i])
			if err != nil {
				return nil, fmt.Errorf("grid: channel %q flux file: %w", name, err)
			}
			if len(row) != len(dispersion[name]) {
				return nil, fmt.Errorf("grid: channel %q flux file %s has %d pixels, want %d",
					name, sc.files[i], len(row), len(dispersion[name]))
			}
			rows[canonical] = row
		}
		flux[name] = rows
	}

	return New(index, dispersion, NewMemStore(flux))
}

// readColumn reads a single-column ASCII file of float values,
// skipping blank lines and # comments.
func readColumn(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<22)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		v, err := strconv.ParseFloat(strings.Fields(text)[0], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad value %q", path, line, text)
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
