package grid

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"golang.org/x/exp/mmap"
)

// Cache file magic numbers and the current format version.
var (
	pointsMagic = [4]byte{'S', 'F', 'G', 'P'}
	fluxesMagic = [4]byte{'S', 'F', 'G', 'F'}
)

const cacheVersion = 1

// FluxStore provides per-channel access to the grid's flux vectors,
// one row per grid point. Implementations are read-only after open
// and safe for concurrent readers.
type FluxStore interface {
	// Channels returns the stored channel names, sorted.
	Channels() []string
	// Rows returns the number of flux rows for the channel.
	Rows(channel string) int
	// Pixels returns the flux vector length for the channel.
	Pixels(channel string) int
	// ReadRow copies row i of the channel into dst, which must have
	// length Pixels(channel).
	ReadRow(channel string, i int, dst []float64) error
	// Close releases any underlying resources.
	Close() error
}

// MemStore is an in-memory FluxStore, used for pattern-scanned grids
// and tests.
type MemStore struct {
	channels []string
	flux     map[string][][]float64
}

// NewMemStore builds a MemStore from per-channel row slices.
func NewMemStore(flux map[string][][]float64) *MemStore {
	channels := make([]string, 0, len(flux))
	for name := range flux {
		channels = append(channels, name)
	}
	sort.Strings(channels)
	return &MemStore{channels: channels, flux: flux}
}

func (s *MemStore) Channels() []string { return s.channels }

func (s *MemStore) Rows(channel string) int { return len(s.flux[channel]) }

func (s *MemStore) Pixels(channel string) int {
	rows := s.flux[channel]
	if len(rows) == 0 {
		return 0
	}
	return len(rows[0])
}

func (s *MemStore) ReadRow(channel string, i int, dst []float64) error {
	rows, ok := s.flux[channel]
	if !ok {
		return fmt.Errorf("grid: unknown channel %q", channel)
	}
	if i < 0 || i >= len(rows) {
		return fmt.Errorf("grid: row %d out of range for channel %q (%d rows)",
			i, channel, len(rows))
	}
	copy(dst, rows[i])
	return nil
}

func (s *MemStore) Close() error { return nil }

// section locates one channel's rows inside a flux cache file.
type section struct {
	offset int64
	rows   int
	pixels int
}

// mmapStore reads float32 flux rows through a memory map so that only
// the rows actually requested are paged in.
type mmapStore struct {
	r        *mmap.ReaderAt
	channels []string
	sections map[string]section
}

func (s *mmapStore) Channels() []string        { return s.channels }
func (s *mmapStore) Rows(channel string) int   { return s.sections[channel].rows }
func (s *mmapStore) Pixels(channel string) int { return s.sections[channel].pixels }

func (s *mmapStore) ReadRow(channel string, i int, dst []float64) error {
	sec, ok := s.sections[channel]
	if !ok {
		return fmt.Errorf("grid: unknown channel %q", channel)
	}
	if i < 0 || i >= sec.rows {
		return fmt.Errorf("grid: row %d out of range for channel %q (%d rows)",
			i, channel, sec.rows)
	}
	buf := make([]byte, 4*sec.pixels)
	off := sec.offset + int64(i)*int64(4*sec.pixels)
	if _, err := s.r.ReadAt(buf, off); err != nil {
		return fmt.Errorf("grid: reading row %d of channel %q: %w", i, channel, err)
	}
	for j := 0; j < sec.pixels; j++ {
		bits := binary.LittleEndian.Uint32(buf[4*j:])
		dst[j] = float64(math.Float32frombits(bits))
	}
	return nil
}

func (s *mmapStore) Close() error { return s.r.Close() }

// WritePointsCache writes the grid points to the fast-loading binary
// cache format.
func WritePointsCache(path string, points [][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("grid: creating points cache: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if _, err := w.Write(pointsMagic[:]); err != nil {
		return err
	}
	d := 0
	if len(points) > 0 {
		d = len(points[0])
	}
	for _, v := range []uint32{cacheVersion, uint32(len(points)), uint32(d)} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for _, p := range points {
		if err := binary.Write(w, binary.LittleEndian, p); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadPointsCache reads a points cache written by WritePointsCache.
func ReadPointsCache(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("grid: opening points cache: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil {
		return nil, fmt.Errorf("grid: reading points cache header: %w", err)
	}
	if magic != pointsMagic {
		return nil, fmt.Errorf("grid: %s is not a points cache", path)
	}
	var version, n, d uint32
	for _, p := range []*uint32{&version, &n, &d} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("grid: reading points cache header: %w", err)
		}
	}
	if version != cacheVersion {
		return nil, fmt.Errorf("grid: unsupported points cache version %d", version)
	}
	points := make([][]float64, n)
	for i := range points {
		points[i] = make([]float64, d)
		if err := binary.Read(r, binary.LittleEndian, points[i]); err != nil {
			return nil, fmt.Errorf("grid: reading point %d: %w", i, err)
		}
	}
	return points, nil
}

// WriteFluxCache writes per-channel flux rows as float32 to the
// binary cache format readable by OpenFluxCache.
func WriteFluxCache(path string, flux map[string][][]float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("grid: creating flux cache: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	channels := make([]string, 0, len(flux))
	for name := range flux {
		channels = append(channels, name)
	}
	sort.Strings(channels)

	if _, err := w.Write(fluxesMagic[:]); err != nil {
		return err
	}
	for _, v := range []uint32{cacheVersion, uint32(len(channels))} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for _, name := range channels {
		rows := flux[name]
		pixels := 0
		if len(rows) > 0 {
			pixels = len(rows[0])
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(name))); err != nil {
			return err
		}
		if _, err := w.WriteString(name); err != nil {
			return err
		}
		for _, v := range []uint32{uint32(len(rows)), uint32(pixels)} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		row32 := make([]float32, pixels)
		for i, row := range rows {
			if len(row) != pixels {
				return fmt.Errorf("grid: channel %q row %d has %d pixels, want %d",
					name, i, len(row), pixels)
			}
			for j, v := range row {
				row32[j] = float32(v)
			}
			if err := binary.Write(w, binary.LittleEndian, row32); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// OpenFluxCache opens a flux cache file. With memoryMap set, rows are
// read through a memory map on demand; otherwise the whole file is
// loaded into memory.
func OpenFluxCache(path string, memoryMap bool) (FluxStore, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("grid: opening flux cache: %w", err)
	}
	store, err := indexFluxCache(r)
	if err != nil {
		r.Close()
		return nil, err
	}
	if memoryMap {
		return store, nil
	}
	// Materialise everything and release the map.
	defer store.Close()
	flux := make(map[string][][]float64, len(store.channels))
	for _, name := range store.channels {
		sec := store.sections[name]
		rows := make([][]float64, sec.rows)
		for i := range rows {
			rows[i] = make([]float64, sec.pixels)
			if err := store.ReadRow(name, i, rows[i]); err != nil {
				return nil, err
			}
		}
		flux[name] = rows
	}
	return NewMemStore(flux), nil
}

func indexFluxCache(r *mmap.ReaderAt) (*mmapStore, error) {
	header := make([]byte, 12)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("grid: reading flux cache header: %w", err)
	}
	if [4]byte(header[:4]) != fluxesMagic {
		return nil, fmt.Errorf("grid: not a flux cache file")
	}
	version := binary.LittleEndian.Uint32(header[4:])
	if version != cacheVersion {
		return nil, fmt.Errorf("grid: unsupported flux cache version %d", version)
	}
	numChannels := int(binary.LittleEndian.Uint32(header[8:]))

	store := &mmapStore{r: r, sections: make(map[string]section, numChannels)}
	offset := int64(12)
	for c := 0; c < numChannels; c++ {
		lenBuf := make([]byte, 2)
		if _, err := r.ReadAt(lenBuf, offset); err != nil {
			return nil, fmt.Errorf("grid: reading channel %d header: %w", c, err)
		}
		nameLen := int(binary.LittleEndian.Uint16(lenBuf))
		nameBuf := make([]byte, nameLen)
		if _, err := r.ReadAt(nameBuf, offset+2); err != nil {
			return nil, fmt.Errorf("grid: reading channel %d name: %w", c, err)
		}
		dims := make([]byte, 8)
		if _, err := r.ReadAt(dims, offset+2+int64(nameLen)); err != nil {
			return nil, fmt.Errorf("grid: reading channel %d dimensions: %w", c, err)
		}
		rows := int(binary.LittleEndian.Uint32(dims[:4]))
		pixels := int(binary.LittleEndian.Uint32(dims[4:]))
		dataOffset := offset + 2 + int64(nameLen) + 8

		name := string(nameBuf)
		store.channels = append(store.channels, name)
		store.sections[name] = section{offset: dataOffset, rows: rows, pixels: pixels}
		offset = dataOffset + int64(rows)*int64(pixels)*4
	}
	sort.Strings(store.channels)
	return store, nil
}
