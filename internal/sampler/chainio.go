package sampler

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

var chainMagic = [4]byte{'S', 'F', 'C', 'H'}

const chainVersion = 1

// WriteFile persists the chain as a binary blob: header, then walker
// positions step-major, log probabilities and the acceptance trace.
func (c *Chain) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sampler: creating chain file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	if _, err := w.Write(chainMagic[:]); err != nil {
		return err
	}
	for _, v := range []uint32{chainVersion, uint32(c.walkers), uint32(c.dim), uint32(c.Steps())} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for _, block := range [][]float64{c.positions, c.logProb, c.acceptance} {
		if err := binary.Write(w, binary.LittleEndian, block); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadChainFile reads a chain written by WriteFile.
func ReadChainFile(path string) (*Chain, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sampler: opening chain file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("sampler: reading chain header: %w", err)
	}
	if magic != chainMagic {
		return nil, fmt.Errorf("sampler: %s is not a chain file", path)
	}
	var version, walkers, dim, steps uint32
	for _, p := range []*uint32{&version, &walkers, &dim, &steps} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("sampler: reading chain header: %w", err)
		}
	}
	if version != chainVersion {
		return nil, fmt.Errorf("sampler: unsupported chain file version %d", version)
	}

	c := &Chain{
		walkers:    int(walkers),
		dim:        int(dim),
		positions:  make([]float64, int(steps)*int(walkers)*int(dim)),
		logProb:    make([]float64, int(steps)*int(walkers)),
		acceptance: make([]float64, steps),
	}
	for _, block := range [][]float64{c.positions, c.logProb, c.acceptance} {
		if err := binary.Read(r, binary.LittleEndian, block); err != nil {
			return nil, fmt.Errorf("sampler: reading chain data: %w", err)
		}
	}
	return c, nil
}
