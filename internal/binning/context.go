package binning

import "fmt"

// Context owns the per-channel Binners for one solving stage. It is
// created at stage entry and closed at stage exit so no resampling
// cache outlives the run that built it. Contexts are not shared
// between concurrent stages.
type Context struct {
	binners map[string]*Binner
}

// NewContext returns an empty stage context.
func NewContext() *Context {
	return &Context{binners: make(map[string]*Binner)}
}

// Add builds a Binner for the channel and registers it with the
// context, which takes ownership.
func (c *Context) Add(channel string, native, observed []float64, opts Options) error {
	if _, ok := c.binners[channel]; ok {
		return fmt.Errorf("binning: channel %q already registered", channel)
	}
	b, err := New(native, observed, opts)
	if err != nil {
		return fmt.Errorf("binning: channel %q: %w", channel, err)
	}
	c.binners[channel] = b
	return nil
}

// Binner returns the channel's Binner, or an error when the channel
// was never registered.
func (c *Context) Binner(channel string) (*Binner, error) {
	b, ok := c.binners[channel]
	if !ok {
		return nil, fmt.Errorf("binning: no binner for channel %q", channel)
	}
	return b, nil
}

// Channels returns the registered channel count.
func (c *Context) Channels() int { return len(c.binners) }

// Close tears down every Binner in the context.
func (c *Context) Close() {
	for _, b := range c.binners {
		b.Close()
	}
	c.binners = make(map[string]*Binner)
}
