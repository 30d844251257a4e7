package solver

import (
	"github.com/spectral-data/specfit/internal/likelihood"
	"github.com/spectral-data/specfit/internal/spectrum"
)

// Predict evaluates the model fluxes at theta against the matched
// observed channels. The returned maps share the channel keys.
func (s *Solver) Predict(data []*spectrum.Spectrum, theta likelihood.Theta) (map[string]*spectrum.Spectrum, map[string][]float64, error) {
	matched, err := s.matchChannels(data)
	if err != nil {
		return nil, nil, err
	}
	center, err := s.centerFrom(theta)
	if err != nil {
		return nil, nil, err
	}
	st, err := s.buildStage(matched, center)
	if err != nil {
		return nil, nil, err
	}
	defer st.Close()

	fluxes, _, _, err := st.likelihood.Predict(theta)
	if err != nil {
		return nil, nil, err
	}
	return matched, fluxes, nil
}
