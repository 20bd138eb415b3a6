// Package risk implements the deterministic weighted-factor risk scoring
// engine. Scoring is a pure function of the input factors and the model
// version: identical inputs always yield the identical score.
package risk

import (
	"fmt"
	"math"
)

// Model is a versioned scoring configuration mapping factor name -> weight.
// A Model is immutable once constructed; reloads produce a new Model.
type Model struct {
	Version string
	weights map[string]float64
}

// NewModel validates weights (all must be >= 0) and builds a Model.
func NewModel(version string, weights map[string]float64) (*Model, error) {
	if version == "" {
		return nil, fmt.Errorf("risk model version required")
	}
	w := make(map[string]float64, len(weights))
	for name, weight := range weights {
		if weight < 0 {
			return nil, fmt.Errorf("risk factor %q: negative weight %v", name, weight)
		}
		w[name] = weight
	}
	return &Model{Version: version, weights: w}, nil
}

// Weights returns a copy of the factor weights.
func (m *Model) Weights() map[string]float64 {
	out := make(map[string]float64, len(m.weights))
	for k, v := range m.weights {
		out[k] = v
	}
	return out
}

// Score computes 100 * sum(weight*value) / sum(weight) over the factors in the
// model, rounded to two decimals. Input values are clamped into [0,1] rather
// than rejected so scoring stays total under partial or noisy factor data.
// Factors absent from the input contribute 0; a zero-total-weight model scores 0.
func (m *Model) Score(factors map[string]float64) float64 {
	var totalWeight, weighted float64
	for name, weight := range m.weights {
		totalWeight += weight
		value, ok := factors[name]
		if !ok {
			continue
		}
		weighted += weight * clamp01(value)
	}
	if totalWeight == 0 {
		return 0
	}
	score := 100 * weighted / totalWeight
	return math.Round(score*100) / 100
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
