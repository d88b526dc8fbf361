package moot

import (
	"fmt"
	"math"
)

// RubricWeights maps criterion name to weight. Weights are frozen into an
// evaluation when it is claimed; later rubric edits never touch it.
type RubricWeights map[string]float64

// Breakdown maps criterion name to the oracle's sub-score for it.
type Breakdown map[string]float64

// Validate rejects empty rubrics and non-positive weights.
func (w RubricWeights) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("rubric has no criteria")
	}
	for name, weight := range w {
		if name == "" {
			return fmt.Errorf("rubric criterion with empty name")
		}
		if weight <= 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
			return fmt.Errorf("rubric criterion %q has invalid weight %v", name, weight)
		}
	}
	return nil
}

// WeightedScore computes the final score from a breakdown: each sub-score
// times its frozen weight, summed. The score is computed here, never trusted
// from the oracle. Criteria missing from the breakdown are an error so a
// partial oracle response cannot silently produce a low score.
func WeightedScore(weights RubricWeights, breakdown Breakdown) (float64, error) {
	if err := weights.Validate(); err != nil {
		return 0, err
	}
	var total float64
	for name, weight := range weights {
		sub, ok := breakdown[name]
		if !ok {
			return 0, fmt.Errorf("breakdown missing criterion %q", name)
		}
		if sub < 0 || math.IsNaN(sub) || math.IsInf(sub, 0) {
			return 0, fmt.Errorf("criterion %q has invalid sub-score %v", name, sub)
		}
		total += sub * weight
	}
	return total, nil
}
