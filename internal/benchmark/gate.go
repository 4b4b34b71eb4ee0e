// Package benchmark evaluates discovery metrics against CI thresholds.
// The gate fails the pipeline when discovery quality regresses.
package benchmark

import (
	"encoding/json"
	"fmt"
	"os"
)

// Thresholds holds the minimum acceptable discovery metrics.
type Thresholds struct {
	MinHypothesisConversionRate float64 `json:"min_hypothesis_conversion_rate" yaml:"min_hypothesis_conversion_rate"`
	MinNoveltyRatio             float64 `json:"min_novelty_ratio" yaml:"min_novelty_ratio"`
	MinValidatedFindingRate     float64 `json:"min_validated_finding_rate" yaml:"min_validated_finding_rate"`
	MinValidatedHypotheses      int     `json:"min_validated_hypotheses" yaml:"min_validated_hypotheses"`
}

// DefaultThresholds returns the default gate thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHypothesisConversionRate: 0.15,
		MinNoveltyRatio:             0.60,
		MinValidatedFindingRate:     0.10,
		MinValidatedHypotheses:      1,
	}
}

// EvaluateMetrics checks a metrics document against the thresholds and
// returns one failure message per unmet threshold. Missing or malformed
// metric values evaluate as zero, which fails any positive threshold.
func EvaluateMetrics(metrics map[string]any, thresholds Thresholds) []string {
	var failures []string

	conversion := asFloat(metrics["hypothesis_conversion_rate"])
	novelty := asFloat(metrics["novelty_ratio"])
	validatedRate := asFloat(metrics["validated_finding_rate"])
	validated := asInt(metrics["validated_hypotheses"])

	if conversion < thresholds.MinHypothesisConversionRate {
		failures = append(failures, fmt.Sprintf(
			"hypothesis_conversion_rate %.3f < %.3f",
			conversion, thresholds.MinHypothesisConversionRate))
	}
	if novelty < thresholds.MinNoveltyRatio {
		failures = append(failures, fmt.Sprintf(
			"novelty_ratio %.3f < %.3f", novelty, thresholds.MinNoveltyRatio))
	}
	if validatedRate < thresholds.MinValidatedFindingRate {
		failures = append(failures, fmt.Sprintf(
			"validated_finding_rate %.3f < %.3f",
			validatedRate, thresholds.MinValidatedFindingRate))
	}
	if validated < thresholds.MinValidatedHypotheses {
		failures = append(failures, fmt.Sprintf(
			"validated_hypotheses %d < %d",
			validated, thresholds.MinValidatedHypotheses))
	}

	return failures
}

// LoadMetrics reads a metrics JSON document from disk.
func LoadMetrics(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics file: %w", err)
	}

	var metrics map[string]any
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, fmt.Errorf("metrics file must contain a JSON object: %w", err)
	}
	return metrics, nil
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
