// Package scoring holds the weighted-signal model shared by every detector,
// the consolidator and the diagnosis engine.
package scoring

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Epsilon absorbs float noise when comparing against thresholds, so a ratio
// that lands on 0.30 through arithmetic is treated as 0.30.
const Epsilon = 1e-9

// Severity thresholds.
const (
	CriticalFloor = 0.85
	HighFloor     = 0.70
	MediumFloor   = 0.55
)

// Evaluate turns one observed value into a signal according to its spec.
func Evaluate(spec domain.SignalSpec, value float64) domain.Signal {
	sig := domain.Signal{
		Name:      spec.Name,
		Value:     value,
		Threshold: spec.Threshold,
		Weight:    spec.Weight,
	}

	switch spec.Direction {
	case domain.AtMost:
		sig.Detected = value <= spec.Threshold+Epsilon
	case domain.Below:
		sig.Detected = value < spec.Threshold-Epsilon
	default:
		sig.Detected = value >= spec.Threshold-Epsilon
	}

	if !sig.Detected {
		return sig
	}

	scale := spec.Scale
	if scale <= 0 {
		scale = 1
	}

	var raw float64
	switch spec.Direction {
	case domain.AtMost, domain.Below:
		raw = (spec.Threshold - value) / scale
	default:
		raw = (value - spec.Offset) / scale
	}
	sig.Score = Clamp(raw)
	return sig
}

// Confidence is the weighted sum of scores over detected signals only.
// When synergy > 1 and every signal is detected, the sum is multiplied by it.
// The result is capped at 1.
func Confidence(signals []domain.Signal, synergy float64) float64 {
	var sum float64
	all := len(signals) > 0
	for _, s := range signals {
		if !s.Detected {
			all = false
			continue
		}
		sum += s.Weight * s.Score
	}
	if all && synergy > 1 {
		sum *= synergy
	}
	return Clamp(sum)
}

// SeverityFor maps a confidence to a severity.
func SeverityFor(confidence float64) domain.Severity {
	switch {
	case AtLeast(confidence, CriticalFloor):
		return domain.SeverityCritical
	case AtLeast(confidence, HighFloor):
		return domain.SeverityHigh
	case AtLeast(confidence, MediumFloor):
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// ShouldEmit reports whether a detector may emit a finding with this confidence.
// floor defaults to MediumFloor when zero.
func ShouldEmit(confidence, floor float64) bool {
	if floor <= 0 {
		floor = MediumFloor
	}
	return AtLeast(confidence, floor)
}

// AtLeast compares with float tolerance.
func AtLeast(value, threshold float64) bool {
	return value >= threshold-Epsilon
}

// Clamp limits v to [0,1].
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Ratio returns num/den, or 0 when den is 0.
func Ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// Mean returns the arithmetic mean of values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// CoefficientOfVariation returns the population standard deviation divided by the mean.
func CoefficientOfVariation(values []float64) float64 {
	mean := Mean(values)
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq/float64(len(values))) / mean
}
