package scoring

import (
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}

func TestEvaluate(t *testing.T) {
	t.Run("AtLeastDetected", func(t *testing.T) {
		spec := domain.SignalSpec{Name: "x", Threshold: 0.80, Weight: 0.40, Scale: 0.80, Direction: domain.AtLeast}
		sig := Evaluate(spec, 0.90)
		if !sig.Detected {
			t.Fatal("expected signal to be detected")
		}
		if sig.Score != 1 {
			t.Errorf("expected score capped at 1, got %f", sig.Score)
		}
	})

	t.Run("AtLeastNotDetected", func(t *testing.T) {
		spec := domain.SignalSpec{Name: "x", Threshold: 0.80, Weight: 0.40, Scale: 0.80, Direction: domain.AtLeast}
		sig := Evaluate(spec, 0.79)
		if sig.Detected {
			t.Error("expected signal below threshold to be undetected")
		}
		if sig.Score != 0 {
			t.Errorf("undetected signal should score 0, got %f", sig.Score)
		}
	})

	t.Run("ThresholdReachedThroughArithmetic", func(t *testing.T) {
		spec := domain.SignalSpec{Name: "diff", Threshold: 0.30, Weight: 0.35, Scale: 0.30, Direction: domain.AtLeast}
		sig := Evaluate(spec, 0.5-0.2)
		if !sig.Detected {
			t.Error("0.5-0.2 should meet a 0.30 threshold")
		}
	})

	t.Run("AtMost", func(t *testing.T) {
		spec := domain.SignalSpec{Name: "ratio", Threshold: 0.70, Weight: 0.25, Scale: 0.30, Direction: domain.AtMost}
		sig := Evaluate(spec, 0.60)
		if !sig.Detected {
			t.Fatal("expected 0.60 <= 0.70 to be detected")
		}
		if !approx(sig.Score, 0.333) {
			t.Errorf("expected score ~0.333, got %f", sig.Score)
		}
	})

	t.Run("BelowIsStrict", func(t *testing.T) {
		spec := domain.SignalSpec{Name: "cv", Threshold: 0.30, Weight: 0.20, Scale: 0.20, Direction: domain.Below}
		if Evaluate(spec, 0.30).Detected {
			t.Error("value equal to a strict threshold must not be detected")
		}
		sig := Evaluate(spec, 0.15)
		if !approx(sig.Score, 0.75) {
			t.Errorf("expected score 0.75, got %f", sig.Score)
		}
	})

	t.Run("Offset", func(t *testing.T) {
		spec := domain.SignalSpec{Name: "repeat", Threshold: 3, Weight: 0.45, Scale: 7, Offset: 3, Direction: domain.AtLeast}
		sig := Evaluate(spec, 5)
		if !approx(sig.Score, 2.0/7.0) {
			t.Errorf("expected score 2/7, got %f", sig.Score)
		}
	})
}

func TestConfidence(t *testing.T) {
	t.Run("OnlyDetectedSignalsCount", func(t *testing.T) {
		signals := []domain.Signal{
			{Name: "a", Weight: 0.40, Score: 1, Detected: true},
			{Name: "b", Weight: 0.35, Score: 1, Detected: false},
			{Name: "c", Weight: 0.25, Score: 0.5, Detected: true},
		}
		got := Confidence(signals, 1.3)
		if !approx(got, 0.525) {
			t.Errorf("expected 0.525 without synergy, got %f", got)
		}
	})

	t.Run("SynergyWhenAllDetected", func(t *testing.T) {
		signals := []domain.Signal{
			{Name: "repeat", Weight: 0.45, Score: 2.0 / 7.0, Detected: true},
			{Name: "discount", Weight: 0.35, Score: 0.8 / 0.9, Detected: true},
			{Name: "cv", Weight: 0.20, Score: 0.75, Detected: true},
		}
		got := Confidence(signals, 1.3)
		if !approx(got, 0.7666) {
			t.Errorf("expected ~0.77, got %f", got)
		}
	})

	t.Run("CappedAtOne", func(t *testing.T) {
		signals := []domain.Signal{
			{Name: "a", Weight: 0.6, Score: 1, Detected: true},
			{Name: "b", Weight: 0.4, Score: 1, Detected: true},
		}
		if got := Confidence(signals, 1.3); got != 1 {
			t.Errorf("expected cap at 1, got %f", got)
		}
	})
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		confidence float64
		want       domain.Severity
	}{
		{0.95, domain.SeverityCritical},
		{0.85, domain.SeverityCritical},
		{0.84, domain.SeverityHigh},
		{0.70, domain.SeverityHigh},
		{0.69, domain.SeverityMedium},
		{0.55, domain.SeverityMedium},
		{0.549, domain.SeverityLow},
	}

	for _, tt := range tests {
		if got := SeverityFor(tt.confidence); got != tt.want {
			t.Errorf("SeverityFor(%v) = %s, want %s", tt.confidence, got, tt.want)
		}
	}
}

func TestShouldEmitBoundary(t *testing.T) {
	if ShouldEmit(0.549, 0) {
		t.Error("0.549 must not be emitted")
	}
	if !ShouldEmit(0.550, 0) {
		t.Error("0.550 must be emitted")
	}
	if SeverityFor(0.550) != domain.SeverityMedium {
		t.Error("0.550 must map to MEDIUM")
	}
}

func TestCoefficientOfVariation(t *testing.T) {
	if got := CoefficientOfVariation([]float64{10, 10, 10}); got != 0 {
		t.Errorf("expected 0 for constant values, got %f", got)
	}
	// mean 100, population stddev 15
	got := CoefficientOfVariation([]float64{85, 115})
	if !approx(got, 0.15) {
		t.Errorf("expected 0.15, got %f", got)
	}
	if got := CoefficientOfVariation(nil); got != 0 {
		t.Errorf("expected 0 for empty input, got %f", got)
	}
}
