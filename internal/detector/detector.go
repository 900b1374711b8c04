// Package detector implements the statistical pattern detectors that scan a
// transaction window for suspicious behaviour by an actor.
//
// Detectors are pure: the same window and configuration always produce the
// same findings in the same order.
package detector

import (
	"context"
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Detector scans one window and returns findings for the actors it flags.
type Detector interface {
	ID() string
	Detect(ctx context.Context, w *domain.Window) ([]domain.Finding, error)
}

// Build constructs every enabled detector for a scan configuration. Built-in
// detectors come first in a fixed order, followed by expression detectors.
func Build(cfg domain.ScanConfig) ([]Detector, error) {
	var detectors []Detector

	builtins := []struct {
		id  string
		new func(domain.DetectorConfig, float64) Detector
	}{
		{domain.PatternCashPreference, NewCashPreference},
		{domain.PatternCollusion, NewCollusion},
		{domain.PatternTimeConcentration, NewTimeConcentration},
		{domain.PatternDiscountAnomaly, NewDiscountAnomaly},
	}

	for _, b := range builtins {
		dc, ok := cfg.Detectors[b.id]
		if !ok || !dc.Enabled {
			continue
		}
		if err := validate(b.id, dc); err != nil {
			return nil, err
		}
		detectors = append(detectors, b.new(dc, cfg.EmitFloor))
	}

	if len(cfg.Expressions) > 0 {
		env, err := newExpressionEnv()
		if err != nil {
			return nil, err
		}
		for _, ec := range cfg.Expressions {
			d, err := NewExpression(env, ec, cfg.EmitFloor)
			if err != nil {
				return nil, err
			}
			detectors = append(detectors, d)
		}
	}

	return detectors, nil
}

func validate(id string, dc domain.DetectorConfig) error {
	for _, s := range dc.Signals {
		if s.Weight < 0 || s.Weight > 1 {
			return fmt.Errorf("%w: detector %s signal %s weight must be within [0,1]", domain.ErrInvalidInput, id, s.Name)
		}
		if s.Scale < 0 {
			return fmt.Errorf("%w: detector %s signal %s scale must not be negative", domain.ErrInvalidInput, id, s.Name)
		}
	}
	return nil
}

// signal evaluates a named signal, or returns an undetected placeholder when
// the detector configuration does not declare it.
func signal(dc domain.DetectorConfig, name string, value float64) domain.Signal {
	spec, ok := dc.Signal(name)
	if !ok {
		return domain.Signal{Name: name, Value: value}
	}
	return scoring.Evaluate(spec, value)
}

// unavailable marks a signal that cannot be computed for this actor.
func unavailable(dc domain.DetectorConfig, name string) domain.Signal {
	spec, _ := dc.Signal(name)
	return domain.Signal{Name: name, Threshold: spec.Threshold, Weight: spec.Weight}
}

// newFinding assembles a finding once confidence has passed the emission floor.
func newFinding(pattern string, w *domain.Window, actorID string, signals []domain.Signal, confidence float64, evidence map[string]any) domain.Finding {
	return domain.Finding{
		PatternID:  pattern,
		DetectorID: pattern,
		ActorID:    actorID,
		ScopeID:    w.ScopeID,
		Confidence: confidence,
		Severity:   scoring.SeverityFor(confidence),
		Signals:    signals,
		Evidence:   evidence,
		WindowFrom: w.From,
		WindowTo:   w.To,
	}
}

// sampleIDs returns up to limit sorted transaction IDs.
func sampleIDs(txs []*domain.Transaction, limit int) []string {
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

const evidenceSampleSize = 10
