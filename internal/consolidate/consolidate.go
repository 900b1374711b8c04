// Package consolidate merges the findings of one scan run into a single
// record per actor and scope.
package consolidate

import (
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// DefaultMinConfidence is the run-level floor applied after merging.
const DefaultMinConfidence = 0.60

type key struct {
	actor string
	scope string
}

// Merge groups findings by (actor, scope). The first finding of a key seeds the
// record; later ones append their pattern, evidence and signals, and replace
// confidence and severity only when strictly more confident.
//
// Findings are ordered by (actor, scope, pattern, detector) before merging so
// the result does not depend on the order detectors finished in.
func Merge(tenantID, runID string, findings []domain.Finding, now time.Time) []domain.ConsolidatedFinding {
	ordered := make([]domain.Finding, len(findings))
	copy(ordered, findings)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.ActorID != b.ActorID {
			return a.ActorID < b.ActorID
		}
		if a.ScopeID != b.ScopeID {
			return a.ScopeID < b.ScopeID
		}
		if a.PatternID != b.PatternID {
			return a.PatternID < b.PatternID
		}
		return a.DetectorID < b.DetectorID
	})

	index := make(map[key]int)
	var out []domain.ConsolidatedFinding

	for _, f := range ordered {
		k := key{actor: f.ActorID, scope: f.ScopeID}
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, domain.ConsolidatedFinding{
				TenantID:             tenantID,
				RunID:                runID,
				ActorID:              f.ActorID,
				ScopeID:              f.ScopeID,
				PatternsDetected:     []string{f.PatternID},
				ContributingFindings: []string{f.DetectorID},
				Evidence:             map[string]map[string]any{f.PatternID: f.Evidence},
				Signals:              append([]domain.Signal(nil), f.Signals...),
				Confidence:           f.Confidence,
				Severity:             f.Severity,
				CreatedAt:            now,
			})
			continue
		}

		cf := &out[i]
		if _, seen := cf.Evidence[f.PatternID]; !seen {
			cf.PatternsDetected = append(cf.PatternsDetected, f.PatternID)
			cf.Evidence[f.PatternID] = f.Evidence
		}
		cf.ContributingFindings = append(cf.ContributingFindings, f.DetectorID)
		cf.Signals = append(cf.Signals, f.Signals...)
		if f.Confidence > cf.Confidence {
			cf.Confidence = f.Confidence
			cf.Severity = f.Severity
		}
	}

	return out
}

// Filter keeps consolidated findings at or above minConfidence.
// A zero minConfidence uses DefaultMinConfidence.
func Filter(findings []domain.ConsolidatedFinding, minConfidence float64) []domain.ConsolidatedFinding {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	var kept []domain.ConsolidatedFinding
	for _, cf := range findings {
		if scoring.AtLeast(cf.Confidence, minConfidence) {
			kept = append(kept, cf)
		}
	}
	return kept
}
