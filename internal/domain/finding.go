package domain

import (
	"time"
)

// Severity is derived from confidence and shared by detectors, consolidation and cases.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities so they can be compared.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Signal is one named numeric observation computed by a detector.
type Signal struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Score     float64 `json:"score"`
	Weight    float64 `json:"weight"`
	Detected  bool    `json:"detected"`
}

// Finding is the output of one detector about one actor in one run.
// It is never mutated after emission.
type Finding struct {
	PatternID  string         `json:"patternId"`
	DetectorID string         `json:"detectorId"`
	RunID      string         `json:"runId,omitempty"`
	ActorID    string         `json:"actorId"`
	ScopeID    string         `json:"scopeId"`
	Confidence float64        `json:"confidence"`
	Severity   Severity       `json:"severity"`
	Signals    []Signal       `json:"signals"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	WindowFrom time.Time      `json:"windowFrom"`
	WindowTo   time.Time      `json:"windowTo"`
}

// DetectedSignals returns the names of the signals that crossed their threshold.
func (f *Finding) DetectedSignals() []string {
	return detectedNames(f.Signals)
}

// ConsolidatedFinding merges every finding about the same actor and scope in one run.
type ConsolidatedFinding struct {
	ID                   string                    `json:"id"`
	TenantID             string                    `json:"tenantId"`
	RunID                string                    `json:"runId"`
	ActorID              string                    `json:"actorId"`
	ScopeID              string                    `json:"scopeId"`
	PatternsDetected     []string                  `json:"patternsDetected"`
	ContributingFindings []string                  `json:"contributingFindings"`
	Evidence             map[string]map[string]any `json:"evidence"`
	Signals              []Signal                  `json:"signals"`
	Confidence           float64                   `json:"confidence"`
	Severity             Severity                  `json:"severity"`
	CreatedAt            time.Time                 `json:"createdAt"`
}

// DetectedSignals returns the distinct detected signal names in first-seen order.
func (c *ConsolidatedFinding) DetectedSignals() []string {
	return detectedNames(c.Signals)
}

func detectedNames(signals []Signal) []string {
	seen := make(map[string]bool, len(signals))
	var names []string
	for _, s := range signals {
		if !s.Detected || seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		names = append(names, s.Name)
	}
	return names
}
