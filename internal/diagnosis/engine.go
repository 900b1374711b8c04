// Package diagnosis ranks hypothesis templates against the signals observed
// on a case. The ranking is domain-agnostic: fraud and sales-drop diagnosis
// differ only in the catalog they use.
package diagnosis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Ranking constants.
const (
	MatchWeight        = 0.20
	CriticalBonus      = 0.10
	HighBonus          = 0.05
	CorrelationBonus   = 0.05
	MaxConfidence      = 0.95
	MinCorrelation     = 0.50 // correlations weaker than this are ignored
	CatchAllMinSignals = 2
	MaxAlternatives    = 2
)

// Hypothesis sources.
const (
	SourceCatalog  = "catalog"
	SourceDrafter  = "drafter"
	SourceOperator = "operator"
)

// Drafter proposes one extra hypothesis from a case's evidence, for example by
// asking a language model to summarise it. Its output is scored like any other
// candidate.
type Drafter interface {
	Draft(ctx context.Context, c *domain.Case) (*domain.Hypothesis, error)
}

// DrafterFunc adapts a function to the Drafter interface.
type DrafterFunc func(ctx context.Context, c *domain.Case) (*domain.Hypothesis, error)

// Draft calls f.
func (f DrafterFunc) Draft(ctx context.Context, c *domain.Case) (*domain.Hypothesis, error) {
	return f(ctx, c)
}

// Ranked is a scored template.
type Ranked struct {
	Template Template
	Score    float64
	Matched  []string
}

// Rank scores every matching template in the catalog, highest first.
// Ties keep catalog order.
func Rank(cat *Catalog, observed []string, severity domain.Severity) []Ranked {
	present := make(map[string]bool, len(observed))
	for _, s := range observed {
		present[s] = true
	}

	var ranked []Ranked
	for _, t := range cat.Templates {
		matched, ok := match(t, present)
		if !ok {
			continue
		}

		score := t.BaseConfidence
		if !t.CatchAll() {
			score += float64(len(matched)) / float64(len(t.RequiredSignals)) * MatchWeight
		}
		score += severityBonus(severity)
		score += float64(correlations(cat, t, present)) * CorrelationBonus
		if score > MaxConfidence {
			score = MaxConfidence
		}

		ranked = append(ranked, Ranked{Template: t, Score: score, Matched: matched})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

func match(t Template, present map[string]bool) ([]string, bool) {
	if t.CatchAll() {
		if len(present) < CatchAllMinSignals {
			return nil, false
		}
		return nil, true
	}
	for _, s := range t.RequiredSignals {
		if !present[s] {
			return nil, false
		}
	}
	return t.RequiredSignals, true
}

func severityBonus(s domain.Severity) float64 {
	switch s {
	case domain.SeverityCritical:
		return CriticalBonus
	case domain.SeverityHigh:
		return HighBonus
	}
	return 0
}

// correlations counts catalog correlations whose signals were both observed and
// that touch one of the template's required signals. Catch-all templates count
// every observed correlation.
func correlations(cat *Catalog, t Template, present map[string]bool) int {
	required := make(map[string]bool, len(t.RequiredSignals))
	for _, s := range t.RequiredSignals {
		required[s] = true
	}

	n := 0
	for _, c := range cat.Correlations {
		if c.Coefficient < MinCorrelation || !present[c.SignalA] || !present[c.SignalB] {
			continue
		}
		if t.CatchAll() || required[c.SignalA] || required[c.SignalB] {
			n++
		}
	}
	return n
}

// Engine turns ranked templates into hypotheses for a case.
type Engine struct {
	catalog *Catalog
	drafter Drafter
}

// NewEngine creates an engine over a catalog. drafter may be nil.
func NewEngine(catalog *Catalog, drafter Drafter) *Engine {
	return &Engine{catalog: catalog, drafter: drafter}
}

// Catalog returns the catalog the engine ranks against.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// Draft asks the drafter for an extra hypothesis. It must be called outside
// any case mutation. A drafter failure is logged and ignored.
func (e *Engine) Draft(ctx context.Context, c *domain.Case) *domain.Hypothesis {
	if e.drafter == nil {
		return nil
	}
	h, err := e.drafter.Draft(ctx, c)
	if err != nil {
		slog.Warn("hypothesis drafter failed", "case_id", c.ID, "error", err)
		return nil
	}
	return h
}

// Diagnose ranks the catalog against the case evidence and returns the
// diagnosis together with the hypotheses to attach: the primary first, then up
// to two alternatives.
func (e *Engine) Diagnose(c *domain.Case, drafted *domain.Hypothesis, now time.Time) (*domain.Diagnosis, []domain.Hypothesis, error) {
	observed := c.ObservedSignals()
	sort.Strings(observed)

	var candidates []domain.Hypothesis
	for _, r := range Rank(e.catalog, observed, c.Severity) {
		candidates = append(candidates, domain.Hypothesis{
			ID:                 uuid.New().String(),
			CaseID:             c.ID,
			TemplateID:         r.Template.ID,
			Title:              r.Template.Title,
			Description:        r.Template.Description,
			Confidence:         r.Score,
			SupportingEvidence: supporting(c, r),
			Status:             domain.HypothesisPending,
			Source:             SourceCatalog,
			CreatedAt:          now,
		})
	}

	if drafted != nil && drafted.Title != "" {
		h := *drafted
		if h.ID == "" {
			h.ID = uuid.New().String()
		}
		h.CaseID = c.ID
		h.Confidence = scoring.Clamp(h.Confidence)
		if h.Confidence > MaxConfidence {
			h.Confidence = MaxConfidence
		}
		h.Status = domain.HypothesisPending
		h.Source = SourceDrafter
		h.CreatedAt = now
		candidates = append(candidates, h)
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Confidence > candidates[j].Confidence
		})
	}

	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: no %s hypothesis matches signals %v", domain.ErrInvalidInput, e.catalog.Name, observed)
	}

	top := candidates
	if len(top) > MaxAlternatives+1 {
		top = top[:MaxAlternatives+1]
	}

	d := &domain.Diagnosis{
		Catalog:         e.catalog.Name,
		Primary:         top[0],
		Alternatives:    append([]domain.Hypothesis{}, top[1:]...),
		ObservedSignals: observed,
		DiagnosedAt:     now,
	}
	return d, top, nil
}

// supporting returns the evidence items that carry a matched signal.
// For catch-all templates every item with signals supports the hypothesis.
func supporting(c *domain.Case, r Ranked) []string {
	want := make(map[string]bool, len(r.Matched))
	for _, s := range r.Matched {
		want[s] = true
	}

	var ids []string
	for _, e := range c.Evidence {
		for _, s := range e.Signals {
			if r.Template.CatchAll() || want[s] {
				ids = append(ids, e.ID)
				break
			}
		}
	}
	return ids
}

// ActionsFor returns the action specs of a catalog template.
func (e *Engine) ActionsFor(templateID string) []domain.ActionSpec {
	t, ok := e.catalog.Template(templateID)
	if !ok {
		return nil
	}
	return t.Actions
}
