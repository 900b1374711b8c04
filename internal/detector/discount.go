package detector

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// DiscountAnomaly flags actors who discount more often, more deeply and with
// fewer recorded reasons than the rest of the scope.
type DiscountAnomaly struct {
	cfg   domain.DetectorConfig
	floor float64
}

// NewDiscountAnomaly creates the discount-anomaly detector.
func NewDiscountAnomaly(cfg domain.DetectorConfig, floor float64) Detector {
	return &DiscountAnomaly{cfg: cfg, floor: floor}
}

// ID returns the detector identifier.
func (d *DiscountAnomaly) ID() string {
	return domain.PatternDiscountAnomaly
}

// Detect scores the discount behaviour of every actor with enough volume.
func (d *DiscountAnomaly) Detect(ctx context.Context, w *domain.Window) ([]domain.Finding, error) {
	stats, ids, pop := Aggregate(w.Transactions)

	var findings []domain.Finding
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s := stats[id]
		if s.Count < d.cfg.MinTransactions || s.Discounted < d.cfg.MinDiscounted {
			continue
		}

		signals := []domain.Signal{
			signal(d.cfg, domain.SignalDiscountRate, s.DiscountRate()),
		}
		if popRate := pop.DiscountRate(); popRate > 0 {
			signals = append(signals, signal(d.cfg, domain.SignalDiscountVsPeers, s.DiscountRate()/popRate))
		} else {
			signals = append(signals, unavailable(d.cfg, domain.SignalDiscountVsPeers))
		}
		signals = append(signals,
			signal(d.cfg, domain.SignalAvgDiscountPct, s.AvgDiscountPct()),
			signal(d.cfg, domain.SignalUnexplainedDiscount, s.UnexplainedShare()),
		)

		confidence := scoring.Confidence(signals, d.cfg.Synergy)
		if !scoring.ShouldEmit(confidence, d.floor) {
			continue
		}

		var unexplained []*domain.Transaction
		for _, tx := range s.Transactions {
			if tx.Discounted() && tx.DiscountReason == "" {
				unexplained = append(unexplained, tx)
			}
		}

		findings = append(findings, newFinding(domain.PatternDiscountAnomaly, w, id, signals, confidence, map[string]any{
			"transactions":           s.Count,
			"discounted":             s.Discounted,
			"unexplained":            s.Unexplained,
			"populationDiscountRate": pop.DiscountRate(),
			"sampleTransactionIds":   sampleIDs(unexplained, evidenceSampleSize),
		}))
	}

	return findings, nil
}
