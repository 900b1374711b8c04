package detector

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// CashPreference flags actors whose discounted sales are disproportionately
// settled in cash, at a lower ticket than their card sales.
type CashPreference struct {
	cfg   domain.DetectorConfig
	floor float64
}

// NewCashPreference creates the cash-payment-preference detector.
func NewCashPreference(cfg domain.DetectorConfig, floor float64) Detector {
	return &CashPreference{cfg: cfg, floor: floor}
}

// ID returns the detector identifier.
func (d *CashPreference) ID() string {
	return domain.PatternCashPreference
}

// Detect scores every actor with enough volume in the window.
func (d *CashPreference) Detect(ctx context.Context, w *domain.Window) ([]domain.Finding, error) {
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
			signal(d.cfg, domain.SignalCashInDiscounts, s.CashShareInDiscounts()),
			signal(d.cfg, domain.SignalCashVsPeers, s.CashShare()-pop.CashShare()),
		}
		if ratio, ok := s.TicketRatio(); ok {
			signals = append(signals, signal(d.cfg, domain.SignalLowCashTicket, ratio))
		} else {
			signals = append(signals, unavailable(d.cfg, domain.SignalLowCashTicket))
		}

		confidence := scoring.Confidence(signals, d.cfg.Synergy)
		if !scoring.ShouldEmit(confidence, d.floor) {
			continue
		}

		var cashDiscounted []*domain.Transaction
		for _, tx := range s.Transactions {
			if tx.Discounted() && tx.IsCash() {
				cashDiscounted = append(cashDiscounted, tx)
			}
		}

		findings = append(findings, newFinding(domain.PatternCashPreference, w, id, signals, confidence, map[string]any{
			"transactions":         s.Count,
			"discounted":           s.Discounted,
			"cashDiscounted":       s.CashDiscounted,
			"cashShare":            s.CashShare(),
			"populationCashShare":  pop.CashShare(),
			"sampleTransactionIds": sampleIDs(cashDiscounted, evidenceSampleSize),
		}))
	}

	return findings, nil
}
