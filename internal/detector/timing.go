package detector

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// TimeConcentration flags actors whose activity, and especially their
// discounts, cluster in one hour of the day far more than their peers.
type TimeConcentration struct {
	cfg   domain.DetectorConfig
	floor float64
}

// NewTimeConcentration creates the time-concentration detector.
func NewTimeConcentration(cfg domain.DetectorConfig, floor float64) Detector {
	return &TimeConcentration{cfg: cfg, floor: floor}
}

// ID returns the detector identifier.
func (d *TimeConcentration) ID() string {
	return domain.PatternTimeConcentration
}

// Detect scores the peak hour of every actor with enough volume.
func (d *TimeConcentration) Detect(ctx context.Context, w *domain.Window) ([]domain.Finding, error) {
	stats, ids, pop := Aggregate(w.Transactions)

	var findings []domain.Finding
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s := stats[id]
		if s.Count < d.cfg.MinTransactions {
			continue
		}

		peak := s.PeakHour()
		share := scoring.Ratio(float64(s.HourCounts[peak]), float64(s.Count))

		signals := []domain.Signal{
			signal(d.cfg, domain.SignalPeakHourShare, share),
			signal(d.cfg, domain.SignalPeakHourVsPeers, share-pop.HourShare(peak)),
		}
		if s.Discounted >= d.cfg.MinDiscounted && s.Discounted > 0 {
			signals = append(signals, signal(d.cfg, domain.SignalPeakHourDiscounts,
				scoring.Ratio(float64(s.HourDiscounted[peak]), float64(s.Discounted))))
		} else {
			signals = append(signals, unavailable(d.cfg, domain.SignalPeakHourDiscounts))
		}

		confidence := scoring.Confidence(signals, d.cfg.Synergy)
		if !scoring.ShouldEmit(confidence, d.floor) {
			continue
		}

		var inPeak []*domain.Transaction
		for _, tx := range s.Transactions {
			if tx.Timestamp.UTC().Hour() == peak {
				inPeak = append(inPeak, tx)
			}
		}

		findings = append(findings, newFinding(domain.PatternTimeConcentration, w, id, signals, confidence, map[string]any{
			"peakHour":             peak,
			"transactions":         s.Count,
			"peakTransactions":     s.HourCounts[peak],
			"peakDiscounted":       s.HourDiscounted[peak],
			"populationPeakShare":  pop.HourShare(peak),
			"sampleTransactionIds": sampleIDs(inPeak, evidenceSampleSize),
		}))
	}

	return findings, nil
}
