package detector

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// ActorStats aggregates one actor's transactions within a window.
type ActorStats struct {
	ActorID string

	Count          int
	Discounted     int
	Cash           int
	Card           int
	CashDiscounted int
	Unexplained    int

	TotalAmount    float64
	CashAmount     float64
	CardAmount     float64
	DiscountPctSum float64

	HourCounts     [24]int
	HourDiscounted [24]int

	Transactions []*domain.Transaction
}

// CashShare is the fraction of the actor's transactions paid in cash.
func (s *ActorStats) CashShare() float64 {
	return scoring.Ratio(float64(s.Cash), float64(s.Count))
}

// DiscountRate is the fraction of the actor's transactions carrying a discount.
func (s *ActorStats) DiscountRate() float64 {
	return scoring.Ratio(float64(s.Discounted), float64(s.Count))
}

// CashShareInDiscounts is the fraction of discounted transactions paid in cash.
func (s *ActorStats) CashShareInDiscounts() float64 {
	return scoring.Ratio(float64(s.CashDiscounted), float64(s.Discounted))
}

// AvgTicket is the mean transaction amount.
func (s *ActorStats) AvgTicket() float64 {
	return scoring.Ratio(s.TotalAmount, float64(s.Count))
}

// TicketRatio is the average cash ticket divided by the average card ticket.
// ok is false when either side has no transactions.
func (s *ActorStats) TicketRatio() (ratio float64, ok bool) {
	if s.Cash == 0 || s.Card == 0 {
		return 0, false
	}
	avgCard := s.CardAmount / float64(s.Card)
	if avgCard == 0 {
		return 0, false
	}
	return (s.CashAmount / float64(s.Cash)) / avgCard, true
}

// AvgDiscountPct is the mean discount as a share of the pre-discount amount.
func (s *ActorStats) AvgDiscountPct() float64 {
	return scoring.Ratio(s.DiscountPctSum, float64(s.Discounted))
}

// UnexplainedShare is the fraction of discounts recorded without a reason.
func (s *ActorStats) UnexplainedShare() float64 {
	return scoring.Ratio(float64(s.Unexplained), float64(s.Discounted))
}

// PeakHour returns the hour of day with the most transactions; ties go to the earliest hour.
func (s *ActorStats) PeakHour() int {
	peak := 0
	for h := 1; h < 24; h++ {
		if s.HourCounts[h] > s.HourCounts[peak] {
			peak = h
		}
	}
	return peak
}

// Population aggregates every transaction in the window, the actor's own included.
type Population struct {
	Count      int
	Cash       int
	Discounted int
	HourCounts [24]int
}

// CashShare is the population cash fraction.
func (p Population) CashShare() float64 {
	return scoring.Ratio(float64(p.Cash), float64(p.Count))
}

// DiscountRate is the population discount fraction.
func (p Population) DiscountRate() float64 {
	return scoring.Ratio(float64(p.Discounted), float64(p.Count))
}

// HourShare is the population share of transactions in hour h.
func (p Population) HourShare(h int) float64 {
	return scoring.Ratio(float64(p.HourCounts[h]), float64(p.Count))
}

// Aggregate builds per-actor statistics and the population totals. Actor IDs
// are returned sorted so callers iterate deterministically.
func Aggregate(txs []*domain.Transaction) (map[string]*ActorStats, []string, Population) {
	stats := make(map[string]*ActorStats)
	var pop Population

	for _, tx := range txs {
		if tx.ActorID == "" {
			continue
		}
		s, ok := stats[tx.ActorID]
		if !ok {
			s = &ActorStats{ActorID: tx.ActorID}
			stats[tx.ActorID] = s
		}

		hour := tx.Timestamp.UTC().Hour()
		s.Count++
		s.TotalAmount += tx.Amount
		s.HourCounts[hour]++
		s.Transactions = append(s.Transactions, tx)
		pop.Count++
		pop.HourCounts[hour]++

		switch tx.PaymentMethod {
		case domain.PaymentCash:
			s.Cash++
			s.CashAmount += tx.Amount
			pop.Cash++
		case domain.PaymentCard:
			s.Card++
			s.CardAmount += tx.Amount
		}

		if tx.Discounted() {
			s.Discounted++
			s.HourDiscounted[hour]++
			pop.Discounted++
			if tx.IsCash() {
				s.CashDiscounted++
			}
			if tx.DiscountReason == "" {
				s.Unexplained++
			}
			s.DiscountPctSum += scoring.Ratio(tx.DiscountAmount, tx.Amount+tx.DiscountAmount)
		}
	}

	ids := make([]string, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return stats, ids, pop
}
