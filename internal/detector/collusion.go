package detector

import (
	"context"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Collusion flags (cashier, staff, customer) combinations that repeat with
// unusually frequent discounts and near-identical totals.
type Collusion struct {
	cfg   domain.DetectorConfig
	floor float64
}

// NewCollusion creates the repeated-combination detector.
func NewCollusion(cfg domain.DetectorConfig, floor float64) Detector {
	if cfg.MinRepeats <= 0 {
		cfg.MinRepeats = 3
	}
	return &Collusion{cfg: cfg, floor: floor}
}

// ID returns the detector identifier.
func (d *Collusion) ID() string {
	return domain.PatternCollusion
}

type combination struct {
	actor     string
	secondary string
	customer  string
}

type scoredGroup struct {
	key        combination
	txs        []*domain.Transaction
	signals    []domain.Signal
	confidence float64
	discount   float64
	cv         float64
}

// participants returns the staff members of a combination: the cashier and,
// when identified, the secondary staff member.
func (k combination) participants() []string {
	if k.secondary == "" || k.secondary == k.actor {
		return []string{k.actor}
	}
	return []string{k.actor, k.secondary}
}

// role names the part a staff member plays in a combination.
func (k combination) role(actorID string) string {
	if actorID == k.actor {
		return "cashier"
	}
	return "secondary"
}

// counterpart is the other staff member of a combination.
func (k combination) counterpart(actorID string) string {
	if actorID == k.actor {
		return k.secondary
	}
	return k.actor
}

// Detect groups transactions by combination and emits at most one finding per
// staff member, cashier or secondary, built from the strongest qualifying
// combination they take part in.
func (d *Collusion) Detect(ctx context.Context, w *domain.Window) ([]domain.Finding, error) {
	groups := make(map[combination][]*domain.Transaction)
	for _, tx := range w.Transactions {
		if tx.CustomerID == "" || tx.ActorID == "" {
			continue
		}
		key := combination{actor: tx.ActorID, secondary: tx.SecondaryActorID, customer: tx.CustomerID}
		groups[key] = append(groups[key], tx)
	}

	keys := make([]combination, 0, len(groups))
	for k, txs := range groups {
		if len(txs) >= d.cfg.MinRepeats {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.actor != b.actor {
			return a.actor < b.actor
		}
		if a.secondary != b.secondary {
			return a.secondary < b.secondary
		}
		return a.customer < b.customer
	})

	byActor := make(map[string][]scoredGroup)
	var actors []string
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sg := d.score(k, groups[k])
		if !scoring.ShouldEmit(sg.confidence, d.floor) {
			continue
		}
		for _, who := range k.participants() {
			if _, seen := byActor[who]; !seen {
				actors = append(actors, who)
			}
			byActor[who] = append(byActor[who], sg)
		}
	}
	sort.Strings(actors)

	findings := make([]domain.Finding, 0, len(actors))
	for _, actor := range actors {
		scored := byActor[actor]
		best := scored[0]
		for _, sg := range scored[1:] {
			if sg.confidence > best.confidence {
				best = sg
			}
		}

		combos := make([]map[string]any, 0, len(scored))
		for _, sg := range scored {
			combos = append(combos, map[string]any{
				"cashierId":            sg.key.actor,
				"secondaryActorId":     sg.key.secondary,
				"customerId":           sg.key.customer,
				"role":                 sg.key.role(actor),
				"repeats":              len(sg.txs),
				"discountRate":         sg.discount,
				"amountVariation":      sg.cv,
				"confidence":           sg.confidence,
				"sampleTransactionIds": sampleIDs(sg.txs, evidenceSampleSize),
			})
		}

		findings = append(findings, newFinding(domain.PatternCollusion, w, actor, best.signals, best.confidence, map[string]any{
			"role":             best.key.role(actor),
			"counterpartId":    best.key.counterpart(actor),
			"cashierId":        best.key.actor,
			"secondaryActorId": best.key.secondary,
			"customerId":       best.key.customer,
			"repeats":          len(best.txs),
			"combinations":     combos,
		}))
	}

	return findings, nil
}

func (d *Collusion) score(k combination, txs []*domain.Transaction) scoredGroup {
	amounts := make([]float64, len(txs))
	discounted := 0
	for i, tx := range txs {
		amounts[i] = tx.Amount
		if tx.Discounted() {
			discounted++
		}
	}

	rate := scoring.Ratio(float64(discounted), float64(len(txs)))
	cv := scoring.CoefficientOfVariation(amounts)

	signals := []domain.Signal{
		signal(d.cfg, domain.SignalRepeatCombination, float64(len(txs))),
		signal(d.cfg, domain.SignalCombinationDiscount, rate),
		signal(d.cfg, domain.SignalUniformAmounts, cv),
	}

	return scoredGroup{
		key:        k,
		txs:        txs,
		signals:    signals,
		confidence: scoring.Confidence(signals, d.cfg.Synergy),
		discount:   rate,
		cv:         cv,
	}
}
