package domain

import (
	"time"
)

// Built-in detector and pattern identifiers.
const (
	PatternCashPreference    = "cash_preference"
	PatternCollusion         = "collusion"
	PatternTimeConcentration = "time_concentration"
	PatternDiscountAnomaly   = "discount_anomaly"
)

// Abstract signal names shared by detectors and hypothesis catalogs.
const (
	SignalCashInDiscounts     = "cash_in_discounts"
	SignalCashVsPeers         = "cash_vs_peers"
	SignalLowCashTicket       = "low_cash_ticket"
	SignalRepeatCombination   = "repeat_combination"
	SignalCombinationDiscount = "combination_discount_rate"
	SignalUniformAmounts      = "uniform_amounts"
	SignalPeakHourShare       = "peak_hour_share"
	SignalPeakHourVsPeers     = "peak_hour_vs_peers"
	SignalPeakHourDiscounts   = "peak_hour_discounts"
	SignalDiscountRate        = "discount_rate"
	SignalDiscountVsPeers     = "discount_rate_vs_peers"
	SignalAvgDiscountPct      = "avg_discount_pct"
	SignalUnexplainedDiscount = "unexplained_discounts"
)

// Direction says which side of the threshold counts as detected.
type Direction string

const (
	AtLeast Direction = "at_least" // value >= threshold
	AtMost  Direction = "at_most"  // value <= threshold
	Below   Direction = "below"    // value < threshold
)

// SignalSpec configures how one signal is thresholded and scored.
// For AtLeast the score is (value-Offset)/Scale; otherwise (Threshold-value)/Scale.
// Scores are clamped to [0,1].
type SignalSpec struct {
	Name      string    `json:"name" mapstructure:"name"`
	Threshold float64   `json:"threshold" mapstructure:"threshold"`
	Weight    float64   `json:"weight" mapstructure:"weight"`
	Scale     float64   `json:"scale" mapstructure:"scale"`
	Offset    float64   `json:"offset,omitempty" mapstructure:"offset"`
	Direction Direction `json:"direction" mapstructure:"direction"`
}

// DetectorConfig holds the thresholds and weights of one detector.
type DetectorConfig struct {
	Enabled         bool         `json:"enabled" mapstructure:"enabled"`
	MinTransactions int          `json:"minTransactions" mapstructure:"min_transactions"`
	MinDiscounted   int          `json:"minDiscounted" mapstructure:"min_discounted"`
	MinRepeats      int          `json:"minRepeats,omitempty" mapstructure:"min_repeats"`
	Synergy         float64      `json:"synergy,omitempty" mapstructure:"synergy"`
	Signals         []SignalSpec `json:"signals" mapstructure:"signals"`
}

// Signal returns the signal settings with the given name.
func (c DetectorConfig) Signal(name string) (SignalSpec, bool) {
	for _, s := range c.Signals {
		if s.Name == name {
			return s, true
		}
	}
	return SignalSpec{}, false
}

// ExpressionConfig declares a CEL expression detector over per-actor aggregates.
type ExpressionConfig struct {
	ID              string `json:"id" mapstructure:"id"`
	PatternID       string `json:"patternId" mapstructure:"pattern_id"`
	Description     string `json:"description,omitempty" mapstructure:"description"`
	Expression      string `json:"expression" mapstructure:"expression"`
	MinTransactions int    `json:"minTransactions" mapstructure:"min_transactions"`
}

// ScanConfig is the immutable per-scan configuration. Runtime updates build a
// new value instead of mutating one in use.
type ScanConfig struct {
	Workers         int           `json:"workers" mapstructure:"workers"`
	DetectorTimeout time.Duration `json:"detectorTimeout" mapstructure:"detector_timeout"`

	// EmitFloor is the minimum confidence a detector may emit.
	EmitFloor float64 `json:"emitFloor" mapstructure:"emit_floor"`
	// MinConfidence filters consolidated findings before case promotion.
	MinConfidence float64 `json:"minConfidence" mapstructure:"min_confidence"`

	CaseType     string        `json:"caseType" mapstructure:"case_type"`
	Catalog      string        `json:"catalog" mapstructure:"catalog"`
	CatalogFile  string        `json:"catalogFile,omitempty" mapstructure:"catalog_file"`
	PromotionTTL time.Duration `json:"promotionTtl" mapstructure:"promotion_ttl"`

	Detectors   map[string]DetectorConfig `json:"detectors" mapstructure:"detectors"`
	Expressions []ExpressionConfig        `json:"expressions,omitempty" mapstructure:"expressions"`
}

// ScanRequest asks for one scan run over a window.
type ScanRequest struct {
	ScopeIDs    []string  `json:"scopeIds,omitempty"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	RequestedBy string    `json:"requestedBy,omitempty"`
}

// Scan run statuses.
const (
	ScanCompleted = "completed"
	ScanPartial   = "partial" // a detector or a promotion failed
	ScanFailed    = "failed"
)

// DetectorFailure is a detector that contributed nothing to a run.
type DetectorFailure struct {
	DetectorID string `json:"detectorId"`
	ScopeID    string `json:"scopeId"`
	Reason     string `json:"reason"`
	TimedOut   bool   `json:"timedOut,omitempty"`
}

// PromotionFailure is a kept finding that did not reach a case.
type PromotionFailure struct {
	ActorID     string `json:"actorId"`
	ScopeID     string `json:"scopeId"`
	Reason      string `json:"reason"`
	Persistence bool   `json:"persistence,omitempty"`
}

// ScanResult summarises one scan run.
type ScanResult struct {
	RunID        string                `json:"runId"`
	TenantID     string                `json:"tenantId"`
	Status       string                `json:"status"`
	Scopes       []string              `json:"scopes"`
	From         time.Time             `json:"from"`
	To           time.Time             `json:"to"`
	FindingCount int                   `json:"findingCount"`
	Consolidated []ConsolidatedFinding `json:"consolidated"`
	CaseIDs      []string              `json:"caseIds,omitempty"`
	Failures     []DetectorFailure     `json:"failures,omitempty"`
	StartedAt    time.Time             `json:"startedAt"`
	CompletedAt  time.Time             `json:"completedAt"`

	PromotionFailures []PromotionFailure `json:"promotionFailures,omitempty"`
}
