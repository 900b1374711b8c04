package diagnosis

import (
	"fmt"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gopkg.in/yaml.v3"
)

// Template is one candidate explanation in a catalog.
// A template with no required signals is a catch-all.
type Template struct {
	ID              string              `yaml:"id" json:"id"`
	Title           string              `yaml:"title" json:"title"`
	Description     string              `yaml:"description" json:"description"`
	BaseConfidence  float64             `yaml:"baseConfidence" json:"baseConfidence"`
	RequiredSignals []string            `yaml:"requiredSignals" json:"requiredSignals"`
	Actions         []domain.ActionSpec `yaml:"actions" json:"actions"`
}

// CatchAll reports whether the template matches on any combination of signals.
func (t Template) CatchAll() bool {
	return len(t.RequiredSignals) == 0
}

// Correlation links two signals known to co-occur.
type Correlation struct {
	SignalA     string  `yaml:"signalA" json:"signalA"`
	SignalB     string  `yaml:"signalB" json:"signalB"`
	Coefficient float64 `yaml:"coefficient" json:"coefficient"`
}

// Catalog is a named set of hypothesis templates.
type Catalog struct {
	Name         string        `yaml:"name" json:"name"`
	Templates    []Template    `yaml:"templates" json:"templates"`
	Correlations []Correlation `yaml:"correlations" json:"correlations"`
}

// Template returns the template with the given ID.
func (c *Catalog) Template(id string) (Template, bool) {
	for _, t := range c.Templates {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}

// Validate checks a catalog before it is used for ranking.
func (c *Catalog) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: catalog name is required", domain.ErrInvalidInput)
	}
	if len(c.Templates) == 0 {
		return fmt.Errorf("%w: catalog %s has no templates", domain.ErrInvalidInput, c.Name)
	}

	seen := make(map[string]bool, len(c.Templates))
	for _, t := range c.Templates {
		if t.ID == "" {
			return fmt.Errorf("%w: catalog %s has a template without id", domain.ErrInvalidInput, c.Name)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: catalog %s has duplicate template %s", domain.ErrInvalidInput, c.Name, t.ID)
		}
		seen[t.ID] = true
		if t.BaseConfidence < 0 || t.BaseConfidence > 1 {
			return fmt.Errorf("%w: template %s base confidence must be within [0,1]", domain.ErrInvalidInput, t.ID)
		}
		for _, a := range t.Actions {
			if !a.ApprovalLevel.Valid() {
				return fmt.Errorf("%w: template %s action %s has unknown approval level %q", domain.ErrInvalidInput, t.ID, a.Type, a.ApprovalLevel)
			}
		}
	}
	return nil
}

// LoadFile reads a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: failed to parse catalog: %v", domain.ErrInvalidInput, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Builtin returns a copy of a built-in catalog by name.
func Builtin(name string) (*Catalog, bool) {
	switch name {
	case FraudCatalog:
		c := fraud()
		return &c, true
	case SalesDropCatalog:
		c := salesDrop()
		return &c, true
	}
	return nil, false
}

// Built-in catalog names.
const (
	FraudCatalog     = "fraud"
	SalesDropCatalog = "sales_drop"
)

// Retail sales-drop signal vocabulary.
const (
	SignalTrafficDrop       = "traffic_drop"
	SignalConversionDrop    = "conversion_drop"
	SignalAvgTicketDrop     = "avg_ticket_drop"
	SignalStockouts         = "stockouts"
	SignalStaffShortage     = "staff_shortage"
	SignalCompetitorOpening = "competitor_opening"
	SignalPromoEnded        = "promo_ended"
)

func fraud() Catalog {
	return Catalog{
		Name: FraudCatalog,
		Templates: []Template{
			{
				ID:              "sweethearting",
				Title:           "Sweethearting at the till",
				Description:     "Discounts are granted to cash customers on low tickets, consistent with unrecorded favours.",
				BaseConfidence:  0.55,
				RequiredSignals: []string{domain.SignalCashInDiscounts, domain.SignalLowCashTicket},
				Actions: []domain.ActionSpec{
					{Type: "review_cctv", ApprovalLevel: domain.ApprovalAuto, ExpectedImpact: "confirm or dismiss till behaviour"},
					{Type: "restrict_discounts", ApprovalLevel: domain.ApprovalRequired, ExpectedImpact: "stop discount leakage"},
				},
			},
			{
				ID:              "discount_abuse",
				Title:           "Discount abuse",
				Description:     "Frequent discounts without a recorded reason.",
				BaseConfidence:  0.50,
				RequiredSignals: []string{domain.SignalDiscountRate, domain.SignalUnexplainedDiscount},
				Actions: []domain.ActionSpec{
					{Type: "require_discount_reason", ApprovalLevel: domain.ApprovalAuto, ExpectedImpact: "every discount carries a reason"},
					{Type: "manager_review", ApprovalLevel: domain.ApprovalDraft},
				},
			},
			{
				ID:              "collusion",
				Title:           "Collusion with a repeat customer",
				Description:     "The same staff pair keeps serving the same customer with discounts.",
				BaseConfidence:  0.55,
				RequiredSignals: []string{domain.SignalRepeatCombination, domain.SignalCombinationDiscount},
				Actions: []domain.ActionSpec{
					{Type: "separate_shifts", ApprovalLevel: domain.ApprovalRequired},
					{Type: "suspend_employee", ApprovalLevel: domain.ApprovalCritical, ExpectedImpact: "halt suspected collusion"},
				},
			},
			{
				ID:              "cash_skimming",
				Title:           "Cash skimming",
				Description:     "The actor takes markedly more cash than peers.",
				BaseConfidence:  0.45,
				RequiredSignals: []string{domain.SignalCashVsPeers},
				Actions: []domain.ActionSpec{
					{Type: "audit_cash_drawer", ApprovalLevel: domain.ApprovalRequired},
				},
			},
			{
				ID:              "off_hours_activity",
				Title:           "Off-hours discounting",
				Description:     "Discounts cluster in one hour when supervision is thin.",
				BaseConfidence:  0.45,
				RequiredSignals: []string{domain.SignalPeakHourShare, domain.SignalPeakHourDiscounts},
				Actions: []domain.ActionSpec{
					{Type: "adjust_supervision", ApprovalLevel: domain.ApprovalDraft},
				},
			},
			{
				ID:             "combined_factors",
				Title:          "Combined factors",
				Description:    "Several unrelated signals fire together without a single explanation.",
				BaseConfidence: 0.35,
				Actions: []domain.ActionSpec{
					{Type: "manual_investigation", ApprovalLevel: domain.ApprovalAuto},
				},
			},
		},
		Correlations: []Correlation{
			{SignalA: domain.SignalCashInDiscounts, SignalB: domain.SignalCashVsPeers, Coefficient: 0.72},
			{SignalA: domain.SignalCashInDiscounts, SignalB: domain.SignalRepeatCombination, Coefficient: 0.61},
			{SignalA: domain.SignalDiscountRate, SignalB: domain.SignalCombinationDiscount, Coefficient: 0.58},
			{SignalA: domain.SignalPeakHourDiscounts, SignalB: domain.SignalUnexplainedDiscount, Coefficient: 0.54},
		},
	}
}

func salesDrop() Catalog {
	return Catalog{
		Name: SalesDropCatalog,
		Templates: []Template{
			{
				ID:              "stock_problem",
				Title:           "Stock availability",
				Description:     "Conversion fell while shelves were empty.",
				BaseConfidence:  0.55,
				RequiredSignals: []string{SignalStockouts, SignalConversionDrop},
				Actions: []domain.ActionSpec{
					{Type: "expedite_replenishment", ApprovalLevel: domain.ApprovalRequired},
				},
			},
			{
				ID:              "staffing_gap",
				Title:           "Staffing gap",
				Description:     "Too few staff to convert the traffic that came in.",
				BaseConfidence:  0.50,
				RequiredSignals: []string{SignalStaffShortage, SignalConversionDrop},
				Actions: []domain.ActionSpec{
					{Type: "schedule_extra_shifts", ApprovalLevel: domain.ApprovalDraft},
				},
			},
			{
				ID:              "competition",
				Title:           "New competitor",
				Description:     "Traffic moved to a competitor that opened nearby.",
				BaseConfidence:  0.50,
				RequiredSignals: []string{SignalCompetitorOpening, SignalTrafficDrop},
				Actions: []domain.ActionSpec{
					{Type: "local_campaign", ApprovalLevel: domain.ApprovalRequired},
				},
			},
			{
				ID:              "promo_hangover",
				Title:           "Promotion ended",
				Description:     "Ticket size fell back after a promotion finished.",
				BaseConfidence:  0.45,
				RequiredSignals: []string{SignalPromoEnded, SignalAvgTicketDrop},
				Actions: []domain.ActionSpec{
					{Type: "review_pricing", ApprovalLevel: domain.ApprovalDraft},
				},
			},
			{
				ID:             "combined_factors",
				Title:          "Combined factors",
				Description:    "Several drivers contributed to the drop.",
				BaseConfidence: 0.35,
				Actions: []domain.ActionSpec{
					{Type: "manual_investigation", ApprovalLevel: domain.ApprovalAuto},
				},
			},
		},
		Correlations: []Correlation{
			{SignalA: SignalStockouts, SignalB: SignalConversionDrop, Coefficient: 0.68},
			{SignalA: SignalCompetitorOpening, SignalB: SignalTrafficDrop, Coefficient: 0.74},
			{SignalA: SignalStaffShortage, SignalB: SignalConversionDrop, Coefficient: 0.52},
		},
	}
}
