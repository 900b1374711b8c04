package detector

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Expression is an operator-declared detector: a CEL expression evaluated
// over each actor's aggregates. A bool result maps to 0 or 1; a numeric
// result is clamped to [0,1] and used as the confidence.
type Expression struct {
	cfg     domain.ExpressionConfig
	program cel.Program
	floor   float64
}

func newExpressionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx_count", cel.IntType),
		cel.Variable("discounted_count", cel.IntType),
		cel.Variable("cash_share", cel.DoubleType),
		cel.Variable("discount_rate", cel.DoubleType),
		cel.Variable("cash_share_in_discounts", cel.DoubleType),
		cel.Variable("avg_ticket", cel.DoubleType),
		cel.Variable("avg_discount_pct", cel.DoubleType),
		cel.Variable("unexplained_share", cel.DoubleType),
		cel.Variable("peak_hour_share", cel.DoubleType),
		cel.Variable("population_cash_share", cel.DoubleType),
		cel.Variable("population_discount_rate", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// ValidateExpression compiles an expression detector without building a scan.
func ValidateExpression(cfg domain.ExpressionConfig) error {
	env, err := newExpressionEnv()
	if err != nil {
		return err
	}
	_, err = NewExpression(env, cfg, 0)
	return err
}

// NewExpression compiles an expression detector.
func NewExpression(env *cel.Env, cfg domain.ExpressionConfig, floor float64) (*Expression, error) {
	if cfg.ID == "" || cfg.Expression == "" {
		return nil, fmt.Errorf("%w: expression detector requires id and expression", domain.ErrInvalidInput)
	}
	if cfg.PatternID == "" {
		cfg.PatternID = cfg.ID
	}

	ast, issues := env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile detector %s: %v", domain.ErrInvalidInput, cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("%w: detector %s: expression must return bool, int, or double, got %s", domain.ErrInvalidInput, cfg.ID, outputType)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for detector %s: %w", cfg.ID, err)
	}

	return &Expression{cfg: cfg, program: program, floor: floor}, nil
}

// ID returns the detector identifier.
func (d *Expression) ID() string {
	return d.cfg.ID
}

// Detect evaluates the expression once per actor.
func (d *Expression) Detect(ctx context.Context, w *domain.Window) ([]domain.Finding, error) {
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

		activation := map[string]any{
			"tx_count":                 int64(s.Count),
			"discounted_count":         int64(s.Discounted),
			"cash_share":               s.CashShare(),
			"discount_rate":            s.DiscountRate(),
			"cash_share_in_discounts":  s.CashShareInDiscounts(),
			"avg_ticket":               s.AvgTicket(),
			"avg_discount_pct":         s.AvgDiscountPct(),
			"unexplained_share":        s.UnexplainedShare(),
			"peak_hour_share":          scoring.Ratio(float64(s.HourCounts[s.PeakHour()]), float64(s.Count)),
			"population_cash_share":    pop.CashShare(),
			"population_discount_rate": pop.DiscountRate(),
		}

		out, _, err := d.program.Eval(activation)
		if err != nil {
			return nil, fmt.Errorf("detector %s failed for actor %s: %w", d.cfg.ID, id, err)
		}

		confidence := scoring.Clamp(toScore(out))
		if !scoring.ShouldEmit(confidence, d.floor) {
			continue
		}

		signals := []domain.Signal{{
			Name:      d.cfg.ID,
			Value:     confidence,
			Threshold: d.floor,
			Score:     confidence,
			Weight:    1,
			Detected:  true,
		}}

		f := newFinding(d.cfg.PatternID, w, id, signals, confidence, activation)
		f.DetectorID = d.cfg.ID
		findings = append(findings, f)
	}

	return findings, nil
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
