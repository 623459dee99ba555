package posting

import (
	"fmt"
	"sync"

	"github.com/Knetic/govaluate"
	"github.com/diewo77/school-billing/internal/models"
	"github.com/shopspring/decimal"
)

// pricer evaluates fee structure amounts, compiling each formula once per run.
type pricer struct {
	mu    sync.Mutex
	exprs map[uint]*govaluate.EvaluableExpression
}

func newPricer() *pricer {
	return &pricer{exprs: map[uint]*govaluate.EvaluableExpression{}}
}

// Price returns the amount billed for fee to a student of grade in the period.
// Without a formula it is the structure amount.
func (p *pricer) Price(fee *models.FeeStructure, grade string, month, year int) (decimal.Decimal, error) {
	if fee.AmountFormula == "" {
		return fee.Amount, nil
	}
	expr, err := p.compile(fee)
	if err != nil {
		return decimal.Zero, err
	}
	base, _ := fee.Amount.Float64()
	params := map[string]any{
		"base":  base,
		"month": float64(month),
		"year":  float64(year),
		"grade": grade,
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		return decimal.Zero, fmt.Errorf("evaluate formula of fee %q: %w", fee.Name, err)
	}
	amount, ok := result.(float64)
	if !ok {
		return decimal.Zero, fmt.Errorf("formula of fee %q is not numeric", fee.Name)
	}
	d := decimal.NewFromFloat(amount).Round(2)
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("formula of fee %q priced %s", fee.Name, d)
	}
	return d, nil
}

func (p *pricer) compile(fee *models.FeeStructure) (*govaluate.EvaluableExpression, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.exprs[fee.ID]; ok {
		return e, nil
	}
	e, err := govaluate.NewEvaluableExpression(fee.AmountFormula)
	if err != nil {
		return nil, fmt.Errorf("invalid formula of fee %q: %w", fee.Name, err)
	}
	p.exprs[fee.ID] = e
	return e, nil
}

// ValidateFormula reports whether expr compiles.
func ValidateFormula(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := govaluate.NewEvaluableExpression(expr)
	return err
}
