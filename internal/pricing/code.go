package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

type Line struct {
	Product   Product
	Quantity  int64
	UnitPrice decimal.Decimal
}

func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

func Subtotal(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Total())
	}
	return total
}

// CodeAmount computes the order-level reduction granted by a coded discount.
// Only lines the discount applies to count towards the minimum and the base.
func CodeAmount(d Discount, lines []Line, r *Resolver) (decimal.Decimal, error) {
	if err := d.Validate(); err != nil {
		return decimal.Zero, err
	}
	if !d.ActiveAt(r.At()) {
		return decimal.Zero, ErrCodeNotActive
	}

	eligible := decimal.Zero
	for _, l := range lines {
		if d.AppliesTo(l.Product) {
			eligible = eligible.Add(l.Total())
		}
	}
	if !eligible.IsPositive() {
		return decimal.Zero, ErrCodeNotEligible
	}
	if d.MinOrderAmount.Valid && eligible.LessThan(d.MinOrderAmount.Decimal) {
		return decimal.Zero, fmt.Errorf("%w: need %s", ErrMinOrderNotMet, d.MinOrderAmount.Decimal.StringFixed(2))
	}

	var amount decimal.Decimal
	switch d.Kind {
	case models.DiscountPercentage:
		amount = eligible.Mul(d.Value).Div(hundred)
		if d.MaxDiscount.Valid && amount.GreaterThan(d.MaxDiscount.Decimal) {
			amount = d.MaxDiscount.Decimal
		}
	default:
		amount = decimal.Min(d.Value, eligible)
	}
	return Round(amount), nil
}

// Total applies the order invariant: subtotal minus discount, never below zero.
func Total(subtotal, discount decimal.Decimal) decimal.Decimal {
	return Round(decimal.Max(decimal.Zero, subtotal.Sub(discount)))
}
