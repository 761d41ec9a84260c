// Package pricing resolves the price a buyer pays for a product from a snapshot
// of discounts. Everything here is pure: no I/O, no clock reads.
package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

var (
	ErrInvalidDiscount = errors.New("pricing: invalid discount")
	ErrUnknownCode     = errors.New("pricing: unknown discount code")
	ErrCodeNotActive   = errors.New("pricing: discount code not active")
	ErrMinOrderNotMet  = errors.New("pricing: minimum order amount not met")
	ErrCodeNotEligible = errors.New("pricing: discount code does not apply to any item")
)

var hundred = decimal.NewFromInt(100)

type Product struct {
	ID         uuid.UUID
	CategoryID uuid.UUID
	Price      decimal.Decimal
}

type Discount struct {
	ID             uuid.UUID
	Code           string
	Kind           models.DiscountKind
	Value          decimal.Decimal
	MinOrderAmount decimal.NullDecimal
	MaxDiscount    decimal.NullDecimal
	StartDate      time.Time
	EndDate        time.Time
	IsActive       bool
	ProductIDs     map[uuid.UUID]struct{}
	CategoryIDs    map[uuid.UUID]struct{}
}

func FromModel(m models.Discount) Discount {
	d := Discount{
		ID:             m.ID,
		Kind:           m.Kind,
		Value:          m.Value,
		MinOrderAmount: m.MinOrderAmount,
		MaxDiscount:    m.MaxDiscount,
		StartDate:      m.StartDate,
		EndDate:        m.EndDate,
		IsActive:       m.IsActive,
		ProductIDs:     make(map[uuid.UUID]struct{}, len(m.Products)),
		CategoryIDs:    make(map[uuid.UUID]struct{}, len(m.Categories)),
	}
	if m.Code != nil {
		d.Code = *m.Code
	}
	for _, p := range m.Products {
		d.ProductIDs[p.ProductID] = struct{}{}
	}
	for _, c := range m.Categories {
		d.CategoryIDs[c.CategoryID] = struct{}{}
	}
	return d
}

func (d Discount) Validate() error {
	if !d.StartDate.Before(d.EndDate) {
		return fmt.Errorf("%w: start date must precede end date", ErrInvalidDiscount)
	}
	if !d.Value.IsPositive() {
		return fmt.Errorf("%w: value must be positive", ErrInvalidDiscount)
	}
	switch d.Kind {
	case models.DiscountPercentage:
		if d.Value.GreaterThan(hundred) {
			return fmt.Errorf("%w: percentage above 100", ErrInvalidDiscount)
		}
	case models.DiscountFixed:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDiscount, d.Kind)
	}
	if d.MaxDiscount.Valid && d.MaxDiscount.Decimal.IsNegative() {
		return fmt.Errorf("%w: negative max discount", ErrInvalidDiscount)
	}
	return nil
}

// ActiveAt reports whether the discount is switched on and at lies in [StartDate, EndDate).
func (d Discount) ActiveAt(at time.Time) bool {
	return d.IsActive && !at.Before(d.StartDate) && at.Before(d.EndDate)
}

func (d Discount) General() bool {
	return len(d.ProductIDs) == 0 && len(d.CategoryIDs) == 0
}

func (d Discount) AppliesTo(p Product) bool {
	if _, ok := d.ProductIDs[p.ID]; ok {
		return true
	}
	if _, ok := d.CategoryIDs[p.CategoryID]; ok {
		return true
	}
	return d.General()
}

// Candidate returns the unrounded price after applying d to price alone.
// ok is false when the result is degenerate (<= 0 or not below price).
func (d Discount) Candidate(price decimal.Decimal) (decimal.Decimal, bool) {
	var out decimal.Decimal
	switch d.Kind {
	case models.DiscountPercentage:
		out = price.Mul(decimal.NewFromInt(1).Sub(d.Value.Div(hundred)))
		if d.MaxDiscount.Valid {
			floor := price.Sub(d.MaxDiscount.Decimal)
			if out.LessThan(floor) {
				out = floor
			}
		}
	case models.DiscountFixed:
		out = decimal.Max(decimal.Zero, price.Sub(d.Value))
	default:
		return decimal.Zero, false
	}
	if !out.IsPositive() || out.GreaterThanOrEqual(price) {
		return decimal.Zero, false
	}
	return out, true
}
