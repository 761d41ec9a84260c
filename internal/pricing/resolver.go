package pricing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Quote is the resolved price of one product. Price is unrounded; use UnitPrice
// for anything shown to the buyer or persisted.
type Quote struct {
	ProductID  uuid.UUID
	Original   decimal.Decimal
	Price      decimal.Decimal
	DiscountID uuid.UUID
}

func (q Quote) Discounted() bool {
	return q.DiscountID != uuid.Nil
}

func (q Quote) UnitPrice() decimal.Decimal {
	return Round(q.Price)
}

// Round rounds half away from zero to two places, which is half-up for prices.
func Round(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

// Resolve picks the single discount that yields the lowest price for p at the
// given time. Discounts never stack. Coded discounts are skipped because they
// only apply at order level when the buyer presents the code.
func Resolve(p Product, discounts []Discount, at time.Time) Quote {
	best := Quote{ProductID: p.ID, Original: p.Price, Price: p.Price}

	for _, d := range discounts {
		if d.Code != "" || !d.ActiveAt(at) || d.Validate() != nil || !d.AppliesTo(p) {
			continue
		}
		price, ok := d.Candidate(p.Price)
		if !ok {
			continue
		}
		if price.LessThan(best.Price) || (price.Equal(best.Price) && best.Discounted() && d.ID.String() < best.DiscountID.String()) {
			best.Price = price
			best.DiscountID = d.ID
		}
	}
	return best
}

// Resolver binds a discount snapshot and a reference time so every line of one
// checkout is priced against the same view.
type Resolver struct {
	discounts []Discount
	at        time.Time
}

func NewResolver(discounts []Discount, at time.Time) *Resolver {
	snapshot := make([]Discount, len(discounts))
	copy(snapshot, discounts)
	return &Resolver{discounts: snapshot, at: at}
}

func (r *Resolver) At() time.Time {
	return r.at
}

func (r *Resolver) Quote(p Product) Quote {
	return Resolve(p, r.discounts, r.at)
}

// Code returns the coded discount matching code, or ErrUnknownCode.
func (r *Resolver) Code(code string) (Discount, error) {
	for _, d := range r.discounts {
		if d.Code == code {
			return d, nil
		}
	}
	return Discount{}, ErrUnknownCode
}
