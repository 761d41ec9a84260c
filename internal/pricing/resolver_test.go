package pricing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func general(kind models.DiscountKind, value string) Discount {
	return Discount{
		ID:        uuid.New(),
		Kind:      kind,
		Value:     dec(value),
		StartDate: now.Add(-time.Hour),
		EndDate:   now.Add(time.Hour),
		IsActive:  true,
	}
}

func product(price string) Product {
	return Product{ID: uuid.New(), CategoryID: uuid.New(), Price: dec(price)}
}

func TestResolve_PercentageWithCap(t *testing.T) {
	save20 := general(models.DiscountPercentage, "20")
	save20.MaxDiscount = decimal.NewNullDecimal(dec("10"))

	q := Resolve(product("100"), []Discount{save20}, now)
	assert.True(t, dec("90").Equal(q.UnitPrice()), "got %s", q.UnitPrice())
	assert.Equal(t, save20.ID, q.DiscountID)

	q = Resolve(product("1000"), []Discount{save20}, now)
	assert.True(t, dec("990").Equal(q.UnitPrice()), "got %s", q.UnitPrice())
}

func TestResolve_PercentageWithoutCap(t *testing.T) {
	q := Resolve(product("80"), []Discount{general(models.DiscountPercentage, "25")}, now)
	assert.True(t, dec("60").Equal(q.UnitPrice()))
}

func TestResolve_FixedAndDegenerate(t *testing.T) {
	q := Resolve(product("50"), []Discount{general(models.DiscountFixed, "15")}, now)
	assert.True(t, dec("35").Equal(q.UnitPrice()))

	// fixed discount wiping out the price is rejected, not clamped
	q = Resolve(product("10"), []Discount{general(models.DiscountFixed, "10")}, now)
	assert.False(t, q.Discounted())
	assert.True(t, dec("10").Equal(q.UnitPrice()))

	q = Resolve(product("10"), []Discount{general(models.DiscountPercentage, "100")}, now)
	assert.False(t, q.Discounted())
}

func TestResolve_NoStacking(t *testing.T) {
	p := product("100")
	small := general(models.DiscountPercentage, "10")
	big := general(models.DiscountFixed, "30")

	q := Resolve(p, []Discount{small, big}, now)
	assert.True(t, dec("70").Equal(q.UnitPrice()), "lowest single candidate wins, got %s", q.UnitPrice())
	assert.Equal(t, big.ID, q.DiscountID)
}

func TestResolve_TieBrokenByID(t *testing.T) {
	p := product("100")
	a := general(models.DiscountFixed, "20")
	b := general(models.DiscountPercentage, "20")
	a.ID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	b.ID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

	q1 := Resolve(p, []Discount{a, b}, now)
	q2 := Resolve(p, []Discount{b, a}, now)
	assert.Equal(t, b.ID, q1.DiscountID)
	assert.Equal(t, q1, q2)
}

func TestResolve_Applicability(t *testing.T) {
	p := product("100")
	other := product("100")

	byProduct := general(models.DiscountFixed, "5")
	byProduct.ProductIDs = map[uuid.UUID]struct{}{p.ID: {}}

	byCategory := general(models.DiscountFixed, "7")
	byCategory.CategoryIDs = map[uuid.UUID]struct{}{p.CategoryID: {}}

	q := Resolve(p, []Discount{byProduct, byCategory}, now)
	assert.Equal(t, byCategory.ID, q.DiscountID)

	q = Resolve(other, []Discount{byProduct, byCategory}, now)
	assert.False(t, q.Discounted())
}

func TestResolve_ActiveWindow(t *testing.T) {
	p := product("100")
	d := general(models.DiscountFixed, "10")

	assert.False(t, Resolve(p, []Discount{d}, d.EndDate).Discounted(), "end date is exclusive")
	assert.True(t, Resolve(p, []Discount{d}, d.StartDate).Discounted(), "start date is inclusive")

	d.IsActive = false
	assert.False(t, Resolve(p, []Discount{d}, now).Discounted())
}

func TestResolve_SkipsInvalidAndCoded(t *testing.T) {
	p := product("100")

	invalid := general(models.DiscountPercentage, "150")
	backwards := general(models.DiscountFixed, "10")
	backwards.StartDate, backwards.EndDate = backwards.EndDate, backwards.StartDate
	coded := general(models.DiscountFixed, "50")
	coded.Code = "HALF"

	q := Resolve(p, []Discount{invalid, backwards, coded}, now)
	assert.False(t, q.Discounted())
}

func TestResolve_Idempotent(t *testing.T) {
	p := product("19.99")
	ds := []Discount{general(models.DiscountPercentage, "33"), general(models.DiscountFixed, "3.5")}

	first := Resolve(p, ds, now)
	second := Resolve(p, ds, now)
	require.Equal(t, first, second)
	assert.True(t, dec("13.39").Equal(first.UnitPrice()), "round half up at presentation, got %s", first.UnitPrice())
}

func TestResolver_SnapshotIsolation(t *testing.T) {
	p := product("100")
	ds := []Discount{general(models.DiscountFixed, "10")}
	r := NewResolver(ds, now)

	ds[0].Value = dec("90")
	assert.True(t, dec("90").Equal(r.Quote(p).UnitPrice()), "edits after snapshot must not leak in")
}
