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

func TestCodeAmount(t *testing.T) {
	p1, p2 := product("40"), product("60")
	lines := []Line{
		{Product: p1, Quantity: 2, UnitPrice: p1.Price},
		{Product: p2, Quantity: 1, UnitPrice: p2.Price},
	}

	t.Run("percentage capped", func(t *testing.T) {
		d := general(models.DiscountPercentage, "50")
		d.Code = "HALF"
		d.MaxDiscount = decimal.NewNullDecimal(dec("25"))

		amount, err := CodeAmount(d, lines, NewResolver([]Discount{d}, now))
		require.NoError(t, err)
		assert.True(t, dec("25").Equal(amount))
	})

	t.Run("fixed limited to eligible subtotal", func(t *testing.T) {
		d := general(models.DiscountFixed, "100")
		d.Code = "BIG"
		d.ProductIDs = map[uuid.UUID]struct{}{p2.ID: {}}

		amount, err := CodeAmount(d, lines, NewResolver([]Discount{d}, now))
		require.NoError(t, err)
		assert.True(t, dec("60").Equal(amount))
	})

	t.Run("minimum not met", func(t *testing.T) {
		d := general(models.DiscountFixed, "5")
		d.Code = "MIN"
		d.MinOrderAmount = decimal.NewNullDecimal(dec("500"))

		_, err := CodeAmount(d, lines, NewResolver([]Discount{d}, now))
		assert.ErrorIs(t, err, ErrMinOrderNotMet)
	})

	t.Run("expired", func(t *testing.T) {
		d := general(models.DiscountFixed, "5")
		d.Code = "OLD"
		d.EndDate = now.Add(-time.Minute)
		d.StartDate = now.Add(-time.Hour)

		_, err := CodeAmount(d, lines, NewResolver([]Discount{d}, now))
		assert.ErrorIs(t, err, ErrCodeNotActive)
	})
}

func TestResolverCode(t *testing.T) {
	d := general(models.DiscountFixed, "5")
	d.Code = "FIVE"
	r := NewResolver([]Discount{d}, now)

	got, err := r.Code("FIVE")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	_, err = r.Code("NOPE")
	assert.ErrorIs(t, err, ErrUnknownCode)
}

func TestTotalClamped(t *testing.T) {
	assert.True(t, decimal.Zero.Equal(Total(dec("10"), dec("12"))))
	assert.True(t, dec("7.5").Equal(Total(dec("10"), dec("2.5"))))
}
