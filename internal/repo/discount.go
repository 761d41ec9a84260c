package repo

import (
	"context"
	"time"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
	"github.com/Skotchmaster/online_pharmacy/internal/pricing"
)

// ActiveDiscounts loads every discount live at the given instant, scope included,
// as one snapshot for the resolver.
func (r *GormRepo) ActiveDiscounts(ctx context.Context, at time.Time) ([]pricing.Discount, error) {
	var rows []models.Discount
	if err := r.DB.WithContext(ctx).
		Preload("Products").
		Preload("Categories").
		Where("is_active = ? AND start_date <= ? AND end_date > ?", true, at, at).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]pricing.Discount, 0, len(rows))
	for _, d := range rows {
		out = append(out, pricing.FromModel(d))
	}
	return out, nil
}
