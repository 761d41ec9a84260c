package repo

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

// PaymentForOrder returns the latest payment attempt recorded for an order.
func (r *GormRepo) PaymentForOrder(ctx context.Context, orderID uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := r.DB.WithContext(ctx).Where("order_id = ?", orderID).Order("created_at DESC").First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// LockPayment reads a payment inside tx and holds its row until tx ends.
func LockPayment(tx *gorm.DB, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}
