package repo

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

func (r *GormRepo) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.DB.WithContext(ctx).Preload("Items").Where("id = ?", id).First(&order).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

// LockOrder reads an order inside tx and holds its row until tx ends.
func LockOrder(tx *gorm.DB, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

// ListOrders pages through orders newest first. A nil userID lists everyone's.
func (r *GormRepo) ListOrders(ctx context.Context, userID *uuid.UUID, limit, offset int) (int64, []models.Order, error) {
	scoped := func() *gorm.DB {
		q := r.DB.WithContext(ctx).Model(&models.Order{})
		if userID != nil {
			q = q.Where("user_id = ?", *userID)
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return 0, nil, err
	}

	var orders []models.Order
	if err := scoped().Preload("Items").Order("created_at DESC").Limit(limit).Offset(offset).Find(&orders).Error; err != nil {
		return 0, nil, err
	}
	return total, orders, nil
}

// SetOrderStatus moves an order from one status to another. It reports false
// if the order was no longer in from.
func SetOrderStatus(tx *gorm.DB, id uuid.UUID, from, to models.OrderStatus) (bool, error) {
	res := tx.Model(&models.Order{}).
		Where("id = ? AND order_status = ?", id, from).
		Update("order_status", to)
	return res.RowsAffected == 1, res.Error
}

// CreateOrder inserts an order with its items inside tx.
func CreateOrder(tx *gorm.DB, order *models.Order) error {
	return tx.Create(order).Error
}
