package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
	"github.com/Skotchmaster/online_pharmacy/pkg/logging"
	"github.com/Skotchmaster/online_pharmacy/pkg/metrics"
)

var (
	ErrProductNotFound   = errors.New("inventory: product not found")
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	ErrInvalidQuantity   = errors.New("inventory: quantity must be positive")
	ErrReservationLost   = errors.New("inventory: reservation no longer held")
)

// InsufficientStockError reports contention on one product. It matches
// ErrInsufficientStock with errors.Is.
type InsufficientStockError struct {
	ProductID   uuid.UUID
	ProductName string
	Available   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %q: %d available", e.ProductName, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type Item struct {
	ProductID uuid.UUID
	Quantity  int64
}

type Reservation struct {
	ID        string
	ProductID uuid.UUID
	Quantity  int64
	NewStock  int64
}

// ReservationID keys a reservation by the order line it belongs to, so a
// release of the same line is recognised however many times it is retried.
func ReservationID(orderID uuid.UUID, index int) string {
	return fmt.Sprintf("%s:%d", orderID, index)
}

type Ledger struct {
	DB      *gorm.DB
	Metrics *metrics.Metrics

	// Attempts bounds release retries; Backoff is the first retry delay and doubles.
	Attempts int
	Backoff  time.Duration
}

func New(db *gorm.DB, m *metrics.Metrics, attempts int) *Ledger {
	return &Ledger{DB: db, Metrics: m, Attempts: attempts, Backoff: 50 * time.Millisecond}
}

// Reserve decrements stock only when enough is left, in a single conditional
// UPDATE, and journals the reservation in the same transaction.
func (l *Ledger) Reserve(ctx context.Context, id string, orderID uuid.UUID, item Item) (Reservation, error) {
	if item.Quantity <= 0 {
		return Reservation{}, ErrInvalidQuantity
	}

	res := Reservation{ID: id, ProductID: item.ProductID, Quantity: item.Quantity}
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upd := tx.Model(&models.Product{}).
			Where("id = ? AND stock >= ?", item.ProductID, item.Quantity).
			Update("stock", gorm.Expr("stock - ?", item.Quantity))
		if upd.Error != nil {
			return upd.Error
		}

		var p models.Product
		if err := tx.Select("id", "name", "stock").Where("id = ?", item.ProductID).First(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrProductNotFound, item.ProductID)
			}
			return err
		}
		if upd.RowsAffected == 0 {
			return &InsufficientStockError{ProductID: p.ID, ProductName: p.Name, Available: p.Stock}
		}
		res.NewStock = p.Stock

		return tx.Create(&models.StockReservation{
			ID:        id,
			OrderID:   orderID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Status:    models.ReservationReserved,
		}).Error
	})

	switch {
	case err == nil:
		l.Metrics.Reservation("ok")
	case errors.Is(err, ErrInsufficientStock):
		l.Metrics.Reservation("insufficient")
	case errors.Is(err, ErrProductNotFound):
		l.Metrics.Reservation("not_found")
	default:
		l.Metrics.Reservation("error")
	}
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// ReserveAll reserves items in order. On the first failure every reservation
// already taken for this order is released before the error is returned.
func (l *Ledger) ReserveAll(ctx context.Context, orderID uuid.UUID, items []Item) ([]Reservation, error) {
	taken := make([]Reservation, 0, len(items))
	for i, item := range items {
		r, err := l.Reserve(ctx, ReservationID(orderID, i), orderID, item)
		if err != nil {
			if cerr := l.releaseAll(ctx, taken); cerr != nil {
				return nil, errors.Join(err, cerr)
			}
			return nil, err
		}
		taken = append(taken, r)
	}
	return taken, nil
}

func (l *Ledger) releaseAll(ctx context.Context, taken []Reservation) error {
	var errs []error
	for i := len(taken) - 1; i >= 0; i-- {
		if err := l.Release(ctx, taken[i].ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Release gives a reserved or committed line back to stock. Releasing a line
// twice credits it once. Retries with backoff and survives caller cancellation.
func (l *Ledger) Release(ctx context.Context, id string) error {
	_, err := l.releaseWithRetry(ctx, id, models.ReservationReserved, models.ReservationCommitted)
	return err
}

func (l *Ledger) releaseWithRetry(ctx context.Context, id string, from ...models.ReservationStatus) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	log := logging.FromContext(ctx).With("component", "inventory", "reservation_id", id)

	attempts := max(l.Attempts, 1)
	delay := l.Backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var released bool
		released, err = l.release(ctx, id, from)
		if err == nil {
			if released {
				l.Metrics.Compensation("released")
			}
			return released, nil
		}
		log.Warn("release_retry", "attempt", attempt, "error", err)
		if attempt < attempts && delay > 0 {
			time.Sleep(delay)
			delay *= 2
		}
	}

	l.Metrics.Compensation("failed")
	log.Error("compensation_failed", "attempts", attempts, "error", err)
	return false, fmt.Errorf("release %s: %w", id, err)
}

func (l *Ledger) release(ctx context.Context, id string, from []models.ReservationStatus) (bool, error) {
	released := false
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r models.StockReservation
		if err := tx.Where("id = ?", id).First(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		flip := tx.Model(&models.StockReservation{}).
			Where("id = ? AND status IN ?", id, from).
			Update("status", models.ReservationReleased)
		if flip.Error != nil {
			return flip.Error
		}
		if flip.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&models.Product{}).
			Where("id = ?", r.ProductID).
			Update("stock", gorm.Expr("stock + ?", r.Quantity)).Error; err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}

// CommitTx marks the order's reservations committed inside the caller's
// transaction. It fails with ErrReservationLost if any of the expected
// reservations was released meanwhile, e.g. by the orphan sweeper.
func CommitTx(tx *gorm.DB, orderID uuid.UUID, expected int) error {
	upd := tx.Model(&models.StockReservation{}).
		Where("order_id = ? AND status = ?", orderID, models.ReservationReserved).
		Update("status", models.ReservationCommitted)
	if upd.Error != nil {
		return upd.Error
	}
	if upd.RowsAffected != int64(expected) {
		return fmt.Errorf("%w: order %s committed %d of %d", ErrReservationLost, orderID, upd.RowsAffected, expected)
	}
	return nil
}

// ReleaseOrder releases every line still held for orderID.
func (l *Ledger) ReleaseOrder(ctx context.Context, orderID uuid.UUID) error {
	var held []models.StockReservation
	if err := l.DB.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID, []models.ReservationStatus{models.ReservationReserved, models.ReservationCommitted}).
		Order("id DESC").
		Find(&held).Error; err != nil {
		return err
	}

	var errs []error
	for _, r := range held {
		if err := l.Release(ctx, r.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SweepOrphans releases reservations that were never committed within ttl.
// Committed lines are left alone.
func (l *Ledger) SweepOrphans(ctx context.Context, ttl time.Duration) (int, error) {
	log := logging.FromContext(ctx).With("component", "inventory")

	var stale []models.StockReservation
	cutoff := time.Now().UTC().Add(-ttl)
	if err := l.DB.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.ReservationReserved, cutoff).
		Order("created_at ASC").
		Limit(500).
		Find(&stale).Error; err != nil {
		return 0, err
	}

	swept := 0
	var errs []error
	for _, r := range stale {
		released, err := l.releaseWithRetry(ctx, r.ID, models.ReservationReserved)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if released {
			swept++
		}
	}
	if swept > 0 {
		log.Info("orphan_reservations_released", "count", swept)
	}
	return swept, errors.Join(errs...)
}

// Run sweeps every interval until ctx is done.
func (l *Ledger) Run(ctx context.Context, interval, ttl time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := l.SweepOrphans(ctx, ttl); err != nil {
				logging.FromContext(ctx).Error("orphan_sweep_error", "error", err)
			}
		}
	}
}
