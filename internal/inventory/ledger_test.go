package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Skotchmaster/online_pharmacy/internal/dbtest"
	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

func newLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()
	db := dbtest.Open(t)
	l := New(db, nil, 3)
	l.Backoff = 0
	return l, db
}

func TestReserve_DecrementsAndJournals(t *testing.T) {
	l, db := newLedger(t)
	p := dbtest.Product(t, db, "Aspirin", "4.50", 10)
	orderID := uuid.New()

	r, err := l.Reserve(context.Background(), ReservationID(orderID, 0), orderID, Item{ProductID: p.ID, Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(7), r.NewStock)
	assert.Equal(t, int64(7), dbtest.Stock(t, db, p.ID))

	var row models.StockReservation
	require.NoError(t, db.First(&row, "id = ?", r.ID).Error)
	assert.Equal(t, models.ReservationReserved, row.Status)
	assert.Equal(t, int64(3), row.Quantity)
}

func TestReserve_DistinguishesFailures(t *testing.T) {
	l, db := newLedger(t)
	p := dbtest.Product(t, db, "Ibuprofen", "6.00", 2)
	orderID := uuid.New()

	_, err := l.Reserve(context.Background(), ReservationID(orderID, 0), orderID, Item{ProductID: p.ID, Quantity: 5})
	require.ErrorIs(t, err, ErrInsufficientStock)

	var ise *InsufficientStockError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, "Ibuprofen", ise.ProductName)
	assert.Equal(t, int64(2), ise.Available)

	_, err = l.Reserve(context.Background(), ReservationID(orderID, 1), orderID, Item{ProductID: uuid.New(), Quantity: 1})
	require.ErrorIs(t, err, ErrProductNotFound)
	assert.False(t, errors.Is(err, ErrInsufficientStock))

	_, err = l.Reserve(context.Background(), ReservationID(orderID, 2), orderID, Item{ProductID: p.ID, Quantity: 0})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	assert.Equal(t, int64(2), dbtest.Stock(t, db, p.ID))
}

func TestReserve_NoOversellUnderConcurrency(t *testing.T) {
	l, db := newLedger(t)
	p := dbtest.Product(t, db, "Paracetamol", "3.20", 10)

	const buyers = 25
	var (
		wg       sync.WaitGroup
		reserved atomic.Int64
		rejected atomic.Int64
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(qty int64) {
			defer wg.Done()
			orderID := uuid.New()
			_, err := l.Reserve(context.Background(), ReservationID(orderID, 0), orderID, Item{ProductID: p.ID, Quantity: qty})
			if err == nil {
				reserved.Add(qty)
				return
			}
			if errors.Is(err, ErrInsufficientStock) {
				rejected.Add(1)
				return
			}
			t.Errorf("unexpected error: %v", err)
		}(int64(i%3 + 1))
	}
	wg.Wait()

	left := dbtest.Stock(t, db, p.ID)
	assert.LessOrEqual(t, reserved.Load(), int64(10))
	assert.Equal(t, int64(10)-reserved.Load(), left)
	assert.GreaterOrEqual(t, left, int64(0))
	assert.Positive(t, rejected.Load())
}

func TestReserveAll_CompensatesOnFailure(t *testing.T) {
	l, db := newLedger(t)
	a := dbtest.Product(t, db, "A", "1.00", 5)
	b := dbtest.Product(t, db, "B", "1.00", 5)
	c := dbtest.Product(t, db, "C", "1.00", 1)
	orderID := uuid.New()

	_, err := l.ReserveAll(context.Background(), orderID, []Item{
		{ProductID: a.ID, Quantity: 2},
		{ProductID: b.ID, Quantity: 3},
		{ProductID: c.ID, Quantity: 2},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	assert.Equal(t, int64(5), dbtest.Stock(t, db, a.ID))
	assert.Equal(t, int64(5), dbtest.Stock(t, db, b.ID))
	assert.Equal(t, int64(1), dbtest.Stock(t, db, c.ID))

	var held int64
	require.NoError(t, db.Model(&models.StockReservation{}).
		Where("order_id = ? AND status <> ?", orderID, models.ReservationReleased).
		Count(&held).Error)
	assert.Zero(t, held)
}

func TestRelease_IsIdempotent(t *testing.T) {
	l, db := newLedger(t)
	p := dbtest.Product(t, db, "Zinc", "2.00", 4)
	orderID := uuid.New()

	r, err := l.Reserve(context.Background(), ReservationID(orderID, 0), orderID, Item{ProductID: p.ID, Quantity: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(0), dbtest.Stock(t, db, p.ID))

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Release(context.Background(), r.ID))
	}
	assert.Equal(t, int64(4), dbtest.Stock(t, db, p.ID))

	require.NoError(t, l.Release(context.Background(), "unknown:0"))
}

func TestRelease_SurvivesCancelledContext(t *testing.T) {
	l, db := newLedger(t)
	p := dbtest.Product(t, db, "Vitamin C", "2.00", 3)
	orderID := uuid.New()

	r, err := l.Reserve(context.Background(), ReservationID(orderID, 0), orderID, Item{ProductID: p.ID, Quantity: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Release(ctx, r.ID))
	assert.Equal(t, int64(3), dbtest.Stock(t, db, p.ID))
}

func TestCommitTx_AndReleaseOrder(t *testing.T) {
	l, db := newLedger(t)
	p := dbtest.Product(t, db, "Insulin", "30.00", 6)
	orderID := uuid.New()

	_, err := l.ReserveAll(context.Background(), orderID, []Item{
		{ProductID: p.ID, Quantity: 1},
		{ProductID: p.ID, Quantity: 2},
	})
	require.NoError(t, err)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return CommitTx(tx, orderID, 2)
	}))
	assert.Equal(t, int64(3), dbtest.Stock(t, db, p.ID))

	// committed lines are not orphans
	n, err := l.SweepOrphans(context.Background(), -time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, l.ReleaseOrder(context.Background(), orderID))
	require.NoError(t, l.ReleaseOrder(context.Background(), orderID))
	assert.Equal(t, int64(6), dbtest.Stock(t, db, p.ID))
}

func TestSweepOrphans_ReleasesStaleReservations(t *testing.T) {
	l, db := newLedger(t)
	p := dbtest.Product(t, db, "Melatonin", "8.00", 5)
	orderID := uuid.New()

	_, err := l.ReserveAll(context.Background(), orderID, []Item{{ProductID: p.ID, Quantity: 2}})
	require.NoError(t, err)

	n, err := l.SweepOrphans(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh reservations are kept")

	n, err = l.SweepOrphans(context.Background(), -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(5), dbtest.Stock(t, db, p.ID))

	err = db.Transaction(func(tx *gorm.DB) error {
		return CommitTx(tx, orderID, 1)
	})
	assert.ErrorIs(t, err, ErrReservationLost)
}
