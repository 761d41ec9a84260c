// Package dbtest opens throwaway sqlite databases for package tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
	"github.com/Skotchmaster/online_pharmacy/pkg/db"
)

// Open returns a migrated in-memory database closed when the test ends.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	gdb, err := db.Open(context.Background(), db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(models.All()...))

	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

func Product(t testing.TB, gdb *gorm.DB, name, price string, stock int64) models.Product {
	t.Helper()

	cat := models.Category{ID: uuid.New(), Name: "otc"}
	require.NoError(t, gdb.Create(&cat).Error)

	p := models.Product{
		ID:         uuid.New(),
		Name:       name,
		Price:      decimal.RequireFromString(price),
		Stock:      stock,
		CategoryID: cat.ID,
	}
	require.NoError(t, gdb.Create(&p).Error)
	return p
}

func Stock(t testing.TB, gdb *gorm.DB, productID uuid.UUID) int64 {
	t.Helper()

	var p models.Product
	require.NoError(t, gdb.First(&p, "id = ?", productID).Error)
	return p.Stock
}
