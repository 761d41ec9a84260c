package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

// Gorm keeps entries in the kv_entries table so every replica sees them.
type Gorm struct {
	DB *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{DB: db}
}

func now() time.Time {
	return time.Now().UTC()
}

func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Gorm) dropExpired(db *gorm.DB, key string) error {
	return db.Where("kv_key = ? AND expires_at <= ?", key, now()).Delete(&models.KVEntry{}).Error
}

func (s *Gorm) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	db := s.DB.WithContext(ctx)
	if err := s.dropExpired(db, key); err != nil {
		return false, err
	}

	err := db.Create(&models.KVEntry{Key: key, Value: value, ExpiresAt: now().Add(ttl)}).Error
	if err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Gorm) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var counter int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.dropExpired(tx, key); err != nil {
			return err
		}

		e := models.KVEntry{Key: key, Counter: 1, ExpiresAt: now().Add(ttl)}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kv_key"}},
			DoUpdates: clause.Assignments(map[string]any{"counter": gorm.Expr("kv_entries.counter + 1")}),
		}).Create(&e).Error; err != nil {
			return err
		}

		return tx.Model(&models.KVEntry{}).Where("kv_key = ?", key).Pluck("counter", &counter).Error
	})
	return counter, err
}

func (s *Gorm) Get(ctx context.Context, key string) (string, bool, error) {
	var e models.KVEntry
	err := s.DB.WithContext(ctx).Where("kv_key = ? AND expires_at > ?", key, now()).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return e.Value, true, nil
}

func (s *Gorm) Delete(ctx context.Context, key string) error {
	return s.DB.WithContext(ctx).Where("kv_key = ?", key).Delete(&models.KVEntry{}).Error
}

// Purge removes expired entries and returns how many went.
func (s *Gorm) Purge(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).Where("expires_at <= ?", now()).Delete(&models.KVEntry{})
	return res.RowsAffected, res.Error
}
