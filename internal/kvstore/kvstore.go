// Package kvstore is the TTL key-value store behind webhook dedup and rate
// limiting. Memory suits a single instance; Gorm shares state across replicas.
package kvstore

import (
	"context"
	"time"
)

type Store interface {
	// SetNX stores value under key unless a live entry exists. It reports
	// whether this call created the entry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr bumps a counter and returns the new value. A missing or expired
	// counter starts at 1 and lives for ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
}
