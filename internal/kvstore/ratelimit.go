package kvstore

import (
	"context"
	"fmt"
	"time"
)

// RateLimiterStore implements echo's middleware.RateLimiterStore as a fixed
// window counter in a Store, so limits hold across instances.
type RateLimiterStore struct {
	Store  Store
	Prefix string
	Limit  int64
	Window time.Duration

	now func() time.Time
}

func NewRateLimiterStore(s Store, prefix string, limit int64, window time.Duration) *RateLimiterStore {
	return &RateLimiterStore{Store: s, Prefix: prefix, Limit: limit, Window: window, now: time.Now}
}

func (r *RateLimiterStore) Allow(identifier string) (bool, error) {
	slot := r.now().UTC().Truncate(r.Window).Unix()
	key := fmt.Sprintf("rl:%s:%s:%d", r.Prefix, identifier, slot)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n, err := r.Store.Incr(ctx, key, r.Window)
	if err != nil {
		return false, err
	}
	return n <= r.Limit, nil
}
